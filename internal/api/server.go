package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/auth"
	"github.com/cirrusdrive/cirrus/internal/config"
	"github.com/cirrusdrive/cirrus/internal/database"
	"github.com/cirrusdrive/cirrus/internal/drive"
	"github.com/cirrusdrive/cirrus/internal/middleware"
	"github.com/cirrusdrive/cirrus/internal/observability"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

// Server is the HTTP front of the drive: the fiber app, both handler
// groups and the expiry sweeper, wired over one database connection and
// one storage provider.
type Server struct {
	app              *fiber.App
	config           *config.Config
	db               *database.Connection
	provider         storage.Provider
	tracer           *observability.Tracer
	metrics          *observability.Metrics
	service          *drive.Service
	manager          *drive.MultipartManager
	sweeper          *drive.Sweeper
	filesHandler     *FilesHandler
	multipartHandler *MultipartHandler
	startedAt        time.Time
}

// NewServer wires the full request path. The provider is injected so
// the binary can pick local or S3 storage from config; request bodies
// stay streamed because uploads routinely exceed memory.
func NewServer(cfg *config.Config, db *database.Connection, provider storage.Provider) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader:          "Cirrus",
		AppName:               "Cirrus v0.1.0",
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: !cfg.Server.Debug,
		ErrorHandler:          errorHandler,
		StreamRequestBody:     true,
	})

	tracerCfg := observability.TracerConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	}
	tracer, err := observability.NewTracer(context.Background(), tracerCfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize OpenTelemetry tracer, tracing will be disabled")
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		db.SetMetrics(metrics)
		provider = storage.NewInstrumentedProvider(provider, metrics)
	}

	repo := drive.NewRepository(db)
	ledger := drive.NewQuotaLedger(db)

	var events drive.EventRecorder = drive.NoopEventRecorder{}
	if cfg.Drive.SyncEvents {
		events = drive.NewTableEventRecorder(db)
	}

	tokens := drive.NewUploadTokenManager(cfg.Auth.JWTSecret, cfg.Upload.TokenTTL, cfg.Auth.Issuer)
	service := drive.NewService(repo, ledger, provider, events)
	manager := drive.NewMultipartManager(repo, repo, ledger, provider, tokens, events, drive.MultipartConfig{
		MaxChunkSize: cfg.Upload.MaxChunkSize,
		SessionTTL:   cfg.Upload.SessionTTL,
		SweepBatch:   cfg.Upload.SweepBatch,
	})

	s := &Server{
		app:              app,
		config:           cfg,
		db:               db,
		provider:         provider,
		tracer:           tracer,
		metrics:          metrics,
		service:          service,
		manager:          manager,
		sweeper:          drive.NewSweeper(manager, cfg.Upload.SweepSchedule),
		filesHandler:     NewFilesHandler(service, metrics),
		multipartHandler: NewMultipartHandler(manager, metrics),
		startedAt:        time.Now(),
	}

	s.setupMiddlewares()
	s.setupRoutes(auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer))

	return s
}

func (s *Server) setupMiddlewares() {
	// Request ID middleware - must be first for tracing
	s.app.Use(requestid.New())

	if s.config.Tracing.Enabled && s.tracer != nil && s.tracer.IsEnabled() {
		tracingCfg := middleware.DefaultTracingConfig()
		tracingCfg.ServiceName = s.config.Tracing.ServiceName
		s.app.Use(middleware.TracingMiddleware(tracingCfg))
	}

	s.app.Use(middleware.StructuredLogger(middleware.StructuredLoggerConfig{
		SkipPaths:            []string{"/health", "/metrics"},
		SlowRequestThreshold: time.Second,
	}))

	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: s.config.Server.Debug,
	}))

	s.app.Use(cors.New())

	if s.config.RateLimit.Enabled {
		s.app.Use(middleware.GlobalAPILimiter(s.config.RateLimit.MaxRequests, s.config.RateLimit.Window))
	}

	if s.metrics != nil {
		s.app.Use(s.metrics.MetricsMiddleware())
	}
}

func (s *Server) setupRoutes(jwtManager *auth.JWTManager) {
	s.app.Get("/health", s.handleHealth)

	if s.metrics != nil {
		s.app.Get("/metrics", s.metrics.Handler())
	}

	session := SessionAuth(jwtManager)
	files := s.app.Group("/files")

	// Chunk traffic authenticates with the upload token minted at
	// initiation, so part, complete and abort sit outside the session
	// middleware. Initiation still needs the session.
	files.Post("/multipart/initiate", session, middleware.UploadInitiateLimiter(), s.multipartHandler.Initiate)
	files.Post("/multipart/:sessionID/part", s.multipartHandler.UploadPart)
	files.Put("/multipart/:sessionID/part/:partNumber", s.multipartHandler.UploadPart)
	files.Post("/multipart/:sessionID/complete", s.multipartHandler.Complete)
	files.Delete("/multipart/:sessionID/abort", s.multipartHandler.Abort)
	files.Delete("/multipart/:sessionID", s.multipartHandler.Abort)

	// Static listing routes register before the :id routes so "all"
	// and friends never parse as file ids.
	files.Get("/", session, s.filesHandler.ListFolder)
	files.Get("/all", session, s.filesHandler.ListAll)
	files.Get("/recent", session, s.filesHandler.ListRecent)
	files.Get("/favorites", session, s.filesHandler.ListFavorites)
	files.Get("/shared", session, s.filesHandler.ListShared)
	files.Get("/trash", session, s.filesHandler.ListTrash)

	files.Post("/upload", session, s.filesHandler.Upload)
	files.Put("/", session, s.filesHandler.Upload)
	files.Post("/create-directory", session, s.filesHandler.CreateDirectory)
	files.Post("/move-file", session, s.filesHandler.Move)

	files.Get("/:id", session, s.filesHandler.Show)
	files.Get("/:id/download", session, s.filesHandler.Download)
	files.Put("/:id", session, s.filesHandler.Update)
	files.Patch("/:id/rename", session, s.filesHandler.Rename)
	files.Patch("/:id/favorite", session, s.filesHandler.SetFavorite)
	files.Post("/:id/favorite", session, s.filesHandler.SetFavorite)
	files.Patch("/:id", session, s.filesHandler.Rename)
	files.Post("/:id/restore", session, s.filesHandler.Restore)
	files.Delete("/:id/permanent-delete", session, s.filesHandler.HardDelete)
	files.Delete("/:id", session, s.filesHandler.SoftDelete)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbHealthy := true
	if err := s.db.Health(ctx); err != nil {
		dbHealthy = false
		log.Error().Err(err).Msg("Database health check failed")
	}

	storageHealthy := true
	if hc, ok := s.provider.(storage.HealthChecker); ok {
		if err := hc.Health(ctx); err != nil {
			storageHealthy = false
			log.Error().Err(err).Msg("Storage health check failed")
		}
	}

	if s.metrics != nil {
		s.metrics.UpdateUptime(s.startedAt)
		if stat := s.db.Stats(); stat != nil {
			s.metrics.UpdateDBStats(stat.TotalConns(), stat.IdleConns(), stat.MaxConns())
		}
	}

	status := "ok"
	httpStatus := fiber.StatusOK
	if !dbHealthy || !storageHealthy {
		status = "degraded"
		httpStatus = fiber.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":   status,
		"provider": s.provider.Name(),
		"services": fiber.Map{
			"database": dbHealthy,
			"storage":  storageHealthy,
		},
		"timestamp": time.Now().UTC(),
	})
}

// Start launches the expiry sweeper, then blocks serving HTTP.
func (s *Server) Start() error {
	if err := s.sweeper.Start(); err != nil {
		return err
	}
	return s.app.Listen(s.config.Server.Address)
}

// Shutdown stops the sweeper, drains in-flight requests and flushes the
// tracer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()

	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shutdown OpenTelemetry tracer")
		}
	}

	log.Info().Msg("Shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app instance for testing
func (s *Server) App() *fiber.App {
	return s.app
}

// errorHandler converts errors that escape the handlers, fiber's own
// routing errors included, into the standard JSON shape.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("Server error")
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:     message,
		RequestID: getRequestID(c),
	})
}
