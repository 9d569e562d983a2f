package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/api"
	"github.com/cirrusdrive/cirrus/internal/auth"
	"github.com/cirrusdrive/cirrus/internal/config"
	"github.com/cirrusdrive/cirrus/internal/database"
	"github.com/cirrusdrive/cirrus/internal/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// CLI flags
	showVersion = flag.Bool("version", false, "Show version information")
	issueToken  = flag.String("issue-token", "", "Print a session token for the given user ID and exit (development helper)")
)

func main() {
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("Cirrus %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
		os.Exit(0)
	}

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting Cirrus")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Mint a session token and exit. Session tokens normally come from
	// the identity service; this covers local development and smoke
	// tests against a bare Cirrus instance.
	if *issueToken != "" {
		if _, err := uuid.Parse(*issueToken); err != nil {
			log.Fatal().Err(err).Msg("-issue-token requires a user UUID")
		}
		jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer)
		token, claims, err := jwtManager.Generate(*issueToken, "")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to sign session token")
		}
		fmt.Println(token)
		log.Info().Time("expires_at", claims.ExpiresAt.Time).Msg("Session token issued")
		os.Exit(0)
	}

	// Initialize database connection
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize the storage backend
	provider, err := newProvider(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage provider")
	}
	log.Info().Str("provider", provider.Name()).Msg("Storage provider ready")

	// Initialize API server
	server := api.NewServer(cfg, db, provider)

	// Start server in a goroutine
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("Starting Cirrus server")
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx := context.Background()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// newProvider builds the storage backend the configuration names.
func newProvider(ctx context.Context, cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Provider {
	case "s3":
		return storage.NewS3Provider(ctx,
			cfg.Storage.S3Endpoint,
			cfg.Storage.S3AccessKey,
			cfg.Storage.S3SecretKey,
			cfg.Storage.S3Bucket,
			cfg.Storage.S3Region,
			cfg.Storage.S3UseSSL,
		)
	case "local", "":
		return storage.NewLocalProvider(cfg.Storage.LocalPath)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}
