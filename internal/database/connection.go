package database

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cirrusdrive/cirrus/internal/config"
	"github.com/cirrusdrive/cirrus/internal/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultSlowQueryThreshold is used when the config leaves the
// threshold unset.
const defaultSlowQueryThreshold = time.Second

// Connection represents a database connection pool
type Connection struct {
	pool      *pgxpool.Pool
	config    *config.DatabaseConfig
	metrics   *observability.Metrics
	slowQuery time.Duration
}

// SetMetrics sets the metrics instance for recording database metrics
func (c *Connection) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// extractTableName attempts to extract the table name from a SQL query
// Returns "unknown" if the table cannot be determined
func extractTableName(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))

	// Match common SQL patterns
	patterns := []struct {
		prefix string
		regex  *regexp.Regexp
	}{
		{"SELECT", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
		{"INSERT", regexp.MustCompile(`INTO\s+["']?(\w+)["']?`)},
		{"UPDATE", regexp.MustCompile(`UPDATE\s+["']?(\w+)["']?`)},
		{"DELETE", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
		{"WITH", regexp.MustCompile(`FROM\s+["']?(\w+)["']?`)},
	}

	for _, p := range patterns {
		if strings.HasPrefix(sql, p.prefix) {
			if matches := p.regex.FindStringSubmatch(sql); len(matches) > 1 {
				return strings.ToLower(matches[1])
			}
		}
	}

	return "unknown"
}

// extractOperation extracts the SQL operation type from a query
func extractOperation(sql string) string {
	sql = strings.ToUpper(strings.TrimSpace(sql))
	switch {
	case strings.HasPrefix(sql, "SELECT"), strings.HasPrefix(sql, "WITH"):
		return "select"
	case strings.HasPrefix(sql, "INSERT"):
		return "insert"
	case strings.HasPrefix(sql, "UPDATE"):
		return "update"
	case strings.HasPrefix(sql, "DELETE"):
		return "delete"
	default:
		return "other"
	}
}

// NewConnection creates a new database connection pool
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	// BeforeAcquire is called before a connection is acquired from the pool.
	// Return false to discard the connection and try another one.
	// This prevents returning stale/closed connections that would cause "conn closed" errors.
	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			log.Debug().Err(err).Msg("Discarding unhealthy connection from pool")
			return false
		}
		return true
	}

	// Use QueryExecModeDescribeExec to avoid prepared statement caching issues
	// when statements are invalidated, at the cost of slightly higher overhead
	// per query.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	// Create connection pool
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slowQuery := cfg.SlowQueryThreshold
	if slowQuery <= 0 {
		slowQuery = defaultSlowQueryThreshold
	}

	conn := &Connection{
		pool:      pool,
		config:    &cfg,
		slowQuery: slowQuery,
	}

	log.Info().
		Str("database", cfg.Database).
		Str("user", cfg.User).
		Msg("Database connection established")

	return conn, nil
}

// Close closes the database connection pool
func (c *Connection) Close() {
	c.pool.Close()
	log.Info().Msg("Database connection closed")
}

// Pool returns the underlying connection pool
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// Migrate runs the embedded schema migrations
func (c *Connection) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, c.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		if _, dbErr := m.Close(); dbErr != nil {
			log.Warn().Err(dbErr).Msg("Failed to close migration database handle")
		}
	}()

	// Check current version and dirty state
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	// If the database is in a dirty state, force the version to clean it.
	// This happens when a previous migration was interrupted.
	if dirty {
		log.Warn().Uint("version", version).Msg("Database is in dirty state, forcing version to clean")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	} else if err == migrate.ErrNoChange {
		log.Info().Msg("No new migrations to apply")
	} else {
		version, _, _ := m.Version()
		log.Info().Uint("version", version).Msg("Migrations applied successfully")
	}

	return nil
}

// BeginTx starts a transaction on the pool
func (c *Connection) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return c.pool.Begin(ctx)
}

// Query executes a query that returns rows
func (c *Connection) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := observability.StartDBSpan(ctx, extractOperation(sql), extractTableName(sql))
	start := time.Now()
	rows, err := c.pool.Query(ctx, sql, args...)
	observability.EndSpan(span, err)
	c.observe(ctx, sql, time.Since(start), err)
	return rows, err
}

// QueryRow executes a query that returns a single row
func (c *Connection) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := observability.StartDBSpan(ctx, extractOperation(sql), extractTableName(sql))
	start := time.Now()
	row := c.pool.QueryRow(ctx, sql, args...)
	// Errors only surface when the caller scans the row
	observability.EndSpan(span, nil)
	c.observe(ctx, sql, time.Since(start), nil)
	return row
}

// Exec executes a query that doesn't return rows
func (c *Connection) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := observability.StartDBSpan(ctx, extractOperation(sql), extractTableName(sql))
	start := time.Now()
	tag, err := c.pool.Exec(ctx, sql, args...)
	observability.EndSpan(span, err)
	c.observe(ctx, sql, time.Since(start), err)
	return tag, err
}

// observe records query metrics and logs slow queries
func (c *Connection) observe(ctx context.Context, sql string, duration time.Duration, err error) {
	if c.metrics != nil {
		c.metrics.RecordDBQuery(extractOperation(sql), extractTableName(sql), duration, err)
	}

	if duration > c.slowQuery {
		logEvent := log.Warn().
			Dur("duration", duration).
			Int64("duration_ms", duration.Milliseconds()).
			Str("query", truncateQuery(sql, 200)).
			Bool("slow_query", true)
		if traceID := observability.ExtractTraceID(ctx); traceID != "" {
			logEvent = logEvent.
				Str("trace_id", traceID).
				Str("span_id", observability.ExtractSpanID(ctx))
		}
		logEvent.Msg("Slow query detected")
	}
}

// Health checks the health of the database connection
func (c *Connection) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	err := c.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("unexpected health check result: %d", result)
	}

	return nil
}

// Stats returns database connection pool statistics
func (c *Connection) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}

// truncateQuery truncates a SQL query to a maximum length for logging
func truncateQuery(query string, maxLen int) string {
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "... (truncated)"
}
