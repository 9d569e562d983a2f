package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Drive     DriveConfig     `mapstructure:"drive"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    int           `mapstructure:"body_limit"`
	Debug        bool          `mapstructure:"debug"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	Database           string        `mapstructure:"database"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int32         `mapstructure:"max_connections"`
	MinConnections     int32         `mapstructure:"min_connections"`
	MaxConnLifetime    time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime    time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck        time.Duration `mapstructure:"health_check_period"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
}

// AuthConfig contains access token verification settings
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	Issuer    string        `mapstructure:"issuer"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	Provider    string `mapstructure:"provider"` // local or s3
	LocalPath   string `mapstructure:"local_path"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`
}

// UploadConfig contains chunked-upload settings
type UploadConfig struct {
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	MaxChunkSize  int64         `mapstructure:"max_chunk_size"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

// DriveConfig contains drive feature toggles
type DriveConfig struct {
	SyncEvents bool `mapstructure:"sync_events"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// RateLimitConfig contains request rate limiting settings
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	viper.SetConfigName("cirrus")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cirrus")

	// Set defaults
	setDefaults()

	// Enable environment variable support with underscore replacer
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CIRRUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	// Check multiple locations for .env file
	locations := []string{
		".env",
		".env.local",
		"../.env", // For when running from subdirectories
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.read_timeout", "15m")
	viper.SetDefault("server.write_timeout", "15m")
	viper.SetDefault("server.idle_timeout", "60s")
	viper.SetDefault("server.body_limit", 2*1024*1024*1024) // 2GB
	viper.SetDefault("server.debug", false)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.database", "cirrus")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.health_check_period", "1m")
	viper.SetDefault("database.slow_query_threshold", "1s")

	// Auth defaults
	viper.SetDefault("auth.jwt_secret", "your-secret-key-change-in-production")
	viper.SetDefault("auth.jwt_expiry", "15m")
	viper.SetDefault("auth.issuer", "cirrus")

	// Storage defaults
	viper.SetDefault("storage.provider", "local")
	viper.SetDefault("storage.local_path", "./data/storage")
	viper.SetDefault("storage.s3_region", "us-east-1")
	viper.SetDefault("storage.s3_use_ssl", true)

	// Upload defaults
	viper.SetDefault("upload.token_ttl", "24h")
	viper.SetDefault("upload.max_chunk_size", 32*1024*1024) // 32MB
	viper.SetDefault("upload.session_ttl", "24h")
	viper.SetDefault("upload.sweep_schedule", "@every 10m")
	viper.SetDefault("upload.sweep_batch", 100)

	// Drive defaults
	viper.SetDefault("drive.sync_events", true)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4317")
	viper.SetDefault("tracing.service_name", "cirrus")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)

	// Rate limit defaults
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.max_requests", 300)
	viper.SetDefault("ratelimit.window", "1m")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration error: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database configuration error: %w", err)
	}
	if err := c.Auth.Validate(c.Server.Debug); err != nil {
		return fmt.Errorf("auth configuration error: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration error: %w", err)
	}
	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload configuration error: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing configuration error: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("ratelimit configuration error: %w", err)
	}
	return nil
}

// Validate validates server settings
func (sc *ServerConfig) Validate() error {
	if sc.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if sc.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}
	if sc.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	if sc.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if sc.BodyLimit <= 0 {
		return fmt.Errorf("body_limit must be positive")
	}
	return nil
}

// Validate validates database settings
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if dc.Port < 1 || dc.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	if dc.User == "" {
		return fmt.Errorf("database user is required")
	}
	if dc.Database == "" {
		return fmt.Errorf("database name is required")
	}

	switch dc.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid ssl_mode: %s", dc.SSLMode)
	}

	if dc.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive")
	}
	if dc.MaxConnections < dc.MinConnections {
		return fmt.Errorf("max_connections must be greater than or equal to min_connections")
	}
	return nil
}

// Validate validates auth settings. Debug mode tolerates the
// development placeholder secret.
func (ac *AuthConfig) Validate(debug bool) error {
	if !debug && (ac.JWTSecret == "" || ac.JWTSecret == "your-secret-key-change-in-production") {
		return fmt.Errorf("please set a secure JWT secret")
	}
	if ac.JWTExpiry <= 0 {
		return fmt.Errorf("jwt_expiry must be positive")
	}
	return nil
}

// Validate validates storage settings
func (sc *StorageConfig) Validate() error {
	switch sc.Provider {
	case "local":
		if sc.LocalPath == "" {
			return fmt.Errorf("local_path is required when using the local provider")
		}
	case "s3":
		if sc.S3Endpoint == "" || sc.S3AccessKey == "" || sc.S3SecretKey == "" || sc.S3Bucket == "" {
			return fmt.Errorf("S3 configuration is incomplete")
		}
	default:
		return fmt.Errorf("storage provider must be 'local' or 's3'")
	}
	return nil
}

// Validate validates chunked-upload settings
func (uc *UploadConfig) Validate() error {
	if uc.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	if uc.MaxChunkSize <= 0 {
		return fmt.Errorf("max_chunk_size must be positive")
	}
	if uc.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if uc.SessionTTL < uc.TokenTTL {
		return fmt.Errorf("session_ttl must be at least token_ttl, or completions would outlive their sessions")
	}
	if uc.SweepSchedule == "" {
		return fmt.Errorf("sweep_schedule is required")
	}
	if uc.SweepBatch < 1 {
		return fmt.Errorf("sweep_batch must be positive")
	}
	return nil
}

// Validate validates tracing settings
func (tc *TracingConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if tc.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1")
	}
	return nil
}

// Validate validates rate limiting settings
func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}
	if rc.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be positive")
	}
	if rc.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (dc *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}
