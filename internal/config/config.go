package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendFS = "fs"
	BackendS3 = "s3"
)

// Config struct for environment variables.
type Config struct {
	RetentionDays          int    `envconfig:"FILE_RETENTION_DAYS" default:"30"`
	GracePeriodDays        int    `envconfig:"GRACE_PERIOD_DAYS" default:"7"`
	CleanupIntervalMinutes int    `envconfig:"CLEANUP_INTERVAL_MINUTES" default:"1440"`
	MaxUploadBytes         int64  `envconfig:"MAX_UPLOAD_BYTES" default:"104857600"`
	AppBaseURL             string `envconfig:"APP_BASE_URL" default:"http://localhost:8080"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL      string `envconfig:"DISCORD_WEBHOOK_URL"`

	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite"`
	DBDSN    string `envconfig:"DB_DSN" default:"./App_Data/app.db"`

	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"fs"`
	StorageRoot    string `envconfig:"STORAGE_ROOT" default:"./storage"`

	DeleteQueueSize int `envconfig:"DELETE_QUEUE_SIZE" default:"128"`
	DeleteWorkers   int `envconfig:"DELETE_WORKERS" default:"2"`

	S3 struct {
		Bucket    string
		Region    string `default:"us-east-1"`
		Endpoint  string
		AccessKey string `split_words:"true"`
		SecretKey string `split_words:"true"`
	}

	Upload struct {
		Username string `split_words:"true" default:"owner"`
		Password string `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"onetimeshare"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads an optional .env file and the environment and populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("FILE_RETENTION_DAYS must be positive, got %d", c.RetentionDays))
	}
	if c.GracePeriodDays < 0 {
		errs = append(errs, fmt.Errorf("GRACE_PERIOD_DAYS must not be negative, got %d", c.GracePeriodDays))
	}
	if c.CleanupIntervalMinutes <= 0 {
		errs = append(errs, fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive, got %d", c.CleanupIntervalMinutes))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if c.DeleteQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("DELETE_QUEUE_SIZE must be positive, got %d", c.DeleteQueueSize))
	}
	if c.DeleteWorkers <= 0 {
		errs = append(errs, fmt.Errorf("DELETE_WORKERS must be positive, got %d", c.DeleteWorkers))
	}

	switch c.DBDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}

	switch c.StorageBackend {
	case BackendFS:
		if c.StorageRoot == "" {
			errs = append(errs, errors.New("STORAGE_ROOT is required for the fs backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}

func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// UploadEnabled reports whether the owner upload endpoint should be mounted.
func (c *Config) UploadEnabled() bool {
	return c.Upload.Password != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
