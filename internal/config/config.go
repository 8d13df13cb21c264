// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/mediastore/internal/pathguard"
	"github.com/maauso/mediastore/internal/policy"
)

// Static errors for configuration validation.
var (
	// ErrPepperRequired is returned when API_KEY_PEPPER is not set.
	ErrPepperRequired = errors.New("config: API_KEY_PEPPER is required")
	// ErrPepperTooShort is returned when the pepper is too weak for production.
	ErrPepperTooShort = errors.New("config: API_KEY_PEPPER must be at least 32 characters in production")
	// ErrRootsOverlap is returned when the temp and final roots are the same or nested.
	ErrRootsOverlap = errors.New("config: TEMP_ROOT and FINAL_ROOT must not overlap")
	// ErrInvalidDuration is returned for non-positive TTLs and intervals.
	ErrInvalidDuration = errors.New("config: durations must be positive")
	// ErrInvalidFitMode is returned when IMAGE_FIT_MODE is neither "fit" nor "pad".
	ErrInvalidFitMode = errors.New("config: IMAGE_FIT_MODE must be fit or pad")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required with S3_BUCKET")
)

const minProductionPepper = 32

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	Environment    string   `env:"APP_ENV, default=development" json:"environment"` // "production" hides error details
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxBodyBytes   int64    `env:"MAX_BODY_BYTES, default=536870912" json:"max_body_bytes"`

	// Storage settings
	TempRoot      string        `env:"TEMP_ROOT, default=/tmp/mediastore" json:"temp_root"`
	FinalRoot     string        `env:"FINAL_ROOT, default=./data/media" json:"final_root"`
	PublicBaseURL string        `env:"PUBLIC_BASE_URL" json:"public_base_url,omitempty"`
	SessionTTL    time.Duration `env:"SESSION_TTL, default=24h" json:"session_ttl"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=10m" json:"sweep_interval"`
	Workers       int           `env:"VALIDATION_WORKERS, default=4" json:"validation_workers"`

	// Policy overrides. Zero keeps the built-in default, a negative size
	// disables the category.
	ImageMaxBytes       int64   `env:"IMAGE_MAX_BYTES" json:"image_max_bytes,omitempty"`
	ImageMaxWidth       int     `env:"IMAGE_MAX_WIDTH" json:"image_max_width,omitempty"`
	ImageMaxHeight      int     `env:"IMAGE_MAX_HEIGHT" json:"image_max_height,omitempty"`
	VideoMaxBytes       int64   `env:"VIDEO_MAX_BYTES" json:"video_max_bytes,omitempty"`
	VideoMaxDurationSec float64 `env:"VIDEO_MAX_DURATION_SEC" json:"video_max_duration_sec,omitempty"`
	AudioMaxBytes       int64   `env:"AUDIO_MAX_BYTES" json:"audio_max_bytes,omitempty"`
	AudioMaxDurationSec float64 `env:"AUDIO_MAX_DURATION_SEC" json:"audio_max_duration_sec,omitempty"`
	DocumentMaxBytes    int64   `env:"DOCUMENT_MAX_BYTES" json:"document_max_bytes,omitempty"`
	DocumentMaxPages    int     `env:"DOCUMENT_MAX_PAGES" json:"document_max_pages,omitempty"`
	OtherMaxBytes       int64   `env:"OTHER_MAX_BYTES" json:"other_max_bytes,omitempty"`

	// Media tooling
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	// Committed images larger than this are scaled down. Zero disables the image hook.
	ImageFitWidth  int `env:"IMAGE_FIT_WIDTH" json:"image_fit_width,omitempty"`
	ImageFitHeight int `env:"IMAGE_FIT_HEIGHT" json:"image_fit_height,omitempty"`
	// ImageFitMode is "fit" (scale down only) or "pad" (exact size, letterboxed).
	ImageFitMode string `env:"IMAGE_FIT_MODE, default=fit" json:"image_fit_mode"`

	// Optional S3 mirror settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Accounts
	DatabasePath string `env:"DATABASE_PATH, default=./data/accounts.db" json:"database_path"`
	APIKeyPepper string `env:"API_KEY_PEPPER, required" json:"-"` // Masked in JSON
	BcryptCost   int    `env:"BCRYPT_COST, default=12" json:"bcrypt_cost"`

	// Verification codes. An empty REDIS_URL keeps codes in memory.
	RedisURL          string        `env:"REDIS_URL" json:"-"` // May carry a password
	RedisTimeout      time.Duration `env:"REDIS_CONNECT_TIMEOUT, default=5s" json:"redis_connect_timeout"`
	VerifyCodeTTL     time.Duration `env:"VERIFY_CODE_TTL, default=15m" json:"verify_code_ttl"`
	VerifyMaxAttempts int           `env:"VERIFY_MAX_ATTEMPTS, default=5" json:"verify_max_attempts"`
	// Codes are posted here for delivery. Empty logs them instead.
	VerifyWebhookURL   string `env:"VERIFY_WEBHOOK_URL" json:"verify_webhook_url,omitempty"`
	VerifyWebhookToken string `env:"VERIFY_WEBHOOK_TOKEN" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RedisEnabled returns true if verification codes go to Redis.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	return LoadFrom(context.Background(), envconfig.OsLookuper())
}

// LoadFrom reads configuration from l.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: l}); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "API_KEY_PEPPER") {
			return nil, ErrPepperRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that would break the service.
func (c *Config) Validate() error {
	if c.APIKeyPepper == "" {
		return ErrPepperRequired
	}
	if c.Production() && len(c.APIKeyPepper) < minProductionPepper {
		return ErrPepperTooShort
	}
	if c.SessionTTL <= 0 || c.SweepInterval <= 0 || c.VerifyCodeTTL <= 0 {
		return ErrInvalidDuration
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	switch strings.ToLower(c.ImageFitMode) {
	case "", "fit", "pad":
	default:
		return ErrInvalidFitMode
	}

	overlap, err := overlaps(c.TempRoot, c.FinalRoot)
	if err != nil {
		return fmt.Errorf("config: resolve roots: %w", err)
	}
	if overlap {
		return ErrRootsOverlap
	}
	return nil
}

// Rules returns the policy table with the configured overrides applied.
func (c *Config) Rules() policy.Rules {
	r := policy.DefaultRules()

	r.Image.MaxSize = overrideSize(r.Image.MaxSize, c.ImageMaxBytes)
	r.Image.MaxWidth = overrideInt(r.Image.MaxWidth, c.ImageMaxWidth)
	r.Image.MaxHeight = overrideInt(r.Image.MaxHeight, c.ImageMaxHeight)
	r.Video.MaxSize = overrideSize(r.Video.MaxSize, c.VideoMaxBytes)
	if c.VideoMaxDurationSec > 0 {
		r.Video.MaxDurationSec = c.VideoMaxDurationSec
	}
	r.Audio.MaxSize = overrideSize(r.Audio.MaxSize, c.AudioMaxBytes)
	if c.AudioMaxDurationSec > 0 {
		r.Audio.MaxDurationSec = c.AudioMaxDurationSec
	}
	r.Document.MaxSize = overrideSize(r.Document.MaxSize, c.DocumentMaxBytes)
	r.Document.MaxPages = overrideInt(r.Document.MaxPages, c.DocumentMaxPages)
	r.Other.MaxSize = overrideSize(r.Other.MaxSize, c.OtherMaxBytes)

	return r
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Environment: %s, TempRoot: %s, FinalRoot: %s, SessionTTL: %s, SweepInterval: %s, S3Bucket: %s, S3Region: %s, Redis: %t, DatabasePath: %s, APIKeyPepper: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.Environment,
		c.TempRoot,
		c.FinalRoot,
		c.SessionTTL,
		c.SweepInterval,
		c.S3Bucket,
		c.S3Region,
		c.RedisEnabled(),
		c.DatabasePath,
		mask(c.APIKeyPepper),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

func overrideSize(def, v int64) int64 {
	switch {
	case v < 0:
		return 0
	case v > 0:
		return v
	default:
		return def
	}
}

func overrideInt(def, v int) int {
	if v > 0 {
		return v
	}
	return def
}

// overlaps reports whether one root contains the other.
func overlaps(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return pathguard.Within(absA, absB) || pathguard.Within(absB, absA), nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
