package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/calfeedsync/internal/calstore"
	"github.com/macjediwizard/calfeedsync/internal/notify"
	"github.com/macjediwizard/calfeedsync/internal/validator"
	"github.com/robfig/cron/v3"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Feed         FeedConfig
	CalDAV       CalDAVConfig
	Database     DatabaseConfig
	Sync         SyncConfig
	Cleanup      CleanupConfig
	Alerts       AlertConfig
	RateLimiting RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
	// APIToken protects the operator API when set.
	APIToken string
}

// FeedConfig describes the source feed.
type FeedConfig struct {
	URL      string
	CacheDir string
}

// CalDAVConfig holds the target calendar and its credentials.
type CalDAVConfig struct {
	URL             string
	CalendarID      string
	Username        string
	Password        string
	BearerToken     string
	OAuth           OAuthConfig
	AllowPrivateIPs bool

	CallTimeout     time.Duration
	RPS             float64
	Burst           int
	MaxRetryElapsed time.Duration
}

// OAuthConfig holds refresh-token credentials for servers that use OAuth2.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Enabled reports whether OAuth credentials were supplied.
func (o OAuthConfig) Enabled() bool {
	return o.RefreshToken != ""
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// SyncConfig holds run scheduling and window configuration.
type SyncConfig struct {
	Schedule         string
	PastDays         int
	FutureDays       int
	ApplyWorkers     int
	LogRetentionDays int
}

// CleanupConfig holds duplicate detection settings.
type CleanupConfig struct {
	FuzzyThreshold float64
	FuzzyTolerance time.Duration
	MaxDeletions   int
	RulesFile      string
}

// AlertConfig holds webhook alert settings.
type AlertConfig struct {
	WebhookURL      string
	CooldownMinutes int
}

// RateLimitConfig holds HTTP API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	var err error

	// Server configuration
	if cfg.Server.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))
	cfg.Server.APIToken = getEnvRequired("API_TOKEN")

	// Source feed
	cfg.Feed.URL = getEnvRequired("FEED_URL")
	cfg.Feed.CacheDir = getEnv("FEED_CACHE_DIR", "./data/feed-cache")

	// Target calendar
	cfg.CalDAV.URL = getEnvRequired("CALDAV_URL")
	cfg.CalDAV.CalendarID = getEnv("TARGET_CALENDAR_ID", calendarPath(cfg.CalDAV.URL))
	cfg.CalDAV.Username = getEnvRequired("CALDAV_USERNAME")
	cfg.CalDAV.Password = getEnvRequired("CALDAV_PASSWORD")
	cfg.CalDAV.BearerToken = getEnvRequired("CALDAV_BEARER_TOKEN")
	cfg.CalDAV.OAuth = OAuthConfig{
		TokenURL:     getEnvRequired("CALDAV_OAUTH_TOKEN_URL"),
		ClientID:     getEnvRequired("CALDAV_OAUTH_CLIENT_ID"),
		ClientSecret: getEnvRequired("CALDAV_OAUTH_CLIENT_SECRET"),
		RefreshToken: getEnvRequired("CALDAV_OAUTH_REFRESH_TOKEN"),
	}
	if cfg.CalDAV.AllowPrivateIPs, err = getEnvBool("CALDAV_ALLOW_PRIVATE_IPS", false); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_ALLOW_PRIVATE_IPS: %w", ErrInvalidConfig, err)
	}
	if cfg.CalDAV.CallTimeout, err = getEnvDuration("STORE_CALL_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%w: STORE_CALL_TIMEOUT: %w", ErrInvalidConfig, err)
	}
	if cfg.CalDAV.RPS, err = getEnvFloat("STORE_RPS", 5.0); err != nil {
		return nil, fmt.Errorf("%w: STORE_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.CalDAV.Burst, err = getEnvInt("STORE_BURST", 10); err != nil {
		return nil, fmt.Errorf("%w: STORE_BURST: %w", ErrInvalidConfig, err)
	}
	if cfg.CalDAV.MaxRetryElapsed, err = getEnvDuration("STORE_MAX_RETRY_ELAPSED", 30*time.Second); err != nil {
		return nil, fmt.Errorf("%w: STORE_MAX_RETRY_ELAPSED: %w", ErrInvalidConfig, err)
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calfeedsync.db")

	// Sync configuration
	cfg.Sync.Schedule = getEnv("SYNC_SCHEDULE", "@every 15m")
	if cfg.Sync.PastDays, err = getEnvInt("SYNC_WINDOW_PAST_DAYS", 7); err != nil {
		return nil, fmt.Errorf("%w: SYNC_WINDOW_PAST_DAYS: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.FutureDays, err = getEnvInt("SYNC_WINDOW_FUTURE_DAYS", 90); err != nil {
		return nil, fmt.Errorf("%w: SYNC_WINDOW_FUTURE_DAYS: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.ApplyWorkers, err = getEnvInt("APPLY_WORKERS", 1); err != nil {
		return nil, fmt.Errorf("%w: APPLY_WORKERS: %w", ErrInvalidConfig, err)
	}
	if cfg.Sync.LogRetentionDays, err = getEnvInt("LOG_RETENTION_DAYS", 30); err != nil {
		return nil, fmt.Errorf("%w: LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}

	// Cleanup configuration
	if cfg.Cleanup.FuzzyThreshold, err = getEnvFloat("CLEANUP_FUZZY_THRESHOLD", 0.85); err != nil {
		return nil, fmt.Errorf("%w: CLEANUP_FUZZY_THRESHOLD: %w", ErrInvalidConfig, err)
	}
	if cfg.Cleanup.FuzzyTolerance, err = getEnvDuration("CLEANUP_FUZZY_TOLERANCE", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("%w: CLEANUP_FUZZY_TOLERANCE: %w", ErrInvalidConfig, err)
	}
	if cfg.Cleanup.MaxDeletions, err = getEnvInt("CLEANUP_MAX_DELETIONS", 100); err != nil {
		return nil, fmt.Errorf("%w: CLEANUP_MAX_DELETIONS: %w", ErrInvalidConfig, err)
	}
	cfg.Cleanup.RulesFile = getEnvRequired("CLEANUP_RULES_FILE")

	// Alerts
	cfg.Alerts.WebhookURL = getEnvRequired("WEBHOOK_URL")
	if cfg.Alerts.CooldownMinutes, err = getEnvInt("ALERT_COOLDOWN_MINUTES", 60); err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}

	// Rate limiting configuration
	if cfg.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", 10.0); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if cfg.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	if err := cfg.checkRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Feed.URL == "" {
		missing = append(missing, "FEED_URL")
	}
	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}

	hasBasic := c.CalDAV.Username != "" && c.CalDAV.Password != ""
	if !hasBasic && c.CalDAV.BearerToken == "" && !c.CalDAV.OAuth.Enabled() {
		missing = append(missing, "CALDAV_USERNAME/CALDAV_PASSWORD or CALDAV_BEARER_TOKEN or CALDAV_OAUTH_REFRESH_TOKEN")
	}
	if c.CalDAV.OAuth.Enabled() {
		if c.CalDAV.OAuth.TokenURL == "" {
			missing = append(missing, "CALDAV_OAUTH_TOKEN_URL")
		}
		if c.CalDAV.OAuth.ClientID == "" {
			missing = append(missing, "CALDAV_OAUTH_CLIENT_ID")
		}
	}

	return missing
}

func (c *Config) checkRanges() error {
	switch {
	case c.Sync.PastDays < 0:
		return fmt.Errorf("%w: SYNC_WINDOW_PAST_DAYS must not be negative", ErrInvalidConfig)
	case c.Sync.FutureDays <= 0:
		return fmt.Errorf("%w: SYNC_WINDOW_FUTURE_DAYS must be positive", ErrInvalidConfig)
	case c.Sync.ApplyWorkers < 1:
		return fmt.Errorf("%w: APPLY_WORKERS must be at least 1", ErrInvalidConfig)
	case c.Sync.LogRetentionDays < 1:
		return fmt.Errorf("%w: LOG_RETENTION_DAYS must be at least 1", ErrInvalidConfig)
	case c.Cleanup.FuzzyThreshold <= 0 || c.Cleanup.FuzzyThreshold > 1:
		return fmt.Errorf("%w: CLEANUP_FUZZY_THRESHOLD must be in (0, 1]", ErrInvalidConfig)
	case c.Cleanup.FuzzyTolerance < 0:
		return fmt.Errorf("%w: CLEANUP_FUZZY_TOLERANCE must not be negative", ErrInvalidConfig)
	case c.Cleanup.MaxDeletions < 0:
		return fmt.Errorf("%w: CLEANUP_MAX_DELETIONS must not be negative", ErrInvalidConfig)
	}

	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		return fmt.Errorf("%w: SYNC_SCHEDULE: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks URL formats and that the feed and CalDAV server answer.
func (c *Config) Validate(ctx context.Context) error {
	var opts []validator.Option
	if c.CalDAV.AllowPrivateIPs {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	v := validator.New(opts...)

	if err := v.ValidateFeed(ctx, c.Feed.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: FEED_URL: %w", ErrValidationFailed, err)
	}

	if err := v.ValidateCalDAVEndpoint(ctx, c.CalDAV.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}

	if c.Alerts.WebhookURL != "" {
		if err := notify.ValidateWebhookURL(c.Alerts.WebhookURL); err != nil {
			return fmt.Errorf("%w: WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// PastWindow is how far back the sync window reaches.
func (c *Config) PastWindow() time.Duration {
	return time.Duration(c.Sync.PastDays) * 24 * time.Hour
}

// FutureWindow is how far ahead the sync window reaches.
func (c *Config) FutureWindow() time.Duration {
	return time.Duration(c.Sync.FutureDays) * 24 * time.Hour
}

// StoreOptions returns the CalDAV client tuning.
func (c *Config) StoreOptions() calstore.CalDAVOptions {
	return calstore.CalDAVOptions{
		Timeout:           c.CalDAV.CallTimeout,
		RequestsPerSecond: c.CalDAV.RPS,
		Burst:             c.CalDAV.Burst,
		RetryWindow:       c.CalDAV.MaxRetryElapsed,
	}
}

// calendarPath returns the path component of a CalDAV collection URL.
func calendarPath(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %w", err)
	}
	return parsed, nil
}
