package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable.
	Hostname string

	// Port is the HTTP server port.
	Port int

	// DatabaseURL selects the store: sqlite://path (default) or postgres://...
	DatabaseURL string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// EnableFirehose turns ingestion off for read-only replicas and local dev.
	EnableFirehose bool

	// PDSURL receives app-password logins.
	PDSURL string

	// PLCURL resolves did:plc documents.
	PLCURL string

	// AdminDID may hide statuses. Empty disables moderation endpoints.
	AdminDID string

	// OwnerHandle is the account served by /api/status.
	OwnerHandle string

	SessionSecret string

	// RateLimitMax write requests are allowed per client per RateLimitWindow.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// TrustProxy keys rate limits on the last X-Forwarded-For hop. Enable it
	// only behind a reverse proxy that appends that header.
	TrustProxy bool

	// RemoteWriteTimeout bounds each write to an author's repository.
	RemoteWriteTimeout time.Duration

	HandleCacheSize int
	HandleCacheTTL  time.Duration

	WebhookWorkers int

	// WebhookAllowHTTP permits plain http webhook targets.
	WebhookAllowHTTP bool

	LogLevel slog.Level
}

// PublicURL is the base URL browsers use to reach the service.
func (c *Config) PublicURL() string {
	if c.isLocal() {
		return fmt.Sprintf("http://localhost:%d", c.Port)
	}
	return "https://" + c.Hostname
}

// SecureCookies reports whether session cookies should be HTTPS only.
func (c *Config) SecureCookies() bool {
	return !c.isLocal()
}

func (c *Config) isLocal() bool {
	return c.Hostname == "localhost" || strings.HasPrefix(c.Hostname, "127.")
}

// Load reads configuration from environment variables with sensible
// defaults. Variables in a .env file in the working directory are loaded
// first; variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Hostname:      getenv("STATUS_HOSTNAME", "localhost"),
		DatabaseURL:   getenv("DATABASE_URL", "sqlite://statusphere.sqlite3"),
		FirehoseURL:   getenv("FIREHOSE_URL", "wss://jetstream2.us-east.bsky.network/subscribe"),
		PDSURL:        getenv("PDS_URL", "https://bsky.social"),
		PLCURL:        getenv("PLC_URL", "https://plc.directory"),
		AdminDID:      os.Getenv("ADMIN_DID"),
		OwnerHandle:   os.Getenv("OWNER_HANDLE"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.EnableFirehose, err = getBool("ENABLE_FIREHOSE", true); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getInt("RATE_LIMIT_MAX", 30); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.TrustProxy, err = getBool("TRUST_PROXY", false); err != nil {
		return nil, err
	}
	if cfg.RemoteWriteTimeout, err = getDuration("REMOTE_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.HandleCacheSize, err = getInt("HANDLE_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if cfg.HandleCacheTTL, err = getDuration("HANDLE_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.WebhookWorkers, err = getInt("WEBHOOK_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.WebhookAllowHTTP, err = getBool("WEBHOOK_ALLOW_HTTP", false); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if len(cfg.SessionSecret) < 32 {
		return nil, fmt.Errorf("SESSION_SECRET is required and must be at least 32 bytes")
	}
	if cfg.RateLimitMax < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
