// Package config loads coordinator settings from the environment and node
// settings from a YAML file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Coordinator holds all coordinator settings.
type Coordinator struct {
	// Server
	ServerAddr     string
	TLSCert        string
	TLSKey         string
	MetricsEnabled bool // expose Prometheus metrics on /metrics

	// Authentication
	DashboardSecret string // shared secret for the observer channel and control API
	AdminToken      string // optional Bearer token required for credential management
	NodeVerifyKey   string // optional ED25519 public key (Base64) for signed node tokens

	// Tasks
	DefaultTaskTimeout time.Duration
	TaskWaitTimeout    time.Duration // max time a ?wait=true request blocks
	TaskHistorySize    int

	// Connections
	AuxTTL           time.Duration
	AuxSweepInterval time.Duration

	// Sessions
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	// Logging
	LogLevel      string
	LogEncoding   string
	LogBufferSize int

	// Redis event mirror (disabled when RedisAddr is empty)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// PostgreSQL audit log (disabled when DBDSN is empty)
	DBDSN string

	Version string
}

// LoadCoordinator reads configuration from environment variables with
// sensible defaults.
func LoadCoordinator() *Coordinator {
	return &Coordinator{
		ServerAddr:           envOr("SERVER_ADDR", ":8080"),
		TLSCert:              envOr("TLS_CERT", ""),
		TLSKey:               envOr("TLS_KEY", ""),
		MetricsEnabled:       envBoolOr("METRICS_ENABLED", true),
		DashboardSecret:      envOr("DASHBOARD_SECRET", ""),
		AdminToken:           envOr("ADMIN_TOKEN", ""),
		NodeVerifyKey:        envOr("NODE_VERIFY_KEY", ""),
		DefaultTaskTimeout:   envDurationOr("DEFAULT_TASK_TIMEOUT", 5*time.Minute),
		TaskWaitTimeout:      envDurationOr("TASK_WAIT_TIMEOUT", 5*time.Minute+5*time.Second),
		TaskHistorySize:      envIntOr("TASK_HISTORY_SIZE", 500),
		AuxTTL:               envDurationOr("AUX_TTL", 2*time.Minute),
		AuxSweepInterval:     envDurationOr("AUX_SWEEP_INTERVAL", 30*time.Second),
		SessionTTL:           envDurationOr("SESSION_TTL", 24*time.Hour),
		SessionSweepInterval: envDurationOr("SESSION_SWEEP_INTERVAL", 10*time.Minute),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogEncoding:          envOr("LOG_ENCODING", "console"),
		LogBufferSize:        envIntOr("LOG_BUFFER_SIZE", 1000),
		RedisAddr:            envOr("REDIS_ADDR", ""),
		RedisPassword:        envOr("REDIS_PASSWORD", ""),
		RedisDB:              envIntOr("REDIS_DB", 0),
		RedisChannel:         envOr("REDIS_CHANNEL", "subagent:events"),
		DBDSN:                envOr("DB_DSN", ""),
		Version:              envOr("COORDINATOR_VERSION", "dev"),
	}
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Coordinator) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
