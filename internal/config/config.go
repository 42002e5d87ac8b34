// Package config provides configuration for the rollout CLI.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Trace sources for replay population.
const (
	TraceSourceBackend = "backend"
	TraceSourceSQLite  = "sqlite"
)

// Config holds the rollout configuration.
type Config struct {
	// Backend
	BackendURL   string
	DashboardURL string
	APIKey       string

	// Cache server
	CachePort int

	// Session stream
	HeartbeatInterval time.Duration
	HeartbeatMissed   int
	ReconnectDelay    time.Duration

	// Timeouts
	KillGrace       time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// Storage
	DatabaseURL string
	TraceSource string

	// Functions
	Manifest   string
	PolicyFile string
	Watch      bool

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		BackendURL:        strings.TrimRight(getEnv("ROLLOUT_BACKEND_URL", "http://localhost:8000"), "/"),
		DashboardURL:      strings.TrimRight(getEnv("ROLLOUT_DASHBOARD_URL", "http://localhost:3000"), "/"),
		APIKey:            getEnv("ROLLOUT_API_KEY", ""),
		CachePort:         getEnvInt("ROLLOUT_CACHE_PORT", 4100),
		HeartbeatInterval: time.Duration(getEnvInt("ROLLOUT_HEARTBEAT_INTERVAL_MS", 5000)) * time.Millisecond,
		HeartbeatMissed:   getEnvInt("ROLLOUT_HEARTBEAT_MISSED", 3),
		ReconnectDelay:    time.Duration(getEnvInt("ROLLOUT_RECONNECT_DELAY_MS", 1000)) * time.Millisecond,
		KillGrace:         time.Duration(getEnvInt("ROLLOUT_KILL_GRACE_MS", 2000)) * time.Millisecond,
		ShutdownTimeout:   time.Duration(getEnvInt("ROLLOUT_SHUTDOWN_TIMEOUT_MS", 5000)) * time.Millisecond,
		RequestTimeout:    time.Duration(getEnvInt("ROLLOUT_REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
		DatabaseURL:       getEnv("ROLLOUT_DB", ":memory:"),
		TraceSource:       getEnv("ROLLOUT_TRACE_SOURCE", TraceSourceBackend),
		Manifest:          getEnv("ROLLOUT_MANIFEST", "rollout.yaml"),
		PolicyFile:        getEnv("ROLLOUT_POLICY_FILE", ""),
		Watch:             getEnvBool("ROLLOUT_WATCH", true),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
