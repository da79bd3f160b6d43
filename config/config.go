// Package config provides centralized configuration for the cascade delete
// engine.
//
// All configuration values are loaded once at process start from
// environment variables with sensible defaults. There is no hot-reload:
// a running process keeps the Config it loaded at startup for its
// lifetime.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the cascade delete engine.
type Config struct {
	// HTTP Server Configuration
	// =========================

	// Port is the HTTP server listening port.
	// Environment: CASCADE_PORT
	// Default: 8085
	Port int

	// HTTPReadTimeout is the maximum duration for reading the entire request.
	// Environment: CASCADE_HTTP_READ_TIMEOUT (seconds)
	// Default: 15 seconds
	HTTPReadTimeout time.Duration

	// HTTPWriteTimeout is the maximum duration before timing out writes.
	// Environment: CASCADE_HTTP_WRITE_TIMEOUT (seconds)
	// Default: 15 seconds
	HTTPWriteTimeout time.Duration

	// HTTPIdleTimeout is the maximum time to wait for the next request.
	// Environment: CASCADE_HTTP_IDLE_TIMEOUT (seconds)
	// Default: 60 seconds
	HTTPIdleTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for the HTTP server's
	// graceful shutdown. Stopping the Scheduler afterwards is not bounded
	// by it.
	// Environment: CASCADE_SHUTDOWN_TIMEOUT (seconds)
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// Storage Configuration
	// =====================

	// StorageBackend selects the EntityRepository/OperationLog
	// implementation: "memory" or "sqlite".
	// Environment: CASCADE_STORAGE_BACKEND
	// Default: "sqlite"
	StorageBackend string

	// DataPath is the root directory for the sqlite storage backend.
	// Environment: CASCADE_DATA_PATH
	// Default: "./var"
	DataPath string

	// Admission / Rate Limiting Configuration
	// ========================================

	// MaxConcurrentPerPrincipalPerWorld caps how many non-terminal delete
	// operations a single principal may have in-flight within one world.
	// Environment: CASCADE_MAX_CONCURRENT_PER_PRINCIPAL_PER_WORLD
	// Default: 5
	MaxConcurrentPerPrincipalPerWorld int

	// RetryAfterSeconds is the value returned to a caller rejected by the
	// concurrency cap, advising when to retry the request.
	// Environment: CASCADE_RETRY_AFTER_SECONDS
	// Default: 30
	RetryAfterSeconds int

	// Scheduler Configuration
	// =======================

	// BatchSize is the number of descendant entities the Scheduler soft
	// deletes before checkpointing an operation's progress.
	// Environment: CASCADE_BATCH_SIZE
	// Default: 50
	BatchSize int

	// PollIntervalMs is how often the Scheduler polls the Operation Log
	// for pending work and sweeps expired terminal records.
	// Environment: CASCADE_POLL_INTERVAL_MS
	// Default: 2000
	PollIntervalMs int

	// WorkerCount is the number of operations the Scheduler drains
	// concurrently.
	// Environment: CASCADE_WORKER_COUNT
	// Default: 4
	WorkerCount int

	// OperationTTLHours is how long a terminal operation record is kept
	// before SweepExpired removes it.
	// Environment: CASCADE_OPERATION_TTL_HOURS
	// Default: 24
	OperationTTLHours int

	// MaxFailedEntityIDsRecorded caps the length of a DeleteOperation's
	// FailedEntityIDs list; beyond this the count is still tracked but
	// individual ids are no longer appended.
	// Environment: CASCADE_MAX_FAILED_ENTITY_IDS_RECORDED
	// Default: 100
	MaxFailedEntityIDsRecorded int

	// SoftDeleteRetries is the number of attempts made against a single
	// entity before it is recorded as failed, using the backoff ladder in
	// RetryBackoff.
	// Environment: CASCADE_SOFT_DELETE_RETRIES
	// Default: 3
	SoftDeleteRetries int

	// RetryBackoff is the fixed backoff ladder applied between
	// SoftDeleteOne attempts on the same entity: 50ms, 200ms, 1s.
	RetryBackoff []time.Duration

	// Logging Configuration
	// =====================

	// LogLevel sets the minimum log level for message output.
	// Environment: CASCADE_LOG_LEVEL
	// Default: "info"
	LogLevel string
}

// Load creates a new Config instance with values loaded from environment
// variables, falling back to documented defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:             getEnvInt("CASCADE_PORT", 8085),
		HTTPReadTimeout:  getEnvDuration("CASCADE_HTTP_READ_TIMEOUT", 15),
		HTTPWriteTimeout: getEnvDuration("CASCADE_HTTP_WRITE_TIMEOUT", 15),
		HTTPIdleTimeout:  getEnvDuration("CASCADE_HTTP_IDLE_TIMEOUT", 60),
		ShutdownTimeout:  getEnvDuration("CASCADE_SHUTDOWN_TIMEOUT", 30),

		StorageBackend: getEnv("CASCADE_STORAGE_BACKEND", "sqlite"),
		DataPath:       getEnv("CASCADE_DATA_PATH", "./var"),

		MaxConcurrentPerPrincipalPerWorld: getEnvInt("CASCADE_MAX_CONCURRENT_PER_PRINCIPAL_PER_WORLD", 5),
		RetryAfterSeconds:                 getEnvInt("CASCADE_RETRY_AFTER_SECONDS", 30),

		BatchSize:         getEnvInt("CASCADE_BATCH_SIZE", 50),
		PollIntervalMs:    getEnvInt("CASCADE_POLL_INTERVAL_MS", 2000),
		WorkerCount:       getEnvInt("CASCADE_WORKER_COUNT", 4),
		OperationTTLHours: getEnvInt("CASCADE_OPERATION_TTL_HOURS", 24),

		MaxFailedEntityIDsRecorded: getEnvInt("CASCADE_MAX_FAILED_ENTITY_IDS_RECORDED", 100),
		SoftDeleteRetries:          getEnvInt("CASCADE_SOFT_DELETE_RETRIES", 3),
		RetryBackoff: []time.Duration{
			50 * time.Millisecond,
			200 * time.Millisecond,
			1000 * time.Millisecond,
		},

		LogLevel: getEnv("CASCADE_LOG_LEVEL", "info"),
	}
}

// DatabasePath returns the full path to the sqlite storage file.
func (c *Config) DatabasePath() string {
	return c.DataPath + "/data/cascade.db"
}

// PollInterval returns PollIntervalMs as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// OperationTTL returns OperationTTLHours as a time.Duration.
func (c *Config) OperationTTL() time.Duration {
	return time.Duration(c.OperationTTLHours) * time.Hour
}

// =============================================================================
// Environment Variable Parsing Utilities
// =============================================================================

// getEnv retrieves a string environment variable with a default fallback.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable with a default fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable, expressed in
// seconds, with a default fallback.
func getEnvDuration(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return time.Duration(defaultSeconds) * time.Second
}
