// Package config provides configuration for the relay service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int // Runner-facing websocket port
	HTTPPort int // Operational HTTP port for /health, /status, /metrics, /commands
	RPCPort  int // Internal JSON-RPC port for command dispatch; 0 disables

	// Coordinator settings
	CoordinatorURL string

	// Auth settings
	SharedSecret string // Bearer secret shared by runners, the coordinator and operators
	PolicyPath   string // Optional rego file for the command dispatch policy

	// Liveness settings
	PingInterval     time.Duration
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	// Delivery queue settings
	ForwardAttempts    int
	ForwardRetryDelay  time.Duration
	QueueSweepInterval time.Duration
	QueueBatchSize     int
	QueueSweepAttempts int
	QueueMaxAttempts   int
	QueueMaxLen        int
	QueueRetriesPerSec float64
	CoordinatorTimeout time.Duration

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		WSPort:             getEnvInt("WS_PORT", 8090),
		HTTPPort:           getEnvInt("HTTP_PORT", 8091),
		RPCPort:            getEnvInt("RPC_PORT", 8092),
		CoordinatorURL:     getEnv("COORDINATOR_URL", "http://coordinator:8080"),
		SharedSecret:       getEnv("RELAY_SHARED_SECRET", ""),
		PolicyPath:         getEnv("DISPATCH_POLICY_PATH", ""),
		PingInterval:       getEnvDuration("PING_INTERVAL_MS", 30*time.Second),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL_MS", 60*time.Second),
		HeartbeatTimeout:   getEnvDuration("HEARTBEAT_TIMEOUT_MS", 90*time.Second),
		WriteTimeout:       getEnvDuration("WS_WRITE_TIMEOUT_MS", 10*time.Second),
		MaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		ForwardAttempts:    getEnvInt("FORWARD_ATTEMPTS", 3),
		ForwardRetryDelay:  getEnvDuration("FORWARD_RETRY_DELAY_MS", time.Second),
		QueueSweepInterval: getEnvDuration("QUEUE_SWEEP_INTERVAL_MS", 30*time.Second),
		QueueBatchSize:     getEnvInt("QUEUE_BATCH_SIZE", 10),
		QueueSweepAttempts: getEnvInt("QUEUE_SWEEP_ATTEMPTS", 2),
		QueueMaxAttempts:   getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueMaxLen:        getEnvInt("QUEUE_MAX_LEN", 10000),
		QueueRetriesPerSec: getEnvFloat("QUEUE_RETRIES_PER_SEC", 5),
		CoordinatorTimeout: getEnvDuration("COORDINATOR_TIMEOUT_MS", 10*time.Second),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        getEnv("OTEL_SERVICE_NAME", "build-relay"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
