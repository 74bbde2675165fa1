// Package config provides configuration for the coordinator.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the coordinator configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCPort      int

	// Database
	DatabaseURL string

	// Shared secret the relay presents on /api/runner routes
	RunnerSharedSecret string

	// Active sessions idle longer than this are finalized on history reads
	InactivityThreshold time.Duration

	// Dedup tracker; Redis is used when an address is set
	TrackerRedisAddr     string
	TrackerRedisPassword string
	TrackerRedisDB       int
	TrackerSize          int

	// Outbound RPC
	GatewayRPCAddr string
	RelayRPCAddr   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:             getEnvInt("HTTP_PORT", 8080),
		InternalPort:         getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:              getEnvInt("RPC_PORT", 0),
		DatabaseURL:          getEnv("DATABASE_URL", "file:coordinator.db?cache=shared&mode=rwc"),
		RunnerSharedSecret:   getEnv("RUNNER_SHARED_SECRET", ""),
		InactivityThreshold:  time.Duration(getEnvInt("INACTIVITY_THRESHOLD_MS", 900000)) * time.Millisecond,
		TrackerRedisAddr:     getEnv("TRACKER_REDIS_ADDR", ""),
		TrackerRedisPassword: getEnv("TRACKER_REDIS_PASSWORD", ""),
		TrackerRedisDB:       getEnvInt("TRACKER_REDIS_DB", 0),
		TrackerSize:          getEnvInt("TRACKER_SIZE", 10000),
		GatewayRPCAddr:       getEnv("GATEWAY_RPC_ADDR", ""),
		RelayRPCAddr:         getEnv("RELAY_RPC_ADDR", ""),
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
