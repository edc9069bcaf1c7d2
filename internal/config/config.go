package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the process engine server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Engine    EngineConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MigrationsPath string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// EngineConfig tunes the scheduler — parallel dispatch, step concurrency,
// and the default timeout applied to a step with no timeout of its own.
type EngineConfig struct {
	ParallelExecution  bool
	MaxConcurrentSteps int
	DefaultStepTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PROCESS_ENGINE_PORT", 8080),
		Version: envStr("PROCESS_ENGINE_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			// Empty means no PostgreSQL: the server falls back to the
			// in-memory store, which is the zero-config default.
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
			MigrationsPath: envStr("DATABASE_MIGRATIONS_PATH", "internal/store/postgres/migrations"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "process-engine"),
		},
		Engine: EngineConfig{
			ParallelExecution:  envBool("PROCESS_ENGINE_PARALLEL", true),
			MaxConcurrentSteps: envInt("PROCESS_ENGINE_MAX_CONCURRENT_STEPS", 8),
			DefaultStepTimeout: envDuration("PROCESS_ENGINE_DEFAULT_STEP_TIMEOUT", 5*time.Minute),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
