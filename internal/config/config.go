// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all orchestrator configuration parsed from environment
// variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// RedisURL backs both the state store and the job transport.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"flowpipe-orchestrator"`

	// InstanceID identifies this orchestrator instance in leases and the
	// heartbeat registry. Empty means derive one at startup.
	InstanceID   string        `env:"INSTANCE_ID"`
	HeartbeatTTL time.Duration `env:"HEARTBEAT_TTL" envDefault:"30s"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`

	// Queue consumer configuration.
	ControlConcurrency int `env:"CONTROL_CONCURRENCY" envDefault:"8"`
	TimeoutConcurrency int `env:"TIMEOUT_CONCURRENCY" envDefault:"2"`

	// Task defaults applied when a stage config omits them.
	DefaultLeaseTTL time.Duration `env:"DEFAULT_LEASE_TTL" envDefault:"5m"`

	// DLQ configuration (archive cap per queue).
	DeadLetterCap int `env:"DEAD_LETTER_CAP" envDefault:"100"`

	// Approval configuration.
	ApprovalRetention   time.Duration `env:"APPROVAL_RETENTION" envDefault:"1h"`
	ApprovalGraceWindow time.Duration `env:"APPROVAL_GRACE_WINDOW" envDefault:"60s"`

	// Saga compensation dispatch pacing.
	CompensationPacing time.Duration `env:"COMPENSATION_PACING" envDefault:"100ms"`
}

// IsDev reports whether the app runs in the dev environment.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}
