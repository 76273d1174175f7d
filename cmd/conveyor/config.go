package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/xraph/conveyor"
)

// config holds CLI configuration sourced from CONVEYOR_* environment
// variables. Flags on the root command override individual fields.
type config struct {
	// ── Backend ──────────────────────────────────────────────────────────
	// Backend is one of postgres, mysql, sqlite, redis, mongo or memory.
	Backend       string `env:"CONVEYOR_BACKEND"        envDefault:"sqlite"`
	DSN           string `env:"CONVEYOR_DSN"`
	Namespace     string `env:"CONVEYOR_NAMESPACE"      envDefault:"conveyor"`
	MongoDatabase string `env:"CONVEYOR_MONGO_DATABASE" envDefault:"conveyor"`

	// ── Worker ───────────────────────────────────────────────────────────
	Concurrency        int           `env:"CONVEYOR_CONCURRENCY"          envDefault:"10"`
	PollInterval       time.Duration `env:"CONVEYOR_POLL_INTERVAL"        envDefault:"100ms"`
	VisibilityTimeout  time.Duration `env:"CONVEYOR_VISIBILITY_TIMEOUT"   envDefault:"30s"`
	HeartbeatInterval  time.Duration `env:"CONVEYOR_HEARTBEAT_INTERVAL"   envDefault:"10s"`
	ReapInterval       time.Duration `env:"CONVEYOR_REAP_INTERVAL"        envDefault:"15s"`
	ReapLimit          int           `env:"CONVEYOR_REAP_LIMIT"           envDefault:"100"`
	CountOrphanAttempt bool          `env:"CONVEYOR_COUNT_ORPHAN_ATTEMPT" envDefault:"false"`
	ShutdownTimeout    time.Duration `env:"CONVEYOR_SHUTDOWN_TIMEOUT"     envDefault:"30s"`
	ScheduleTick       time.Duration `env:"CONVEYOR_SCHEDULE_TICK"        envDefault:"1s"`
	// ClaimRate caps claims per second for this process; zero is unlimited.
	ClaimRate float64 `env:"CONVEYOR_CLAIM_RATE" envDefault:"0"`

	// ── Logging ──────────────────────────────────────────────────────────
	LogLevel  string `env:"CONVEYOR_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CONVEYOR_LOG_FORMAT" envDefault:"text"`
	// Audit logs every job lifecycle event as an audit record.
	Audit bool `env:"CONVEYOR_AUDIT" envDefault:"false"`
}

// loadConfig parses config from the environment.
func loadConfig() (*config, error) {
	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks values env tags cannot express.
func (c *config) validate() error {
	switch c.Backend {
	case backendPostgres, backendMySQL, backendSQLite, backendRedis, backendMongo, backendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"poll interval", c.PollInterval},
		{"visibility timeout", c.VisibilityTimeout},
		{"schedule tick", c.ScheduleTick},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.HeartbeatInterval >= c.VisibilityTimeout {
		return fmt.Errorf("heartbeat interval %s must be below visibility timeout %s",
			c.HeartbeatInterval, c.VisibilityTimeout)
	}
	return nil
}

// engineConfig maps CLI settings onto the library configuration.
func (c *config) engineConfig() conveyor.Config {
	return conveyor.Config{
		Concurrency:        c.Concurrency,
		PollInterval:       c.PollInterval,
		ShutdownTimeout:    c.ShutdownTimeout,
		VisibilityTimeout:  c.VisibilityTimeout,
		HeartbeatInterval:  c.HeartbeatInterval,
		ReapInterval:       c.ReapInterval,
		ReapLimit:          c.ReapLimit,
		CountOrphanAttempt: c.CountOrphanAttempt,
		ScheduleTick:       c.ScheduleTick,
	}
}

func newLogger(cfg *config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
