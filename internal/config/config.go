package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	LogLevel       string
	ServiceName    string

	// PollInterval is how often the control-plane process drains the task
	// store toward connected nodes. Kept short so operations enqueued by a
	// stateless API worker stay interactive.
	PollInterval time.Duration

	// OfflineGrace is the silence window after which the liveness sweep
	// reports a node as down.
	OfflineGrace time.Duration

	// SweepInterval is the maintenance daemon's cycle interval (min 60s).
	SweepInterval time.Duration

	// AuthWindow is how long an unauthenticated agent connection may stay
	// open before it is closed.
	AuthWindow time.Duration

	// PortRangeStart/PortRangeEnd bound the per-node port allocator.
	PortRangeStart int
	PortRangeEnd   int
}

const minSweepInterval = 60 * time.Second

func Load() (*Config, error) {
	// Best-effort .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		HTTPListenAddr: getEnv("HTTP_LISTEN_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		ServiceName:    getEnv("SERVICE_NAME", ""),
		PollInterval:   getDuration("POLL_INTERVAL", 100*time.Millisecond),
		OfflineGrace:   getDuration("OFFLINE_GRACE", 2*time.Minute),
		SweepInterval:  getDuration("SWEEP_INTERVAL", minSweepInterval),
		AuthWindow:     getDuration("AUTH_WINDOW", 10*time.Second),
		PortRangeStart: getInt("PORT_RANGE_START", 20000),
		PortRangeEnd:   getInt("PORT_RANGE_END", 29999),
	}

	if cfg.SweepInterval < minSweepInterval {
		cfg.SweepInterval = minSweepInterval
	}

	return cfg, nil
}

// Validate checks the fields required by the named service.
func (c *Config) Validate(service string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s: DATABASE_URL is required", service)
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("%s: invalid port range %d-%d", service, c.PortRangeStart, c.PortRangeEnd)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
