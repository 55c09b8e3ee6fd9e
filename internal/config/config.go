// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	// SweepInterval is how often the liveness and delivery sweeps run.
	SweepInterval time.Duration

	// Defaults applied to new principals at onboarding.
	CheckInWindow time.Duration
	GracePeriod   time.Duration

	SessionIdleTimeout time.Duration
	SessionSecret      string

	GatewayURL   string
	GatewayToken string
	// WebhookToken authenticates status callbacks from the gateway. Empty
	// disables webhook auth (local development only).
	WebhookToken string

	MaxDeliveryAttempts int
	RetryBase           time.Duration
	OpenWindow          time.Duration
	SweepParallelism    int
}

// Load reads configuration from environment variables and returns a
// validated Config. EVERKEEP_SESSION_SECRET and EVERKEEP_GATEWAY_URL are
// required; everything else has a default. Optional variables:
// EVERKEEP_LISTEN_ADDR (127.0.0.1:8080), EVERKEEP_DB_PATH (everkeep.db),
// EVERKEEP_SWEEP_INTERVAL (5m), EVERKEEP_CHECKIN_WINDOW (48h),
// EVERKEEP_GRACE_PERIOD (48h), EVERKEEP_SESSION_IDLE_TIMEOUT (30m),
// EVERKEEP_MAX_DELIVERY_ATTEMPTS (5), EVERKEEP_RETRY_BASE (4h),
// EVERKEEP_OPEN_WINDOW (72h), EVERKEEP_SWEEP_PARALLELISM (8).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          "127.0.0.1:8080",
		DBPath:              "everkeep.db",
		SweepInterval:       5 * time.Minute,
		CheckInWindow:       48 * time.Hour,
		GracePeriod:         48 * time.Hour,
		SessionIdleTimeout:  30 * time.Minute,
		MaxDeliveryAttempts: 5,
		RetryBase:           4 * time.Hour,
		OpenWindow:          72 * time.Hour,
		SweepParallelism:    8,
	}

	cfg.SessionSecret = os.Getenv("EVERKEEP_SESSION_SECRET")
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("EVERKEEP_SESSION_SECRET is required")
	}

	cfg.GatewayURL = os.Getenv("EVERKEEP_GATEWAY_URL")
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("EVERKEEP_GATEWAY_URL is required")
	}
	cfg.GatewayToken = os.Getenv("EVERKEEP_GATEWAY_TOKEN")
	cfg.WebhookToken = os.Getenv("EVERKEEP_WEBHOOK_TOKEN")

	if v, ok := os.LookupEnv("EVERKEEP_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("EVERKEEP_DB_PATH"); ok {
		cfg.DBPath = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"EVERKEEP_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"EVERKEEP_CHECKIN_WINDOW", &cfg.CheckInWindow},
		{"EVERKEEP_GRACE_PERIOD", &cfg.GracePeriod},
		{"EVERKEEP_SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"EVERKEEP_RETRY_BASE", &cfg.RetryBase},
		{"EVERKEEP_OPEN_WINDOW", &cfg.OpenWindow},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.key, v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %q", d.key, v)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"EVERKEEP_MAX_DELIVERY_ATTEMPTS", &cfg.MaxDeliveryAttempts},
		{"EVERKEEP_SWEEP_PARALLELISM", &cfg.SweepParallelism},
	}
	for _, i := range ints {
		v, ok := os.LookupEnv(i.key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", i.key, v)
		}
		*i.dst = parsed
	}

	return cfg, nil
}
