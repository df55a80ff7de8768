package middleware

import (
	"time"

	"github.com/promptkit-io/activator/internal/config"
)

// Config holds rate limiter configuration.
//
// Rates are requests per second across three tiers: global (all requests),
// per-client (authenticated), and unauthenticated. Burst fields left at 0
// are computed automatically as 2x the rate.
type Config struct {
	GlobalRPS int
	ClientRPS int
	UnAuthRPS int

	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxClients      int
}

// LoadConfig loads rate limiter configuration from the environment with
// defaults sized for a single activator instance.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("ACTIVATOR_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("ACTIVATOR_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("ACTIVATOR_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("ACTIVATOR_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("ACTIVATOR_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("ACTIVATOR_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("ACTIVATOR_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("ACTIVATOR_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:      config.GetEnvInt("ACTIVATOR_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
