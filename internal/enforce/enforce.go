package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ratewatch/internal/clock"
	"ratewatch/internal/config"
	"ratewatch/internal/domain"
)

// Enforcer applies a computed quota to one identifier.
type Enforcer interface {
	Allow(ctx context.Context, key string, quota domain.Quota) Decision
	Algorithm() string
	Close() error
}

// Decision is the outcome of one enforcement check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// ResetAfter returns time left until the decision window resets, never negative.
func (d Decision) ResetAfter(now time.Time) time.Duration {
	if d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// New builds the enforcement backend named in config.
// Params: [enforce] section, clock, and logger.
// Returns: ready enforcer or backend setup error.
func New(cfg config.EnforceConfig, clk clock.Clock, logger *slog.Logger) (Enforcer, error) {
	switch cfg.Backend {
	case "", config.EnforceMemory:
		return NewMemory(clk), nil
	case config.EnforceTokenBucket:
		return NewTokenBucket(clk), nil
	case config.EnforceRedis:
		return NewRedis(cfg.Redis, cfg.KeyPrefix, clk, logger)
	default:
		return nil, fmt.Errorf("unsupported enforce backend %q", cfg.Backend)
	}
}

func window(quota domain.Quota) time.Duration {
	if quota.WindowMS <= 0 {
		return time.Minute
	}
	return quota.Window()
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
