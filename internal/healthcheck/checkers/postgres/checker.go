package postgreschecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/concierge/internal/healthcheck"
)

const (
	checkID   = "postgres.connection"
	checkType = "postgres"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker reports whether the database answers a ping.
type Checker struct {
	logger  *slog.Logger
	pinger  Pinger
	timeout time.Duration
}

func NewChecker(log *slog.Logger, pinger Pinger, timeout time.Duration) *Checker {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_postgres")),
		pinger:  pinger,
		timeout: timeout,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	result := healthcheck.CheckResult{ID: checkID, Type: checkType}
	if c.pinger == nil {
		result.Status = healthcheck.StatusError
		result.Summary = "database is not configured"
		return []healthcheck.CheckResult{result}
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	if err := c.pinger.Ping(pingCtx); err != nil {
		c.logger.Warn("postgres ping failed", slog.Any("error", err))
		result.Status = healthcheck.StatusError
		result.Summary = "database unreachable"
		result.Detail = err.Error()
		return []healthcheck.CheckResult{result}
	}
	result.Status = healthcheck.StatusOK
	result.Summary = "database reachable"
	result.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	return []healthcheck.CheckResult{result}
}
