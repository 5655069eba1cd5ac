package tenantschecker

import (
	"context"

	"github.com/memohai/concierge/internal/healthcheck"
)

const (
	checkID   = "tenants.registry"
	checkType = "tenants"
)

// Counter is satisfied by *tenant.Registry.
type Counter interface {
	Len() int
}

// Checker warns while the tenant registry is empty. Inbound events are
// acknowledged but dropped as unknown until tenants load.
type Checker struct {
	registry Counter
}

func NewChecker(registry Counter) *Checker {
	return &Checker{registry: registry}
}

func (c *Checker) ListChecks(_ context.Context) []healthcheck.CheckResult {
	result := healthcheck.CheckResult{ID: checkID, Type: checkType}
	n := 0
	if c.registry != nil {
		n = c.registry.Len()
	}
	result.Metadata = map[string]any{"count": n}
	if n == 0 {
		result.Status = healthcheck.StatusWarn
		result.Summary = "no tenants loaded"
		return []healthcheck.CheckResult{result}
	}
	result.Status = healthcheck.StatusOK
	result.Summary = "tenants loaded"
	return []healthcheck.CheckResult{result}
}
