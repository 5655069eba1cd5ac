package detector

import (
	"log/slog"
	"sync"

	"github.com/memohai/concierge/internal/tenant"
)

// Detector decides whether assistant text promises human follow-up.
// Rule lists are compiled once per tenant and kept until invalidated.
type Detector struct {
	mu     sync.RWMutex
	cache  map[string][]Rule
	logger *slog.Logger
}

func New(log *slog.Logger) *Detector {
	return &Detector{
		cache:  map[string][]Rule{},
		logger: log.With(slog.String("service", "detector")),
	}
}

func (d *Detector) RequiresEscalation(t tenant.TenantConfig, text string) bool {
	rule, ok := d.Match(t, text)
	if ok {
		d.logger.Debug("escalation rule matched",
			slog.String("tenant_id", t.ID),
			slog.String("kind", string(rule.Kind)),
			slog.String("rule", rule.Source),
		)
	}
	return ok
}

// Match returns the first rule in the tenant's list that fires on text.
func (d *Detector) Match(t tenant.TenantConfig, text string) (Rule, bool) {
	normalized := Normalize(text)
	if normalized == "" {
		return Rule{}, false
	}
	return firstMatch(d.rulesFor(t), normalized)
}

// RequiresHumanAssistance evaluates user-authored text against its own keyword set.
func (d *Detector) RequiresHumanAssistance(text string) bool {
	normalized := Normalize(text)
	if normalized == "" {
		return false
	}
	_, ok := firstMatch(humanAssistanceRules, normalized)
	return ok
}

func (d *Detector) Invalidate(tenantID string) {
	d.mu.Lock()
	delete(d.cache, tenantID)
	d.mu.Unlock()
}

func (d *Detector) InvalidateAll() {
	d.mu.Lock()
	d.cache = map[string][]Rule{}
	d.mu.Unlock()
}

func (d *Detector) rulesFor(t tenant.TenantConfig) []Rule {
	d.mu.RLock()
	rules, ok := d.cache[t.ID]
	d.mu.RUnlock()
	if ok {
		return rules
	}
	rules = buildRules(t.EscalationPhrases)
	d.mu.Lock()
	if existing, ok := d.cache[t.ID]; ok {
		rules = existing
	} else {
		d.cache[t.ID] = rules
	}
	d.mu.Unlock()
	return rules
}
