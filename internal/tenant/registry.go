package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type snapshot struct {
	tenants []TenantConfig
	digits  []string
	byID    map[string]int
}

// Registry caches the tenant set loaded from a Source and resolves inbound channel addresses.
type Registry struct {
	source Source
	logger *slog.Logger

	mu        sync.RWMutex
	current   *snapshot
	observers []func([]TenantConfig)
}

func NewRegistry(log *slog.Logger, source Source) *Registry {
	return &Registry{
		source:  source,
		logger:  log.With(slog.String("service", "tenant_registry")),
		current: buildSnapshot(nil),
	}
}

// OnReload registers fn to run after every successful LoadAll.
func (r *Registry) OnReload(fn func([]TenantConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// LoadAll replaces the cached snapshot. On error the previous snapshot keeps serving.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	items, err := r.source.LoadTenants(ctx)
	if err != nil {
		r.logger.Error("tenant reload failed, keeping previous snapshot",
			slog.Int("cached", r.Len()),
			slog.Any("error", err),
		)
		return 0, fmt.Errorf("load tenants: %w", err)
	}
	snap := buildSnapshot(items)

	r.mu.Lock()
	r.current = snap
	observers := append([]func([]TenantConfig){}, r.observers...)
	r.mu.Unlock()

	r.logger.Info("tenants loaded", slog.Int("count", len(snap.tenants)))
	for _, fn := range observers {
		fn(snap.tenants)
	}
	return len(snap.tenants), nil
}

// Match kinds reported by resolve.
const (
	matchExact  = "exact"
	matchDigits = "digits"
	matchSuffix = "suffix"
	matchNone   = "none"
)

// resolution describes how an address was resolved. Mismatches counts the tenants
// whose stored address differs from the inbound one only in formatting or country
// code, that is, tenants the digits or suffix rule would accept.
type resolution struct {
	tenant     TenantConfig
	match      string
	mismatches int
}

// Resolve finds the tenant owning channelAddress: exact match, then digits-only
// match, then suffix match in either direction. The first hit in load order wins.
// Fallback resolutions are logged once with the mismatch count.
func (r *Registry) Resolve(channelAddress string) (TenantConfig, error) {
	address := strings.TrimSpace(channelAddress)
	if address == "" {
		return TenantConfig{}, ErrNotFound
	}
	snap := r.snapshot()
	res := resolve(snap, address)
	switch res.match {
	case matchExact:
		return res.tenant, nil
	case matchNone:
		r.logger.Warn("no tenant for channel address",
			slog.String("address", address),
			slog.Int("tenants", len(snap.tenants)),
			slog.Int("mismatches", res.mismatches),
		)
		return TenantConfig{}, ErrNotFound
	}
	r.logger.Info("tenant resolved without exact match",
		slog.String("address", address),
		slog.String("match", res.match),
		slog.String("tenant_id", res.tenant.ID),
		slog.String("tenant_address", res.tenant.ChannelAddress),
		slog.Int("mismatches", res.mismatches),
	)
	return res.tenant, nil
}

func resolve(snap *snapshot, address string) resolution {
	for _, t := range snap.tenants {
		if t.ChannelAddress == address {
			return resolution{tenant: t, match: matchExact}
		}
	}
	res := resolution{match: matchNone}
	digits := DigitsOnly(address)
	if digits == "" {
		return res
	}
	digitsHit, suffixHit := -1, -1
	for i, d := range snap.digits {
		switch {
		case d != "" && d == digits:
			res.mismatches++
			if digitsHit < 0 {
				digitsHit = i
			}
		case suffixMatch(d, digits):
			res.mismatches++
			if suffixHit < 0 {
				suffixHit = i
			}
		}
	}
	switch {
	case digitsHit >= 0:
		res.tenant, res.match = snap.tenants[digitsHit], matchDigits
	case suffixHit >= 0:
		res.tenant, res.match = snap.tenants[suffixHit], matchSuffix
	}
	return res
}

func (r *Registry) ByID(id string) (TenantConfig, error) {
	snap := r.snapshot()
	idx, ok := snap.byID[id]
	if !ok {
		return TenantConfig{}, ErrNotFound
	}
	return snap.tenants[idx], nil
}

// Snapshot returns a copy of the tenants in load order.
func (r *Registry) Snapshot() []TenantConfig {
	snap := r.snapshot()
	out := make([]TenantConfig, len(snap.tenants))
	copy(out, snap.tenants)
	return out
}

func (r *Registry) Len() int {
	return len(r.snapshot().tenants)
}

func (r *Registry) snapshot() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func buildSnapshot(items []TenantConfig) *snapshot {
	snap := &snapshot{
		tenants: make([]TenantConfig, 0, len(items)),
		digits:  make([]string, 0, len(items)),
		byID:    make(map[string]int, len(items)),
	}
	for _, item := range items {
		item.ChannelAddress = strings.TrimSpace(item.ChannelAddress)
		if item.ID == "" || item.ChannelAddress == "" {
			continue
		}
		if _, dup := snap.byID[item.ID]; dup {
			continue
		}
		snap.byID[item.ID] = len(snap.tenants)
		snap.tenants = append(snap.tenants, item)
		snap.digits = append(snap.digits, DigitsOnly(item.ChannelAddress))
	}
	return snap
}
