package specstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Resolver implements engine.SpecResolver with tenant override, platform
// fallback, and an explicit cache.
type Resolver struct {
	source engine.SpecSource
	cache  *Cache
	logger zerolog.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source engine.SpecSource, logger zerolog.Logger) *Resolver {
	return &Resolver{
		source: source,
		cache:  NewCache(),
		logger: logger.With().Str("component", "spec-resolver").Logger(),
	}
}

// Resolve returns the tenant's spec for smartCode, else the platform default,
// else a SpecNotFound error.
func (r *Resolver) Resolve(ctx context.Context, smartCode, tenantID string) (*engine.OrchestrationSpec, error) {
	key := NewKey(smartCode, tenantID)
	if spec, ok := r.cache.Get(key); ok {
		return spec, nil
	}

	generation := r.cache.Generation()

	var spec *engine.OrchestrationSpec
	var err error
	if tenantID != engine.PlatformTenant {
		spec, err = r.source.GetSpec(ctx, smartCode, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to load spec %s: %w", key, err)
		}
	}
	if spec == nil {
		spec, err = r.source.GetSpec(ctx, smartCode, engine.PlatformTenant)
		if err != nil {
			return nil, fmt.Errorf("failed to load spec %s: %w", NewKey(smartCode, engine.PlatformTenant), err)
		}
	}
	if spec == nil {
		return nil, engine.NewSpecNotFoundError(smartCode, tenantID)
	}

	if r.cache.PutIfCurrent(key, spec, generation) {
		r.logger.Debug().
			Str("smart_code", smartCode).
			Str("tenant_id", tenantID).
			Str("resolved_tenant", spec.TenantID).
			Msg("spec resolved")
	}
	return spec, nil
}

// Invalidate drops the cached resolution for (smartCode, tenantID). Invalidating
// the platform default also drops every tenant entry for smartCode, since those
// may have fallen back to it.
func (r *Resolver) Invalidate(smartCode, tenantID string) {
	if tenantID == engine.PlatformTenant {
		n := r.cache.DeleteSmartCode(smartCode)
		r.logger.Debug().Str("smart_code", smartCode).Int("entries", n).Msg("platform spec invalidated")
		return
	}
	r.cache.Delete(NewKey(smartCode, tenantID))
	r.logger.Debug().Str("smart_code", smartCode).Str("tenant_id", tenantID).Msg("tenant spec invalidated")
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.cache.Clear()
}

// Cache exposes the resolver's cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// List enumerates registered specs ordered by smart code, then tenant.
func (r *Resolver) List(ctx context.Context) ([]engine.SpecRef, error) {
	refs, err := r.source.ListSpecs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SmartCode != refs[j].SmartCode {
			return refs[i].SmartCode < refs[j].SmartCode
		}
		return refs[i].TenantID < refs[j].TenantID
	})
	return refs, nil
}
