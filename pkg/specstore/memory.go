package specstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// MemorySource is an in-process spec registry.
type MemorySource struct {
	mu    sync.RWMutex
	specs map[Key]*engine.OrchestrationSpec
}

// NewMemorySource creates an empty registry.
func NewMemorySource() *MemorySource {
	return &MemorySource{specs: make(map[Key]*engine.OrchestrationSpec)}
}

// Register stores spec under tenantID, replacing any previous registration.
// Use engine.PlatformTenant for the platform default.
func (m *MemorySource) Register(tenantID string, spec *engine.OrchestrationSpec) error {
	if spec == nil {
		return fmt.Errorf("spec is nil")
	}
	if spec.SmartCode == "" {
		return fmt.Errorf("spec has no smart_code")
	}

	cp := *spec
	cp.TenantID = tenantID
	if cp.Source == "" {
		cp.Source = "memory"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[NewKey(spec.SmartCode, tenantID)] = &cp
	return nil
}

// Deregister removes a registration and reports whether it existed.
func (m *MemorySource) Deregister(smartCode, tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NewKey(smartCode, tenantID)
	_, ok := m.specs[key]
	delete(m.specs, key)
	return ok
}

// GetSpec implements engine.SpecSource.
func (m *MemorySource) GetSpec(_ context.Context, smartCode, tenantID string) (*engine.OrchestrationSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.specs[NewKey(smartCode, tenantID)], nil
}

// ListSpecs implements engine.SpecSource.
func (m *MemorySource) ListSpecs(_ context.Context) ([]engine.SpecRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make([]engine.SpecRef, 0, len(m.specs))
	for _, spec := range m.specs {
		refs = append(refs, refOf(spec))
	}
	return refs, nil
}

func refOf(spec *engine.OrchestrationSpec) engine.SpecRef {
	return engine.SpecRef{
		SmartCode: spec.SmartCode,
		TenantID:  spec.TenantID,
		Intent:    spec.Intent,
		Nodes:     len(spec.Nodes),
		Source:    spec.Source,
	}
}
