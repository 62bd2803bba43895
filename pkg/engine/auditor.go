package engine

import (
	"context"
	"sync"
)

// MemoryAuditor is an in-process, append-only Auditor.
type MemoryAuditor struct {
	mu      sync.RWMutex
	records []*ExecutionRecord
	byKey   map[string]*ExecutionRecord
}

// NewMemoryAuditor creates an empty in-memory auditor.
func NewMemoryAuditor() *MemoryAuditor {
	return &MemoryAuditor{byKey: make(map[string]*ExecutionRecord)}
}

// HasRecord reports whether a record exists for the key and node.
func (a *MemoryAuditor) HasRecord(_ context.Context, nodeID, idempotencyKey string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, ok := a.byKey[idempotencyKey]
	return ok && rec.NodeID == nodeID, nil
}

// Record appends rec unless a record with the same key already exists.
func (a *MemoryAuditor) Record(_ context.Context, rec *ExecutionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byKey[rec.IdempotencyKey]; exists {
		return nil
	}
	cp := *rec
	a.records = append(a.records, &cp)
	a.byKey[rec.IdempotencyKey] = &cp
	return nil
}

// ListRecords returns matching records, newest first.
func (a *MemoryAuditor) ListRecords(_ context.Context, filter RecordFilter) ([]*ExecutionRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*ExecutionRecord, 0)
	for i := len(a.records) - 1; i >= 0; i-- {
		rec := a.records[i]
		if filter.NodeID != "" && rec.NodeID != filter.NodeID {
			continue
		}
		if filter.SmartCode != "" && rec.SmartCode != filter.SmartCode {
			continue
		}
		if filter.RunID != "" && rec.RunID != filter.RunID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (a *MemoryAuditor) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
