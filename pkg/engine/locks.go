package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLockManager is an in-process LockManager. It serializes invocations that
// share a process; use a durable backend to serialize across processes.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]ResourceLock
	now   func() time.Time
}

// NewMemoryLockManager creates an empty in-memory lock manager.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{
		locks: make(map[string]ResourceLock),
		now:   time.Now,
	}
}

// TryAcquire takes the lock on resourceID for holder if nobody holds it.
// Re-acquisition by the current holder succeeds.
func (m *MemoryLockManager) TryAcquire(_ context.Context, resourceID, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, held := m.locks[resourceID]; held {
		return current.HolderRunEpoch == holder, nil
	}

	m.locks[resourceID] = ResourceLock{
		ResourceID:     resourceID,
		HolderRunEpoch: holder,
		AcquiredAt:     m.now().UTC(),
	}
	return true, nil
}

// Release drops the lock on resourceID if holder owns it.
func (m *MemoryLockManager) Release(_ context.Context, resourceID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, held := m.locks[resourceID]; held && current.HolderRunEpoch == holder {
		delete(m.locks, resourceID)
	}
	return nil
}

// Held returns a snapshot of the held locks ordered by resource id.
func (m *MemoryLockManager) Held() []ResourceLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ResourceLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}
