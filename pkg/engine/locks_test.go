package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryLockManager_AcquireRelease(t *testing.T) {
	m := NewMemoryLockManager()
	ctx := context.Background()

	ok, err := m.TryAcquire(ctx, "cart-1", "run-a")
	if err != nil || !ok {
		t.Fatalf("Expected first acquire to succeed, got %v (err=%v)", ok, err)
	}

	ok, _ = m.TryAcquire(ctx, "cart-1", "run-b")
	if ok {
		t.Error("Expected second holder to be refused")
	}

	ok, _ = m.TryAcquire(ctx, "cart-1", "run-a")
	if !ok {
		t.Error("Expected re-acquire by the same holder to succeed")
	}

	ok, _ = m.TryAcquire(ctx, "cart-2", "run-b")
	if !ok {
		t.Error("Expected independent resource to be free")
	}

	held := m.Held()
	if len(held) != 2 || held[0].ResourceID != "cart-1" || held[0].HolderRunEpoch != "run-a" {
		t.Errorf("Unexpected held locks: %+v", held)
	}
	if held[0].AcquiredAt.IsZero() {
		t.Error("Expected acquisition time to be set")
	}
}

func TestMemoryLockManager_ReleaseRequiresHolder(t *testing.T) {
	m := NewMemoryLockManager()
	ctx := context.Background()

	_, _ = m.TryAcquire(ctx, "cart-1", "run-a")

	if err := m.Release(ctx, "cart-1", "run-b"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ok, _ := m.TryAcquire(ctx, "cart-1", "run-b"); ok {
		t.Error("Expected release by a non-holder to be ignored")
	}

	if err := m.Release(ctx, "cart-1", "run-a"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ok, _ := m.TryAcquire(ctx, "cart-1", "run-b"); !ok {
		t.Error("Expected resource to be free after release")
	}

	if err := m.Release(ctx, "never-held", "run-a"); err != nil {
		t.Errorf("Expected releasing an unheld lock to be a no-op, got %v", err)
	}
}

func TestMemoryLockManager_MutualExclusion(t *testing.T) {
	m := NewMemoryLockManager()
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.TryAcquire(ctx, "cart-1", fmt.Sprintf("run-%d", i))
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one holder, got %d", winners)
	}
}
