package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestKeyFor_Deterministic(t *testing.T) {
	a := map[string]interface{}{"cart_id": "c1", "lines": []interface{}{1, 2}, "meta": map[string]interface{}{"x": 1, "y": 2}}
	b := map[string]interface{}{"meta": map[string]interface{}{"y": 2, "x": 1}, "lines": []interface{}{1, 2}, "cart_id": "c1"}

	k1, err := KeyFor("add_line", a, "epoch-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	k2, _ := KeyFor("add_line", b, "epoch-1")
	if k1 != k2 {
		t.Errorf("Expected equal keys for equal payloads, got %s and %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("Expected hex sha256 key, got %q", k1)
	}

	variants := []struct {
		name    string
		nodeID  string
		payload map[string]interface{}
		epoch   string
	}{
		{"other node", "charge", a, "epoch-1"},
		{"other epoch", "add_line", a, "epoch-2"},
		{"other payload", "add_line", map[string]interface{}{"cart_id": "c2"}, "epoch-1"},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			k, err := KeyFor(v.nodeID, v.payload, v.epoch)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if k == k1 {
				t.Errorf("Expected a different key")
			}
		})
	}
}

func TestKeyFor_FieldBoundaries(t *testing.T) {
	k1, _ := KeyFor("ab", nil, "c")
	k2, _ := KeyFor("a", nil, "bc")
	if k1 == k2 {
		t.Error("Expected separator to keep node id and epoch apart")
	}
}

func TestKeyFor_UnserializablePayload(t *testing.T) {
	_, err := KeyFor("a", map[string]interface{}{"ch": make(chan int)}, "e")
	if err == nil {
		t.Error("Expected error for unserializable payload")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}

	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for attempt, want := range expected {
		if got := p.backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestIdempotencyLedger_HasExecutedRetries(t *testing.T) {
	auditor := newFlakyAuditor(0, 2, errors.New("busy"))
	ledger := NewIdempotencyLedger(auditor, fastRetry(), zerolog.Nop(), nil)
	ctx := context.Background()

	if err := auditor.MemoryAuditor.Record(ctx, &ExecutionRecord{IdempotencyKey: "k1", NodeID: "a"}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	found, err := ledger.HasExecuted(ctx, "a", "k1")
	if err != nil {
		t.Fatalf("Expected retries to succeed, got %v", err)
	}
	if !found {
		t.Error("Expected record to be found")
	}
	if auditor.readCalls != 3 {
		t.Errorf("Expected 3 read attempts, got %d", auditor.readCalls)
	}

	// Same key under another node id is not a match.
	found, _ = ledger.HasExecuted(ctx, "b", "k1")
	if found {
		t.Error("Expected key lookup to be scoped to node id")
	}
}

func TestIdempotencyLedger_RecordExhausted(t *testing.T) {
	auditor := newFlakyAuditor(-1, 0, errors.New("disk full"))
	metrics := &countingMetrics{}
	ledger := NewIdempotencyLedger(auditor, fastRetry(), zerolog.Nop(), metrics)

	err := ledger.Record(context.Background(), &ExecutionRecord{IdempotencyKey: "k", NodeID: "a"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if CodeOf(err) != ErrCodePersistence {
		t.Errorf("Expected %s, got %s", ErrCodePersistence, CodeOf(err))
	}
	if !errors.Is(err, ErrPersistence) {
		t.Error("Expected errors.Is(err, ErrPersistence)")
	}
	if auditor.recordCalls != 3 {
		t.Errorf("Expected 3 attempts, got %d", auditor.recordCalls)
	}
	if metrics.persistenceErrors != 1 {
		t.Errorf("Expected 1 persistence error metric, got %d", metrics.persistenceErrors)
	}
}

func TestIdempotencyLedger_PermanentErrorNotRetried(t *testing.T) {
	permanent := NewPermanentError("constraint violated", nil).WithCode(ErrCodeInternal)
	auditor := newFlakyAuditor(-1, 0, permanent)
	ledger := NewIdempotencyLedger(auditor, fastRetry(), zerolog.Nop(), nil)

	if err := ledger.Record(context.Background(), &ExecutionRecord{IdempotencyKey: "k", NodeID: "a"}); err == nil {
		t.Fatal("Expected error")
	}
	if auditor.recordCalls != 1 {
		t.Errorf("Expected a single attempt for a permanent error, got %d", auditor.recordCalls)
	}
}

func TestIdempotencyLedger_StopsOnCancelledContext(t *testing.T) {
	auditor := newFlakyAuditor(-1, 0, errors.New("busy"))
	ledger := NewIdempotencyLedger(auditor, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ledger.Record(ctx, &ExecutionRecord{IdempotencyKey: "k", NodeID: "a"}); err == nil {
		t.Fatal("Expected error")
	}
	if auditor.recordCalls != 1 {
		t.Errorf("Expected no retry after cancellation, got %d attempts", auditor.recordCalls)
	}
}

func TestNewIdempotencyLedger_DefaultsRetry(t *testing.T) {
	ledger := NewIdempotencyLedger(NewMemoryAuditor(), RetryPolicy{}, zerolog.Nop(), nil)
	if ledger.retry != DefaultRetryPolicy() {
		t.Errorf("Expected default retry policy, got %+v", ledger.retry)
	}
}
