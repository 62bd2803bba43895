package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds the retries applied to ledger writes.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// IdempotencyLedger derives idempotency keys and records node executions through
// an Auditor.
type IdempotencyLedger struct {
	auditor Auditor
	retry   RetryPolicy
	logger  zerolog.Logger
	metrics MetricsRecorder
}

// NewIdempotencyLedger creates a ledger backed by auditor.
func NewIdempotencyLedger(auditor Auditor, retry RetryPolicy, logger zerolog.Logger, metrics MetricsRecorder) *IdempotencyLedger {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &IdempotencyLedger{
		auditor: auditor,
		retry:   retry,
		logger:  logger.With().Str("component", "ledger").Logger(),
		metrics: metrics,
	}
}

// KeyFor returns the deterministic idempotency key for (nodeID, payload, runEpoch).
// Payload maps are serialized with sorted keys so equal payloads hash equally.
func KeyFor(nodeID string, payload map[string]interface{}, runEpoch string) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(runEpoch))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PayloadHash returns the hex sha256 of the canonical payload.
func PayloadHash(payload map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	// encoding/json writes map keys in sorted order at every nesting level.
	return json.Marshal(payload)
}

// KeyFor is a convenience wrapper around the package-level KeyFor.
func (l *IdempotencyLedger) KeyFor(nodeID string, payload map[string]interface{}, runEpoch string) (string, error) {
	return KeyFor(nodeID, payload, runEpoch)
}

// HasExecuted reports whether an ExecutionRecord already exists for key.
func (l *IdempotencyLedger) HasExecuted(ctx context.Context, nodeID, key string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < l.retry.MaxAttempts; attempt++ {
		found, err := l.auditor.HasRecord(ctx, nodeID, key)
		if err == nil {
			return found, nil
		}
		lastErr = err
		if !l.shouldRetry(ctx, err, attempt) {
			break
		}
	}

	l.metrics.RecordPersistenceError("has_executed")
	return false, NewPersistenceError("failed to query execution ledger", lastErr).
		WithNode(nodeID).
		WithDetail("idempotency_key", key)
}

// Record persists rec, retrying transient failures with exponential backoff.
// Exhausted retries return a PersistenceError; the caller applies its
// PersistenceFailurePolicy.
func (l *IdempotencyLedger) Record(ctx context.Context, rec *ExecutionRecord) error {
	var lastErr error
	for attempt := 0; attempt < l.retry.MaxAttempts; attempt++ {
		err := l.auditor.Record(ctx, rec)
		if err == nil {
			return nil
		}
		lastErr = err
		l.logger.Warn().
			Err(err).
			Str("node_id", rec.NodeID).
			Int("attempt", attempt+1).
			Int("max_attempts", l.retry.MaxAttempts).
			Msg("failed to record execution")
		if !l.shouldRetry(ctx, err, attempt) {
			break
		}
	}

	l.metrics.RecordPersistenceError("record")
	return NewPersistenceError("failed to record execution", lastErr).
		WithNode(rec.NodeID).
		WithDetail("idempotency_key", rec.IdempotencyKey)
}

// shouldRetry waits out the backoff and reports whether another attempt is allowed.
func (l *IdempotencyLedger) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if attempt+1 >= l.retry.MaxAttempts {
		return false
	}
	// Plain errors from a store are assumed transient; classified permanent ones are not.
	var classified *EngineError
	if errors.As(err, &classified) && !IsRetryable(err) {
		return false
	}

	select {
	case <-time.After(l.retry.backoff(attempt)):
		return true
	case <-ctx.Done():
		return false
	}
}
