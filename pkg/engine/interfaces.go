package engine

import (
	"context"
	"time"
)

// SpecSource is the external registration/storage collaborator for orchestration specs.
type SpecSource interface {
	// GetSpec returns the spec registered under exactly (smartCode, tenantID), or nil
	// when none exists. It never falls back to the platform default; that is the
	// resolver's job.
	GetSpec(ctx context.Context, smartCode, tenantID string) (*OrchestrationSpec, error)

	// ListSpecs enumerates every registered spec.
	ListSpecs(ctx context.Context) ([]SpecRef, error)
}

// SpecResolver resolves an orchestration identifier with tenant override and
// platform fallback.
type SpecResolver interface {
	// Resolve returns the tenant spec, else the platform default, else SpecNotFound.
	Resolve(ctx context.Context, smartCode, tenantID string) (*OrchestrationSpec, error)
}

// ProcedureRuntime performs the business logic behind a node's run code.
// It is treated as an opaque, possibly slow, possibly failing remote call.
type ProcedureRuntime interface {
	// Invoke runs the procedure. A returned error and a result with Success=false
	// are both treated as procedure failure.
	Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*ProcedureResult, error)
}

// Auditor is the append-only store of ExecutionRecords.
type Auditor interface {
	// HasRecord reports whether a record exists for (nodeID, idempotencyKey).
	HasRecord(ctx context.Context, nodeID, idempotencyKey string) (bool, error)

	// Record appends a record. Writing a key that already exists is a no-op.
	Record(ctx context.Context, rec *ExecutionRecord) error

	// ListRecords returns records, newest first, optionally filtered by node id.
	ListRecords(ctx context.Context, filter RecordFilter) ([]*ExecutionRecord, error)
}

// RecordFilter narrows ListRecords results.
type RecordFilter struct {
	SmartCode string
	NodeID    string
	RunID     string
	Limit     int
}

// LockManager provides non-blocking mutual exclusion over shared resources.
type LockManager interface {
	// TryAcquire takes the lock if it is free. It never waits: a held lock
	// returns false immediately.
	TryAcquire(ctx context.Context, resourceID, holder string) (bool, error)

	// Release drops the lock if holder owns it.
	Release(ctx context.Context, resourceID, holder string) error
}

// LeasedLockManager is a LockManager whose locks expire LeaseTTL after the
// last TryAcquire by their holder. The executor re-acquires a lease while
// the node holding it runs.
type LeasedLockManager interface {
	LockManager
	LeaseTTL() time.Duration
}

// PolicyChecker is an optional admission gate consulted before execution.
type PolicyChecker interface {
	// Admit returns the list of deny messages for the spec and payload; an empty
	// list admits the invocation.
	Admit(ctx context.Context, spec *OrchestrationSpec, tenantID string, payload map[string]interface{}) ([]string, error)
}

// EventType identifies an engine event.
type EventType string

const (
	EventRunStarted           EventType = "run.started"
	EventRunCompleted         EventType = "run.completed"
	EventRunFailed            EventType = "run.failed"
	EventNodeStateChanged     EventType = "node.state_changed"
	EventCompensationStarted  EventType = "compensation.started"
	EventCompensationFinished EventType = "compensation.finished"
)

// Event is emitted by the executor as a run progresses.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id"`
	SmartCode string                 `json:"smart_code"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	State     NodeState              `json:"state,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives engine events. Implementations must not block the executor.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// MetricsRecorder receives executor measurements.
type MetricsRecorder interface {
	RecordRun(smartCode string, status RunStatus, duration time.Duration)
	RecordNode(smartCode string, state NodeState, duration time.Duration)
	RecordCompensation(smartCode string, success bool)
	RecordLockContention(resourceID string)
	RecordConditionError(smartCode string)
	RecordPersistenceError(operation string)
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(string, RunStatus, time.Duration)      {}
func (noopMetrics) RecordNode(string, NodeState, time.Duration)     {}
func (noopMetrics) RecordCompensation(string, bool)                 {}
func (noopMetrics) RecordLockContention(string)                     {}
func (noopMetrics) RecordConditionError(string)                     {}
func (noopMetrics) RecordPersistenceError(string)                   {}
