package stores

import (
	"context"
	"time"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// RunRecord is the persisted outcome of one orchestration invocation.
type RunRecord struct {
	ID         string           `json:"id"`
	SmartCode  string           `json:"smart_code"`
	TenantID   string           `json:"tenant_id,omitempty"`
	RunEpoch   string           `json:"run_epoch"`
	Status     engine.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	ElapsedMs  int64            `json:"elapsed_ms"`
	Error      *string          `json:"error,omitempty"`
	Summary    string           `json:"summary"` // JSON blob of engine.ExecutionSummary
}

// CompensationRecord is one compensation attempted during a run's rollback.
type CompensationRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Position     int       `json:"position"` // rollback order, 0 first
	NodeID       string    `json:"node_id"`
	Compensation string    `json:"compensation"`
	Success      bool      `json:"success"`
	Error        *string   `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventRecord is an engine event as stored in the append-only event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	SmartCode string    `json:"smart_code"`
	TenantID  string    `json:"tenant_id,omitempty"`
	NodeID    *string   `json:"node_id,omitempty"`
	State     *string   `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns results. Empty fields match everything.
type RunFilter struct {
	SmartCode string
	TenantID  *string
	Status    engine.RunStatus
	Limit     int
	Offset    int
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	RunID  string
	Type   string
	NodeID string
	Limit  int
	Offset int
}

// Store is the durable persistence layer: the engine's auditor and lock
// manager plus the run history behind the CLI.
type Store interface {
	engine.Auditor
	engine.LockManager

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Lock inspection
	ListLocks(ctx context.Context) ([]engine.ResourceLock, error)
	PurgeExpiredLocks(ctx context.Context) (int64, error)

	// Run history
	SaveRun(ctx context.Context, summary *engine.ExecutionSummary) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	ListCompensations(ctx context.Context, runID string) ([]*CompensationRecord, error)

	// Event log
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
