package engine

import (
	"encoding/json"
	"fmt"
)

// NodeState represents the position of a node in the executor state machine.
type NodeState string

const (
	// NodeStatePending indicates the node has not been visited yet.
	NodeStatePending NodeState = "PENDING"

	// NodeStateConditionChecked indicates the node's when-clause (if any) allowed execution.
	NodeStateConditionChecked NodeState = "CONDITION_CHECKED"

	// NodeStateSkipped indicates the node's when-clause evaluated to false.
	NodeStateSkipped NodeState = "SKIPPED"

	// NodeStateLockAcquired indicates the node holds the lock for its resource_ref.
	NodeStateLockAcquired NodeState = "LOCK_ACQUIRED"

	// NodeStateIdempotentSkip indicates a prior execution record exists for the node's key.
	NodeStateIdempotentSkip NodeState = "IDEMPOTENT_SKIP"

	// NodeStateExecuting indicates the procedure runtime is being invoked.
	NodeStateExecuting NodeState = "EXECUTING"

	// NodeStateCompleted indicates the procedure returned successfully.
	NodeStateCompleted NodeState = "COMPLETED"

	// NodeStateFailed indicates the node could not complete.
	NodeStateFailed NodeState = "FAILED"
)

// IsTerminal returns true if the node will not transition further within a run.
func (s NodeState) IsTerminal() bool {
	return s == NodeStateSkipped || s == NodeStateIdempotentSkip ||
		s == NodeStateCompleted || s == NodeStateFailed
}

// Validate checks if the node state is valid.
func (s NodeState) Validate() error {
	switch s {
	case NodeStatePending, NodeStateConditionChecked, NodeStateSkipped,
		NodeStateLockAcquired, NodeStateIdempotentSkip, NodeStateExecuting,
		NodeStateCompleted, NodeStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid node state: %s", s)
	}
}

// CanTransitionTo reports whether the executor may move a node from s to next.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	switch s {
	case NodeStatePending:
		return next == NodeStateConditionChecked || next == NodeStateSkipped || next == NodeStateFailed
	case NodeStateConditionChecked:
		return next == NodeStateLockAcquired || next == NodeStateIdempotentSkip ||
			next == NodeStateExecuting || next == NodeStateFailed
	case NodeStateLockAcquired:
		return next == NodeStateIdempotentSkip || next == NodeStateExecuting || next == NodeStateFailed
	case NodeStateExecuting:
		return next == NodeStateCompleted || next == NodeStateFailed
	default:
		return false
	}
}

// RunStatus represents the overall outcome of an orchestration invocation.
type RunStatus string

const (
	// RunStatusRunning indicates the invocation is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node completed, skipped, or replayed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the invocation failed without running compensations.
	RunStatusFailed RunStatus = "failed"

	// RunStatusRolledBack indicates the invocation failed and compensations were attempted.
	RunStatusRolledBack RunStatus = "rolled_back"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusRolledBack
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// PersistenceFailurePolicy decides what happens when an ExecutionRecord cannot be written
// after all retries.
type PersistenceFailurePolicy string

const (
	// PersistenceEscalate fails the node and triggers rollback.
	PersistenceEscalate PersistenceFailurePolicy = "escalate"

	// PersistenceWarn keeps the node's successful outcome and records a warning.
	PersistenceWarn PersistenceFailurePolicy = "warn"
)

// Validate checks if the policy is valid.
func (p PersistenceFailurePolicy) Validate() error {
	switch p {
	case PersistenceEscalate, PersistenceWarn:
		return nil
	default:
		return fmt.Errorf("invalid persistence failure policy: %s", p)
	}
}

// MarshalJSON implements json.Marshaler for NodeState.
func (s NodeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for NodeState.
func (s *NodeState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := NodeState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}
