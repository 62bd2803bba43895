package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlatformTenant is the tenant id under which platform-wide default specs are registered.
const PlatformTenant = ""

// MetadataResourceRef is the node metadata key naming a shared resource class.
const MetadataResourceRef = "resource_ref"

// OrchestrationSpec is the DAG definition of a business process.
// A resolved spec is shared between invocations and must be treated as read-only.
type OrchestrationSpec struct {
	// SmartCode is the globally unique, versioned identifier (e.g. "HERA.SALON.POS.CHECKOUT.v1").
	SmartCode string `json:"smart_code" yaml:"smart_code" validate:"required,smartcode"`

	// Intent is a human-readable description of what the orchestration does.
	Intent string `json:"intent,omitempty" yaml:"intent,omitempty"`

	// Triggers map external events to emissions. Informational only.
	Triggers []Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`

	// Nodes is the ordered list of executable steps.
	Nodes []Node `json:"nodes" yaml:"nodes"`

	// CompensationPolicy controls saga rollback.
	CompensationPolicy CompensationPolicy `json:"compensation_policy" yaml:"compensation_policy"`

	// TransactionBoundaries are named groupings of node ids. Informational only.
	TransactionBoundaries []TransactionBoundary `json:"transaction_boundaries,omitempty" yaml:"transaction_boundaries,omitempty"`

	// TenantID is the tenant the spec was registered under; empty for the platform default.
	TenantID string `json:"tenant_id,omitempty" yaml:"-"`

	// Source describes where the spec was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Trigger maps an external event to an emission.
type Trigger struct {
	Event string   `json:"event" yaml:"event"`
	Emits []string `json:"emits,omitempty" yaml:"emits,omitempty"`
}

// CompensationPolicy controls rollback behavior on node failure.
type CompensationPolicy struct {
	AutoCompensate bool `json:"auto_compensate" yaml:"auto_compensate"`
}

// TransactionBoundary is a named grouping of node ids.
type TransactionBoundary struct {
	Name  string   `json:"name" yaml:"name"`
	Nodes []string `json:"nodes" yaml:"nodes"`
}

// Node is a single executable step of an orchestration.
type Node struct {
	// ID is unique within the spec.
	ID string `json:"id" yaml:"id"`

	// Run is the procedure identifier to invoke.
	Run string `json:"run" yaml:"run"`

	// When is an optional boolean condition over the payload.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Compensation is an optional procedure identifier invoked on rollback.
	Compensation string `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	// DependsOn lists node ids that must run before this node.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Timeout bounds the procedure invocation (Go duration syntax, e.g. "30s").
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Metadata is free-form and may include a resource_ref key.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ResourceRef returns the node's resource_ref metadata value, if any.
func (n *Node) ResourceRef() string {
	if n.Metadata == nil {
		return ""
	}
	v, ok := n.Metadata[MetadataResourceRef]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ResourceID resolves the node's resource_ref against the payload.
// The resource_ref names a payload field whose value identifies the resource; when the
// payload lacks the field, the resource_ref itself is used as the resource id.
func (n *Node) ResourceID(payload map[string]interface{}) string {
	ref := n.ResourceRef()
	if ref == "" {
		return ""
	}
	if v, ok := lookupPath(payload, strings.Split(ref, ".")); ok && v != nil {
		if s, ok := v.(string); ok {
			if s != "" {
				return s
			}
		} else {
			return fmt.Sprint(v)
		}
	}
	return ref
}

// ParsedTimeout returns the node timeout, or zero when none is set.
func (n *Node) ParsedTimeout() (time.Duration, error) {
	if n.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(n.Timeout)
}

// NodeByID returns the node with the given id.
func (s *OrchestrationSpec) NodeByID(id string) (*Node, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// SpecRef identifies a registered spec without loading it.
type SpecRef struct {
	SmartCode string `json:"smart_code"`
	TenantID  string `json:"tenant_id,omitempty"`
	Intent    string `json:"intent,omitempty"`
	Nodes     int    `json:"nodes"`
	Source    string `json:"source,omitempty"`
}

// CompensationEntry is pushed onto the compensation stack after a node completes.
type CompensationEntry struct {
	NodeID       string          `json:"node_id"`
	Compensation string          `json:"compensation"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// ExecutionContext is the per-invocation working state. It is owned by a single
// Execute call and discarded when the call returns.
type ExecutionContext struct {
	RunID             string
	SmartCode         string
	TenantID          string
	Payload           map[string]interface{}
	RunEpoch          string
	CompletedNodes    []string
	FailedNodes       []string
	SkippedNodes      []string
	IdempotentSkips   []string
	CompensationStack []CompensationEntry
	States            map[string]NodeState
	Warnings          []string
}

func (c *ExecutionContext) pushCompensation(entry CompensationEntry) {
	c.CompensationStack = append(c.CompensationStack, entry)
}

func (c *ExecutionContext) popCompensation() (CompensationEntry, bool) {
	n := len(c.CompensationStack)
	if n == 0 {
		return CompensationEntry{}, false
	}
	entry := c.CompensationStack[n-1]
	c.CompensationStack = c.CompensationStack[:n-1]
	return entry, true
}

// ExecutionRecord is the durable trace of a node that actually executed.
type ExecutionRecord struct {
	IdempotencyKey string        `json:"idempotency_key"`
	NodeID         string        `json:"node_id"`
	TenantID       string        `json:"tenant_id,omitempty"`
	RunID          string        `json:"run_id,omitempty"`
	SmartCode      string        `json:"smart_code,omitempty"`
	RunCode        string        `json:"run_code,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	PayloadHash    string        `json:"payload_hash"`
	Duration       time.Duration `json:"duration"`
}

// ResourceLock is a held mutual-exclusion lock on a shared business resource.
type ResourceLock struct {
	ResourceID     string    `json:"resource_id"`
	HolderRunEpoch string    `json:"holder_run_epoch"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// ProcedureResult is returned by a ProcedureRuntime.
type ProcedureResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecuteRequest describes a single orchestration invocation.
type ExecuteRequest struct {
	SmartCode string
	TenantID  string
	Payload   map[string]interface{}

	// RunEpoch scopes idempotency. Invocations sharing a RunEpoch and payload replay
	// instead of re-executing. Defaults to the invocation start time.
	RunEpoch string
}

// CompensationOutcome reports one attempted compensation.
type CompensationOutcome struct {
	NodeID       string        `json:"node_id"`
	Compensation string        `json:"compensation"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// ExecutionSummary is returned by Execute on success and failure alike.
type ExecutionSummary struct {
	RunID           string                `json:"run_id"`
	SmartCode       string                `json:"smart_code"`
	TenantID        string                `json:"tenant_id,omitempty"`
	RunEpoch        string                `json:"run_epoch"`
	Status          RunStatus             `json:"status"`
	Order           []string              `json:"order,omitempty"`
	CompletedNodes  []string              `json:"completed_nodes"`
	SkippedNodes    []string              `json:"skipped_nodes,omitempty"`
	IdempotentSkips []string              `json:"idempotent_skips,omitempty"`
	FailedNodes     []string              `json:"failed_nodes,omitempty"`
	NodeStates      map[string]NodeState  `json:"node_states,omitempty"`
	Compensations   []CompensationOutcome `json:"compensations,omitempty"`
	Warnings        []string              `json:"warnings,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	Elapsed         time.Duration         `json:"elapsed"`
	Error           string                `json:"error,omitempty"`
}

// PlanStep is the simulated outcome of one node.
type PlanStep struct {
	NodeID         string   `json:"node_id"`
	Run            string   `json:"run"`
	When           string   `json:"when,omitempty"`
	WillExecute    bool     `json:"will_execute"`
	ConditionError string   `json:"condition_error,omitempty"`
	ResourceRef    string   `json:"resource_ref,omitempty"`
	ResourceID     string   `json:"resource_id,omitempty"`
	Compensation   string   `json:"compensation,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	Level          int      `json:"level"`
}

// Plan is the side-effect-free projection produced by simulation.
type Plan struct {
	SmartCode             string                `json:"smart_code"`
	TenantID              string                `json:"tenant_id,omitempty"`
	Valid                 bool                  `json:"valid"`
	Order                 []string              `json:"order"`
	Steps                 []PlanStep            `json:"steps"`
	TransactionBoundaries []TransactionBoundary `json:"transaction_boundaries,omitempty"`
	AutoCompensate        bool                  `json:"auto_compensate"`
}

// ExecutingNodes returns the ids of steps that would run.
func (p *Plan) ExecutingNodes() []string {
	var out []string
	for _, s := range p.Steps {
		if s.WillExecute {
			out = append(out, s.NodeID)
		}
	}
	return out
}
