package policy

import (
	"strings"
	"time"
)

// Severity is the weight of a policy finding.
type Severity string

const (
	// SeverityWarn findings are advisory.
	SeverityWarn Severity = "warn"

	// SeverityDeny findings reject the orchestration.
	SeverityDeny Severity = "deny"
)

// PackagePrefix is the Rego package every policy must live under.
const PackagePrefix = "sagaflow"

// Policy is a Rego module producing deny and warn findings.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the lint policies that ship with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Finding is a single deny or warn entry.
type Finding struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	NodeID   string   `json:"node_id,omitempty"`
	Message  string   `json:"message"`
}

// String renders the finding for CLI and error output.
func (f Finding) String() string {
	var b strings.Builder
	b.WriteString(f.Policy)
	b.WriteString(": ")
	if f.NodeID != "" {
		b.WriteString("node ")
		b.WriteString(f.NodeID)
		b.WriteString(": ")
	}
	b.WriteString(f.Message)
	return b.String()
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Denies   []Finding `json:"denies,omitempty"`
	Warnings []Finding `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Allowed reports whether no policy denied the orchestration.
func (r *Result) Allowed() bool {
	return len(r.Denies) == 0
}

// DenyMessages renders the deny findings.
func (r *Result) DenyMessages() []string {
	msgs := make([]string, 0, len(r.Denies))
	for _, f := range r.Denies {
		msgs = append(msgs, f.String())
	}
	return msgs
}

// WarningMessages renders the warn findings.
func (r *Result) WarningMessages() []string {
	msgs := make([]string, 0, len(r.Warnings))
	for _, f := range r.Warnings {
		msgs = append(msgs, f.String())
	}
	return msgs
}
