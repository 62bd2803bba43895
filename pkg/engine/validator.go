package engine

import (
	"fmt"
	"regexp"
	"time"
)

// procedureCodePattern is the smart code grammar SEGMENT(.SEGMENT)+.v<digits>,
// matched case-insensitively.
var procedureCodePattern = regexp.MustCompile(`(?i)^[A-Z0-9_]+(\.[A-Z0-9_]+)+\.V[0-9]+$`)

// IsValidSmartCode reports whether code matches the smart code grammar.
func IsValidSmartCode(code string) bool {
	return procedureCodePattern.MatchString(code)
}

// ValidationResult is the outcome of structural validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Err returns a ValidationError for an invalid result, or nil.
func (r ValidationResult) Err(smartCode string) error {
	if r.Valid {
		return nil
	}
	return NewValidationError(smartCode, r.Errors)
}

// Validate checks the structure of spec and accumulates every violation.
// Checks run in a fixed order: node presence, ids, run codes, code grammar,
// then id uniqueness, dependency references, timeouts, triggers and
// transaction boundaries. A when clause that does not parse is only a warning: at run
// time it evaluates to false and skips its node.
func Validate(spec *OrchestrationSpec) ValidationResult {
	var errs, warns []string
	addf := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if spec == nil || len(spec.Nodes) == 0 {
		return ValidationResult{Valid: false, Errors: []string{"nodes: must be a non-empty list"}}
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		label := nodeLabel(i, n)

		if n.ID == "" {
			addf("%s: missing id", label)
		}
		if n.Run == "" {
			addf("%s: missing run", label)
		} else if !IsValidSmartCode(n.Run) {
			addf("%s: invalid run code %q", label, n.Run)
		}
		if n.Compensation != "" && !IsValidSmartCode(n.Compensation) {
			addf("%s: invalid compensation code %q", label, n.Compensation)
		}
	}

	seen := make(map[string]int)
	for i := range spec.Nodes {
		id := spec.Nodes[i].ID
		if id == "" {
			continue
		}
		if first, ok := seen[id]; ok {
			addf("%s: duplicate id (first declared at nodes[%d])", nodeLabel(i, &spec.Nodes[i]), first)
			continue
		}
		seen[id] = i
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		label := nodeLabel(i, n)
		for _, dep := range n.DependsOn {
			if dep == n.ID && dep != "" {
				addf("%s: depends on itself", label)
				continue
			}
			if _, ok := seen[dep]; !ok {
				addf("%s: depends on unknown node %q", label, dep)
			}
		}
		if n.When != "" {
			if _, err := ParseCondition(n.When); err != nil {
				warns = append(warns, fmt.Sprintf("%s: when never matches: %v", label, err))
			}
		}
		if n.Timeout != "" {
			if d, err := time.ParseDuration(n.Timeout); err != nil || d <= 0 {
				addf("%s: invalid timeout %q", label, n.Timeout)
			}
		}
	}

	for i, tr := range spec.Triggers {
		if tr.Event == "" {
			addf("triggers[%d]: missing event", i)
		}
	}

	for i, tb := range spec.TransactionBoundaries {
		if tb.Name == "" {
			addf("transaction_boundaries[%d]: missing name", i)
		}
		if len(tb.Nodes) == 0 {
			addf("transaction_boundaries[%d] (%s): no nodes", i, tb.Name)
		}
		for _, id := range tb.Nodes {
			if _, ok := seen[id]; !ok {
				addf("transaction_boundaries[%d] (%s): unknown node %q", i, tb.Name, id)
			}
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

// ValidateAndOrder validates spec and, if valid, computes its execution order.
func ValidateAndOrder(spec *OrchestrationSpec) ([]string, error) {
	if res := Validate(spec); !res.Valid {
		if spec == nil {
			return nil, res.Err("")
		}
		return nil, res.Err(spec.SmartCode)
	}
	return Order(spec)
}

func nodeLabel(i int, n *Node) string {
	if n.ID == "" {
		return fmt.Sprintf("nodes[%d]", i)
	}
	return fmt.Sprintf("nodes[%d] (id=%s)", i, n.ID)
}
