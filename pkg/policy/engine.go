package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Checker evaluates Rego policies over {spec, payload, tenant_id}. It
// implements engine.PolicyChecker.
type Checker struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy is a policy with its prepared package query.
type compiledPolicy struct {
	policy *Policy
	pkg    string
	query  rego.PreparedEvalQuery
}

var _ engine.PolicyChecker = (*Checker)(nil)

// NewChecker creates a checker with the built-in policies loaded.
func NewChecker(ctx context.Context, logger zerolog.Logger) (*Checker, error) {
	c := &Checker{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	c.loader = NewLoader(logger)

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		c.policies[builtins[i].Name] = cp
	}

	c.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return c, nil
}

// compile parses the module, checks its package and prepares the query.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	pkg := module.Package.Path.String()
	if pkg != "data."+PackagePrefix && !strings.HasPrefix(pkg, "data."+PackagePrefix+".") {
		return nil, fmt.Errorf("policy package %s must be %s or below it", strings.TrimPrefix(pkg, "data."), PackagePrefix)
	}

	query, err := rego.New(
		rego.Query(pkg),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now().UTC()
	}
	return &compiledPolicy{policy: p, pkg: pkg, query: query}, nil
}

// LoadPolicies loads .rego and .json policies from paths and replaces every
// previously loaded user policy. Built-in policies are kept.
func (c *Checker) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := c.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return c.SetPolicies(ctx, policies)
}

// SetPolicies compiles policies and swaps them in for the current user
// policies. Nothing changes if any policy fails to compile.
func (c *Checker) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name := range compiled {
		if existing, ok := c.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range c.policies {
		if !cp.policy.Builtin {
			delete(c.policies, name)
		}
	}
	for name, cp := range compiled {
		c.policies[name] = cp
	}

	c.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// Watch reloads user policies whenever files under paths change.
func (c *Checker) Watch(ctx context.Context, paths []string) error {
	return c.loader.Watch(ctx, paths, func(policies []Policy) error {
		return c.SetPolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (c *Checker) Close() error {
	return c.loader.StopWatching()
}

// Evaluate runs every enabled policy against the spec and payload.
func (c *Checker) Evaluate(ctx context.Context, spec *engine.OrchestrationSpec, tenantID string, payload map[string]interface{}) (*Result, error) {
	start := time.Now()

	input, err := buildInput(spec, tenantID, payload)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.policies))
	for name, cp := range c.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	active := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		active = append(active, c.policies[name])
	}
	c.mu.RUnlock()

	result := &Result{EvaluatedPolicies: names}
	for _, cp := range active {
		findings, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			c.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("smart_code", spec.SmartCode).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		for _, f := range findings {
			if f.Severity == SeverityDeny {
				result.Denies = append(result.Denies, f)
			} else {
				result.Warnings = append(result.Warnings, f)
			}
		}
	}

	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(start)

	c.logger.Debug().
		Str("smart_code", spec.SmartCode).
		Int("denies", len(result.Denies)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Admit implements engine.PolicyChecker. A policy that fails to evaluate
// blocks admission.
func (c *Checker) Admit(ctx context.Context, spec *engine.OrchestrationSpec, tenantID string, payload map[string]interface{}) ([]string, error) {
	result, err := c.Evaluate(ctx, spec, tenantID, payload)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(result.Errors, "; "))
	}
	for _, w := range result.Warnings {
		c.logger.Warn().Str("smart_code", spec.SmartCode).Msg(w.String())
	}
	return result.DenyMessages(), nil
}

// buildInput renders the policy input document in its JSON shape.
func buildInput(spec *engine.OrchestrationSpec, tenantID string, payload map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}
	var specDoc map[string]interface{}
	if err := json.Unmarshal(data, &specDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"spec":      specDoc,
		"payload":   payload,
		"tenant_id": tenantID,
	}, nil
}

func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Finding, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil
	}

	var findings []Finding
	for _, rule := range []struct {
		name     string
		severity Severity
	}{{"deny", SeverityDeny}, {"warn", SeverityWarn}} {
		entries, ok := doc[rule.name].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range entries {
			findings = append(findings, newFinding(cp.policy.Name, rule.severity, entry))
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].NodeID != findings[j].NodeID {
			return findings[i].NodeID < findings[j].NodeID
		}
		return findings[i].Message < findings[j].Message
	})
	return findings, nil
}

// newFinding accepts a string entry or an object with message/msg and node.
func newFinding(policyName string, severity Severity, entry interface{}) Finding {
	f := Finding{Policy: policyName, Severity: severity}

	switch v := entry.(type) {
	case string:
		f.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			f.Message = msg
		} else if msg, ok := v["msg"].(string); ok {
			f.Message = msg
		}
		if node, ok := v["node"].(string); ok {
			f.NodeID = node
		}
	default:
		f.Message = fmt.Sprintf("%v", entry)
	}
	return f
}

// GetPolicy returns a policy by name.
func (c *Checker) GetPolicy(name string) (*Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp, exists := c.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (c *Checker) ListPolicies() []Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	policies := make([]Policy, 0, len(c.policies))
	for _, cp := range c.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (c *Checker) EnablePolicy(name string) error {
	return c.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (c *Checker) DisablePolicy(name string) error {
	return c.setEnabled(name, false)
}

func (c *Checker) setEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp, exists := c.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	c.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
