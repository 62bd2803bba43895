// Package policy provides Open Policy Agent (OPA) admission checks for
// SagaFlow orchestrations.
//
// # Architecture
//
// The policy system consists of three parts:
//
//  1. Checker - compiles Rego modules and evaluates them; implements engine.PolicyChecker
//  2. Loader - reads .rego files and .json policy definitions and watches them for changes
//  3. Built-in policies - lints that ship with the engine
//
// # Writing policies
//
// A policy is a Rego v1 module in package sagaflow or below it. It receives
//
//	input.spec       the orchestration spec in its JSON shape
//	input.payload    the invocation payload
//	input.tenant_id  the invoking tenant
//
// and contributes entries to two partial sets. Entries in deny reject the
// orchestration; entries in warn are advisory. An entry is either a string or
// an object with "message" and an optional "node":
//
//	package sagaflow
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.tenant_id == ""
//	    startswith(input.spec.smart_code, "HERA.FINANCE.")
//	    msg := "finance orchestrations need a tenant"
//	}
//
//	warn contains {"node": node.id, "message": "no timeout"} if {
//	    some node in input.spec.nodes
//	    not node.timeout
//	}
//
// # Usage
//
//	checker, err := policy.NewChecker(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := checker.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//
//	result, err := checker.Evaluate(ctx, spec, tenantID, payload)
//	if err != nil {
//	    return err
//	}
//	for _, d := range result.Denies {
//	    fmt.Println(d)
//	}
//
// Passing the checker as engine.ExecutorConfig.Policy makes every deny block
// execution before any node runs.
//
// # Built-in Policies
//
//   - locked-without-compensation (warn): a node with metadata.resource_ref has no compensation
//   - auto-compensate-without-compensations (warn): rollback is on but nothing can roll back
//   - self-invocation (deny): a node runs the smart code of its own orchestration
package policy
