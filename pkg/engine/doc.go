// Package engine provides the core types and the executor of the SagaFlow orchestration engine.
//
// # Overview
//
// An orchestration is a DAG of named nodes, each delegating to an external procedure.
// One invocation flows through these stages:
//
//  1. Resolve - look up the spec for (smart_code, tenant) with platform fallback (SpecResolver)
//  2. Validate - structural checks, accumulating every violation (Validate)
//  3. Order - deterministic topological order over depends_on edges (Order, DAGBuilder)
//  4. Execute - node-by-node state machine with idempotency, locks and saga rollback (Executor)
//
// # Node State Machine
//
// Every node moves through:
//
//	PENDING -> CONDITION_CHECKED -> (SKIPPED | LOCK_ACQUIRED) -> (IDEMPOTENT_SKIP | EXECUTING) -> (COMPLETED | FAILED)
//
// A false when-clause skips the node without touching locks, the ledger, or the runtime.
// A node whose idempotency key is already recorded is replayed as IDEMPOTENT_SKIP and
// contributes no compensation entry. A node with a resource_ref must acquire the
// resource lock first; a busy resource aborts the invocation with
// LockAcquisitionFailure. Locks are always released when the node finishes.
//
// # Saga Compensation
//
// After a node completes, its compensation (if declared) is pushed onto a LIFO stack.
// When a later node fails and the spec's compensation_policy.auto_compensate is set,
// the stack is unwound and each compensation is invoked in reverse completion order.
// Compensation failures are reported in the summary but do not stop the rollback, and
// the original failure is returned to the caller.
//
// # Conditions
//
// When-clauses use a restricted expression grammar parsed with the Starlark syntax
// package: payload field access, literals, comparisons, membership and boolean
// operators. Nothing is executed. Evaluation errors make the condition false.
//
// # Error Classification
//
// Errors carry a taxonomy code (SPEC_NOT_FOUND, VALIDATION_ERROR, CYCLIC_GRAPH,
// CONDITION_EVAL_ERROR, LOCK_ACQUISITION_FAILURE, PROCEDURE_EXECUTION_ERROR,
// COMPENSATION_FAILURE, PERSISTENCE_ERROR, CANCELLED) and a class used for retry:
//
//   - Transient: ledger reads and writes, retried with exponential backoff
//   - Conflict: busy resources, never retried
//   - Permanent: everything else
//
// # Example
//
//	exec, err := engine.NewExecutor(engine.ExecutorConfig{
//	    Resolver: resolver,
//	    Runtime:  registry,
//	    Auditor:  engine.NewMemoryAuditor(),
//	})
//	if err != nil {
//	    return err
//	}
//	summary, err := exec.Execute(ctx, engine.ExecuteRequest{
//	    SmartCode: "HERA.SALON.POS.CHECKOUT.v1",
//	    Payload:   map[string]interface{}{"cart_id": "c1"},
//	})
package engine
