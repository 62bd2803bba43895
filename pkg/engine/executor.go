package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SagaPayloadKey is the payload key carrying rollback context to compensation procedures.
const SagaPayloadKey = "_saga"

// ExecutorConfig wires an Executor to its collaborators.
type ExecutorConfig struct {
	// Resolver resolves smart codes to specs. Required.
	Resolver SpecResolver

	// Runtime performs procedure invocations. Required.
	Runtime ProcedureRuntime

	// Auditor stores ExecutionRecords. Required.
	Auditor Auditor

	// Locks serializes access to shared resources. Defaults to an in-memory manager.
	Locks LockManager

	// Policy is an optional admission gate.
	Policy PolicyChecker

	// Events receives progress events. Optional.
	Events EventSink

	// Metrics receives measurements. Optional.
	Metrics MetricsRecorder

	// Tracer creates spans. Defaults to the global otel tracer provider.
	Tracer trace.Tracer

	// Logger is the base logger for the executor.
	Logger zerolog.Logger

	// Retry bounds ledger retries.
	Retry RetryPolicy

	// OnPersistenceFailure decides what happens when an ExecutionRecord cannot be written.
	// Defaults to PersistenceEscalate.
	OnPersistenceFailure PersistenceFailurePolicy

	// DefaultNodeTimeout bounds procedure calls for nodes without their own timeout.
	// Zero means no timeout.
	DefaultNodeTimeout time.Duration
}

// Executor runs orchestration specs node by node and drives saga rollback on failure.
// A single Executor is safe for concurrent Execute calls; each call owns its own
// ExecutionContext.
type Executor struct {
	resolver          SpecResolver
	runtime           ProcedureRuntime
	ledger            *IdempotencyLedger
	locks             LockManager
	policy            PolicyChecker
	events            EventSink
	metrics           MetricsRecorder
	tracer            trace.Tracer
	conditions        *ConditionEvaluator
	logger            zerolog.Logger
	persistencePolicy PersistenceFailurePolicy
	nodeTimeout       time.Duration

	now      func() time.Time
	newRunID func() string
}

// NewExecutor creates an executor from cfg.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("procedure runtime is required")
	}
	if cfg.Auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = NewMemoryLockManager()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/sagaflow/sagaflow/pkg/engine")
	}
	if cfg.OnPersistenceFailure == "" {
		cfg.OnPersistenceFailure = PersistenceEscalate
	}
	if err := cfg.OnPersistenceFailure.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "executor").Logger()

	return &Executor{
		resolver:          cfg.Resolver,
		runtime:           cfg.Runtime,
		ledger:            NewIdempotencyLedger(cfg.Auditor, cfg.Retry, cfg.Logger, cfg.Metrics),
		locks:             cfg.Locks,
		policy:            cfg.Policy,
		events:            cfg.Events,
		metrics:           cfg.Metrics,
		tracer:            cfg.Tracer,
		conditions:        NewConditionEvaluator(cfg.Logger, cfg.Metrics),
		logger:            logger,
		persistencePolicy: cfg.OnPersistenceFailure,
		nodeTimeout:       cfg.DefaultNodeTimeout,
		now:               time.Now,
		newRunID:          func() string { return uuid.New().String() },
	}, nil
}

// Execute runs one orchestration invocation. The returned summary is never nil,
// also on failure, and lists every compensation attempted.
//
// The ledger is consulted again under the resource lock only for nodes that
// declare a resource_ref. Two identical invocations racing through a node
// without one can both miss the ledger and both run its procedure; such
// procedures must tolerate a duplicate call.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionSummary, error) {
	start := e.now()
	runEpoch := req.RunEpoch
	if runEpoch == "" {
		runEpoch = start.UTC().Format(time.RFC3339Nano)
	}

	ec := &ExecutionContext{
		RunID:     e.newRunID(),
		SmartCode: req.SmartCode,
		TenantID:  req.TenantID,
		Payload:   req.Payload,
		RunEpoch:  runEpoch,
		States:    make(map[string]NodeState),
	}
	if ec.Payload == nil {
		ec.Payload = map[string]interface{}{}
	}

	summary := &ExecutionSummary{
		RunID:     ec.RunID,
		SmartCode: req.SmartCode,
		TenantID:  req.TenantID,
		RunEpoch:  runEpoch,
		Status:    RunStatusRunning,
		StartedAt: start,
	}

	logger := e.logger.With().
		Str("run_id", ec.RunID).
		Str("smart_code", req.SmartCode).
		Str("tenant_id", req.TenantID).
		Logger()

	ctx, span := e.tracer.Start(ctx, "orchestration.execute", trace.WithAttributes(
		attribute.String("orchestration.smart_code", req.SmartCode),
		attribute.String("orchestration.tenant_id", req.TenantID),
		attribute.String("orchestration.run_id", ec.RunID),
		attribute.String("orchestration.run_epoch", runEpoch),
	))
	defer span.End()

	spec, err := e.resolver.Resolve(ctx, req.SmartCode, req.TenantID)
	if err != nil {
		return e.finish(ctx, span, summary, ec, RunStatusFailed, err)
	}

	order, err := ValidateAndOrder(spec)
	if err != nil {
		return e.finish(ctx, span, summary, ec, RunStatusFailed, err)
	}
	summary.Order = order

	if e.policy != nil {
		denies, err := e.policy.Admit(ctx, spec, req.TenantID, ec.Payload)
		if err != nil {
			return e.finish(ctx, span, summary, ec, RunStatusFailed,
				NewPermanentError("policy evaluation failed", err).WithCode(ErrCodeInternal).WithSmartCode(spec.SmartCode))
		}
		if len(denies) > 0 {
			return e.finish(ctx, span, summary, ec, RunStatusFailed, NewValidationError(spec.SmartCode, denies))
		}
	}

	for _, id := range order {
		ec.States[id] = NodeStatePending
	}

	logger.Info().Int("nodes", len(order)).Str("run_epoch", runEpoch).Msg("orchestration started")
	e.publish(ctx, Event{Type: EventRunStarted, RunID: ec.RunID, SmartCode: spec.SmartCode, TenantID: req.TenantID,
		Data: map[string]interface{}{"order": order, "run_epoch": runEpoch}})

	var failure error
	for _, id := range order {
		node, _ := spec.NodeByID(id)

		if cerr := ctx.Err(); cerr != nil {
			failure = NewPermanentError("execution cancelled", cerr).
				WithCode(ErrCodeCancelled).
				WithSmartCode(spec.SmartCode).
				WithNode(id)
			logger.Warn().Str("node_id", id).Msg("cancellation observed before node dispatch")
			break
		}

		if err := e.runNode(ctx, spec, node, ec, logger); err != nil {
			failure = err
			break
		}
	}

	if failure == nil {
		logger.Info().Strs("completed_nodes", ec.CompletedNodes).Msg("orchestration completed")
		return e.finish(ctx, span, summary, ec, RunStatusSucceeded, nil)
	}

	if IsLockFailure(failure) {
		// The contended node never started, so there is nothing of its own to undo.
		logger.Warn().Err(failure).Msg("orchestration aborted on busy resource")
		return e.finish(ctx, span, summary, ec, RunStatusFailed, failure)
	}

	if !spec.CompensationPolicy.AutoCompensate {
		logger.Error().Err(failure).Msg("orchestration failed, auto_compensate disabled")
		return e.finish(ctx, span, summary, ec, RunStatusFailed, failure)
	}

	summary.Compensations = e.rollback(ctx, spec, ec, logger)
	logger.Error().Err(failure).Int("compensations", len(summary.Compensations)).Msg("orchestration rolled back")
	return e.finish(ctx, span, summary, ec, RunStatusRolledBack, failure)
}

// runNode drives a single node through the state machine.
func (e *Executor) runNode(ctx context.Context, spec *OrchestrationSpec, node *Node, ec *ExecutionContext, logger zerolog.Logger) error {
	nodeStart := e.now()
	nlog := logger.With().Str("node_id", node.ID).Str("run", node.Run).Logger()

	ctx, span := e.tracer.Start(ctx, "orchestration.node", trace.WithAttributes(
		attribute.String("orchestration.node_id", node.ID),
		attribute.String("orchestration.run", node.Run),
	))
	defer span.End()

	terminal := func(state NodeState) {
		e.transition(ctx, ec, node.ID, state, nlog)
		e.metrics.RecordNode(spec.SmartCode, state, e.now().Sub(nodeStart))
		span.SetAttributes(attribute.String("orchestration.node_state", string(state)))
	}

	fail := func(err error) error {
		terminal(NodeStateFailed)
		ec.FailedNodes = append(ec.FailedNodes, node.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// a. condition
	if node.When != "" {
		ok, err := e.conditions.EvaluateDetailed(node.When, ec.Payload)
		if err != nil {
			nlog.Warn().Err(err).Str("when", node.When).Msg("condition evaluation failed, skipping node")
			e.metrics.RecordConditionError(spec.SmartCode)
			ok = false
		}
		if !ok {
			terminal(NodeStateSkipped)
			ec.SkippedNodes = append(ec.SkippedNodes, node.ID)
			return nil
		}
	}
	e.transition(ctx, ec, node.ID, NodeStateConditionChecked, nlog)

	// b. idempotency
	key, err := KeyFor(node.ID, ec.Payload, ec.RunEpoch)
	if err != nil {
		return fail(NewPermanentError("failed to compute idempotency key", err).
			WithCode(ErrCodeInternal).WithSmartCode(spec.SmartCode).WithNode(node.ID))
	}
	done, err := e.ledger.HasExecuted(ctx, node.ID, key)
	if err != nil {
		return fail(withSmartCode(err, spec.SmartCode))
	}
	if done {
		nlog.Info().Str("idempotency_key", key).Msg("node already executed, replaying")
		terminal(NodeStateIdempotentSkip)
		ec.IdempotentSkips = append(ec.IdempotentSkips, node.ID)
		return nil
	}

	// c. resource lock
	resourceID, holder := node.ResourceID(ec.Payload), lockHolder(ec)
	if resourceID != "" {
		acquired, err := e.locks.TryAcquire(ctx, resourceID, holder)
		if err != nil || !acquired {
			e.metrics.RecordLockContention(resourceID)
			return fail(NewLockAcquisitionError(node.ID, resourceID, err).WithSmartCode(spec.SmartCode))
		}
		defer func() {
			// Release must run even when ctx was cancelled mid-node.
			if rerr := e.locks.Release(context.WithoutCancel(ctx), resourceID, holder); rerr != nil {
				nlog.Error().Err(rerr).Str("resource_id", resourceID).Msg("failed to release resource lock")
			}
		}()
		e.transition(ctx, ec, node.ID, NodeStateLockAcquired, nlog)
		span.SetAttributes(attribute.String("orchestration.resource_id", resourceID))

		// Re-check under the lock so a concurrent run of the same key cannot slip in.
		done, err := e.ledger.HasExecuted(ctx, node.ID, key)
		if err != nil {
			return fail(withSmartCode(err, spec.SmartCode))
		}
		if done {
			terminal(NodeStateIdempotentSkip)
			ec.IdempotentSkips = append(ec.IdempotentSkips, node.ID)
			return nil
		}
	}

	// d. invoke
	e.transition(ctx, ec, node.ID, NodeStateExecuting, nlog)
	invokeStart := e.now()
	invokeCtx, stopLease := e.keepLease(ctx, resourceID, holder, nlog)
	invokeCtx = WithInvocation(invokeCtx, Invocation{
		RunID: ec.RunID, SmartCode: spec.SmartCode, TenantID: ec.TenantID,
		NodeID: node.ID, IdempotencyKey: key,
	})
	result, err := e.invoke(invokeCtx, node, ec.Payload)
	if lost := stopLease(); lost != nil && err != nil {
		err = fmt.Errorf("%w: %w", lost, err)
	}
	duration := e.now().Sub(invokeStart)
	if err != nil {
		nlog.Error().Err(err).Dur("duration", duration).Msg("procedure failed")
		return fail(NewProcedureError(node.ID, node.Run, err).WithSmartCode(spec.SmartCode))
	}

	terminal(NodeStateCompleted)
	ec.CompletedNodes = append(ec.CompletedNodes, node.ID)
	if node.Compensation != "" {
		ec.pushCompensation(CompensationEntry{NodeID: node.ID, Compensation: node.Compensation, Output: result.Output})
	}
	nlog.Info().Dur("duration", duration).Msg("node completed")

	payloadHash, err := PayloadHash(ec.Payload)
	if err != nil {
		payloadHash = ""
	}
	rec := &ExecutionRecord{
		IdempotencyKey: key,
		NodeID:         node.ID,
		TenantID:       ec.TenantID,
		RunID:          ec.RunID,
		SmartCode:      spec.SmartCode,
		RunCode:        node.Run,
		Timestamp:      e.now().UTC(),
		PayloadHash:    payloadHash,
		Duration:       duration,
	}
	if err := e.ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
		perr := withSmartCode(err, spec.SmartCode)
		if e.persistencePolicy == PersistenceWarn {
			msg := fmt.Sprintf("node %s: execution record not persisted: %v", node.ID, err)
			ec.Warnings = append(ec.Warnings, msg)
			nlog.Warn().Err(err).Msg("execution record not persisted; future replays may re-execute this node")
			return nil
		}
		nlog.Error().Err(err).Msg("execution record not persisted, escalating")
		span.RecordError(perr)
		return perr
	}

	return nil
}

// errLeaseLost marks a procedure cancelled because its resource lock could
// not be renewed.
var errLeaseLost = errors.New("resource lock lease lost")

// keepLease re-acquires the lock on resourceID every third of its lease
// while the node runs, when the lock manager hands out expiring leases. If a
// renewal is refused, or renewals keep failing until the lease runs out, the
// returned context is cancelled. stop ends the renewals and reports a lost
// lease.
func (e *Executor) keepLease(ctx context.Context, resourceID, holder string, log zerolog.Logger) (_ context.Context, stop func() error) {
	leased, ok := e.locks.(LeasedLockManager)
	if resourceID == "" || !ok || leased.LeaseTTL() <= 0 {
		return ctx, func() error { return nil }
	}
	ttl := leased.LeaseTTL()
	interval := max(ttl/3, time.Millisecond)

	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		renewed := e.now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := leased.TryAcquire(ctx, resourceID, holder)
			switch {
			case err == nil && ok:
				renewed = e.now()
				continue
			case err == nil:
				log.Error().Str("resource_id", resourceID).Msg("resource lock taken over, cancelling node")
			case e.now().Sub(renewed) < ttl:
				log.Warn().Err(err).Str("resource_id", resourceID).Msg("lock renewal failed, retrying")
				continue
			default:
				log.Error().Err(err).Str("resource_id", resourceID).Msg("lock lease expired, cancelling node")
			}
			cancel(fmt.Errorf("%w on %q", errLeaseLost, resourceID))
			return
		}
	}()

	return ctx, func() error {
		close(done)
		<-exited
		lost := context.Cause(ctx)
		cancel(nil)
		if errors.Is(lost, errLeaseLost) {
			return lost
		}
		return nil
	}
}

// invoke calls the procedure runtime and normalizes its result.
func (e *Executor) invoke(ctx context.Context, node *Node, payload map[string]interface{}) (*ProcedureResult, error) {
	timeout, _ := node.ParsedTimeout()
	if timeout == 0 {
		timeout = e.nodeTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := e.runtime.Invoke(ctx, node.Run, clonePayload(payload))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("procedure runtime returned no result")
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "procedure reported failure"
		}
		return nil, errors.New(msg)
	}
	return result, nil
}

// rollback pops the compensation stack and invokes each compensation in reverse
// completion order. Failures are recorded and do not stop the remaining entries.
func (e *Executor) rollback(ctx context.Context, spec *OrchestrationSpec, ec *ExecutionContext, logger zerolog.Logger) []CompensationOutcome {
	rbCtx := context.WithoutCancel(ctx)
	rbCtx, span := e.tracer.Start(rbCtx, "orchestration.rollback", trace.WithAttributes(
		attribute.Int("orchestration.compensations", len(ec.CompensationStack)),
	))
	defer span.End()

	outcomes := make([]CompensationOutcome, 0, len(ec.CompensationStack))
	for {
		entry, ok := ec.popCompensation()
		if !ok {
			break
		}

		clog := logger.With().Str("node_id", entry.NodeID).Str("compensation", entry.Compensation).Logger()
		e.publish(rbCtx, Event{Type: EventCompensationStarted, RunID: ec.RunID, SmartCode: spec.SmartCode,
			TenantID: ec.TenantID, NodeID: entry.NodeID, Data: map[string]interface{}{"compensation": entry.Compensation}})

		start := e.now()
		compCtx := WithInvocation(rbCtx, Invocation{
			RunID: ec.RunID, SmartCode: spec.SmartCode, TenantID: ec.TenantID,
			NodeID: entry.NodeID, Compensation: true,
		})
		result, err := e.runtime.Invoke(compCtx, entry.Compensation, compensationPayload(ec, entry))
		if err == nil && result == nil {
			err = errors.New("procedure runtime returned no result")
		} else if err == nil && !result.Success {
			err = errors.New(result.Error)
			if result.Error == "" {
				err = errors.New("compensation reported failure")
			}
		}

		outcome := CompensationOutcome{
			NodeID:       entry.NodeID,
			Compensation: entry.Compensation,
			Success:      err == nil,
			Duration:     e.now().Sub(start),
		}
		if err != nil {
			cerr := NewPermanentError("compensation failed", err).
				WithCode(ErrCodeCompensationFailure).
				WithSmartCode(spec.SmartCode).
				WithNode(entry.NodeID)
			outcome.Error = cerr.Error()
			clog.Error().Err(cerr).Msg("compensation failed, continuing rollback")
			span.RecordError(cerr)
		} else {
			clog.Info().Dur("duration", outcome.Duration).Msg("compensation completed")
		}

		e.metrics.RecordCompensation(spec.SmartCode, outcome.Success)
		e.publish(rbCtx, Event{Type: EventCompensationFinished, RunID: ec.RunID, SmartCode: spec.SmartCode,
			TenantID: ec.TenantID, NodeID: entry.NodeID, Message: outcome.Error,
			Data: map[string]interface{}{"compensation": entry.Compensation, "success": outcome.Success}})
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// finish fills the summary from the execution context and reports the run.
func (e *Executor) finish(
	ctx context.Context,
	span trace.Span,
	summary *ExecutionSummary,
	ec *ExecutionContext,
	status RunStatus,
	err error,
) (*ExecutionSummary, error) {
	summary.Status = status
	summary.CompletedNodes = append([]string{}, ec.CompletedNodes...)
	summary.SkippedNodes = ec.SkippedNodes
	summary.IdempotentSkips = ec.IdempotentSkips
	summary.FailedNodes = ec.FailedNodes
	summary.Warnings = ec.Warnings
	if len(ec.States) > 0 {
		summary.NodeStates = make(map[string]NodeState, len(ec.States))
		for id, s := range ec.States {
			summary.NodeStates[id] = s
		}
	}
	summary.Elapsed = e.now().Sub(summary.StartedAt)

	e.metrics.RecordRun(summary.SmartCode, status, summary.Elapsed)
	span.SetAttributes(attribute.String("orchestration.status", string(status)))

	if err != nil {
		summary.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.publish(ctx, Event{Type: EventRunFailed, RunID: summary.RunID, SmartCode: summary.SmartCode,
			TenantID: summary.TenantID, Message: err.Error(), Data: map[string]interface{}{"status": string(status)}})
		return summary, err
	}

	span.SetStatus(codes.Ok, "")
	e.publish(ctx, Event{Type: EventRunCompleted, RunID: summary.RunID, SmartCode: summary.SmartCode,
		TenantID: summary.TenantID, Data: map[string]interface{}{"completed_nodes": summary.CompletedNodes}})
	return summary, nil
}

// transition records a node state change and publishes it.
func (e *Executor) transition(ctx context.Context, ec *ExecutionContext, nodeID string, next NodeState, logger zerolog.Logger) {
	prev := ec.States[nodeID]
	if prev != "" && !prev.CanTransitionTo(next) {
		logger.Warn().Str("from", string(prev)).Str("to", string(next)).Msg("unexpected node state transition")
	}
	ec.States[nodeID] = next
	logger.Debug().Str("state", string(next)).Msg("node state changed")
	e.publish(ctx, Event{Type: EventNodeStateChanged, RunID: ec.RunID, SmartCode: ec.SmartCode,
		TenantID: ec.TenantID, NodeID: nodeID, State: next})
}

func (e *Executor) publish(ctx context.Context, event Event) {
	if e.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now().UTC()
	}
	e.events.Publish(ctx, event)
}

// Simulate resolves and plans an orchestration without side effects.
func (e *Executor) Simulate(ctx context.Context, smartCode, tenantID string, payload map[string]interface{}) (*Plan, error) {
	spec, err := e.resolver.Resolve(ctx, smartCode, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := Simulate(spec, payload, e.conditions)
	if plan != nil {
		plan.TenantID = tenantID
	}
	return plan, err
}

// lockHolder identifies the invocation holding a lock. The run epoch is kept
// for auditability; the run id keeps concurrent invocations sharing an epoch apart.
func lockHolder(ec *ExecutionContext) string {
	return ec.RunEpoch + "#" + ec.RunID
}

func withSmartCode(err error, smartCode string) error {
	var ee *EngineError
	if errors.As(err, &ee) && ee.SmartCode == "" {
		ee.SmartCode = smartCode
	}
	return err
}

// compensationPayload copies the payload and attaches rollback context.
func compensationPayload(ec *ExecutionContext, entry CompensationEntry) map[string]interface{} {
	payload := clonePayload(ec.Payload)
	saga := map[string]interface{}{
		"node_id":   entry.NodeID,
		"run_id":    ec.RunID,
		"run_epoch": ec.RunEpoch,
	}
	if len(entry.Output) > 0 {
		var output interface{}
		if err := json.Unmarshal(entry.Output, &output); err == nil {
			saga["output"] = output
		}
	}
	payload[SagaPayloadKey] = saga
	return payload
}

// clonePayload deep-copies maps and slices so procedures cannot mutate the
// payload used to derive later idempotency keys.
func clonePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return clonePayload(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
