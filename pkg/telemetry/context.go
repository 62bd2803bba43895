package telemetry

import (
	"context"
	"errors"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events, logger.Zerolog())
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// InstrumentRuntime wraps rt so every invocation gets a procedure.invoke
// span, a procedure metric sample and a debug log line.
func (t *Telemetry) InstrumentRuntime(rt engine.ProcedureRuntime) engine.ProcedureRuntime {
	return &instrumentedRuntime{next: rt, tel: t}
}

type instrumentedRuntime struct {
	next engine.ProcedureRuntime
	tel  *Telemetry
}

func (r *instrumentedRuntime) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	ctx, span := r.tel.Tracer.StartProcedureSpan(ctx, runCode)
	defer span.End()

	logger := r.tel.Logger.WithField("run_code", runCode)
	if inv, ok := engine.InvocationFrom(ctx); ok {
		span.SetAttributes(
			AttrRunID.String(inv.RunID),
			AttrSmartCode.String(inv.SmartCode),
			AttrNodeID.String(inv.NodeID),
			AttrIdemKey.String(inv.IdempotencyKey),
		)
		logger = logger.WithNode(inv.NodeID)
	}

	timer := NewTimer()
	result, err := r.next.Invoke(ctx, runCode, payload)
	success := err == nil && result != nil && result.Success
	r.tel.Metrics.RecordProcedureCall(runCode, success, timer.Duration())

	switch {
	case err != nil:
		RecordError(span, err)
		logger.WithError(err).Debug("Procedure invocation failed")
	case !success:
		msg := "procedure reported failure"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		RecordError(span, errors.New(msg))
		logger.Debugf("Procedure reported failure: %s", msg)
	default:
		RecordSuccess(span)
		logger.Debugf("Procedure completed in %s", timer.Duration())
	}

	return result, err
}
