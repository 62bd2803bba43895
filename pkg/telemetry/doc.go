// Package telemetry provides observability instrumentation for SagaFlow.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Architecture
//
//  1. Logger - zerolog with console or JSON output and run/node fields
//  2. Tracer - OpenTelemetry provider with OTLP gRPC or stdout exporters
//  3. Metrics - Prometheus collectors on a private registry; implements engine.MetricsRecorder
//  4. EventPublisher - buffered fan-out of engine events; implements engine.EventSink
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	executor, err := engine.NewExecutor(engine.ExecutorConfig{
//	    Resolver: resolver,
//	    Runtime:  tel.InstrumentRuntime(runtime),
//	    Auditor:  store,
//	    Events:   tel.Events,
//	    Metrics:  tel.Metrics,
//	    Tracer:   tel.Tracer.Tracer(),
//	    Logger:   tel.Logger.NewComponentLogger("engine").Zerolog(),
//	})
//
// Subscribers receive every published event, optionally filtered:
//
//	tel.Events.Subscribe(func(ctx context.Context, ev telemetry.Event) {
//	    _ = store.RecordEvent(ctx, ev.ID, ev.Event)
//	}, nil)
//
// # Metrics
//
// All metric names carry the configured namespace (default "sagaflow"):
//
//	runs_total{smart_code,status}
//	run_duration_seconds{smart_code,status}
//	nodes_total{smart_code,state}
//	node_duration_seconds{smart_code,state}
//	procedure_calls_total{run_code,outcome}
//	procedure_duration_seconds{run_code}
//	compensations_total{smart_code,outcome}
//	lock_contention_total{resource_id}
//	condition_errors_total{smart_code}
//	persistence_errors_total{operation}
//
// Metrics.Handler serves them in the Prometheus exposition format and
// Metrics.Serve runs a standalone endpoint.
package telemetry
