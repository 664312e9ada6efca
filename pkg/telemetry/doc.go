// Package telemetry provides observability for convergence runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus). The engine is instrumented through Observer, which
// implements engine.Observer:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(engine.Options{Logger: tel.Logger.Zerolog()}, tel.Observer())
//
// # Traces
//
// Each run opens a "convergo.run" span. Every visited resource gets a
// "convergo.resource" child span with its identity, outcome and number of
// changes; failed resources record the error on their span. Dispatched
// notifications are events on the run span. Spans go to stdout or to an
// OTLP/gRPC collector.
//
// # Metrics
//
// Counters and histograms are registered on a private registry, exposed by
// Metrics.Handler and, when a listen address is configured, served over HTTP
// by StartMetricsServer:
//
//   - convergo_runs_started_total, convergo_runs_completed_total{status,dry_run}
//   - convergo_run_duration_seconds{status}
//   - convergo_resources_total{type,outcome}
//   - convergo_resource_duration_seconds{type}
//   - convergo_resource_changes_total{type}
//   - convergo_notifications_total{timing,mode,fired}
//   - convergo_errors_by_class_total{class,code}
//   - convergo_policy_violations_total{policy,severity}
//   - convergo_active_runs
package telemetry
