// Package telemetry provides the observability stack of the keel daemons.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind a single Telemetry bundle.
//
// # Usage
//
//	cfg := telemetry.DaemonConfig("scheduler", workerID)
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	tel.StartMetricsServer()
//
// The Tracer satisfies engine.Tracer and Metrics satisfies engine.Recorder,
// so both plug straight into a dispatcher:
//
//	sched := engine.NewScheduler(store, registry, partitioner, cfg,
//	    engine.WithTracer(tel.Tracer),
//	    engine.WithRecorder(tel.Metrics),
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	)
//
// Daemon loggers carry the role and worker id on every record. The dispatch
// loop logs one debug record per step, so DaemonConfig samples debug and
// trace records to LoggingConfig.StepBurst per second.
//
// # Metrics
//
// Key metrics exposed:
//
//   - keel_steps_executed_total{program,step,directive}
//   - keel_step_duration_seconds{program,step}
//   - keel_step_failures_total{program,step,class}
//   - keel_deadlines_exceeded_total{program}
//   - keel_tasks_claimed_total
//   - keel_partition_index, keel_partition_workers
//   - keel_tasks{state}
//   - keel_pulse_resources, keel_pulses
//   - keel_pulses_missing{partition}, keel_pages_opened_total
//
// # Exporters
//
// Tracing supports "otlp" (gRPC), "stdout" and "none". Configure them via
// TracingConfig.Exporter and TracingConfig.Endpoint.
package telemetry
