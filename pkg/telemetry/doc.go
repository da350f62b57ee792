// Package telemetry bundles the observability plumbing for Surge:
// structured logging via zerolog, distributed tracing via
// OpenTelemetry, Prometheus metrics, and an async event stream for
// UIs and external consumers.
//
// Initialize once at startup and carry the bundle through context:
//
//	tel, err := telemetry.New(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
//
// Logging is component scoped. Each engine component takes a child
// logger and attaches run, wave and resource identifiers as it goes:
//
//	logger := tel.Logger.Component("engine").WithRunID(runID)
//	logger.Zerolog().Info().Msg("run started")
//
// Tracing follows the run structure: a root span per run, a child span
// per resource change and per provisioner call. RecordError and
// RecordSuccess set the span status. Exporters: "otlp" for production
// collectors, "stdout" for development, "none" to sample without
// exporting.
//
// Metrics live on a private Prometheus registry served by
// Metrics.Handler (default :9090/metrics). Counters and histograms
// cover runs, waves, resource changes, provisioner calls, error
// classes, breaker transitions and rollbacks, all under the "surge"
// namespace.
//
// Events are published through a bounded buffer and fanned out to
// subscribers on a single delivery goroutine. Publishing never blocks;
// a full buffer drops the event. Subscribers can narrow what they see
// with FilterByLevel and FilterByType.
//
// Shutdown drains the event publisher and flushes pending spans. The
// metrics endpoint keeps serving until the process exits.
package telemetry
