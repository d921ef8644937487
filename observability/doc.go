// Package observability provides Prometheus metrics for taskcrew. The
// MetricsExtension implements lifecycle hooks to record per-worker-type
// counters for enqueue, completion, failure, retry, and cancellation, and
// tracks fast backend liveness and broadcaster throughput.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
