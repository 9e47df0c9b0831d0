// Package metrics exposes wnm's own operational Prometheus metrics: run
// duration, per-action outcome counters, per-status node gauges, and Store
// operation counters. This is distinct from the fleet Metrics Collector in
// pkg/collector (with host sampling in pkg/hostmetrics), which reads
// antnode and host state rather than reporting on wnm's own behavior.
//
// Metrics are registered at package init and exposed via Handler(), the same
// promhttp.Handler() pattern used throughout this toolchain. A Timer helper
// wraps the common "time an operation, observe into a histogram" pattern.
package metrics
