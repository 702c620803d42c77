// Package diagnostics tracks the resource usage of a long-running engine
// process.
//
// ResourceMonitor periodically samples file descriptors, goroutines and heap
// usage, counts phase runner invocations, and warns when a threshold is
// exceeded or a count keeps growing. SystemMetricsCollector reports host
// CPU, memory, disk and load through gopsutil.
//
// Both are exposed on GET /api/v1/diagnostics and configured through the
// diagnostics section of the configuration file.
package diagnostics
