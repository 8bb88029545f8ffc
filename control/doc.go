// Package control
// Author: momentics <momentics@gmail.com>
//
// Metrics & Health (C8), configuration loading, structured logging, and
// debug introspection for the transport daemon. The transport's hot path
// (ring read/write, frame encode/decode) never touches this package;
// only the server loop and the CLI boundary do.
//
// Provides:
//   - Config: YAML + flags + env resolution (Load)
//   - Registry: lock-free frame/byte/error counters and per-method
//     latency histograms (Snapshot)
//   - HealthStatus: pool occupancy + queue saturation rollup
//   - NewLogger: zap.Logger construction from a log-level filter
//   - DebugProbes: named on-demand introspection hooks for --debug
//
// This package is cross-platform and build-tag-partitioned where the
// underlying probe needs OS-specific data.
package control
