// File: server/config.go
// Package server implements the Server Loop (C6): an accept loop that
// binds established Connections to a fixed-size worker pool through a
// bounded MPMC work queue, with cooperative cancellation and backpressure.
// Author: momentics <momentics@gmail.com>
package server

import (
	"runtime"
	"time"
)

// Config holds the Server Loop's tunables (§4.6, §5).
type Config struct {
	// Workers is the fixed worker-pool size; default = CPU count.
	Workers int
	// QueueCapacity bounds the MPMC work queue; push blocks once full,
	// which is how backpressure reaches the per-connection reader.
	QueueCapacity int
	// CancelGrace is how long a worker may run after observing a Cancel
	// before the connection is marked degraded (§4.6: 50 ms).
	CancelGrace time.Duration
	// ShutdownGrace bounds how long Serve waits for in-flight workers to
	// drain after a Disconnect frame is emitted on every Connection.
	ShutdownGrace time.Duration

	PoolCapacity    int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns conservative defaults sized to the host.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueCapacity:   1024,
		CancelGrace:     50 * time.Millisecond,
		ShutdownGrace:   5 * time.Second,
		PoolCapacity:    1000,
		IdleTimeout:     5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}
