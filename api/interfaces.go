// File: api/interfaces.go
// Author: momentics <momentics@gmail.com>
//
// Core transport contracts shared across packages: the shared-memory
// Region (C9), the byte-oriented Ring Segment (C1), the Connection (C4),
// the Connection Pool (C5), and the per-request Handler dispatched by the
// Server Loop (C6).

package api

import "context"

// Region abstracts a named, page-aligned shared-memory mapping (C9).
// Implementations are platform-specific (POSIX shm, Win32 file mapping);
// callers only ever see Bytes(), Name(), and lifecycle methods.
type Region interface {
	// Name returns the vendor-prefixed region name it was created/opened with.
	Name() string

	// Bytes returns the mapped memory as a byte slice. Mutating it mutates
	// the shared mapping.
	Bytes() []byte

	// Close unmaps the region in this process without removing it.
	Close() error

	// Destroy unmaps and unlinks the region; only the owning process
	// should call this (typically on clean shutdown).
	Destroy() error
}

// ByteRing is the SPSC byte-ring contract implemented by core/ringseg (C1).
type ByteRing interface {
	// Write reserves 4+len(data) bytes and publishes data with a
	// length-prefix; returns ErrFull if insufficient space.
	Write(data []byte) error

	// Read copies the next framed payload into dst, growing it if needed
	// via the returned slice; returns ErrEmpty if the ring holds no frame,
	// ErrCorrupt if the length prefix is invalid.
	Read(dst []byte) ([]byte, error)

	// Available reports bytes currently queued for the consumer.
	Available() int

	// Space reports bytes currently free for the producer.
	Space() int

	// Cap returns the data-buffer capacity in bytes (power of two).
	Cap() int

	// Stats returns the monotonic write sequence count and corrupt-slot count.
	Stats() (sequence uint64, lastError uint64)
}

// Guard is an RAII handle borrowing a Connection from a Pool (§4.5). The
// caller must call Release exactly once; Release returns the permit. It
// does not remove the Connection from the pool's table.
type Guard interface {
	ID() uint64
	Release()
}

// Handler processes one decoded request Frame. It emits its response
// frames (a unary response or a series of StreamChunks) through the
// Responder and returns only an error.
type Handler interface {
	Handle(ctx context.Context, req *Frame, resp Responder) error
}

// Responder lets a Handler emit one or more response frames for a single
// request, enabling both unary responses and streamed ones (§4.7).
type Responder interface {
	// Send emits a single response or stream-chunk frame.
	Send(frame *Frame) error

	// Cancelled reports whether the peer asked to cancel this request.
	Cancelled() <-chan struct{}
}
