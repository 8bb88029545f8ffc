// File: stream/multiplexer.go
// Package stream implements the Stream Multiplexer (C7): sequencing and
// reassembly of StreamChunk frames sharing one connection, per-stream
// cancellation, and gap detection on the consumer side (§4.7).
package stream

import (
	"sync"

	"github.com/momentics/lapc/api"
)

// Producer emits a monotonically-sequenced chunk series for one stream_id.
// Producers guarantee increasing Sequence within a stream, with exactly
// one terminal chunk carrying IsFinal=true.
type Producer struct {
	streamID uint64
	mu       sync.Mutex
	next     uint32
	closed   bool
}

// NewProducer starts a new chunk series for streamID.
func NewProducer(streamID uint64) *Producer {
	return &Producer{streamID: streamID}
}

// Next returns the next content chunk to send, or the terminal chunk if
// final is true. Calling Next after a final chunk has been produced
// panics, since the spec treats that as a producer bug, not a recoverable
// runtime condition.
func (p *Producer) Next(content []byte, final bool) api.StreamChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		panic("stream: Next called after terminal chunk")
	}
	seq := p.next
	p.next++
	if final {
		p.closed = true
	}
	return api.StreamChunk{
		StreamID: p.streamID,
		Sequence: seq,
		IsFinal:  final,
		Content:  content,
	}
}

// CancelFinal produces the single terminal frame a producer must emit
// after observing a Cancel for this stream, so the consumer can free its
// reassembly state deterministically even though the stream ends early.
func (p *Producer) CancelFinal() api.StreamChunk {
	return p.Next(nil, true)
}

// Reassembler consumes a StreamChunk series for one stream_id, detecting
// sequence gaps and signalling completion on the terminal chunk.
type Reassembler struct {
	streamID uint64
	mu       sync.Mutex
	expected uint32
	done     bool
}

// NewReassembler starts reassembly state for streamID.
func NewReassembler(streamID uint64) *Reassembler {
	return &Reassembler{streamID: streamID}
}

// Feed processes the next chunk observed on the wire. It returns the
// chunk's content and whether the stream is now complete. If chunk.Sequence
// does not match the expected next sequence, it returns api.ErrGap without
// advancing state, so a caller may decide whether to abort or wait for a
// retransmission policy layered above the transport.
func (r *Reassembler) Feed(chunk api.StreamChunk) (content []byte, complete bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, true, api.ErrClosed.WithContext("reason", "reassembler already complete")
	}
	if chunk.StreamID != r.streamID {
		return nil, false, api.ErrInvalidArgument.WithContext("want_stream", r.streamID).WithContext("got_stream", chunk.StreamID)
	}
	if chunk.Sequence != r.expected {
		return nil, false, api.ErrGap.WithContext("expected", r.expected).WithContext("got", chunk.Sequence)
	}

	r.expected++
	if chunk.IsFinal {
		r.done = true
	}
	return chunk.Content, r.done, nil
}

// Done reports whether the terminal chunk has been observed.
func (r *Reassembler) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Registry tracks live Reassemblers for one Connection, keyed by stream_id,
// so an inbound dispatcher can route each StreamChunk frame without the
// caller threading stream state through every call site.
type Registry struct {
	mu    sync.Mutex
	byID  map[uint64]*Reassembler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Reassembler)}
}

// Route feeds chunk into the Reassembler for its stream_id, creating one
// on first sight, and removes it once the stream completes.
func (reg *Registry) Route(chunk api.StreamChunk) (content []byte, complete bool, err error) {
	reg.mu.Lock()
	r, ok := reg.byID[chunk.StreamID]
	if !ok {
		r = NewReassembler(chunk.StreamID)
		reg.byID[chunk.StreamID] = r
	}
	reg.mu.Unlock()

	content, complete, err = r.Feed(chunk)
	if complete || err != nil {
		reg.mu.Lock()
		delete(reg.byID, chunk.StreamID)
		reg.mu.Unlock()
	}
	return content, complete, err
}

// Cancel drops a stream's reassembly state without requiring the terminal
// chunk, used when the consumer itself initiates the Cancel.
func (reg *Registry) Cancel(streamID uint64) {
	reg.mu.Lock()
	delete(reg.byID, streamID)
	reg.mu.Unlock()
}

// Len reports the number of in-flight streams, for metrics/health.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byID)
}
