// File: server/server.go
// Author: momentics <momentics@gmail.com>
//
// The Server Loop itself: an accept loop over an injected Acceptor,
// per-connection reader tasks that decode frames and dispatch Request
// frames onto a fixed worker pool, and graceful shutdown that emits a
// Disconnect frame on every live Connection before draining.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/control"
	"github.com/momentics/lapc/core/codec"
	"github.com/momentics/lapc/pool"
	"github.com/momentics/lapc/stream"
)

// Acceptor produces established Connections, decoupling the Server Loop
// from handshake and shared-memory specifics (those are wired by the
// cmd/lapcd entrypoint).
type Acceptor interface {
	Accept(ctx context.Context) (*conn.Connection, error)
}

// connHandle tracks per-connection dispatcher state: in-flight request
// cancellation flags and the stream registry for inbound StreamChunks.
type connHandle struct {
	c        *conn.Connection
	guard    *pool.Guard
	cancels  sync.Map // requestID uint64 -> *int32 (atomic cancel flag)
	streams  *stream.Registry
}

// Server is the Server Loop (C6).
type Server struct {
	cfg      Config
	pool     *pool.Pool
	handler  api.Handler
	acceptor Acceptor

	queue *workQueue

	workerWG sync.WaitGroup
	connWG   sync.WaitGroup

	shutdown  chan struct{}
	shutdownC sync.Once

	connsMu sync.Mutex
	conns   map[uint64]*connHandle

	degraded int64

	metrics *control.Registry
}

// SetMetrics attaches a metrics registry; nil (the default) disables
// metrics recording entirely.
func (s *Server) SetMetrics(r *control.Registry) { s.metrics = r }

// New constructs a Server bound to acceptor and handler.
func New(cfg Config, acceptor Acceptor, handler api.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		pool:     pool.New(pool.Config{Capacity: cfg.PoolCapacity, IdleTimeout: cfg.IdleTimeout, CleanupInterval: cfg.CleanupInterval}),
		handler:  handler,
		acceptor: acceptor,
		queue:    newWorkQueue(cfg.QueueCapacity),
		shutdown: make(chan struct{}),
		conns:    make(map[uint64]*connHandle),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.workerLoop()
	}
	return s
}

// Serve runs the accept loop until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	go func() {
		select {
		case <-s.shutdown:
		case <-ctx.Done():
		}
		cancelAccept()
	}()

	for {
		c, err := s.acceptor.Accept(acceptCtx)
		if err != nil {
			if acceptCtx.Err() != nil {
				break
			}
			continue
		}
		s.registerConnection(acceptCtx, c)
	}

	s.drain()
	return nil
}

// registerConnection admits c onto the Connection Pool (C5): acquiring a
// permit enforces cfg.PoolCapacity at the real admission path, and
// Register makes c visible to Pool.Stats/HealthStatus/Snapshot for the
// lifetime of the connection. A connection that arrives while the pool is
// at capacity waits in Acquire for a free permit; if ctx ends first it is
// poisoned and dropped rather than accumulating unbounded reader
// goroutines.
func (s *Server) registerConnection(ctx context.Context, c *conn.Connection) {
	guard, err := s.pool.Acquire(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AddError("pool_at_capacity")
		}
		c.Poison()
		return
	}
	s.pool.Register(c.ID(), c, guard)

	h := &connHandle{c: c, guard: guard, streams: stream.NewRegistry()}
	s.connsMu.Lock()
	s.conns[c.ID()] = h
	s.connsMu.Unlock()

	s.connWG.Add(1)
	go s.readerLoop(h)
}

// readerLoop drains frames from one connection, replying to heartbeats
// inline and otherwise dispatching onto the shared work queue. Backpressure
// is automatic: once the queue is full, push blocks and this connection
// simply stops reading until the queue drains (§4.6).
func (s *Server) readerLoop(h *connHandle) {
	defer s.connWG.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-h.c.Wake():
		case <-time.After(time.Millisecond):
		}

		raws, err := h.c.Recv()
		if err != nil {
			if err == api.ErrClosed {
				s.unregisterConnection(h.c.ID())
				return
			}
			continue
		}
		for _, raw := range raws {
			s.handleInbound(h, raw)
		}

		select {
		case <-s.shutdown:
			return
		default:
		}
		if h.c.Health() == api.HealthUnhealthy {
			s.unregisterConnection(h.c.ID())
			return
		}
	}
}

func (s *Server) handleInbound(h *connHandle, raw []byte) {
	frame, err := codec.Decode(raw)
	if err != nil {
		h.c.RecordError()
		if s.metrics != nil {
			s.metrics.AddError(codeOf(err))
		}
		return
	}
	if s.metrics != nil {
		s.metrics.AddFrames(1)
		s.metrics.AddBytes(uint64(len(raw)))
	}

	switch frame.Type {
	case api.FrameHeartbeat:
		resp, _ := codec.Encode(&api.Frame{Type: api.FrameHeartbeat, ID: frame.ID})
		_ = h.c.Send(resp)
	case api.FrameCancel:
		targetID, err := codec.DecodeCancelTarget(frame.Payload)
		if err != nil {
			h.c.RecordError()
			return
		}
		if v, ok := h.cancels.Load(targetID); ok {
			atomic.StoreInt32(v.(*int32), 1)
		}
		h.streams.Cancel(targetID)
	case api.FrameDisconnect:
		s.unregisterConnection(h.c.ID())
	case api.FrameStreamChunk:
		if chunk, err := codec.DecodeStreamChunk(frame.Payload); err == nil {
			_, _, _ = h.streams.Route(*chunk)
		}
	default:
		flag := new(int32)
		h.cancels.Store(frame.ID, flag)
		s.queue.push(workItem{conn: h, frame: raw})
	}
}

// codeOf extracts a stable error-kind label for metrics from any error,
// falling back to "unknown" for errors outside the api.Error taxonomy.
func codeOf(err error) string {
	if apiErr, ok := err.(*api.Error); ok {
		return apiErr.Code.String()
	}
	return "unknown"
}

func (s *Server) unregisterConnection(id uint64) {
	s.connsMu.Lock()
	h, ok := s.conns[id]
	delete(s.conns, id)
	s.connsMu.Unlock()
	s.pool.Remove(id)
	if ok {
		h.c.Poison()
	}
	if ok && h.guard != nil {
		h.guard.Release()
	}
}

// workerLoop pops request frames and dispatches them to the handler,
// watching for non-cooperative cancellation (§4.6: a worker that does not
// yield within CancelGrace of a cancel degrades the connection).
func (s *Server) workerLoop() {
	defer s.workerWG.Done()
	for {
		item, ok := s.queue.pop()
		if !ok {
			return
		}
		s.runWorkItem(item)
	}
}

func (s *Server) runWorkItem(item workItem) {
	frame, err := codec.Decode(item.frame)
	if err != nil {
		item.conn.c.RecordError()
		return
	}
	defer item.conn.cancels.Delete(frame.ID)

	cancelFlagVal, _ := item.conn.cancels.Load(frame.ID)
	cancelFlag, _ := cancelFlagVal.(*int32)

	done := make(chan struct{})
	cancelledCh := make(chan struct{})
	watchdogDone := make(chan struct{})
	go s.watchCancellation(item.conn, cancelFlag, done, cancelledCh, watchdogDone)

	start := time.Now()
	resp := &responder{conn: item.conn.c, cancelled: cancelledCh, metrics: s.metrics, method: frame.Type.String(), start: start}
	err = s.handler.Handle(context.Background(), frame, resp)
	elapsed := time.Since(start)
	close(done)
	<-watchdogDone

	if s.metrics != nil {
		s.metrics.ObserveFinal(frame.Type.String(), elapsed)
	}

	if err != nil {
		item.conn.c.RecordError()
		if s.metrics != nil {
			s.metrics.AddError(codeOf(err))
		}
		return
	}
	item.conn.c.RecordOK()
}

// watchCancellation polls cancelFlag; once set it closes cancelledCh so
// the responder observes cancellation, then gives the handler CancelGrace
// to notice and return before marking the connection degraded (§4.6).
func (s *Server) watchCancellation(h *connHandle, cancelFlag *int32, done, cancelledCh chan struct{}, watchdogDone chan struct{}) {
	defer close(watchdogDone)
	if cancelFlag == nil {
		<-done
		return
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if atomic.LoadInt32(cancelFlag) == 1 {
				close(cancelledCh)
				select {
				case <-done:
				case <-time.After(s.cfg.CancelGrace):
					atomic.AddInt64(&s.degraded, 1)
					h.c.Poison()
				}
				return
			}
		}
	}
}

// responder implements api.Responder by writing encoded frames onto the
// connection's tx ring, and records send-to-first-response latency (§4.8)
// on the first Send call.
type responder struct {
	conn      *conn.Connection
	cancelled chan struct{}

	metrics   *control.Registry
	method    string
	start     time.Time
	firstSent int32
}

func (r *responder) Send(frame *api.Frame) error {
	raw, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	if r.metrics != nil && atomic.CompareAndSwapInt32(&r.firstSent, 0, 1) {
		r.metrics.ObserveFirstResponse(r.method, time.Since(r.start))
	}
	return r.conn.Send(raw)
}

func (r *responder) Cancelled() <-chan struct{} { return r.cancelled }

// drain emits a Disconnect frame on every live connection, then waits up
// to ShutdownGrace for in-flight work to finish before returning (§4.6).
func (s *Server) drain() {
	s.connsMu.Lock()
	handles := make([]*connHandle, 0, len(s.conns))
	for _, h := range s.conns {
		handles = append(handles, h)
	}
	s.connsMu.Unlock()

	for _, h := range handles {
		raw, err := codec.Encode(&api.Frame{Type: api.FrameDisconnect})
		if err == nil {
			_ = h.c.Send(raw)
		}
	}

	s.queue.close()

	waitDone := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		s.connWG.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(s.cfg.ShutdownGrace):
	}

	s.pool.Close()
}

// Shutdown stops the accept loop and begins graceful drain; it does not
// block until drain completes (call Serve's return for that). It
// implements api.GracefulShutdown.
func (s *Server) Shutdown() error {
	s.shutdownC.Do(func() { close(s.shutdown) })
	return nil
}

var _ api.GracefulShutdown = (*Server)(nil)

// DegradedCount reports how many connections were degraded due to
// non-cooperative cancellation handling, for metrics.
func (s *Server) DegradedCount() int64 {
	return atomic.LoadInt64(&s.degraded)
}

// Pool exposes the underlying Connection Pool for metrics and health
// reporting (C8).
func (s *Server) Pool() *pool.Pool { return s.pool }

// QueueDepth reports the current backlog on the shared work queue, for
// the "queue saturated" health signal of §4.8.
func (s *Server) QueueDepth() int { return s.queue.len() }

// QueueCapacity reports the configured work queue capacity.
func (s *Server) QueueCapacity() int { return s.cfg.QueueCapacity }
