package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/codec"
	"github.com/momentics/lapc/core/ringseg"
	"github.com/momentics/lapc/server"
)

type memRegion struct{ buf []byte }

func (r *memRegion) Name() string   { return "mem" }
func (r *memRegion) Bytes() []byte  { return r.buf }
func (r *memRegion) Close() error   { return nil }
func (r *memRegion) Destroy() error { return nil }

func newPairedConns(t *testing.T, id uint64, size int) (server, client *conn.Connection) {
	t.Helper()
	r1 := &memRegion{buf: make([]byte, ringseg.HeaderSize+size)}
	r2 := &memRegion{buf: make([]byte, ringseg.HeaderSize+size)}
	s1, err := ringseg.Create(r1, size)
	require.NoError(t, err)
	s2, err := ringseg.Create(r2, size)
	require.NoError(t, err)

	// server reads from r1 (client->server) and writes to r2 (server->client)
	server = conn.New(id, s2, s1, conn.FullPolicyReportError)
	// client writes to r1 and reads from r2
	client = conn.New(id, s1, s2, conn.FullPolicyReportError)
	return server, client
}

type fakeAcceptor struct {
	mu    sync.Mutex
	conns []*conn.Connection
}

func (f *fakeAcceptor) Accept(ctx context.Context) (*conn.Connection, error) {
	f.mu.Lock()
	if len(f.conns) > 0 {
		c := f.conns[0]
		f.conns = f.conns[1:]
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
		return nil, context.Canceled
	}
}

func TestServerEchoesHeartbeatInline(t *testing.T) {
	serverConn, clientConn := newPairedConns(t, 1, 4096)
	acceptor := &fakeAcceptor{conns: []*conn.Connection{serverConn}}

	handler := api.HandlerFunc(func(ctx context.Context, req *api.Frame, resp api.Responder) error {
		return resp.Send(&api.Frame{Type: api.FrameResponse, ID: req.ID})
	})

	cfg := server.DefaultConfig()
	cfg.Workers = 2
	s := server.New(cfg, acceptor, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)

	raw, err := codec.Encode(&api.Frame{Type: api.FrameHeartbeat, ID: 7})
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(raw))

	require.Eventually(t, func() bool {
		frames, _ := clientConn.Recv()
		for _, f := range frames {
			decoded, err := codec.Decode(f)
			if err == nil && decoded.Type == api.FrameHeartbeat && decoded.ID == 7 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Shutdown()
}

func TestServerRegistersConnectionIntoPool(t *testing.T) {
	serverConn, _ := newPairedConns(t, 3, 4096)
	acceptor := &fakeAcceptor{conns: []*conn.Connection{serverConn}}

	handler := api.HandlerFunc(func(ctx context.Context, req *api.Frame, resp api.Responder) error {
		return resp.Send(&api.Frame{Type: api.FrameResponse, ID: req.ID})
	})

	cfg := server.DefaultConfig()
	cfg.Workers = 1
	s := server.New(cfg, acceptor, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	defer func() {
		cancel()
		s.Shutdown()
	}()

	require.Eventually(t, func() bool {
		return s.Pool().Stats().Size == 1
	}, time.Second, 5*time.Millisecond)

	status := s.Pool().HealthStatus()
	require.Equal(t, 1, status.OpenConns)
}

func TestServerRejectsConnectionOncePoolIsAtCapacity(t *testing.T) {
	serverConn1, _ := newPairedConns(t, 4, 4096)
	serverConn2, _ := newPairedConns(t, 5, 4096)
	acceptor := &fakeAcceptor{conns: []*conn.Connection{serverConn1, serverConn2}}

	handler := api.HandlerFunc(func(ctx context.Context, req *api.Frame, resp api.Responder) error {
		return resp.Send(&api.Frame{Type: api.FrameResponse, ID: req.ID})
	})

	cfg := server.DefaultConfig()
	cfg.Workers = 1
	cfg.PoolCapacity = 1
	s := server.New(cfg, acceptor, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)

	require.Eventually(t, func() bool {
		return s.Pool().Stats().Size == 1
	}, time.Second, 5*time.Millisecond)

	// The second connection's admission blocks on the full pool's
	// semaphore; cancelling the server context is what unblocks it and
	// drives the Poison-and-drop path, not a pool-size timeout.
	require.Never(t, func() bool {
		return s.Pool().Stats().Size > 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return serverConn2.Health() == api.HealthUnhealthy
	}, time.Second, 5*time.Millisecond)

	s.Shutdown()
}

func TestServerDispatchesRequestToHandler(t *testing.T) {
	serverConn, clientConn := newPairedConns(t, 2, 4096)
	acceptor := &fakeAcceptor{conns: []*conn.Connection{serverConn}}

	var handled bool
	var mu sync.Mutex
	handler := api.HandlerFunc(func(ctx context.Context, req *api.Frame, resp api.Responder) error {
		mu.Lock()
		handled = true
		mu.Unlock()
		return resp.Send(&api.Frame{Type: api.FrameResponse, ID: req.ID, Payload: []byte("ok")})
	})

	cfg := server.DefaultConfig()
	cfg.Workers = 1
	s := server.New(cfg, acceptor, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	defer func() {
		cancel()
		s.Shutdown()
	}()

	raw, err := codec.Encode(&api.Frame{Type: api.FrameRequest, ID: 42, Payload: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(raw))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		frames, _ := clientConn.Recv()
		for _, f := range frames {
			decoded, err := codec.Decode(f)
			if err == nil && decoded.Type == api.FrameResponse && decoded.ID == 42 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
