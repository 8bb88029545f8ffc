package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/ringseg"
	"github.com/momentics/lapc/pool"
)

type memRegion struct{ buf []byte }

func (r *memRegion) Name() string   { return "mem" }
func (r *memRegion) Bytes() []byte  { return r.buf }
func (r *memRegion) Close() error   { return nil }
func (r *memRegion) Destroy() error { return nil }

func newConn(t *testing.T, id uint64) *conn.Connection {
	t.Helper()
	r := &memRegion{buf: make([]byte, ringseg.HeaderSize+256)}
	seg, err := ringseg.Create(r, 256)
	require.NoError(t, err)
	return conn.New(id, seg, seg, conn.FullPolicyReportError)
}

func TestAcquireRegisterGetRemove(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 4, CleanupInterval: time.Hour})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	c := newConn(t, 42)
	p.Register(42, c, g)

	got, ok := p.Get(42)
	require.True(t, ok)
	require.Equal(t, c, got)

	p.Remove(42)
	_, ok = p.Get(42)
	require.False(t, ok)

	// Remove is idempotent.
	p.Remove(42)

	g.Release()
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 1, CleanupInterval: time.Hour})
	defer p.Close()

	g1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)

	g1.Release()

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g2.Release()
}

func TestSweeperEvictsUnhealthyConnections(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 4, CleanupInterval: 10 * time.Millisecond})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c := newConn(t, 7)
	p.Register(7, c, g)

	for i := 0; i < 5; i++ {
		c.RecordError()
	}
	require.Equal(t, api.HealthUnhealthy, c.Health())

	require.Eventually(t, func() bool {
		_, ok := p.Get(7)
		return !ok
	}, time.Second, 5*time.Millisecond)

	stats := p.Stats()
	require.Equal(t, uint64(1), stats.UnhealthyEvict)
}

func TestSweeperEvictsIdleConnections(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 4, CleanupInterval: 10 * time.Millisecond, IdleTimeout: 20 * time.Millisecond})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c := newConn(t, 9)
	p.Register(9, c, g)

	require.Eventually(t, func() bool {
		_, ok := p.Get(9)
		return !ok
	}, time.Second, 5*time.Millisecond)

	stats := p.Stats()
	require.Equal(t, uint64(1), stats.IdleEvicted)
}

func TestSweeperReleasesPermitOnEviction(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 1, CleanupInterval: 10 * time.Millisecond})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c := newConn(t, 11)
	p.Register(11, c, g)
	for i := 0; i < 5; i++ {
		c.RecordError()
	}
	require.Equal(t, api.HealthUnhealthy, c.Health())

	require.Eventually(t, func() bool {
		_, ok := p.Get(11)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// The evicted connection's permit must be back in the pool, or this
	// blocks forever against the deadline below.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	g2, err := p.Acquire(ctx)
	require.NoError(t, err)
	g2.Release()
}

func TestHealthStatusReportsIssues(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 1, CleanupInterval: time.Hour})
	defer p.Close()

	status := p.HealthStatus()
	require.True(t, status.IsHealthy)

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c := newConn(t, 1)
	p.Register(1, c, g)

	status = p.HealthStatus()
	require.False(t, status.IsHealthy) // at capacity
	require.Contains(t, status.Issues, "pool at capacity")
}

func TestSnapshotReturnsConnectionInfo(t *testing.T) {
	p := pool.New(pool.Config{Capacity: 4, CleanupInterval: time.Hour})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c := newConn(t, 3)
	p.Register(3, c, g)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(3), snap[0].ID)
}
