// File: pool/connpool.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Connection Pool (C5): a sharded table of conn.Connection guarded by a
// weighted semaphore, with RAII Guards and a background sweeper evicting
// idle or unhealthy entries. Connections are sharded by an fnv32 hash of
// their id; permits are golang.org/x/sync/semaphore.Weighted.

package pool

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
)

const defaultShardCount = 16
const defaultCleanupInterval = 30 * time.Second

// Config configures a Pool's capacity and eviction policy.
type Config struct {
	Capacity        int
	ShardCount      int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// Pool is the Connection Pool (C5).
type Pool struct {
	capacity    int64
	permits     *semaphore.Weighted
	shards      []*shard
	mask        uint32
	idleTimeout time.Duration

	stopSweeper chan struct{}
	sweeperDone chan struct{}

	stats poolStats
}

type entry struct {
	conn  *conn.Connection
	guard *Guard
}

type shard struct {
	mu    sync.RWMutex
	conns map[uint64]*entry
}

type poolStats struct {
	mu             sync.Mutex
	idleEvicted    uint64
	unhealthyEvict uint64
}

// New constructs a Pool and starts its background sweeper.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = defaultShardCount
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	shardN := nextPowerOfTwo(uint32(cfg.ShardCount))
	shards := make([]*shard, shardN)
	for i := range shards {
		shards[i] = &shard{conns: make(map[uint64]*entry)}
	}

	p := &Pool{
		capacity:    int64(cfg.Capacity),
		permits:     semaphore.NewWeighted(int64(cfg.Capacity)),
		shards:      shards,
		mask:        shardN - 1,
		idleTimeout: cfg.IdleTimeout,
		stopSweeper: make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}
	go p.sweepLoop(cfg.CleanupInterval)
	return p
}

func (p *Pool) shardFor(id uint64) *shard {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", id)
	return p.shards[h.Sum32()&p.mask]
}

// Guard is the RAII handle returned by Acquire; Release must be called
// exactly once.
type Guard struct {
	id       uint64
	pool     *Pool
	released bool
	mu       sync.Mutex
}

var _ api.Guard = (*Guard)(nil)

// ID returns the guarded connection's id.
func (g *Guard) ID() uint64 { return g.id }

// Release returns the permit; calling Release more than once is a no-op.
// It does not remove the connection from the table: that happens only
// through Remove or sweeper eviction.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	g.pool.permits.Release(1)
}

// Acquire blocks until a permit is available (or ctx is cancelled) and
// returns a Guard bound to it. The caller registers the actual Connection
// separately via Register once the handshake completes.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return nil, api.ErrTimeout.WithContext("reason", "pool at capacity")
	}
	return &Guard{pool: p}, nil
}

// Register inserts an established connection into the table under id,
// binding it to the given Guard. The table keeps the Guard alongside the
// connection so the sweeper can release its permit on eviction even when
// no caller is left to do so.
func (p *Pool) Register(id uint64, c *conn.Connection, g *Guard) {
	g.id = id
	sh := p.shardFor(id)
	sh.mu.Lock()
	sh.conns[id] = &entry{conn: c, guard: g}
	sh.mu.Unlock()
}

// Get returns the connection for id, if present.
func (p *Pool) Get(id uint64) (*conn.Connection, bool) {
	sh := p.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Remove deletes the entry for id and releases its permit; idempotent,
// and safe to call alongside (or instead of) the original Guard's own
// Release, since Release is itself idempotent.
func (p *Pool) Remove(id uint64) {
	sh := p.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.conns[id]
	delete(sh.conns, id)
	sh.mu.Unlock()
	if ok && e.guard != nil {
		e.guard.Release()
	}
}

// Touch refreshes last_active for id, if present.
func (p *Pool) Touch(id uint64) {
	if c, ok := p.Get(id); ok {
		c.RecordOK()
	}
}

// RecordError forwards to the connection's health bookkeeping, if present.
func (p *Pool) RecordError(id uint64) {
	if c, ok := p.Get(id); ok {
		c.RecordError()
	}
}

// Stats is a point-in-time summary of pool occupancy and sweeper activity.
type Stats struct {
	Size           int
	Available      int64
	InUse          int64
	IdleEvicted    uint64
	UnhealthyEvict uint64
}

// Stats reports eventually-consistent occupancy counters.
func (p *Pool) Stats() Stats {
	size := 0
	for _, sh := range p.shards {
		sh.mu.RLock()
		size += len(sh.conns)
		sh.mu.RUnlock()
	}
	p.stats.mu.Lock()
	idle, unhealthy := p.stats.idleEvicted, p.stats.unhealthyEvict
	p.stats.mu.Unlock()

	return Stats{
		Size:           size,
		InUse:          p.capacity - int64(p.permitsAvailableApprox()),
		Available:      int64(p.permitsAvailableApprox()),
		IdleEvicted:    idle,
		UnhealthyEvict: unhealthy,
	}
}

// permitsAvailableApprox estimates free permits; semaphore.Weighted does
// not expose a direct query, so this is derived from table occupancy.
// Permits held by guards whose connection has not been registered are not
// counted, so the figure can exceed what Acquire would grant.
func (p *Pool) permitsAvailableApprox() int64 {
	size := int64(0)
	for _, sh := range p.shards {
		sh.mu.RLock()
		size += int64(len(sh.conns))
		sh.mu.RUnlock()
	}
	avail := p.capacity - size
	if avail < 0 {
		avail = 0
	}
	return avail
}

// HealthStatus summarizes pool-wide health for external supervision (§4.8).
type HealthStatus struct {
	IsHealthy bool
	OpenConns int
	Issues    []string
}

// HealthStatus returns the structure described in §4.8: is_healthy, open
// connection count, and a list of human-readable issues.
func (p *Pool) HealthStatus() HealthStatus {
	var issues []string
	openConns := 0
	unhealthy := 0
	for _, sh := range p.shards {
		sh.mu.RLock()
		for _, e := range sh.conns {
			openConns++
			if e.conn.Health() == api.HealthUnhealthy {
				unhealthy++
			}
		}
		sh.mu.RUnlock()
	}
	if unhealthy > 0 {
		issues = append(issues, fmt.Sprintf("%d unhealthy connections pending eviction", unhealthy))
	}
	avail := p.permitsAvailableApprox()
	if avail == 0 && p.capacity > 0 {
		issues = append(issues, "pool at capacity")
	}
	return HealthStatus{
		IsHealthy: len(issues) == 0,
		OpenConns: openConns,
		Issues:    issues,
	}
}

// Snapshot returns a ConnectionInfo for every live connection, for
// external supervision tooling (A.3 of SPEC_FULL.md).
func (p *Pool) Snapshot() []api.ConnectionInfo {
	var out []api.ConnectionInfo
	for _, sh := range p.shards {
		sh.mu.RLock()
		for _, e := range sh.conns {
			out = append(out, e.conn.Info())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Close stops the background sweeper and waits for it to exit.
func (p *Pool) Close() {
	close(p.stopSweeper)
	<-p.sweeperDone
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer close(p.sweeperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweeper:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

// sweepOnce implements §4.5's three-step sweep: snapshot under a read
// lock, mark, then remove under a write lock per shard. Eviction here is
// the only path that deletes an entry without its owning Connection's
// caller ever observing the event, so sweepOnce itself releases the
// evicted entry's Guard; otherwise every sweeper-driven eviction leaks
// one permit from p.permits.
func (p *Pool) sweepOnce() {
	now := time.Now()
	for _, sh := range p.shards {
		var toRemove []uint64
		sh.mu.RLock()
		for id, e := range sh.conns {
			if e.conn.Health() == api.HealthUnhealthy {
				toRemove = append(toRemove, id)
				continue
			}
			if now.Sub(e.conn.LastActive()) > p.idleTimeout {
				toRemove = append(toRemove, id)
			}
		}
		sh.mu.RUnlock()

		if len(toRemove) == 0 {
			continue
		}
		sh.mu.Lock()
		var evicted []*entry
		for _, id := range toRemove {
			e, ok := sh.conns[id]
			if !ok {
				continue
			}
			if e.conn.Health() == api.HealthUnhealthy {
				p.stats.mu.Lock()
				p.stats.unhealthyEvict++
				p.stats.mu.Unlock()
			} else {
				p.stats.mu.Lock()
				p.stats.idleEvicted++
				p.stats.mu.Unlock()
			}
			delete(sh.conns, id)
			evicted = append(evicted, e)
		}
		sh.mu.Unlock()

		for _, e := range evicted {
			if e.guard != nil {
				e.guard.Release()
			}
		}
	}
}

func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
