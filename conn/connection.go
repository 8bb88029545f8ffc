// File: conn/connection.go
// Package conn implements the Connection (C4): a pair of Ring Segments
// (client->server, server->client) plus lifecycle and health bookkeeping.
// Grounded on core/ringseg for the rings themselves and on the
// health-degradation counters described in the transport spec §4.4.
package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/core/ringseg"
)

// FullPolicy decides what Send does when the outbound ring reports Full.
type FullPolicy int

const (
	// FullPolicyReportError returns api.ErrFull immediately.
	FullPolicyReportError FullPolicy = iota
	// FullPolicyBackoff retries with a bounded exponential backoff before
	// giving up and returning api.ErrFull.
	FullPolicyBackoff
)

const (
	degradedThreshold  = 3
	unhealthyThreshold = 5
)

// Connection pairs two Ring Segments under one id and lifecycle.
type Connection struct {
	id uint64

	tx *ringseg.Segment
	rx *ringseg.Segment

	wake chan struct{}

	fullPolicy FullPolicy

	createdAt time.Time

	mu                 sync.RWMutex
	lastActive         time.Time
	requestCount       uint64
	errorCount         uint64
	consecutiveErrors  int
	health             api.ConnHealth
	poisoned           bool
}

// New constructs a Connection from an already-established pair of rings.
func New(id uint64, tx, rx *ringseg.Segment, policy FullPolicy) *Connection {
	now := time.Now()
	return &Connection{
		id:         id,
		tx:         tx,
		rx:         rx,
		wake:       make(chan struct{}, 1),
		fullPolicy: policy,
		createdAt:  now,
		lastActive: now,
		health:     api.HealthHealthy,
	}
}

// ID returns the connection's handshake-derived identifier.
func (c *Connection) ID() uint64 { return c.id }

// Features reports the capabilities this Connection implementation
// advertises: payloads are copied into the ring, not mapped zero-copy;
// the Stream Multiplexer layers chunked responses on top; and Send
// writes one frame at a time, so batching is not supported.
func (c *Connection) Features() api.TransportFeatures {
	return api.TransportFeatures{ZeroCopy: false, Streaming: true, Batch: false}
}

// Info returns a point-in-time snapshot for Pool.Snapshot and metrics.
func (c *Connection) Info() api.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return api.ConnectionInfo{
		ID:           c.id,
		CreatedAt:    c.createdAt,
		LastActive:   c.lastActive,
		RequestCount: c.requestCount,
		ErrorCount:   c.errorCount,
		Health:       c.health,
	}
}

// Send writes frame bytes onto the tx ring and signals the wake channel.
// A poisoned (unhealthy) connection always returns Closed without
// touching the ring.
func (c *Connection) Send(framed []byte) error {
	c.mu.RLock()
	poisoned := c.poisoned
	c.mu.RUnlock()
	if poisoned {
		return api.ErrClosed
	}

	err := c.writeWithPolicy(framed)
	if err != nil && err != api.ErrFull {
		c.RecordError()
		return err
	}
	if err == nil {
		c.signalWake()
	}
	return err
}

// fullBackoffDeadline bounds how long FullPolicyBackoff retries a Full
// ring before giving up and reporting it to the caller.
const fullBackoffDeadline = 100 * time.Millisecond

func (c *Connection) writeWithPolicy(framed []byte) error {
	if c.fullPolicy != FullPolicyBackoff {
		return c.tx.Write(framed)
	}
	policy := backoff.ExponentialBackOff{
		InitialInterval:     time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Millisecond,
	}
	policy.Reset()
	deadline := time.Now().Add(fullBackoffDeadline)
	for {
		err := c.tx.Write(framed)
		if err == nil || err != api.ErrFull {
			return err
		}
		if time.Now().After(deadline) {
			return api.ErrFull
		}
		time.Sleep(policy.NextBackOff())
	}
}

func (c *Connection) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel signalled after every successful Send, for a
// reader loop to select on instead of busy-polling the rx ring.
func (c *Connection) Wake() <-chan struct{} { return c.wake }

// Recv drains every frame currently queued on the rx ring in arrival
// order, returning the raw framed byte slices (each still header-prefixed,
// for core/codec.Decode to parse). A poisoned connection always returns
// Closed, mirroring Send, so callers have one signal to trigger teardown
// or reconnect on.
func (c *Connection) Recv() ([][]byte, error) {
	c.mu.RLock()
	poisoned := c.poisoned
	c.mu.RUnlock()
	if poisoned {
		return nil, api.ErrClosed
	}

	var out [][]byte
	for {
		buf, err := c.rx.Read(nil)
		if err == api.ErrEmpty {
			break
		}
		if err != nil {
			c.RecordError()
			return out, err
		}
		out = append(out, buf)
	}
	if len(out) > 0 {
		c.recordOK(len(out))
	}
	return out, nil
}

func (c *Connection) recordOK(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	c.requestCount += uint64(n)
	c.consecutiveErrors = 0
	if c.health != api.HealthUnhealthy {
		c.health = api.HealthHealthy
	}
}

// RecordOK refreshes last_active and resets the consecutive-error streak,
// called by the dispatcher whenever a frame from this connection is
// handled successfully.
func (c *Connection) RecordOK() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	c.consecutiveErrors = 0
	if c.health != api.HealthUnhealthy {
		c.health = api.HealthHealthy
	}
}

// RecordError increments error_count and transitions health to degraded
// at 3 consecutive errors and unhealthy at 5 (§4.4). Once unhealthy the
// connection is poisoned: further Send calls return Closed.
func (c *Connection) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.consecutiveErrors++
	switch {
	case c.consecutiveErrors >= unhealthyThreshold:
		c.health = api.HealthUnhealthy
		c.poisoned = true
	case c.consecutiveErrors >= degradedThreshold:
		c.health = api.HealthDegraded
	}
}

// Health returns the current health classification.
func (c *Connection) Health() api.ConnHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Poison immediately marks the connection unhealthy and closed for
// writes, used by the server loop on a non-cooperative cancel, on a
// connection it cannot admit to the pool, and when it unregisters a
// connection.
func (c *Connection) Poison() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = api.HealthUnhealthy
	c.poisoned = true
}

// LastActive reports the last time Recv returned a frame or RecordOK was
// called, for the pool sweeper's idle-eviction check. Send does not
// update it.
func (c *Connection) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}

// RingStats exposes the underlying rings' Stats for metrics collection.
func (c *Connection) RingStats() (txSeq, txErr, rxSeq, rxErr uint64) {
	ts, te := c.tx.Stats()
	rs, re := c.rx.Stats()
	return ts, te, rs, re
}

var nextConnSeq uint64

// NextSequenceID returns a process-unique, monotonically increasing id for
// use when a caller needs a synthetic connection id independent of the
// handshake-derived one (e.g. in tests).
func NextSequenceID() uint64 {
	return atomic.AddUint64(&nextConnSeq, 1)
}
