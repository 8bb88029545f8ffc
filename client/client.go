// File: client/client.go
// Author: momentics <momentics@gmail.com>
//
// Front-end facing connection client: opens the three named
// shared-memory regions a server has already created for a tag (a
// rendezvous page plus client->server and server->client rings),
// performs the handshake dial, and wraps the result in a conn.Connection
// with reconnect-on-Closed backed by exponential backoff (target <100ms
// to first retry, per §7/§8).
package client

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/codec"
	"github.com/momentics/lapc/core/handshake"
	"github.com/momentics/lapc/core/ringseg"
	"github.com/momentics/lapc/internal/shm"
)

// Config parametrizes Dial.
type Config struct {
	// Tag identifies the server's named region family; the client opens
	// "<Tag>_hs", "<Tag>_c2s", "<Tag>_s2c".
	Tag string
	// DialTimeout bounds a single handshake rendezvous attempt.
	DialTimeout time.Duration
	// HeartbeatInterval triggers periodic Heartbeat frames; 0 disables.
	HeartbeatInterval time.Duration
	// AuthToken is carried opaquely through the handshake page; the
	// transport does not interpret or verify it (confidentiality of the
	// shared region is an explicit non-goal).
	AuthToken [32]byte
	// ReconnectPolicy controls the backoff applied after a Closed
	// connection is detected; nil uses DefaultReconnectPolicy.
	ReconnectPolicy *backoff.ExponentialBackOff
}

// DefaultReconnectPolicy starts retries at 5ms so the first retry lands
// well under the 100ms reconnect target.
func DefaultReconnectPolicy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
	}
}

// EventHandler receives connection lifecycle notifications.
type EventHandler interface {
	OnConnect()
	OnClose()
	OnError(error)
}

// Client is the front-end handle onto one established Connection, with
// automatic reconnect when the underlying Connection is poisoned.
type Client struct {
	cfg Config

	mu   sync.RWMutex
	conn *conn.Connection

	handlersMu sync.Mutex
	handlers   []EventHandler

	recvCh  chan *api.Frame
	closeCh chan struct{}
	closed  atomic.Bool

	wg sync.WaitGroup
}

// Dial opens the named regions under cfg.Tag, performs the handshake,
// and starts the receive and (optional) heartbeat loops.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ReconnectPolicy == nil {
		cfg.ReconnectPolicy = DefaultReconnectPolicy()
	}
	c := &Client{
		cfg:     cfg,
		recvCh:  make(chan *api.Frame, 64),
		closeCh: make(chan struct{}),
	}
	if err := c.establish(ctx); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.recvLoop()
	if cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return c, nil
}

// RegisterHandler adds a lifecycle observer; if already connected,
// OnConnect fires immediately on a new goroutine.
func (c *Client) RegisterHandler(h EventHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
	if c.current() != nil {
		go h.OnConnect()
	}
}

func (c *Client) current() *conn.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) notifyConnect() {
	c.handlersMu.Lock()
	hs := append([]EventHandler{}, c.handlers...)
	c.handlersMu.Unlock()
	for _, h := range hs {
		go h.OnConnect()
	}
}

func (c *Client) notifyError(err error) {
	c.handlersMu.Lock()
	hs := append([]EventHandler{}, c.handlers...)
	c.handlersMu.Unlock()
	for _, h := range hs {
		go h.OnError(err)
	}
}

func (c *Client) notifyClose() {
	c.handlersMu.Lock()
	hs := append([]EventHandler{}, c.handlers...)
	c.handlersMu.Unlock()
	for _, h := range hs {
		go h.OnClose()
	}
}

// establish opens regions and runs the handshake dial exactly once.
func (c *Client) establish(ctx context.Context) error {
	dialCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	hsRegion, err := shm.OpenRegion(c.cfg.Tag + "_hs")
	if err != nil {
		return fmt.Errorf("client: opening handshake region: %w", err)
	}
	page, err := handshake.NewPage(hsRegion.Bytes())
	if err != nil {
		return err
	}

	connID, err := handshake.Dial(dialCtx, page, uint32(os.Getpid()), c.cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("client: handshake dial: %w", err)
	}

	c2sRegion, err := shm.OpenRegion(c.cfg.Tag + "_c2s")
	if err != nil {
		return fmt.Errorf("client: opening c2s region: %w", err)
	}
	s2cRegion, err := shm.OpenRegion(c.cfg.Tag + "_s2c")
	if err != nil {
		return fmt.Errorf("client: opening s2c region: %w", err)
	}

	tx, err := ringseg.Open(c2sRegion)
	if err != nil {
		return fmt.Errorf("client: opening c2s ring: %w", err)
	}
	rx, err := ringseg.Open(s2cRegion)
	if err != nil {
		return fmt.Errorf("client: opening s2c ring: %w", err)
	}

	c.mu.Lock()
	c.conn = conn.New(connID, tx, rx, conn.FullPolicyBackoff)
	c.mu.Unlock()

	c.notifyConnect()
	return nil
}

// reconnect retries establish under cfg.ReconnectPolicy until ctx is
// done or a dial succeeds, using the same manual NextBackOff loop idiom
// as conn.Connection's FullPolicyBackoff.
func (c *Client) reconnect(ctx context.Context) error {
	policy := *c.cfg.ReconnectPolicy
	policy.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.establish(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.NextBackOff()):
				continue
			}
		}
		return nil
	}
}

// Send encodes and transmits frame on the current connection.
func (c *Client) Send(frame *api.Frame) error {
	raw, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	active := c.current()
	if active == nil {
		return api.ErrClosed
	}
	return active.Send(raw)
}

// Recv blocks until a decoded frame arrives, ctx is done, or the client
// is closed.
func (c *Client) Recv(ctx context.Context) (*api.Frame, error) {
	select {
	case f := <-c.recvCh:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, api.ErrClosed
	}
}

// recvLoop drains the active connection and reconnects on Closed.
func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		active := c.current()
		if active == nil {
			return
		}

		raws, err := active.Recv()
		if err != nil {
			if err == api.ErrClosed {
				c.notifyError(err)
				if rErr := c.reconnect(contextOrBackground(c.closeCh)); rErr != nil {
					c.notifyError(rErr)
					return
				}
				continue
			}
			time.Sleep(time.Millisecond)
			continue
		}
		for _, raw := range raws {
			frame, decErr := codec.Decode(raw)
			if decErr != nil {
				c.notifyError(decErr)
				continue
			}
			select {
			case c.recvCh <- frame:
			case <-c.closeCh:
				return
			}
		}
	}
}

// heartbeatLoop periodically sends Heartbeat frames on an idle timer.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.Send(&api.Frame{Type: api.FrameHeartbeat, ID: conn.NextSequenceID()})
		case <-c.closeCh:
			return
		}
	}
}

// Close idempotently tears down the client, notifying handlers.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)
	c.wg.Wait()
	c.notifyClose()
	return nil
}

// contextOrBackground returns a context that is cancelled when done is
// closed, so reconnect's context-based cancellation follows the client's
// own close signal.
func contextOrBackground(done <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	return ctx
}
