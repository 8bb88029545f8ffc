// File: server/shmaccept.go
// Author: momentics <momentics@gmail.com>
//
// ShmAcceptor is the Acceptor the daemon binds to: a fixed pool of
// pre-created named shared-memory slots, each a handshake page plus a
// client->server / server->client ring pair, tagged "<prefix>_<i>". One
// goroutine per slot runs the Handshake Control's accept loop (§4.3);
// established Connections are fanned into a single channel that Accept
// drains. When a Connection is later released the slot's page is reset
// and rejoins rotation, which is also where two clients racing the same
// slot tag resolve deterministically (the loser's Dial sees AlreadyInUse
// and retries a different slot).
package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/handshake"
	"github.com/momentics/lapc/core/ringseg"
	"github.com/momentics/lapc/internal/shm"
)

// ShmAcceptorConfig sizes the slot pool.
type ShmAcceptorConfig struct {
	// Prefix namespaces the slot tags; the daemon's runtime directory
	// name is a natural choice so two daemons never collide.
	Prefix string
	// Slots is the number of concurrently acceptable rendezvous points.
	Slots int
	// RingSize is the per-direction ring data size.
	RingSize int
	// AcceptPollTimeout bounds each Handshake Control poll attempt so a
	// slot's goroutine can observe ctx cancellation promptly.
	AcceptPollTimeout time.Duration
	// AcceptRatePerSec caps how fast newly established Connections are
	// handed to the Server Loop, smoothing an accept storm (e.g. every
	// slot rendezvousing at daemon startup) into a steady stream the
	// worker pool and pool sweeper can keep up with. 0 disables limiting.
	AcceptRatePerSec float64
	// AcceptBurst is the token bucket's burst size; 0 uses Slots.
	AcceptBurst int
}

type shmSlot struct {
	tag                            string
	page                           *handshake.Page
	hsRegion, c2sRegion, s2cRegion api.Region
	tx, rx                         *ringseg.Segment
}

// ShmAcceptor implements Acceptor over the slot pool described above.
type ShmAcceptor struct {
	cfg       ShmAcceptorConfig
	serverPID uint32
	slots     []*shmSlot
	accepted  chan *conn.Connection
	limiter   *rate.Limiter
}

// NewShmAcceptor creates every slot's regions up front, failing if a region
// of the same name already exists; regions are released by Close.
func NewShmAcceptor(cfg ShmAcceptorConfig, serverPID uint32) (*ShmAcceptor, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = 64
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 64 * 1024
	}
	if cfg.AcceptPollTimeout <= 0 {
		cfg.AcceptPollTimeout = 200 * time.Millisecond
	}

	a := &ShmAcceptor{
		cfg:       cfg,
		serverPID: serverPID,
		accepted:  make(chan *conn.Connection),
	}
	if cfg.AcceptRatePerSec > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = cfg.Slots
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), burst)
	}

	for i := 0; i < cfg.Slots; i++ {
		slot, err := newShmSlot(fmt.Sprintf("%s_%d", cfg.Prefix, i), cfg.RingSize)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("server: creating shm slot %d: %w", i, err)
		}
		a.slots = append(a.slots, slot)
	}
	return a, nil
}

func newShmSlot(tag string, ringSize int) (*shmSlot, error) {
	hsRegion, err := shm.CreateRegion(tag+"_hs", handshake.PageSize)
	if err != nil {
		return nil, err
	}
	c2sRegion, err := shm.CreateRegion(tag+"_c2s", ringseg.HeaderSize+ringSize)
	if err != nil {
		return nil, err
	}
	s2cRegion, err := shm.CreateRegion(tag+"_s2c", ringseg.HeaderSize+ringSize)
	if err != nil {
		return nil, err
	}
	page, err := handshake.NewPage(hsRegion.Bytes())
	if err != nil {
		return nil, err
	}
	// The slot's server-side Connection reads c2s and writes s2c.
	rx, err := ringseg.Create(c2sRegion, ringSize)
	if err != nil {
		return nil, err
	}
	tx, err := ringseg.Create(s2cRegion, ringSize)
	if err != nil {
		return nil, err
	}
	return &shmSlot{
		tag: tag, page: page,
		hsRegion: hsRegion, c2sRegion: c2sRegion, s2cRegion: s2cRegion,
		tx: tx, rx: rx,
	}, nil
}

// Run starts one accept loop per slot; it returns once ctx is done.
func (a *ShmAcceptor) Run(ctx context.Context) {
	done := make(chan struct{}, len(a.slots))
	for _, slot := range a.slots {
		go func(slot *shmSlot) {
			a.acceptLoop(ctx, slot)
			done <- struct{}{}
		}(slot)
	}
	for range a.slots {
		<-done
	}
}

func (a *ShmAcceptor) acceptLoop(ctx context.Context, slot *shmSlot) {
	nowNs := func() uint64 { return uint64(time.Now().UnixNano()) }
	for {
		if ctx.Err() != nil {
			return
		}
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.AcceptPollTimeout)
		result, err := handshake.Accept(attemptCtx, slot.page, a.serverPID, nowNs)
		cancel()
		if err != nil {
			continue
		}

		c := conn.New(result.ConnID, slot.tx, slot.rx, conn.FullPolicyBackoff)
		select {
		case a.accepted <- c:
		case <-ctx.Done():
			return
		}
		a.waitForRelease(ctx, slot, c)
	}
}

// waitForRelease blocks until the Connection is poisoned (closed by the
// server loop or the client) so the slot's page can be reset and the slot
// can rejoin the accept rotation for a new client.
func (a *ShmAcceptor) waitForRelease(ctx context.Context, slot *shmSlot, c *conn.Connection) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Health() == api.HealthUnhealthy {
				slot.page.Reset()
				return
			}
		}
	}
}

// Accept implements Acceptor by draining the slot pool's fan-in channel,
// pacing hand-off to the Server Loop against AcceptRatePerSec when set.
func (a *ShmAcceptor) Accept(ctx context.Context) (*conn.Connection, error) {
	select {
	case c := <-a.accepted:
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every slot's shared-memory regions.
func (a *ShmAcceptor) Close() {
	for _, slot := range a.slots {
		if slot == nil {
			continue
		}
		if slot.hsRegion != nil {
			_ = slot.hsRegion.Destroy()
		}
		if slot.c2sRegion != nil {
			_ = slot.c2sRegion.Destroy()
		}
		if slot.s2cRegion != nil {
			_ = slot.s2cRegion.Destroy()
		}
	}
}
