// File: core/handshake/handshake.go
// Package handshake implements the Handshake Control (C3): a two
// cache-line rendezvous page, distinct from the data rings, carrying a
// four-state machine (waiting -> client-ready -> server-ack ->
// established) that produces a deterministic connection id (§4.3).
//
// All fields live on independent atomic words of a shared byte buffer,
// following the same unsafe.Pointer-over-offset idiom as
// core/ringseg/header.go, so the page is valid across process
// boundaries. A failed transition reverts state to Waiting and the page
// is treated as free for a new rendezvous attempt.
package handshake

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/momentics/lapc/api"
)

const cacheLine = 64

// PageSize is the total byte size of the handshake page.
const PageSize = 2 * cacheLine

const (
	offMagic     = 0
	offVersion   = 8
	offState     = 16
	offConnID    = 24
	offClientPID = 32
	offServerPID = 40
	offTimestamp = 48
	offAuthToken = cacheLine // 32 bytes, second cache line
)

// Magic identifies an initialized handshake page.
const Magic uint64 = 0x4C415043_48534b31 // "LAPCHSK1"

// State is the handshake rendezvous state.
type State uint32

const (
	StateWaiting State = iota
	StateClientReady
	StateServerAck
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateClientReady:
		return "client-ready"
	case StateServerAck:
		return "server-ack"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// pollInterval is how often accept/dial re-poll state while waiting.
const pollInterval = 100 * time.Microsecond

// Page is a view over a shared handshake region.
type Page struct {
	b []byte
}

// NewPage wraps buf (at least PageSize bytes) as a handshake Page.
func NewPage(buf []byte) (*Page, error) {
	if len(buf) < PageSize {
		return nil, api.ErrInvalidArgument.WithContext("need", PageSize).WithContext("have", len(buf))
	}
	return &Page{b: buf[:PageSize]}, nil
}

func (p *Page) u64ptr(off int) *uint64 { return (*uint64)(unsafe.Pointer(&p.b[off])) }
func (p *Page) u32ptr(off int) *uint32 { return (*uint32)(unsafe.Pointer(&p.b[off])) }

func (p *Page) loadMagic() uint64      { return atomic.LoadUint64(p.u64ptr(offMagic)) }
func (p *Page) storeMagic(v uint64)    { atomic.StoreUint64(p.u64ptr(offMagic), v) }
func (p *Page) loadVersion() uint64    { return atomic.LoadUint64(p.u64ptr(offVersion)) }
func (p *Page) storeVersion(v uint64)  { atomic.StoreUint64(p.u64ptr(offVersion), v) }
func (p *Page) loadState() State { return State(atomic.LoadUint32(p.u32ptr(offState))) }

// State reports the page's current rendezvous state, for diagnostics and
// tests; it is not part of the accept/dial control flow itself.
func (p *Page) State() State { return p.loadState() }
func (p *Page) storeState(s State)     { atomic.StoreUint32(p.u32ptr(offState), uint32(s)) }
func (p *Page) casState(old, new State) bool {
	return atomic.CompareAndSwapUint32(p.u32ptr(offState), uint32(old), uint32(new))
}
func (p *Page) loadConnID() uint64     { return atomic.LoadUint64(p.u64ptr(offConnID)) }
func (p *Page) storeConnID(v uint64)   { atomic.StoreUint64(p.u64ptr(offConnID), v) }
func (p *Page) loadClientPID() uint32  { return atomic.LoadUint32(p.u32ptr(offClientPID)) }
func (p *Page) storeClientPID(v uint32) {
	atomic.StoreUint32(p.u32ptr(offClientPID), v)
}
func (p *Page) loadServerPID() uint32 { return atomic.LoadUint32(p.u32ptr(offServerPID)) }
func (p *Page) storeServerPID(v uint32) {
	atomic.StoreUint32(p.u32ptr(offServerPID), v)
}
func (p *Page) loadTimestamp() uint64   { return atomic.LoadUint64(p.u64ptr(offTimestamp)) }
func (p *Page) storeTimestamp(v uint64) { atomic.StoreUint64(p.u64ptr(offTimestamp), v) }

func (p *Page) storeAuthToken(tok [32]byte) {
	copy(p.b[offAuthToken:offAuthToken+32], tok[:])
}
func (p *Page) loadAuthToken() [32]byte {
	var tok [32]byte
	copy(tok[:], p.b[offAuthToken:offAuthToken+32])
	return tok
}

// reset reverts the page to State 0, marking it free for a fresh rendezvous.
func (p *Page) reset() {
	p.storeConnID(0)
	p.storeState(StateWaiting)
}

// Reset exposes reset for callers outside this package that need to
// return a page to the pool once its Connection is released (the Server
// Loop's slot acceptor, between one client's disconnect and the next
// rendezvous).
func (p *Page) Reset() { p.reset() }

// ProtocolVersion is the handshake page's own version field, independent
// of the frame-codec version carried by every data frame.
const ProtocolVersion uint64 = 1

// deriveConnID computes a deterministic connection id from the pair of
// process ids and a handshake timestamp, per §4.3. The derivation uses the
// 64-bit FNV-1a hash of the concatenated little-endian fields rather than a
// cryptographic hash since the id only needs to be collision-resistant
// across one host's process table, not adversarially unguessable (the OS
// permission model already governs the shared region's confidentiality).
func deriveConnID(clientPID, serverPID uint32, tsNs uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], clientPID)
	binary.LittleEndian.PutUint32(buf[4:], serverPID)
	binary.LittleEndian.PutUint64(buf[8:], tsNs)
	return fnv1a64(buf[:])
}

func fnv1a64(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// AcceptResult carries the outcome of a successful server-side accept.
type AcceptResult struct {
	ConnID    uint64
	ClientPID uint32
}

// Accept polls state with acquire ordering; on observing client-ready it
// validates magic/version, derives conn_id, stores it, transitions to
// server-ack, then waits for established. It resets the page and returns
// Timeout if ctx is done first.
func Accept(ctx context.Context, page *Page, serverPID uint32, nowNs func() uint64) (*AcceptResult, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if page.loadState() == StateClientReady {
			break
		}
		select {
		case <-ctx.Done():
			page.reset()
			return nil, api.ErrTimeout.WithContext("phase", "await-client-ready")
		case <-ticker.C:
		}
	}

	if page.loadMagic() != Magic {
		page.reset()
		return nil, api.ErrBadMagic.WithContext("component", "handshake")
	}
	if page.loadVersion() != ProtocolVersion {
		page.reset()
		return nil, api.ErrBadVersion.WithContext("component", "handshake").WithContext("got", page.loadVersion())
	}

	clientPID := page.loadClientPID()
	ts := nowNs()
	connID := deriveConnID(clientPID, serverPID, ts)

	page.storeServerPID(serverPID)
	page.storeTimestamp(ts)
	page.storeConnID(connID)

	if !page.casState(StateClientReady, StateServerAck) {
		// A concurrent party moved state out from under us; treat the
		// page as lost to this attempt and let the caller retry fresh.
		page.reset()
		return nil, api.NewError(api.ErrCodeInternal, "handshake state changed during server-ack transition")
	}

	for {
		if page.loadState() == StateEstablished {
			return &AcceptResult{ConnID: connID, ClientPID: clientPID}, nil
		}
		select {
		case <-ctx.Done():
			page.reset()
			return nil, api.ErrTimeout.WithContext("phase", "await-established")
		case <-ticker.C:
		}
	}
}

// Dial performs the client side of the rendezvous: claims a free page by
// writing its pid (and optional auth token), transitions to client-ready,
// waits for server-ack, reads conn_id, and transitions to established. A
// race in which two clients claim the same page resolves deterministically:
// the loser's CAS fails and Dial returns AlreadyInUse so the caller can
// retry against a fresh region.
func Dial(ctx context.Context, page *Page, clientPID uint32, authToken [32]byte) (uint64, error) {
	page.storeMagic(Magic)
	page.storeVersion(ProtocolVersion)
	page.storeClientPID(clientPID)
	page.storeAuthToken(authToken)

	if !page.casState(StateWaiting, StateClientReady) {
		return 0, api.ErrAlreadyInUse.WithContext("component", "handshake")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if page.loadState() == StateServerAck {
			break
		}
		select {
		case <-ctx.Done():
			page.reset()
			return 0, api.ErrTimeout.WithContext("phase", "await-server-ack")
		case <-ticker.C:
		}
	}

	connID := page.loadConnID()
	if !page.casState(StateServerAck, StateEstablished) {
		page.reset()
		return 0, api.NewError(api.ErrCodeInternal, "handshake state changed during establish transition")
	}
	return connID, nil
}
