// File: core/ringseg/ringseg.go
// Package ringseg
// Author: momentics <momentics@gmail.com>
//
// Lock-free SPSC byte ring (C1). One producer and one consumer operate on
// a shared mapping; synchronization is exactly one acquire/release pair
// per direction, no locks, no syscalls on the hot path. Grounded on the
// span-based API of a retrieved shmring implementation
// (other_examples/..._jangala-dev-devicecode-go__x-shmring-shmring.go.go)
// and the seqlock-over-mmap unsafe.Pointer idiom from
// other_examples/..._AlephTX-aleph-tx__feeder-shm-seqlock.go.go, adapted
// to the spec's length-prefixed frame slots instead of fixed-size slots.

package ringseg

import (
	"encoding/binary"
	"runtime"

	"github.com/momentics/lapc/api"
)

// WriteNoAllocLimit bounds the payload size accepted by WriteNoAlloc (§4.1).
const WriteNoAllocLimit = 252

// maxSpin is the number of failed CAS attempts that back off with 1<<attempt
// scheduler yields; later attempts yield once each. The retry loop itself
// has no attempt limit (§4.1).
const maxSpin = 10

// lengthPrefixSize is the byte size of the length prefix preceding each
// ring slot's payload.
const lengthPrefixSize = 4

// Segment is a Ring Segment: a cache-aligned header plus a power-of-two
// byte buffer, backed by a shared-memory Region.
type Segment struct {
	region   api.Region
	hdr      header
	data     []byte
	mask     uint64
	capacity uint64
}

var _ api.ByteRing = (*Segment)(nil)

// Create initializes a fresh Ring Segment over region, whose size must be
// at least HeaderSize+dataSize. dataSize is rounded up to a power of two.
func Create(region api.Region, dataSize int) (*Segment, error) {
	dataSize = nextPowerOfTwo(dataSize)
	buf := region.Bytes()
	if len(buf) < HeaderSize+dataSize {
		return nil, api.ErrInvalidArgument.WithContext("need", HeaderSize+dataSize).WithContext("have", len(buf))
	}
	s := &Segment{
		region:   region,
		hdr:      newHeader(buf),
		data:     buf[HeaderSize : HeaderSize+dataSize],
		mask:     uint64(dataSize - 1),
		capacity: uint64(dataSize),
	}
	s.hdr.storeCapacity(uint64(dataSize))
	s.hdr.storeWritePos(0)
	s.hdr.storeReadPos(0)
	s.hdr.storeVersionFlags(1, flagInitialized)
	s.hdr.storeMagic(Magic)
	return s, nil
}

// Open attaches to an already-initialized Ring Segment previously created
// by the peer process in the same region.
func Open(region api.Region) (*Segment, error) {
	buf := region.Bytes()
	if len(buf) < HeaderSize {
		return nil, api.ErrInvalidArgument.WithContext("reason", "region shorter than ring header")
	}
	h := newHeader(buf)
	if h.loadMagic() != Magic {
		return nil, api.ErrBadMagic.WithContext("component", "ringseg")
	}
	if h.loadFlags()&flagInitialized == 0 {
		return nil, api.NewError(api.ErrCodeInternal, "ring segment not yet initialized by peer")
	}
	capacity := h.loadCapacity()
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, api.NewError(api.ErrCodeInternal, "ring segment capacity is not a power of two")
	}
	if uint64(len(buf)) < uint64(HeaderSize)+capacity {
		return nil, api.ErrInvalidArgument.WithContext("reason", "region too small for advertised capacity")
	}
	return &Segment{
		region:   region,
		hdr:      h,
		data:     buf[HeaderSize : uint64(HeaderSize)+capacity],
		mask:     capacity - 1,
		capacity: capacity,
	}, nil
}

// Cap returns the data-buffer capacity in bytes.
func (s *Segment) Cap() int { return int(s.capacity) }

// Available returns bytes of framed data queued for the consumer.
func (s *Segment) Available() int {
	wp := s.hdr.loadWritePos()
	rp := s.hdr.loadReadPos()
	return int(wp - rp)
}

// Space returns bytes free for the producer.
func (s *Segment) Space() int {
	return int(s.capacity) - s.Available()
}

// Stats returns the monotonic write-sequence counter and the corrupt-slot
// counter (last_error), both carried straight through from the header
// fields the original shared-memory design reserved but left unused
// (SPEC_FULL.md A.3).
func (s *Segment) Stats() (sequence uint64, lastError uint64) {
	return s.hdr.loadSequence(), s.hdr.loadLastError()
}

// Overrun reports whether a write was ever rejected because the message
// could never fit the ring's capacity, distinct from the transient Full
// condition (SPEC_FULL.md A.3). Once latched it stays set for the life of
// the Segment; the owning Connection is expected to treat it as a
// permanent, unhealthy condition rather than retrying.
func (s *Segment) Overrun() bool {
	return s.hdr.loadFlags()&flagOverrun != 0
}

// Write reserves 4+len(data) bytes and publishes a length-prefixed slot.
// One acquire (read_pos) paired with one release (write_pos CAS) is the
// entire synchronization; no locks, no syscalls.
//
// Full is transient backpressure: the ring will have room again once the
// consumer drains more. Overrun is unrecoverable: the message could never
// fit even against an empty ring, so no amount of draining helps; the
// header's overrun flag is latched so a caller polling Overrun can tell the
// two apart (SPEC_FULL.md A.3).
func (s *Segment) Write(data []byte) error {
	msgLen := uint64(lengthPrefixSize + len(data))
	if msgLen > s.capacity {
		s.hdr.orFlags(flagOverrun)
		return api.ErrOversize.WithContext("msgLen", msgLen).WithContext("capacity", s.capacity)
	}
	for attempt := 0; ; attempt++ {
		wp := s.hdr.loadWritePos()
		rp := s.hdr.loadReadPos() // acquire: consumer's current position
		if s.capacity-(wp-rp) < msgLen {
			return api.ErrFull
		}
		// Write the slot directly; it only becomes visible to the
		// consumer once write_pos below is published via CAS.
		s.writeAt(wp, data)
		if s.hdr.casWritePos(wp, wp+msgLen) {
			s.hdr.incSequence()
			return nil
		}
		spinOrYield(attempt)
	}
}

// WriteNoAlloc is Write with the additional promise that the caller
// supplies a payload small enough (≤ WriteNoAllocLimit) that no
// implementation path needs to grow a buffer; Write itself never
// allocates, so this is a documented, size-checked alias.
func (s *Segment) WriteNoAlloc(data []byte) error {
	if len(data) > WriteNoAllocLimit {
		return api.ErrInvalidArgument.WithContext("limit", WriteNoAllocLimit).WithContext("got", len(data))
	}
	return s.Write(data)
}

// Read copies the next framed payload into dst (growing it if its
// capacity is insufficient) and advances read_pos. Returns ErrEmpty when
// the ring holds no frame and ErrCorrupt when the length prefix exceeds
// capacity, in which case the slot is skipped and last_error is
// incremented so the owning Connection can mark itself unhealthy (§7).
func (s *Segment) Read(dst []byte) ([]byte, error) {
	wp := s.hdr.loadWritePos() // acquire: producer's current position
	rp := s.hdr.loadReadPos()
	if wp == rp {
		return nil, api.ErrEmpty
	}

	var lenBuf [lengthPrefixSize]byte
	s.readAt(rp, lenBuf[:])
	length := binary.LittleEndian.Uint32(lenBuf[:])

	if uint64(length) > s.capacity || uint64(length) > wp-rp-lengthPrefixSize {
		s.hdr.incLastError()
		// Best-effort resync: skip past the corrupt length prefix only;
		// the peer is misbehaving and the Connection owning this ring
		// must be marked unhealthy by the caller.
		s.hdr.storeReadPos(rp + lengthPrefixSize)
		return nil, api.ErrCorrupt
	}

	if cap(dst) < int(length) {
		dst = make([]byte, length)
	} else {
		dst = dst[:length]
	}
	s.readAt(rp+lengthPrefixSize, dst)
	s.hdr.storeReadPos(rp + lengthPrefixSize + uint64(length))
	return dst, nil
}

// writeAt copies src into the ring's data buffer starting at the
// unwrapped position pos, wrapping at the buffer boundary.
func (s *Segment) writeAt(pos uint64, src []byte) {
	s.copyPrefixed(pos, src)
}

// copyPrefixed writes the 4-byte little-endian length prefix followed by
// src, wrapping across the buffer end as needed.
func (s *Segment) copyPrefixed(pos uint64, src []byte) {
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(src)))
	s.copyTo(pos, lenBuf[:])
	s.copyTo(pos+lengthPrefixSize, src)
}

// copyTo copies src into the data buffer at unwrapped position pos.
func (s *Segment) copyTo(pos uint64, src []byte) {
	if len(src) == 0 {
		return
	}
	idx := pos & s.mask
	n := copy(s.data[idx:], src)
	if n < len(src) {
		copy(s.data, src[n:])
	}
}

// readAt copies len(dst) bytes from the data buffer at unwrapped position
// pos into dst, wrapping across the buffer end as needed.
func (s *Segment) readAt(pos uint64, dst []byte) {
	if len(dst) == 0 {
		return
	}
	idx := pos & s.mask
	n := copy(dst, s.data[idx:])
	if n < len(dst) {
		copy(dst[n:], s.data)
	}
}

func spinOrYield(attempt int) {
	if attempt < maxSpin {
		for i := 0; i < 1<<uint(attempt); i++ {
			runtime.Gosched()
		}
		return
	}
	runtime.Gosched()
}

func nextPowerOfTwo(n int) int {
	if n < 2 {
		return 2
	}
	if n&(n-1) == 0 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
