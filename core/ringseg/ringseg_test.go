package ringseg_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/core/ringseg"
)

// memRegion is an in-process stand-in for a shared-memory Region, backed
// by a plain heap slice. It satisfies api.Region for single-process tests;
// cross-process behavior is exercised by internal/shm's own tests.
type memRegion struct {
	name string
	buf  []byte
}

func newMemRegion(size int) *memRegion {
	return &memRegion{name: "mem-test", buf: make([]byte, size)}
}

func (r *memRegion) Name() string    { return r.name }
func (r *memRegion) Bytes() []byte   { return r.buf }
func (r *memRegion) Close() error    { return nil }
func (r *memRegion) Destroy() error  { return nil }

func TestCreateRejectsUndersizedRegion(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 4)
	_, err := ringseg.Create(r, 64)
	require.Error(t, err)
	var te *api.Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, api.ErrCodeInvalidArgument, te.Code)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 64)
	_, err := ringseg.Open(r)
	require.ErrorIs(t, err, api.ErrBadMagic)
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 64)
	seg, err := ringseg.Create(r, 64)
	require.NoError(t, err)

	messages := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 20),
	}
	for _, m := range messages {
		require.NoError(t, seg.Write(m))
	}
	for _, want := range messages {
		got, err := seg.Read(nil)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err = seg.Read(nil)
	require.ErrorIs(t, err, api.ErrEmpty)
}

func TestReadEmptyRing(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 64)
	seg, err := ringseg.Create(r, 64)
	require.NoError(t, err)

	_, err = seg.Read(nil)
	require.ErrorIs(t, err, api.ErrEmpty)
}

func TestWriteReportsFullWithoutCorrupting(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 16)
	seg, err := ringseg.Create(r, 16)
	require.NoError(t, err)

	require.NoError(t, seg.Write(bytes.Repeat([]byte{1}, 8)))
	err = seg.Write(bytes.Repeat([]byte{2}, 8))
	require.ErrorIs(t, err, api.ErrFull)

	got, err := seg.Read(nil)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{1}, 8), got)
}

func TestWriteRejectsOversizeMessage(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 16)
	seg, err := ringseg.Create(r, 16)
	require.NoError(t, err)

	err = seg.Write(bytes.Repeat([]byte{9}, 32))
	require.ErrorIs(t, err, api.ErrOversize)
}

func TestWriteNoAllocEnforcesLimit(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 512)
	seg, err := ringseg.Create(r, 512)
	require.NoError(t, err)

	err = seg.WriteNoAlloc(bytes.Repeat([]byte{1}, ringseg.WriteNoAllocLimit+1))
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	require.NoError(t, seg.WriteNoAlloc(bytes.Repeat([]byte{1}, ringseg.WriteNoAllocLimit)))
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 32)
	seg, err := ringseg.Create(r, 32)
	require.NoError(t, err)

	for round := 0; round < 50; round++ {
		msg := []byte(fmt.Sprintf("m%02d", round))
		require.NoError(t, seg.Write(msg))
		got, err := seg.Read(nil)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
}

func TestStatsTracksSequenceAndErrors(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 64)
	seg, err := ringseg.Create(r, 64)
	require.NoError(t, err)

	require.NoError(t, seg.Write([]byte("a")))
	require.NoError(t, seg.Write([]byte("b")))
	seq, lastErr := seg.Stats()
	require.Equal(t, uint64(2), seq)
	require.Equal(t, uint64(0), lastErr)
}

// TestConcurrentProducerConsumer exercises the real SPSC contract: one
// goroutine writes, another reads, with no external synchronization beyond
// the ring itself.
func TestConcurrentProducerConsumer(t *testing.T) {
	r := newMemRegion(ringseg.HeaderSize + 256)
	seg, err := ringseg.Create(r, 256)
	require.NoError(t, err)

	const n = 2000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			msg := []byte(fmt.Sprintf("%d", i))
			for {
				if err := seg.Write(msg); err == nil {
					break
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for {
				got, err := seg.Read(nil)
				if err == nil {
					require.Equal(t, fmt.Sprintf("%d", i), string(got))
					break
				}
			}
		}
	}()

	wg.Wait()
}

// TestNoTornReadsProperty is the §8 universal property: for any sequence of
// writes that individually fit, a consumer never observes a payload other
// than exactly what a producer wrote, in order.
func TestNoTornReadsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reads return exactly what was written, in order", prop.ForAll(
		func(payloads [][]byte) bool {
			r := newMemRegion(ringseg.HeaderSize + 4096)
			seg, err := ringseg.Create(r, 4096)
			if err != nil {
				return false
			}
			var written [][]byte
			for _, p := range payloads {
				if len(p) > 512 {
					p = p[:512]
				}
				if err := seg.Write(p); err != nil {
					break
				}
				written = append(written, p)
			}
			for _, want := range written {
				got, err := seg.Read(nil)
				if err != nil || !bytes.Equal(got, want) {
					return false
				}
			}
			_, err = seg.Read(nil)
			return errors.Is(err, api.ErrEmpty)
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8Range(0, 255))),
	))

	properties.TestingRun(t)
}
