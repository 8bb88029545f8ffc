package conn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/ringseg"
)

type memRegion struct{ buf []byte }

func (r *memRegion) Name() string   { return "mem" }
func (r *memRegion) Bytes() []byte  { return r.buf }
func (r *memRegion) Close() error   { return nil }
func (r *memRegion) Destroy() error { return nil }

func newSegment(t *testing.T, size int) *ringseg.Segment {
	t.Helper()
	r := &memRegion{buf: make([]byte, ringseg.HeaderSize+size)}
	seg, err := ringseg.Create(r, size)
	require.NoError(t, err)
	return seg
}

func TestFeaturesAdvertisesStreamingWithoutZeroCopyOrBatch(t *testing.T) {
	tx := newSegment(t, 256)
	c := conn.New(1, tx, tx, conn.FullPolicyReportError)

	f := c.Features()
	require.False(t, f.ZeroCopy)
	require.True(t, f.Streaming)
	require.False(t, f.Batch)
}

func TestSendSignalsWakeAndRecvDrainsInOrder(t *testing.T) {
	tx := newSegment(t, 256)
	rx := tx // single ring stands in for both directions in this unit test
	c := conn.New(1, tx, rx, conn.FullPolicyReportError)

	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))

	select {
	case <-c.Wake():
	default:
		t.Fatal("expected wake signal after Send")
	}

	frames, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, frames)
}

func TestHealthDegradesThenUnhealthyThenPoisoned(t *testing.T) {
	tx := newSegment(t, 64)
	c := conn.New(1, tx, tx, conn.FullPolicyReportError)

	for i := 0; i < 2; i++ {
		c.RecordError()
	}
	require.Equal(t, api.HealthHealthy, c.Health())

	c.RecordError()
	require.Equal(t, api.HealthDegraded, c.Health())

	c.RecordError()
	c.RecordError()
	require.Equal(t, api.HealthUnhealthy, c.Health())

	err := c.Send([]byte("x"))
	require.ErrorIs(t, err, api.ErrClosed)
}

func TestRecordOKResetsConsecutiveErrors(t *testing.T) {
	tx := newSegment(t, 64)
	c := conn.New(1, tx, tx, conn.FullPolicyReportError)

	c.RecordError()
	c.RecordError()
	c.RecordOK()
	c.RecordError()
	c.RecordError()
	// four total errors but never 3 consecutive after the reset.
	require.Equal(t, api.HealthHealthy, c.Health())
}

func TestRecvReportsClosedOncePoisoned(t *testing.T) {
	tx := newSegment(t, 64)
	c := conn.New(1, tx, tx, conn.FullPolicyReportError)
	c.Poison()

	frames, err := c.Recv()
	require.Nil(t, frames)
	require.ErrorIs(t, err, api.ErrClosed)
}

func TestSendReportsFullWithoutBackoffPolicy(t *testing.T) {
	tx := newSegment(t, 8)
	c := conn.New(1, tx, tx, conn.FullPolicyReportError)

	require.NoError(t, c.Send([]byte("ab"))) // 4+2=6 <= 8
	err := c.Send([]byte("cd"))
	require.ErrorIs(t, err, api.ErrFull)
}
