package handshake_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/core/handshake"
)

func TestDialThenAcceptEstablishes(t *testing.T) {
	buf := make([]byte, handshake.PageSize)
	serverPage, err := handshake.NewPage(buf)
	require.NoError(t, err)
	clientPage, err := handshake.NewPage(buf)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)

	var dialConnID uint64
	var dialErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// give the server a moment to start polling first.
		time.Sleep(5 * time.Millisecond)
		dialConnID, dialErr = handshake.Dial(ctx, clientPage, 111, [32]byte{})
	}()

	var acceptResult *handshake.AcceptResult
	var acceptErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		acceptResult, acceptErr = handshake.Accept(ctx, serverPage, 222, fixedClock(1000))
	}()

	wg.Wait()
	require.NoError(t, dialErr)
	require.NoError(t, acceptErr)
	require.Equal(t, acceptResult.ConnID, dialConnID)
	require.Equal(t, uint32(111), acceptResult.ClientPID)
}

func TestAcceptTimesOutWhenNoClient(t *testing.T) {
	buf := make([]byte, handshake.PageSize)
	page, err := handshake.NewPage(buf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = handshake.Accept(ctx, page, 222, fixedClock(1))
	require.ErrorIs(t, err, api.ErrTimeout)
	require.Equal(t, handshake.StateWaiting, page.State())
}

func TestSecondDialOnInUsePageFails(t *testing.T) {
	buf := make([]byte, handshake.PageSize)
	page, err := handshake.NewPage(buf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = handshake.Dial(ctx, page, 1, [32]byte{})
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	_, err = handshake.Dial(context.Background(), page, 2, [32]byte{})
	require.ErrorIs(t, err, api.ErrAlreadyInUse)

	<-done
}

func fixedClock(ts uint64) func() uint64 {
	return func() uint64 { return ts }
}
