//go:build linux || darwin

package client_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/api"
	"github.com/momentics/lapc/client"
	"github.com/momentics/lapc/conn"
	"github.com/momentics/lapc/core/codec"
	"github.com/momentics/lapc/core/handshake"
	"github.com/momentics/lapc/core/ringseg"
	"github.com/momentics/lapc/internal/shm"
)

// startFakeServer creates the three named regions under tag, initializes
// the rings and handshake page, accepts one client rendezvous, and echoes
// every frame it receives back to the client. It returns a stop func that
// releases all regions.
func startFakeServer(t *testing.T, tag string, ringSize int) (stop func()) {
	t.Helper()

	hsRegion, err := shm.CreateRegion(tag+"_hs", handshake.PageSize)
	require.NoError(t, err)
	c2sRegion, err := shm.CreateRegion(tag+"_c2s", ringseg.HeaderSize+ringSize)
	require.NoError(t, err)
	s2cRegion, err := shm.CreateRegion(tag+"_s2c", ringseg.HeaderSize+ringSize)
	require.NoError(t, err)

	page, err := handshake.NewPage(hsRegion.Bytes())
	require.NoError(t, err)

	rx, err := ringseg.Create(c2sRegion, ringSize)
	require.NoError(t, err)
	tx, err := ringseg.Create(s2cRegion, ringSize)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		acceptCtx, acceptCancel := context.WithTimeout(ctx, 2*time.Second)
		defer acceptCancel()
		result, err := handshake.Accept(acceptCtx, page, uint32(os.Getpid()), func() uint64 { return uint64(time.Now().UnixNano()) })
		if err != nil {
			return
		}
		serverConn := conn.New(result.ConnID, tx, rx, conn.FullPolicyReportError)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			raws, err := serverConn.Recv()
			if err != nil {
				if err == api.ErrClosed {
					return
				}
				time.Sleep(time.Millisecond)
				continue
			}
			for _, raw := range raws {
				frame, decErr := codec.Decode(raw)
				if decErr != nil {
					continue
				}
				echoed, _ := codec.Encode(&api.Frame{Type: frame.Type, ID: frame.ID, Payload: frame.Payload})
				_ = serverConn.Send(echoed)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	return func() {
		cancel()
		<-done
		_ = hsRegion.Destroy()
		_ = c2sRegion.Destroy()
		_ = s2cRegion.Destroy()
	}
}

func TestDialEstablishesConnectionAndEchoesHeartbeat(t *testing.T) {
	tag := fmt.Sprintf("lapctest_%d", time.Now().UnixNano())
	stop := startFakeServer(t, tag, 4096)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, client.Config{Tag: tag, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(&api.Frame{Type: api.FrameHeartbeat, ID: 11, Payload: []byte("ping")}))

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	frame, err := c.Recv(recvCtx)
	require.NoError(t, err)
	require.Equal(t, api.FrameHeartbeat, frame.Type)
	require.Equal(t, uint64(11), frame.ID)
	require.Equal(t, []byte("ping"), frame.Payload)
}

func TestRegisterHandlerFiresOnConnectForAlreadyConnectedClient(t *testing.T) {
	tag := fmt.Sprintf("lapctest_%d", time.Now().UnixNano())
	stop := startFakeServer(t, tag, 4096)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{Tag: tag, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	connected := make(chan struct{})
	c.RegisterHandler(fakeHandler{onConnect: func() { close(connected) }})

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect not invoked for already-connected client")
	}
}

type fakeHandler struct {
	onConnect func()
	onClose   func()
	onError   func(error)
}

func (f fakeHandler) OnConnect() {
	if f.onConnect != nil {
		f.onConnect()
	}
}
func (f fakeHandler) OnClose() {
	if f.onClose != nil {
		f.onClose()
	}
}
func (f fakeHandler) OnError(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}
