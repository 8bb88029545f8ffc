package control_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/control"
)

func TestDebugProbesDumpStateInvokesEachProbe(t *testing.T) {
	dp := control.NewDebugProbes()
	dp.RegisterProbe("queue.depth", func() any { return 7 })
	dp.RegisterProbe("pool.size", func() any { return 3 })

	state := dp.DumpState()
	require.Equal(t, 7, state["queue.depth"])
	require.Equal(t, 3, state["pool.size"])
}

func TestHotReloadDispatchesRegisteredHooks(t *testing.T) {
	done := make(chan struct{})
	control.RegisterReloadHook(func() { close(done) })
	control.TriggerHotReload()
	<-done
}
