package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/momentics/lapc/control"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := control.Load("", "LAPC", nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/lapc.sock", cfg.Socket)
	require.Equal(t, 9090, cfg.MetricsPort)
	require.Equal(t, 1024, cfg.QueueCapacity)
	require.Equal(t, 50*time.Millisecond, cfg.CancelGrace)
}

func TestLoadParsesYAMLDocumentAndSizeFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lapc.yaml")
	doc := "socket: /run/lapc/custom.sock\nworkers: 4\nring_size: 2MB\nmax_frame_payload: 512KB\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := control.Load(path, "LAPC", nil)
	require.NoError(t, err)
	require.Equal(t, "/run/lapc/custom.sock", cfg.Socket)
	require.Equal(t, 4, cfg.Workers)
	require.EqualValues(t, 2*1024*1024, cfg.RingSize.Bytes())
	require.EqualValues(t, 512*1024, cfg.MaxFramePayload.Bytes())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lapc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket: /from/file.sock\n"), 0o600))

	t.Setenv("LAPC_SOCKET", "/from/env.sock")
	cfg, err := control.Load(path, "LAPC", nil)
	require.NoError(t, err)
	require.Equal(t, "/from/env.sock", cfg.Socket)
}

func TestLoadFlagOverridesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lapc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket: /from/file.sock\n"), 0o600))
	t.Setenv("LAPC_SOCKET", "/from/env.sock")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("socket", "/from/flag.sock", "")
	require.NoError(t, fs.Parse([]string{"--socket=/from/flag.sock"}))

	cfg, err := control.Load(path, "LAPC", fs)
	require.NoError(t, err)
	require.Equal(t, "/from/flag.sock", cfg.Socket)
}

func TestConfigStoreNotifiesListenersOnSet(t *testing.T) {
	cs := control.NewConfigStore()
	done := make(chan struct{})
	cs.OnReload(func() { close(done) })
	cs.Set(map[string]any{"log_level": "debug"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}

	snap := cs.Snapshot()
	require.Equal(t, "debug", snap["log_level"])
}
