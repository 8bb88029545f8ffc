package control_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/momentics/lapc/control"
)

func TestNewLoggerDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger, err := control.NewLogger("not-a-level", false)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerHonorsDebugLevel(t *testing.T) {
	logger, err := control.NewLogger("debug", true)
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
