// File: control/logging.go
// Author: momentics <momentics@gmail.com>
//
// Structured logging setup. The hot path (ring read/write, frame
// encode/decode) never logs; only the CLI boundary (cmd/lapcd) holds a
// *zap.Logger.
package control

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap.Logger from a log-level filter string such as
// "debug", "info", "warn", "error" (the <VENDOR>_LOG environment
// convention of spec §6). An empty or unrecognized level defaults to info.
func NewLogger(levelFilter string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Development = development

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(levelFilter)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}
