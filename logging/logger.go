// Package logging wires the system's structured logger. Every binary
// builds one *zap.SugaredLogger at startup and threads it through the
// coordinator/participant services instead of calling the log package
// directly.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap logger prefixed with component, e.g.
// "coordinator" or "participant:N2".
func New(component string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Logging setup failing is not fatal: fall back to the example
		// logger so every later startup error path can still log.
		logger = zap.NewExample()
	}
	return logger.Sugar().With("component", component)
}
