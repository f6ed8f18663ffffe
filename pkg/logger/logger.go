package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls logger construction
type LoggerConfig struct {
	Debug bool
}

// NewLogger creates a zap logger. Debug enables development encoding and
// debug-level output; otherwise a production JSON logger at info level is
// returned.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	if cfg != nil && cfg.Debug {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return c.Build()
	}
	return zap.NewProduction()
}
