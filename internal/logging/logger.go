// Package logging builds the zap logger shared by the daemon.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
)

// New builds a logger writing to stderr. Any verbosity above zero lowers the
// level to debug, where the per-request diagnostics are logged.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	// Hex dumps arrive in bursts; sampling would drop most of them.
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	switch cfg.Format {
	case "", "console":
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q (valid: console, json)", cfg.Format)
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.Verbosity >= 1 && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
