package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
)

func TestNewLevels(t *testing.T) {
	cases := []struct {
		name      string
		cfg       config.LoggingConfig
		debug     bool
		infoShown bool
	}{
		{name: "defaults", cfg: config.LoggingConfig{}, debug: false, infoShown: true},
		{name: "verbosity enables debug", cfg: config.LoggingConfig{Level: "info", Verbosity: 1}, debug: true, infoShown: true},
		{name: "json warn", cfg: config.LoggingConfig{Level: "warn", Format: "json"}, debug: false, infoShown: false},
	}
	for _, tc := range cases {
		logger, err := New(tc.cfg)
		if err != nil {
			t.Fatalf("%s: New returned error: %v", tc.name, err)
		}
		if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.debug {
			t.Fatalf("%s: debug enabled = %v, want %v", tc.name, got, tc.debug)
		}
		if got := logger.Core().Enabled(zapcore.InfoLevel); got != tc.infoShown {
			t.Fatalf("%s: info enabled = %v, want %v", tc.name, got, tc.infoShown)
		}
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := New(config.LoggingConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
