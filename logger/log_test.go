package logger

import (
	"log/slog"
	"testing"

	"cloud.google.com/go/logging"
	"github.com/stretchr/testify/assert"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		name     string
		level    slog.Level
		expected logging.Severity
	}{
		{"debug", slog.LevelDebug, logging.Debug},
		{"info", slog.LevelInfo, logging.Info},
		{"warn", slog.LevelWarn, logging.Warning},
		{"error", slog.LevelError, logging.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, severity(tt.level))
		})
	}
}
