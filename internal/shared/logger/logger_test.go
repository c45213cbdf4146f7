package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Run("creates with default config", func(t *testing.T) {
		assert.NotNil(t, New(nil))
	})

	t.Run("creates json logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(&Config{Level: "debug", Format: "json", Output: buf})

		l.Info("test message", zap.String("order_no", "ORD-1"))

		entry := decode(t, buf)
		assert.Equal(t, "test message", entry["msg"])
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "ORD-1", entry["order_no"])
		assert.Contains(t, entry, "timestamp")
	})

	t.Run("creates console logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l := New(&Config{Level: "info", Format: "console", Output: buf})

		l.Info("test message")
		output := buf.String()
		assert.Contains(t, output, "test message")
		assert.False(t, strings.HasPrefix(output, "{"))
	})
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
		warnSeen  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"error", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := New(&Config{Level: tt.level, Output: buf})

			l.Debug("debug-line")
			l.Info("info-line")
			l.Warn("warn-line")
			l.Error("error-line")

			out := buf.String()
			assert.Equal(t, tt.debugSeen, strings.Contains(out, "debug-line"))
			assert.Equal(t, tt.infoSeen, strings.Contains(out, "info-line"))
			assert.Equal(t, tt.warnSeen, strings.Contains(out, "warn-line"))
			assert.Contains(t, out, "error-line")
		})
	}
}

func TestLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(&Config{Level: "info", Output: buf})

	l.With(zap.String("key", "value")).Named("webhook").Info("test message")

	entry := decode(t, buf)
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, "webhook", entry["logger"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "debug"},
		{"DEBUG", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"warning", "warn"},
		{"ERROR", "error"},
		{"unknown", "info"},
		{"", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input).String())
		})
	}
}

func TestErrorField(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(&Config{Level: "info", Output: buf})

	l.Error("operation failed", zap.Error(assert.AnError))

	entry := decode(t, buf)
	assert.Contains(t, entry["error"], "assert.AnError")
	assert.Contains(t, entry, "stacktrace")
}
