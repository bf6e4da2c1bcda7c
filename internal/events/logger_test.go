package events_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

func TestNewLogger(t *testing.T) {
	cfg := &config.LogConfig{
		Level:        "debug",
		Format:       "json",
		File:         filepath.Join(t.TempDir(), "app.log"),
		RecentBuffer: 10,
	}

	logger, err := events.NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, events.DebugLevel, logger.Level())
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithField("test_key", "test_value").Info("test message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test_value", entry["test_key"])
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestLoggerJSONEscapesValues(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithFields(map[string]any{
		"quote": `say "hi"`,
		"count": 3,
	}).Warn("line one\nline two")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, `say "hi"`, entry["quote"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "line one\nline two", entry["msg"])
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  events.LogLevel
		msgLevel  events.LogLevel
		shouldLog bool
	}{
		{"debug logger, debug message", events.DebugLevel, events.DebugLevel, true},
		{"info logger, debug message", events.InfoLevel, events.DebugLevel, false},
		{"info logger, info message", events.InfoLevel, events.InfoLevel, true},
		{"error logger, warn message", events.ErrorLevel, events.WarnLevel, false},
		{"error logger, critical message", events.ErrorLevel, events.CriticalLevel, true},
		{"critical logger, error message", events.CriticalLevel, events.ErrorLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := events.NewTestLogger(tt.logLevel, "text", &buf)

			switch tt.msgLevel {
			case events.DebugLevel:
				logger.Debug("test debug")
			case events.InfoLevel:
				logger.Info("test info")
			case events.WarnLevel:
				logger.Warn("test warn")
			case events.ErrorLevel:
				logger.Error("test error")
			case events.CriticalLevel:
				logger.Critical("test critical")
			}

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := events.NewTestLogger(events.InfoLevel, "text", &buf)
	child := parent.WithField("component", "queue")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	parent.SetLevel(events.DebugLevel)
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "text", &buf)

	logger.WithFields(map[string]any{"b": 2, "a": "value"}).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "[INFO]")
	assert.Contains(t, output, "test message a=value b=2")
	assert.NotContains(t, output, "\x1b[")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithError(assert.AnError).Error("operation failed")

	output := buf.String()
	assert.Contains(t, output, `"error":"assert.AnError general error for testing"`)
	assert.Contains(t, output, `"level":"error"`)

	assert.Same(t, logger, logger.WithError(nil))
}

func TestLoggerRecent(t *testing.T) {
	logger := events.NewTestLogger(events.DebugLevel, "text", &bytes.Buffer{})

	logger.Info("not kept")
	for i := 0; i < 60; i++ {
		logger.Warn(fmt.Sprintf("warn %d", i))
	}
	logger.Critical("last")

	recent := logger.Recent()
	require.Len(t, recent, 50)
	assert.Equal(t, "warn 11", recent[0].Msg)
	assert.Equal(t, "last", recent[49].Msg)
	assert.Equal(t, "critical", recent[49].Level)
	for _, e := range recent {
		assert.False(t, strings.HasPrefix(e.Msg, "not"))
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, events.WarnLevel, events.ParseLevel("WARNING"))
	assert.Equal(t, events.CriticalLevel, events.ParseLevel("critical"))
	assert.Equal(t, events.InfoLevel, events.ParseLevel("bogus"))
}
