package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests reconfigure the package-level logger and must not run in
// parallel with each other.

func TestLevel_String(t *testing.T) {
	cases := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(99):  "UNKNOWN",
	}
	for level, want := range cases {
		assert.Equal(t, want, level.String())
	}
}

func TestInit_JSONFormatWritesStructuredRecordsAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	output = &buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		output = nil
		mu.Unlock()
	})

	require.NoError(t, Init(Config{Level: "WARN", Format: "json"}))

	Debug("should not appear")
	Warn("connection gate aborted", "reason", "timeout")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "connection gate aborted", record["msg"])
	assert.Equal(t, "timeout", record["reason"])
}

func TestInit_TextFormatIsDefault(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	output = &buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		output = nil
		mu.Unlock()
	})

	require.NoError(t, Init(Config{Level: "INFO", Format: "text"}))
	Info("nbd server listening")

	assert.Contains(t, buf.String(), "nbd server listening")
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestInit_EmptyFieldsLeavePriorConfigurationUnchanged(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	output = &buf
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		output = nil
		mu.Unlock()
	})

	require.NoError(t, Init(Config{Level: "ERROR", Format: "json"}))
	require.NoError(t, Init(Config{}))

	Warn("should be suppressed, level is still ERROR")
	assert.Empty(t, buf.String())
}

func TestParseLevel_UnrecognisedStringDefaultsToInfo(t *testing.T) {
	assert.Equal(t, LevelInfo, parseLevel("nonsense"))
	assert.Equal(t, LevelDebug, parseLevel("debug"))
	assert.Equal(t, LevelWarn, parseLevel("WARN"))
	assert.Equal(t, LevelError, parseLevel("error"))
}
