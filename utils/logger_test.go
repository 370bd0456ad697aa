package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", "json")

	log.Debug("hidden")
	log.Info("relayed", "component", "relay", "from", "5215512345678@s.whatsapp.net")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relayed", entry["msg"])
	assert.Equal(t, "relay", entry["component"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "text")

	log.Info("quiet")
	assert.Empty(t, buf.String())

	log.Warn("reconnect scheduled", "attempt", 2)
	assert.Contains(t, buf.String(), "reconnect scheduled")
}
