package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorum/internal/platform/config"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("json lines carry the service name", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, config.Log{Level: "info", Format: "json"})
		log.Info("election advanced", "election_id", "e1")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "quorum", line["service"])
		assert.Equal(t, "e1", line["election_id"])
	})

	t.Run("debug is dropped at info level", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, config.Log{Level: "info", Format: "text"})
		log.Debug("noise")
		assert.Empty(t, buf.String())
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, config.Log{Level: "warn", Format: "text"})
		log.Warn("slow directory")
		assert.True(t, strings.Contains(buf.String(), "msg=\"slow directory\""))
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
