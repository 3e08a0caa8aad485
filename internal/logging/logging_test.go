// ABOUTME: Tests for logger construction and the colorized handler

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-huddle/internal/config"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.With("component", "relay").Info("client joined", "user", "alice")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF client joined")
	assert.Contains(t, out, " component=relay")
	assert.Contains(t, out, " user=alice")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("skipped")
	logger.Warn("slow consumer", "channel", "conversation-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "slow consumer", rec["msg"])
	assert.Equal(t, "conversation-1", rec["channel"])
}

func TestColorHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelDebug))

	logger.WithGroup("nats").With("bucket", "presence").Debug("watch", slog.Group("entry", "op", "put"))

	out := buf.String()
	assert.Contains(t, out, "DBG watch")
	assert.Contains(t, out, " nats.bucket=presence")
	assert.Contains(t, out, " nats.entry.op=put")
}

func TestColorHandler_SharedWriter(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewColorHandler(&buf, slog.LevelInfo))
	a := base.With("component", "a")
	b := base.With("component", "b")

	a.Info("one")
	b.Error("two")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF one component=a")
	assert.Contains(t, lines[1], "ERR two component=b")
}
