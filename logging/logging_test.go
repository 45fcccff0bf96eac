package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/relaymesh/config"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, config.LogConfig{Level: config.LogLevelInfo, Format: "json"})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("relay started", "address", "echo")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "relay started", rec["msg"])
	assert.Equal(t, "echo", rec["address"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, config.LogConfig{Level: config.LogLevelWarn, Format: "text"})
	require.NoError(t, err)
	derived := l.With("component", "router")

	derived.Info("before")
	require.NoError(t, l.SetLevel(config.LogLevelDebug))
	assert.Equal(t, slog.LevelDebug, l.Level())
	derived.Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
	assert.Contains(t, out, "component=router")

	assert.ErrorIs(t, l.SetLevel("loud"), config.ErrInvalidLogLevel)
}

func TestOnConfigChange(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWriter(&buf, config.LogConfig{Level: config.LogLevelInfo})
	require.NoError(t, err)

	oldCfg := config.DefaultConfig()
	newCfg := config.DefaultConfig()
	newCfg.Log.Level = config.LogLevelError
	l.OnConfigChange(oldCfg, newCfg)
	assert.Equal(t, slog.LevelError, l.Level())
}

func TestInvalidSettings(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, config.LogConfig{Level: "verbose"})
	assert.ErrorIs(t, err, config.ErrInvalidLogLevel)

	_, err = NewWriter(&bytes.Buffer{}, config.LogConfig{Format: "xml"})
	assert.ErrorIs(t, err, config.ErrInvalidLogFormat)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	l, err := New(config.LogConfig{Level: config.LogLevelInfo, Format: "text", Output: path})
	require.NoError(t, err)

	l.Info("written to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
