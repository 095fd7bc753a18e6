package logger

import (
	"log/slog"
	"os"
	"path/filepath"
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

func TestFileSinkFlushesOnSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsync.log")
	Init("info", "file:"+path, "")
	Info("cache_opened", "namespace", "items")
	Debug("hidden_at_info")
	Sync()
	Log = nil

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cache_opened")
	assert.Contains(t, string(b), "namespace=items")
	assert.NotContains(t, string(b), "hidden_at_info")
}

func TestHelpersAreNoopsWithoutInit(t *testing.T) {
	Log = nil
	assert.NotPanics(t, func() {
		Info("x")
		Warn("y")
		Error("z")
	})
}

func TestJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedsync.json")
	Init("debug", "file:"+path, "json")
	Debug("page_fetched", "source", "news")
	Sync()
	Log = nil

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"page_fetched"`)
	assert.Contains(t, string(b), `"source":"news"`)
	assert.Zero(t, Dropped())
}

func TestReinitFlushesPrevious(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	Init("info", "file:"+first, "")
	Info("first_sink")
	Init("info", "file:"+filepath.Join(dir, "b.log"), "")
	Sync()
	Log = nil

	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(b), "first_sink")
}
