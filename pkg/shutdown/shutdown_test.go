package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		goleak.IgnoreTopFunction("os/signal.loop"),
	)
}

func TestAbortWithDiagnostics(t *testing.T) {
	dir := t.TempDir()
	dump, req, err := AbortWithDiagnostics(dir, "store open", errors.New("disk full"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state", "crash"), filepath.Dir(dump))

	body, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Contains(t, string(body), "reason: store open")
	assert.Contains(t, string(body), "disk full")
	assert.Contains(t, string(body), "goroutine")

	raw, err := os.ReadFile(req)
	require.NoError(t, err)
	var got abortRecord
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "store open", got.Reason)
	assert.Equal(t, "disk full", got.Error)
	assert.Equal(t, dump, got.DumpPath)
	assert.Positive(t, got.Goroutines)
	assert.Equal(t, filepath.Join(dir, "state", "abort"), filepath.Dir(req))

	leftovers, err := filepath.Glob(filepath.Join(dir, "state", "*", ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSignalCancelsContext(t *testing.T) {
	ctx, cancel := SetupSignalHandler(context.Background())
	defer cancel()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestCancelStopsWatcher(t *testing.T) {
	ctx, cancel := SetupSignalHandler(context.Background())
	cancel()
	<-ctx.Done()
}

func TestSIGPIPEDoesNotCancel(t *testing.T) {
	ctx, cancel := SetupSignalHandler(context.Background())
	defer cancel()
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGPIPE))
	select {
	case <-ctx.Done():
		t.Fatal("SIGPIPE cancelled the context")
	case <-time.After(100 * time.Millisecond):
	}
}
