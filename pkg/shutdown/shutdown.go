// Package shutdown turns signals into context cancellation and writes crash
// diagnostics before a fatal exit.
package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"feedsync/pkg/logger"
)

const (
	exitCode     = 2
	defaultDelay = 3 * time.Second
	maxStackDump = 1 << 20
)

// abortRecord is the JSON note left next to a crash dump so supervisors can
// tell a deliberate abort from a kill.
type abortRecord struct {
	Time       time.Time         `json:"time"`
	Reason     string            `json:"reason"`
	Error      string            `json:"error,omitempty"`
	DumpPath   string            `json:"dump_path"`
	Goroutines int               `json:"goroutines"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Abort reports err, leaves diagnostics under dbPath and exits the process.
// The optional delay (seconds) gives log shippers time to pick up the
// records; it defaults to three seconds.
func Abort(reason string, err error, dbPath string, delaySeconds ...int) {
	delay := defaultDelay
	if len(delaySeconds) > 0 && delaySeconds[0] >= 0 {
		delay = time.Duration(delaySeconds[0]) * time.Second
	}
	logger.Error("fatal", "reason", reason, "error", err)
	if dump, rec, derr := AbortWithDiagnostics(dbPath, reason, err); derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "feedsync: %s: %v (no crash dump: %v)\n", reason, err, derr)
	} else {
		logger.Error("crash_dump_written", "dump", dump, "record", rec)
		fmt.Fprintf(os.Stderr, "feedsync: %s: %v (crash dump %s)\n", reason, err, dump)
	}
	time.Sleep(delay)
	logger.Sync()
	os.Exit(exitCode)
}

// AbortWithDiagnostics writes a goroutine dump to <dbPath>/state/crash and an
// abort record pointing at it to <dbPath>/state/abort. Without dbPath the
// directories are relative to the working directory. It returns both paths.
func AbortWithDiagnostics(dbPath, reason string, err error) (dumpPath, recordPath string, _ error) {
	root := "."
	if dbPath != "" {
		root = filepath.Join(dbPath, "state")
	}
	crashDir, abortDir := filepath.Join(root, "crash"), filepath.Join(root, "abort")
	for _, dir := range []string{crashDir, abortDir} {
		if e := os.MkdirAll(dir, 0o700); e != nil {
			return "", "", fmt.Errorf("create %s: %w", dir, e)
		}
	}

	now := time.Now().UTC()
	stamp := strconv.FormatInt(now.UnixNano(), 10)
	rec := abortRecord{
		Time:       now,
		Reason:     reason,
		Goroutines: runtime.NumGoroutine(),
		Meta: map[string]string{
			"pid":          strconv.Itoa(os.Getpid()),
			"go":           runtime.Version(),
			"logs_dropped": strconv.FormatUint(logger.Dropped(), 10),
		},
	}
	if err != nil {
		rec.Error = err.Error()
	}

	stacks := make([]byte, maxStackDump)
	stacks = stacks[:runtime.Stack(stacks, true)]
	dump := fmt.Appendf(nil, "time: %s\nreason: %s\nerror: %s\ngoroutines: %d\n\n", now.Format(time.RFC3339), reason, rec.Error, rec.Goroutines)
	dump = append(dump, stacks...)

	dumpPath = filepath.Join(crashDir, "crash-"+stamp+".log")
	if e := writeAtomic(dumpPath, dump); e != nil {
		return "", "", fmt.Errorf("write crash dump: %w", e)
	}
	rec.DumpPath = dumpPath

	body, e := json.MarshalIndent(rec, "", "  ")
	if e != nil {
		return dumpPath, "", fmt.Errorf("encode abort record: %w", e)
	}
	recordPath = filepath.Join(abortDir, "abort-"+stamp+".json")
	if e := writeAtomic(recordPath, body); e != nil {
		return dumpPath, "", fmt.Errorf("write abort record: %w", e)
	}
	return dumpPath, recordPath, nil
}

// writeAtomic writes data to a temp file beside path, syncs it and renames it
// into place.
func writeAtomic(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. A
// SIGPIPE logs every goroutine stack and keeps running. Calling cancel stops
// watching.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)
	go func() {
		defer signal.Stop(sigc)
		for {
			select {
			case s := <-sigc:
				if s == syscall.SIGPIPE {
					stacks := make([]byte, maxStackDump)
					logger.Warn("sigpipe_stack_dump", "stacks", string(stacks[:runtime.Stack(stacks, true)]))
					continue
				}
				logger.Info("signal_received", "signal", s.String())
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ctx, cancel
}
