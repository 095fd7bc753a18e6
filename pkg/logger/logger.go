// Package logger holds the process-wide structured logger. Records are
// handed to a background goroutine so logging never blocks a caller; when
// the queue is full records are dropped and counted.
package logger

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var Log *slog.Logger

const (
	queueSize     = 10000
	flushInterval = time.Second
)

// queue is the io.Writer behind the slog handler.
type queue struct {
	records chan []byte
	dropped atomic.Uint64
}

func (q *queue) Write(p []byte) (int, error) {
	rec := append([]byte(nil), p...)
	select {
	case q.records <- rec:
	default:
		q.dropped.Add(1)
	}
	return len(p), nil
}

var (
	mu      sync.Mutex
	current *queue
	stop    chan struct{}
	done    sync.WaitGroup
)

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the global logger. sink is "stdout" (or empty), "stderr" or
// "file:/path/to/log"; format is "text" (or empty) or "json". Empty level
// and sink fall back to FEEDSYNC_LOG_LEVEL and FEEDSYNC_LOG_SINK. A previous
// logger is flushed first.
func Init(level, sink, format string) {
	Sync()
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("FEEDSYNC_LOG_LEVEL")
	}
	if strings.TrimSpace(sink) == "" {
		sink = os.Getenv("FEEDSYNC_LOG_SINK")
	}

	q := &queue{records: make(chan []byte, queueSize)}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(q, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(q, opts)
	}

	mu.Lock()
	current = q
	stop = make(chan struct{})
	done.Add(1)
	go drain(q, sink, stop)
	mu.Unlock()

	Log = slog.New(h)
}

func drain(q *queue, sink string, stop <-chan struct{}) {
	defer done.Done()
	out, closer := openSink(sink)
	if closer != nil {
		defer closer.Close()
	}
	buf := bufio.NewWriterSize(out, 8192)
	defer buf.Flush()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case rec := <-q.records:
			buf.Write(rec)
		case <-ticker.C:
			buf.Flush()
		case <-stop:
			for {
				select {
				case rec := <-q.records:
					buf.Write(rec)
				default:
					if n := q.dropped.Load(); n > 0 {
						fmt.Fprintf(buf, "logger: %d records dropped\n", n)
					}
					return
				}
			}
		}
	}
}

func openSink(sink string) (io.Writer, io.Closer) {
	switch {
	case sink == "stderr":
		return os.Stderr, nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
			return os.Stdout, nil
		}
		return f, f
	default:
		return os.Stdout, nil
	}
}

// Dropped returns the number of records discarded because the queue was full.
func Dropped() uint64 {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return 0
	}
	return current.dropped.Load()
}

// Sync flushes buffered records and stops the writer goroutine. The logger
// keeps accepting records afterwards but they are discarded.
func Sync() {
	mu.Lock()
	s := stop
	stop = nil
	mu.Unlock()
	if s != nil {
		close(s)
		done.Wait()
	}
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// LogConfigSummary prints a titled block of configuration lines to stdout,
// independent of the configured level.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	const width = 60
	header := "== " + strings.ReplaceAll(title, "_", " ") + " "
	if pad := width - len(header); pad > 0 {
		header += strings.Repeat("=", pad)
	}
	var b strings.Builder
	b.WriteString(header + "\n")
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	b.WriteString("\n")
	_, _ = io.WriteString(os.Stdout, b.String())
}
