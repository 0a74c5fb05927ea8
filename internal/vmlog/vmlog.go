// Package vmlog provides the VM's structured logging: GC-cycle records,
// thread lifecycle events, and the header line printed above the stack
// trace of an uncaught exception. Byte counts are humanized; the trace
// header timestamp is strftime-formatted.
package vmlog

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"
)

// Logger wraps a *slog.Logger with loxcore-specific convenience methods.
type Logger struct {
	s *slog.Logger
}

func New() *Logger {
	return &Logger{s: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func (l *Logger) GCCycle(major bool, live int64, allocated uint64) {
	l.s.Info("gc_cycle",
		slog.Bool("major", major),
		slog.Int64("live_objects", live),
		slog.String("allocated", humanize.Bytes(allocated)),
	)
}

func (l *Logger) ThreadSpawned(id string) {
	l.s.Info("thread_spawned", slog.String("thread_id", id))
}

func (l *Logger) ThreadExited(id string) {
	l.s.Info("thread_exited", slog.String("thread_id", id))
}

func (l *Logger) SignalDelivered(sig int) {
	l.s.Info("signal_delivered", slog.Int("signal", sig))
}

// TraceHeader renders the header line printed above a stack trace when an
// exception is never caught: a strftime-formatted timestamp followed by
// "ClassName: message".
func TraceHeader(now time.Time, className, message string) string {
	ts := strftime.Format("%Y-%m-%d %H:%M:%S", now)
	return fmt.Sprintf("[%s] %s: %s", ts, className, message)
}
