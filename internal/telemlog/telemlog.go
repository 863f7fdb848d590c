// Package telemlog appends decoded telemetry to one CSV file per run.
package telemlog

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"groundstation/internal/aprs"
	"groundstation/internal/metrics"
)

// Log is created empty; the directory and file only appear on the first
// Append so a run that never receives telemetry leaves nothing behind.
//
// Append never returns an error. A failing disk must not interrupt live
// display, so failures are logged and counted instead.
type Log struct {
	dir string
	now func() time.Time

	mu            sync.Mutex
	f             *os.File
	w             *bufio.Writer
	path          string
	headerWritten bool
	rows          uint64
	failures      uint64
	lastErr       string
}

type Snapshot struct {
	Path      string `json:"path,omitempty"`
	Rows      uint64 `json:"rows"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func New(dir string) *Log {
	return &Log{dir: dir, now: time.Now}
}

// FileName returns the per-run file name for a session starting at t: the
// UTC ISO-8601 timestamp with ':' replaced so it is valid on every
// filesystem.
func FileName(t time.Time) string {
	ts := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.ReplaceAll(ts, ":", "-") + ".csv"
}

func (l *Log) Append(env aprs.Envelope) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureOpenLocked(); err != nil {
		l.failLocked(err)
		return
	}
	if err := env.AppendCSV(l.w, l.headerWritten); err != nil {
		l.failLocked(fmt.Errorf("write %s: %w", l.path, err))
		return
	}
	if err := l.w.Flush(); err != nil {
		l.failLocked(fmt.Errorf("flush %s: %w", l.path, err))
		return
	}
	l.headerWritten = true
	l.rows++
}

// Path is the current log file, or "" before the first Append.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Log) Snapshot() Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Path: l.path, Rows: l.rows, Failures: l.failures, LastError: l.lastErr}
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	l.w = nil
	return err
}

func (l *Log) ensureOpenLocked() error {
	if l.f != nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", l.dir, err)
	}
	path := l.path
	if path == "" {
		path = filepath.Join(l.dir, FileName(l.now()))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	// Reopening after Close appends to the same file, header included once.
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		l.headerWritten = true
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.path = path
	return nil
}

func (l *Log) failLocked(err error) {
	l.failures++
	l.lastErr = err.Error()
	metrics.PersistenceErrors.WithLabelValues("telemetry_log").Inc()
	log.Printf("telemetry log: %v", err)
}
