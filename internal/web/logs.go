package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// LogBuffer keeps the tail of the process log for /api/logs and forwards
// each complete line to an optional hook.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
	dropped uint64
	onLine  func(line string)
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// SetLineHook installs fn to be called, outside the buffer lock, with every
// complete line written afterwards. fn must not log.
func (b *LogBuffer) SetLineHook(fn func(line string)) {
	b.mu.Lock()
	b.onLine = fn
	b.mu.Unlock()
}

// Write implements io.Writer. Lines are kept once their newline arrives; an
// unterminated tail waits for the next Write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	rest := b.partial + string(p)
	var kept []string
	for {
		line, tail, ok := strings.Cut(rest, "\n")
		if !ok {
			break
		}
		if line = b.appendLineLocked(line); line != "" {
			kept = append(kept, line)
		}
		rest = tail
	}
	b.partial = rest
	hook := b.onLine
	b.mu.Unlock()

	if hook != nil {
		for _, line := range kept {
			hook(line)
		}
	}
	return len(p), nil
}

// appendLineLocked stores line and returns it, or "" when it was blank.
func (b *LogBuffer) appendLineLocked(line string) string {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return ""
	}
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
	return line
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped = b.dropped
	if tail <= 0 {
		tail = 200
	}
	if tail > len(b.lines) {
		tail = len(b.lines)
	}
	start := len(b.lines) - tail
	lines = append([]string(nil), b.lines[start:]...)
	return lines, dropped
}

func parseTail(q string) (int, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return 200, nil
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < 1 || v > 5000 {
		return 0, errors.New("tail must be an integer in [1,5000]")
	}
	return v, nil
}

func filterLines(lines []string, needle string) []string {
	if needle == "" {
		return lines
	}
	out := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, needle) {
			out = append(out, line)
		}
	}
	return out
}

// Handler serves the tail as JSON, or as text with ?format=text. ?contains
// narrows the tail to matching lines.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		q := r.URL.Query()
		tail, err := parseTail(q.Get("tail"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lines, dropped := b.Snapshot(tail)
		lines = filterLines(lines, q.Get("contains"))

		w.Header().Set("Cache-Control", "no-store")
		if !strings.EqualFold(q.Get("format"), "text") {
			writeJSON(w, http.StatusOK, LogsResponse{
				NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
				Dropped: dropped,
				Lines:   lines,
			})
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if dropped > 0 {
			_, _ = fmt.Fprintf(w, "[dropped %s lines]\n", humanize.Comma(int64(dropped)))
		}
		_, _ = io.WriteString(w, strings.Join(lines, "\n"))
		if len(lines) > 0 {
			_, _ = io.WriteString(w, "\n")
		}
	})
}
