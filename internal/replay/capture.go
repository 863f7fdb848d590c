// Package replay records raw radio bytes with their timing and plays them back
// through the normal ingest path, so a flight can be re-run without the
// receiver attached.
//
// A capture is line-oriented text:
//
//	# comment
//	START
//	<t_ns>,<hex>
//
// START opens a segment (one link session); t_ns counts nanoseconds from it.
// Each data line is one chunk exactly as read from the link, so frame
// boundaries are not preserved. Blank lines and '#' comments are ignored.
package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const startMarker = "START"

// Record is a chunk at an offset, or a segment start when Chunk is nil.
type Record struct {
	At    time.Duration
	Chunk []byte
}

// IsStart reports whether r is a START marker.
func (r Record) IsStart() bool { return r.Chunk == nil }

// Reader streams records from a capture.
type Reader struct {
	s    *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{s: s}
}

// Next returns the next record, or io.EOF at the end of the capture.
func (rr *Reader) Next() (Record, error) {
	for rr.s.Scan() {
		rr.line++
		text := strings.TrimSpace(rr.s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := parseLine(text)
		if err != nil {
			return Record{}, fmt.Errorf("capture line %d: %w", rr.line, err)
		}
		return rec, nil
	}
	if err := rr.s.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

func (rr *Reader) ReadAll() ([]Record, error) {
	var recs []Record
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
}

func parseLine(text string) (Record, error) {
	if text == startMarker {
		return Record{}, nil
	}
	ts, payload, ok := strings.Cut(text, ",")
	if !ok {
		return Record{}, fmt.Errorf("missing comma: %q", text)
	}
	ts = strings.TrimSpace(ts)
	payload = strings.ReplaceAll(strings.TrimSpace(payload), " ", "")
	if ts == "" || payload == "" {
		return Record{}, fmt.Errorf("empty field: %q", text)
	}

	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("timestamp %q: %w", ts, err)
	}
	if ns < 0 {
		return Record{}, fmt.Errorf("negative timestamp %d", ns)
	}
	chunk, err := hex.DecodeString(payload)
	if err != nil {
		return Record{}, fmt.Errorf("hex payload: %w", err)
	}
	return Record{At: time.Duration(ns), Chunk: chunk}, nil
}

// ReadFile loads a capture from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends chunks to a capture file. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	start   time.Time
	written int // chunks in the current segment
	closed  bool
}

// CreateWriter creates (or truncates) path, making parent directories as
// needed, and opens the first segment.
func CreateWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &Writer{f: f, w: bufio.NewWriterSize(f, 64*1024), start: time.Now()}
	if _, err := ww.w.WriteString(startMarker + "\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ww, nil
}

// MarkSegment starts a new segment at now. An empty current segment is
// reused instead of writing a second START.
func (ww *Writer) MarkSegment(now time.Time) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	ww.start = now
	if ww.written == 0 {
		return nil
	}
	ww.written = 0
	_, err := ww.w.WriteString(startMarker + "\n")
	return err
}

func (ww *Writer) WriteChunk(now time.Time, chunk []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	if len(chunk) == 0 {
		return errors.New("chunk is empty")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(chunk)); err != nil {
		return err
	}
	ww.written++
	return nil
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	flushErr := ww.w.Flush()
	closeErr := ww.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ErrNoChunks is returned by Play for a capture that holds only START
// markers, e.g. a recording of a session that never received data.
var ErrNoChunks = errors.New("capture has no chunks")

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play hands each chunk to cb, sleeping between chunks for their recorded
// gap divided by speed (2 plays twice as fast). There is no wait across a
// START marker. With loop set the capture repeats until cb returns an error,
// which Play returns.
func Play(records []Record, speed float64, loop bool, sleeper Sleeper, cb func(chunk []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}

	for {
		var origin, prev time.Duration
		first := true
		played := 0
		for _, r := range records {
			if r.IsStart() {
				origin, prev, first = r.At, 0, true
				continue
			}
			at := max(r.At-origin, 0)
			if !first {
				if wait := time.Duration(float64(max(at-prev, 0)) / speed); wait > 0 {
					sleeper.Sleep(wait)
				}
			}
			if err := cb(r.Chunk); err != nil {
				return err
			}
			prev, first = at, false
			played++
		}
		if played == 0 {
			return ErrNoChunks
		}
		if !loop {
			return nil
		}
	}
}
