package frame

import (
	"bytes"

	"groundstation/internal/metrics"
)

// Frames on the radio link look like:
//
//	s\r\n
//	Source:...,RSSI:-70\r\n
//	e\r\n
//
// The receiver also prints free-form chatter (init messages) between frames.
var (
	startToken = []byte("s\r\n")
	endToken   = []byte("\r\ne\r\n")
)

const defaultMaxBuffer = 64 * 1024

// Stats counts what the assembler did with the bytes it was fed.
type Stats struct {
	Frames         uint64 `json:"frames"`
	StaleFrames    uint64 `json:"stale_frames"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
}

// Assembler reassembles start/end delimited frames from arbitrarily chunked
// input. It is not safe for concurrent use; the ingest loop owns it.
type Assembler struct {
	buf       []byte
	maxBuffer int
	stats     Stats

	// lineStart is true when buf[0] directly follows a newline (or the
	// beginning of the stream).
	lineStart bool
}

func NewAssembler(maxBuffer int) *Assembler {
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBuffer
	}
	return &Assembler{maxBuffer: maxBuffer, lineStart: true}
}

// Feed appends chunk to the pending buffer and returns every payload that is
// now complete. Incomplete trailing data is retained for the next call.
func (a *Assembler) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	a.buf = append(a.buf, chunk...)

	var out []string
	for {
		start := a.indexStart(0)
		if start < 0 {
			a.dropNoise()
			break
		}
		if start > 0 {
			a.discard(start)
		}

		body := len(startToken)
		end := bytes.Index(a.buf[body:], endToken)
		if end < 0 {
			// No end yet: only the newest start can still become a frame.
			if last := a.lastStart(len(a.buf)); last > 0 {
				a.stats.StaleFrames++
				metrics.FrameDiscards.WithLabelValues("stale").Inc()
				a.discard(last)
			}
			a.enforceLimit()
			break
		}
		end += body

		// A second start before the end means the frame we were holding was
		// cut off; resynchronise on the newest start.
		if last := a.lastStart(end); last > 0 {
			a.stats.StaleFrames++
			metrics.FrameDiscards.WithLabelValues("stale").Inc()
			a.discard(last)
			continue
		}

		out = append(out, string(a.buf[body:end]))
		a.stats.Frames++
		a.consume(end + len(endToken))
	}
	return out
}

// Pending reports how many bytes are buffered waiting for an end marker.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

func (a *Assembler) Stats() Stats {
	return a.stats
}

// Reset drops any partial frame, e.g. after the transport was reopened.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.lineStart = true
}

// dropNoise discards bytes that cannot belong to a frame while keeping a tail
// that may be the beginning of a split start token.
func (a *Assembler) dropNoise() {
	keep := len(startToken) - 1
	if len(a.buf) <= keep {
		return
	}
	a.discard(len(a.buf) - keep)
}

func (a *Assembler) enforceLimit() {
	if len(a.buf) <= a.maxBuffer {
		return
	}
	a.stats.StaleFrames++
	metrics.FrameDiscards.WithLabelValues("overflow").Inc()
	a.discard(len(a.buf))
}

func (a *Assembler) discard(n int) {
	if n <= 0 {
		return
	}
	a.stats.DiscardedBytes += uint64(n)
	metrics.FrameDiscardedBytes.Add(float64(n))
	a.consume(n)
}

func (a *Assembler) consume(n int) {
	if n <= 0 {
		return
	}
	if n > len(a.buf) {
		n = len(a.buf)
	}
	if n > 0 {
		a.lineStart = a.buf[n-1] == '\n'
	}
	rest := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rest]
}

// indexStart finds the first start token at or after from that begins a line.
func (a *Assembler) indexStart(from int) int {
	b := a.buf
	for from <= len(b)-len(startToken) {
		i := bytes.Index(b[from:], startToken)
		if i < 0 {
			return -1
		}
		i += from
		if (i == 0 && a.lineStart) || (i > 0 && b[i-1] == '\n') {
			return i
		}
		from = i + 1
	}
	return -1
}

// lastStart returns the last line-initial start token that begins before
// limit, or -1.
func (a *Assembler) lastStart(limit int) int {
	last := -1
	for i := a.indexStart(0); i >= 0 && i < limit; i = a.indexStart(i + 1) {
		last = i
	}
	return last
}
