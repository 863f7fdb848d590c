package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"groundstation/internal/aprs"
	"groundstation/internal/frame"
	"groundstation/internal/replay"
)

// captureSummary describes what a recorded session would produce if it were
// replayed through ingest.
type captureSummary struct {
	Segments       int
	Chunks         int
	Bytes          uint64
	Frames         uint64
	Decoded        int
	DecodeErrors   int
	DiscardedBytes uint64
	MaxDuration    time.Duration
	Sources        map[string]int
	Signals        map[aprs.Signal]int
}

func summarizeCapture(records []replay.Record) captureSummary {
	s := captureSummary{Sources: map[string]int{}, Signals: map[aprs.Signal]int{}}
	if len(records) == 0 {
		return s
	}

	asm := frame.NewAssembler(0)
	origin := time.Duration(0)
	segments := 0

	for _, r := range records {
		if r.IsStart() {
			segments++
			origin = r.At
			// Each segment is a separate link session.
			asm.Reset()
			continue
		}

		s.Chunks++
		s.Bytes += uint64(len(r.Chunk))
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}

		for _, payload := range asm.Feed(r.Chunk) {
			env, err := aprs.Decode(payload)
			if err != nil {
				s.DecodeErrors++
				continue
			}
			s.Decoded++
			s.Sources[env.Source]++
			s.Signals[env.SignalStrength()]++
		}
	}
	if segments == 0 && s.Chunks > 0 {
		segments = 1
	}
	s.Segments = segments

	st := asm.Stats()
	s.Frames = st.Frames
	s.DiscardedBytes = st.DiscardedBytes
	return s
}

func printCaptureSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	writeCaptureSummary(w, path, summarizeCapture(recs))
	return nil
}

func writeCaptureSummary(w io.Writer, path string, s captureSummary) {
	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "chunks: %s\n", humanize.Comma(int64(s.Chunks)))
	fmt.Fprintf(w, "bytes: %s\n", humanize.Bytes(s.Bytes))
	fmt.Fprintf(w, "frames: %s\n", humanize.Comma(int64(s.Frames)))
	fmt.Fprintf(w, "decoded: %s\n", humanize.Comma(int64(s.Decoded)))
	fmt.Fprintf(w, "decode_errors: %s\n", humanize.Comma(int64(s.DecodeErrors)))
	fmt.Fprintf(w, "discarded_bytes: %s\n", humanize.Comma(int64(s.DiscardedBytes)))
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	sources := make([]string, 0, len(s.Sources))
	for k := range s.Sources {
		sources = append(sources, k)
	}
	sort.Strings(sources)
	fmt.Fprintf(w, "sources:\n")
	for _, k := range sources {
		fmt.Fprintf(w, "  %s: %d\n", k, s.Sources[k])
	}

	fmt.Fprintf(w, "signal:\n")
	for _, sig := range []aprs.Signal{aprs.SignalHigh, aprs.SignalMed, aprs.SignalLow, aprs.SignalNone} {
		if n := s.Signals[sig]; n > 0 {
			fmt.Fprintf(w, "  %s: %d\n", sig, n)
		}
	}
}
