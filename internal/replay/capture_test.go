package replay

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func TestReaderReadAll(t *testing.T) {
	in := strings.NewReader(`
# comment

START
0, 730d0a
10, 53 6f
`)

	recs, err := NewReader(in).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if !recs[0].IsStart() {
		t.Fatalf("expected START marker, got %v", recs[0].Chunk)
	}
	if !reflect.DeepEqual(recs[1].Chunk, []byte("s\r\n")) {
		t.Fatalf("unexpected chunk 1: %q", recs[1].Chunk)
	}
	if recs[2].At != 10*time.Nanosecond {
		t.Fatalf("expected At=10ns, got %s", recs[2].At)
	}
	if !reflect.DeepEqual(recs[2].Chunk, []byte("So")) {
		t.Fatalf("unexpected chunk 2: %q", recs[2].Chunk)
	}
}

func TestReaderReadAll_InvalidLines(t *testing.T) {
	for _, in := range []string{
		"not-a-valid-line\n",
		"abc,00\n",
		"-1,00\n",
		"1,zz\n",
		"1,\n",
	} {
		if _, err := NewReader(strings.NewReader(in)).ReadAll(); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestPlay_RespectsTimingAndStart(t *testing.T) {
	var chunks []string
	fs := &fakeSleeper{}

	recs := []Record{
		{At: 1 * time.Second},
		{At: 1 * time.Second, Chunk: []byte("a")},
		{At: 1*time.Second + 100*time.Nanosecond, Chunk: []byte("b")},
		{At: 2 * time.Second},
		{At: 2*time.Second + 50*time.Nanosecond, Chunk: []byte("c")},
	}

	err := Play(recs, 1.0, false, fs, func(chunk []byte) error {
		chunks = append(chunks, string(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(chunks, []string{"a", "b", "c"}) {
		t.Fatalf("chunks=%q", chunks)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{100 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedMultiplier(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Chunk: []byte{0x01}},
		{At: 100 * time.Nanosecond, Chunk: []byte{0x02}},
	}

	if err := Play(recs, 2.0, false, fs, func([]byte) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if !reflect.DeepEqual(fs.slept, []time.Duration{50 * time.Nanosecond}) {
		t.Fatalf("slept = %v, want [50ns]", fs.slept)
	}
}

func TestPlay_LoopStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	recs := []Record{{At: 0, Chunk: []byte("x")}}
	n := 0
	err := Play(recs, 1.0, true, &fakeSleeper{}, func([]byte) error {
		n++
		if n == 5 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v want stop", err)
	}
	if n != 5 {
		t.Fatalf("calls=%d want 5", n)
	}
}

func TestPlay_InvalidArgs(t *testing.T) {
	recs := []Record{{At: 0, Chunk: []byte{0x01}}}
	if err := Play(recs, 0, false, nil, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for zero speed")
	}
	if err := Play(nil, 1, false, nil, func([]byte) error { return nil }); err == nil {
		t.Fatalf("expected error for no records")
	}
	if err := Play(recs, 1, false, nil, nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}

func TestWriter_WritesExpectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures", "out.log")

	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	w.start = time.Unix(0, 0)

	if err := w.WriteChunk(time.Unix(0, 20), []byte("s\r\n")); err != nil {
		t.Fatalf("WriteChunk() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.WriteChunk(time.Unix(0, 30), []byte("x")); err == nil {
		t.Fatalf("expected error after close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != "START\n20,730d0a\n" {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestRecordReplay_RoundTripChunksInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.log")
	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}

	now := time.Now()
	chunksIn := []string{
		"s\r\nSource:KC1ABC,Destination:AP",
		"RS,Path:WIDE1-1,Type:T,Data:!4059.23N/07656.54W[123/045/A=1234/S2/12:34:56,RSSI:-70\r\n",
		"e\r\n",
	}
	for _, c := range chunksIn {
		if err := w.WriteChunk(now, []byte(c)); err != nil {
			_ = w.Close()
			t.Fatalf("WriteChunk() error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	var chunksOut []string
	fs := &fakeSleeper{}
	err = Play(recs, 1.0, false, fs, func(chunk []byte) error {
		chunksOut = append(chunksOut, string(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 0 {
		t.Fatalf("expected no sleeps, got %v", fs.slept)
	}
	if !reflect.DeepEqual(chunksOut, chunksIn) {
		t.Fatalf("chunks mismatch\n got: %q\nwant: %q", chunksOut, chunksIn)
	}
}

func TestWriter_MarkSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.log")
	w, err := CreateWriter(path)
	if err != nil {
		t.Fatalf("CreateWriter() error: %v", err)
	}
	base := time.Unix(100, 0)

	// Nothing written yet: the first START is reused.
	if err := w.MarkSegment(base); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}
	if err := w.WriteChunk(base.Add(5), []byte{0x01}); err != nil {
		t.Fatalf("WriteChunk() error: %v", err)
	}
	if err := w.MarkSegment(base.Add(time.Second)); err != nil {
		t.Fatalf("MarkSegment() error: %v", err)
	}
	if err := w.WriteChunk(base.Add(time.Second+7), []byte{0x02}); err != nil {
		t.Fatalf("WriteChunk() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := w.MarkSegment(base); err == nil {
		t.Fatalf("expected error after close")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if want := "START\n5,01\nSTART\n7,02\n"; string(b) != want {
		t.Fatalf("file=%q want %q", string(b), want)
	}
}

func TestReaderNext_ReportsLineNumber(t *testing.T) {
	r := NewReader(strings.NewReader("START\n\n0,01\nbad\n"))
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
	}
	_, err := r.Next()
	if err == nil || !strings.Contains(err.Error(), "line 4") {
		t.Fatalf("err=%v want line 4", err)
	}
}

func TestPlay_OnlyStartMarkers(t *testing.T) {
	recs, err := NewReader(strings.NewReader("START\nSTART\n")).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	for _, loop := range []bool{false, true} {
		done := make(chan error, 1)
		go func() {
			done <- Play(recs, 1.0, loop, &fakeSleeper{}, func([]byte) error { return nil })
		}()
		select {
		case err := <-done:
			if !errors.Is(err, ErrNoChunks) {
				t.Fatalf("loop=%v err=%v want ErrNoChunks", loop, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("loop=%v Play did not return", loop)
		}
	}
}
