package radio

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakePort struct {
	name string
	pr   *io.PipeReader
	pw   *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort(name string) *fakePort {
	pr, pw := io.Pipe()
	return &fakePort{name: name, pr: pr, pw: pw}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.pr.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error { return p.pr.Close() }

type fakeOpener struct {
	mu    sync.Mutex
	ports map[string]*fakePort
	fail  map[string]error
}

func (o *fakeOpener) open(port string, baud int) (io.ReadWriteCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.fail[port]; err != nil {
		return nil, err
	}
	p := newFakePort(port)
	if o.ports == nil {
		o.ports = map[string]*fakePort{}
	}
	o.ports[port] = p
	return p, nil
}

func (o *fakeOpener) port(name string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[name]
}

func newTestService(t *testing.T, o *fakeOpener, rec ChunkRecorder) *Service {
	t.Helper()
	return newService(Config{Driver: "fake", EventBuffer: 16, Recorder: rec}, o.open, nil)
}

func nextEvent(t *testing.T, s *Service) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestConnect_DataThenRequestedClose(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	if err := s.Connect("/dev/ttyUSB0", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if snap := s.Snapshot(); !snap.Connected || snap.Port != "/dev/ttyUSB0" || snap.Baud != DefaultBaud {
		t.Fatalf("snapshot=%+v", snap)
	}

	go func() { _, _ = o.port("/dev/ttyUSB0").pw.Write([]byte("s\r\nhello")) }()
	ev := nextEvent(t, s)
	if ev.Kind != EventData || string(ev.Data) != "s\r\nhello" {
		t.Fatalf("event=%+v", ev)
	}

	s.Close()
	ev = nextEvent(t, s)
	if ev.Kind != EventClosed || !ev.Requested {
		t.Fatalf("event=%+v want requested close", ev)
	}
	if snap := s.Snapshot(); snap.Connected || snap.State != "closed" {
		t.Fatalf("snapshot=%+v", snap)
	}
	if snap := s.Snapshot(); snap.Bytes != uint64(len("s\r\nhello")) {
		t.Fatalf("bytes=%d", snap.Bytes)
	}
}

func TestConnect_FailureKeepsExistingSession(t *testing.T) {
	o := &fakeOpener{fail: map[string]error{"/dev/bad": errors.New("permission denied")}}
	s := newTestService(t, o, nil)
	if err := s.Connect("/dev/good", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := s.Connect("/dev/bad", 9600)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Port != "/dev/bad" {
		t.Fatalf("err=%v want TransportError", err)
	}
	snap := s.Snapshot()
	if !snap.Connected || snap.Port != "/dev/good" {
		t.Fatalf("snapshot=%+v want /dev/good still open", snap)
	}
	if snap.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}

	go func() { _, _ = o.port("/dev/good").pw.Write([]byte("x")) }()
	if ev := nextEvent(t, s); ev.Kind != EventData || ev.Port != "/dev/good" {
		t.Fatalf("event=%+v", ev)
	}
	s.Close()
}

func TestConnect_ReplacesSession(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	if err := s.Connect("/dev/a", 0); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	if err := s.Connect("/dev/b", 0); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventClosed || ev.Port != "/dev/a" || !ev.Requested {
		t.Fatalf("event=%+v want requested close of /dev/a", ev)
	}
	if snap := s.Snapshot(); !snap.Connected || snap.Port != "/dev/b" {
		t.Fatalf("snapshot=%+v", snap)
	}
	s.Close()
}

func TestReadError_EmitsErrorThenClose(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = o.port("/dev/x").pw.CloseWithError(errors.New("device unplugged"))

	ev := nextEvent(t, s)
	if ev.Kind != EventError || ev.Err == nil {
		t.Fatalf("event=%+v want error", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventClosed || ev.Requested {
		t.Fatalf("event=%+v want unrequested close", ev)
	}
	if snap := s.Snapshot(); snap.Connected || snap.LastError == "" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestReadEOF_ClosesWithoutError(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = o.port("/dev/x").pw.Close()

	ev := nextEvent(t, s)
	if ev.Kind != EventClosed || ev.Requested {
		t.Fatalf("event=%+v want unrequested close", ev)
	}
}

func TestClose_NoSessionIsNoop(t *testing.T) {
	s := newTestService(t, &fakeOpener{}, nil)
	s.Close()
	s.Close()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	var nilSvc *Service
	nilSvc.Close()
	if err := nilSvc.Connect("/dev/x", 0); err == nil {
		t.Fatalf("expected error from nil service")
	}
}

func TestWrite(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	if _, err := s.Write([]byte("ping")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v want ErrNotConnected", err)
	}
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p := o.port("/dev/x")
	p.mu.Lock()
	got := p.written.String()
	p.mu.Unlock()
	if got != "ping" {
		t.Fatalf("written=%q", got)
	}
	s.Close()
}

type fakeRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (r *fakeRecorder) WriteChunk(_ time.Time, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	return nil
}

func TestRecorderSeesChunks(t *testing.T) {
	o := &fakeOpener{}
	rec := &fakeRecorder{}
	s := newTestService(t, o, rec)
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	go func() { _, _ = o.port("/dev/x").pw.Write([]byte("abc")) }()
	nextEvent(t, s)
	s.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chunks) != 1 || string(rec.chunks[0]) != "abc" {
		t.Fatalf("chunks=%q", rec.chunks)
	}
}

func TestInject(t *testing.T) {
	s := newTestService(t, &fakeOpener{}, nil)
	s.Inject([]byte("replayed"))
	ev := nextEvent(t, s)
	if ev.Kind != EventData || string(ev.Data) != "replayed" || ev.Port != "replay" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestOpenerFor(t *testing.T) {
	for _, d := range []string{"serial", "termios", "tcp"} {
		if _, err := openerFor(d); err != nil {
			t.Fatalf("openerFor(%q): %v", d, err)
		}
	}
	if _, err := openerFor("carrier-pigeon"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestSortPorts(t *testing.T) {
	ports := []PortInfo{
		{Name: "/dev/ttyS1"},
		{Name: "/dev/ttyUSB1", USB: true},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyUSB0", USB: true},
	}
	sortPorts(ports)
	want := []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyS0", "/dev/ttyS1"}
	for i, p := range ports {
		if p.Name != want[i] {
			t.Fatalf("ports[%d]=%q want %q", i, p.Name, want[i])
		}
	}
}

func TestSetDefaultBaud(t *testing.T) {
	o := &fakeOpener{}
	s := newTestService(t, o, nil)
	s.SetDefaultBaud(0)
	if got := s.DefaultBaud(); got != DefaultBaud {
		t.Fatalf("baud=%d want %d", got, DefaultBaud)
	}
	s.SetDefaultBaud(57600)
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if snap := s.Snapshot(); snap.Baud != 57600 {
		t.Fatalf("baud=%d want 57600", snap.Baud)
	}
	s.Close()
}

type segmentRecorder struct {
	fakeRecorder
	marks int
}

func (r *segmentRecorder) MarkSegment(time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks++
	return nil
}

func TestConnectMarksCaptureSegment(t *testing.T) {
	o := &fakeOpener{fail: map[string]error{"/dev/bad": errors.New("busy")}}
	rec := &segmentRecorder{}
	s := newTestService(t, o, rec)
	if err := s.Connect("/dev/a", 0); err != nil {
		t.Fatalf("Connect a: %v", err)
	}
	_ = s.Connect("/dev/bad", 0)
	if err := s.Connect("/dev/b", 0); err != nil {
		t.Fatalf("Connect b: %v", err)
	}
	s.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.marks != 2 {
		t.Fatalf("marks=%d want 2", rec.marks)
	}
}

func TestClose_FullEventChannelWithoutConsumer(t *testing.T) {
	o := &fakeOpener{}
	s := newService(Config{Driver: "fake", EventBuffer: 2}, o.open, nil)
	if err := s.Connect("/dev/x", 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p := o.port("/dev/x")
	go func() {
		for i := 0; i < 5; i++ {
			if _, err := p.pw.Write([]byte{byte('a' + i)}); err != nil {
				return
			}
		}
	}()

	// Two chunks fill the channel; the third leaves the reader blocked.
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Chunks < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("reader did not fill the channel: %+v", s.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked with a full event channel")
	}
	if snap := s.Snapshot(); snap.Connected {
		t.Fatalf("snapshot=%+v want closed", snap)
	}
}
