// Package radio owns the link to the ground receiver: it opens one endpoint
// at a time and turns what the reader goroutine sees into Events for the
// ingest loop.
package radio

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"groundstation/internal/metrics"
)

var ErrNotConnected = errors.New("radio: not connected")

// TransportError is returned when an endpoint cannot be opened.
type TransportError struct {
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("radio: open %s: %v", e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type EventKind int

const (
	EventData EventKind = iota
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one thing that happened on the link. Data is only set for
// EventData, Err for EventError and Requested for EventClosed.
type Event struct {
	Kind      EventKind
	Port      string
	Data      []byte
	Err       error
	Requested bool
}

// Opener opens an endpoint. The returned stream must unblock pending reads
// when closed.
type Opener func(port string, baud int) (io.ReadWriteCloser, error)

// ChunkRecorder receives every chunk read from the link. replay.Writer
// satisfies it.
type ChunkRecorder interface {
	WriteChunk(now time.Time, chunk []byte) error
}

// SegmentMarker is implemented by recorders that split a capture per link
// session. Connect calls it after every successful open.
type SegmentMarker interface {
	MarkSegment(now time.Time) error
}

type Config struct {
	// Driver is "serial" (default), "termios" or "tcp".
	Driver string
	// Baud is used when Connect is called with baud <= 0.
	Baud int
	// EventBuffer is the capacity of the event channel. The reader blocks
	// when it is full.
	EventBuffer int
	ReadBuffer  int

	Recorder ChunkRecorder
}

type Snapshot struct {
	Driver       string `json:"driver"`
	State        string `json:"state"`
	Connected    bool   `json:"connected"`
	Port         string `json:"port,omitempty"`
	Baud         int    `json:"baud,omitempty"`
	Bytes        uint64 `json:"bytes"`
	Chunks       uint64 `json:"chunks"`
	OpenedUTC    string `json:"opened_utc,omitempty"`
	LastDataUTC  string `json:"last_data_utc,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	RecordErrors uint64 `json:"record_errors,omitempty"`
}

type session struct {
	port      string
	baud      int
	rw        io.ReadWriteCloser
	requested atomic.Bool
	// stop is closed by close; a reader blocked on a full event channel
	// gives up its event instead of waiting for a consumer.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (s *session) close(requested bool) {
	if requested {
		s.requested.Store(true)
	}
	s.stopOnce.Do(func() { close(s.stop) })
	_ = s.rw.Close()
}

// Service is safe for concurrent use. At most one session is open.
type Service struct {
	cfg    Config
	open   Opener
	list   func() ([]PortInfo, error)
	events chan Event
	now    func() time.Time

	// connMu serialises Connect/Close so a replaced session is fully drained
	// before its successor starts reading.
	connMu sync.Mutex

	mu   sync.Mutex
	sess *session
	snap Snapshot
}

func New(cfg Config) (*Service, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "serial"
	}
	open, err := openerFor(driver)
	if err != nil {
		return nil, err
	}
	cfg.Driver = driver
	return newService(cfg, open, ListPorts), nil
}

func newService(cfg Config, open Opener, list func() ([]PortInfo, error)) *Service {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 4096
	}
	return &Service{
		cfg:    cfg,
		open:   open,
		list:   list,
		events: make(chan Event, cfg.EventBuffer),
		now:    time.Now,
		snap:   Snapshot{Driver: cfg.Driver, State: "closed"},
	}
}

// Events is the single stream consumed by the ingest loop. It is never
// closed.
func (s *Service) Events() <-chan Event {
	return s.events
}

func (s *Service) ListPorts() ([]PortInfo, error) {
	if s == nil || s.list == nil {
		return nil, nil
	}
	return s.list()
}

// Connect opens port. A failed open leaves any current session untouched; a
// successful one replaces it, and the old session reports a requested close.
func (s *Service) Connect(port string, baud int) error {
	if s == nil {
		return fmt.Errorf("radio service is nil")
	}
	port = strings.TrimSpace(port)
	if port == "" {
		return &TransportError{Port: port, Err: errors.New("port is required")}
	}
	if baud <= 0 {
		baud = s.DefaultBaud()
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	rw, err := s.open(port, baud)
	if err != nil {
		terr := &TransportError{Port: port, Err: err}
		s.mu.Lock()
		s.snap.LastError = terr.Error()
		s.mu.Unlock()
		log.Printf("radio open failed driver=%s port=%s baud=%d: %v", s.cfg.Driver, port, baud, err)
		return terr
	}

	s.mu.Lock()
	old := s.sess
	s.sess = nil
	s.mu.Unlock()
	if old != nil {
		old.close(true)
		<-old.done
	}

	sess := &session{port: port, baud: baud, rw: rw, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.sess = sess
	s.snap.State = "open"
	s.snap.Connected = true
	s.snap.Port = port
	s.snap.Baud = baud
	s.snap.OpenedUTC = s.now().UTC().Format(time.RFC3339Nano)
	s.snap.LastError = ""
	s.mu.Unlock()

	if m, ok := s.cfg.Recorder.(SegmentMarker); ok {
		if err := m.MarkSegment(s.now()); err != nil {
			log.Printf("radio capture segment failed: %v", err)
		}
	}
	log.Printf("radio connected driver=%s port=%s baud=%d", s.cfg.Driver, port, baud)
	go s.readLoop(sess)
	return nil
}

// DefaultBaud is the rate used when Connect is given none.
func (s *Service) DefaultBaud() int {
	if s == nil {
		return DefaultBaud
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Baud
}

// SetDefaultBaud changes the rate for later Connect calls. The open session
// keeps its rate until reconnected.
func (s *Service) SetDefaultBaud(baud int) {
	if s == nil || baud <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Baud = baud
	s.mu.Unlock()
}

// Close shuts the open session, if any, and waits for its reader to emit the
// closed event. It is safe to call at any time.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.close(true)
	<-sess.done
}

// Write sends raw bytes to the receiver.
func (s *Service) Write(p []byte) (int, error) {
	if s == nil {
		return 0, ErrNotConnected
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return 0, ErrNotConnected
	}
	return sess.rw.Write(p)
}

// Inject delivers data that did not come from an open endpoint (replayed
// captures) through the same event stream.
func (s *Service) Inject(data []byte) {
	if s == nil || len(data) == 0 {
		return
	}
	s.noteData(len(data))
	s.events <- Event{Kind: EventData, Port: "replay", Data: append([]byte(nil), data...)}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Service) readLoop(sess *session) {
	defer close(sess.done)

	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, err := sess.rw.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.noteData(n)
			s.record(chunk)
			s.emit(sess, Event{Kind: EventData, Port: sess.port, Data: chunk})
		}
		if err == nil {
			continue
		}

		requested := sess.requested.Load()
		if !requested && !errors.Is(err, io.EOF) {
			s.emit(sess, Event{Kind: EventError, Port: sess.port, Err: fmt.Errorf("radio read %s: %w", sess.port, err)})
		}

		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
		}
		if s.sess == nil {
			s.snap.State = "closed"
			s.snap.Connected = false
			if !requested {
				s.snap.LastError = err.Error()
			}
		}
		s.mu.Unlock()

		_ = sess.rw.Close()
		log.Printf("radio closed port=%s requested=%v", sess.port, requested)
		s.emit(sess, Event{Kind: EventClosed, Port: sess.port, Requested: requested})
		return
	}
}

// emit delivers ev, blocking while the channel is full until the session is
// stopped. Events that cannot be delivered after stop are dropped.
func (s *Service) emit(sess *session, ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-sess.stop:
	}
}

func (s *Service) noteData(n int) {
	metrics.SerialBytes.Add(float64(n))
	s.mu.Lock()
	s.snap.Bytes += uint64(n)
	s.snap.Chunks++
	s.snap.LastDataUTC = s.now().UTC().Format(time.RFC3339Nano)
	s.mu.Unlock()
}

func (s *Service) record(chunk []byte) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.WriteChunk(s.now(), chunk); err != nil {
		s.mu.Lock()
		s.snap.RecordErrors++
		first := s.snap.RecordErrors == 1
		s.mu.Unlock()
		metrics.PersistenceErrors.WithLabelValues("capture").Inc()
		if first {
			log.Printf("radio capture write failed: %v", err)
		}
	}
}
