// Package ingest is the single consumer of radio events. Every byte chunk is
// reassembled, decoded, logged and fanned out to notifiers from one goroutine.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"groundstation/internal/aprs"
	"groundstation/internal/frame"
	"groundstation/internal/metrics"
	"groundstation/internal/radio"
)

// Record is one decoded frame as handed to notifiers.
type Record struct {
	Envelope aprs.Envelope
	Report   aprs.Report
}

// Notifier receives pipeline output. Implementations must not block for
// long: they run on the ingest goroutine.
type Notifier interface {
	OnRecord(r Record)
	OnError(err error)
	OnClosed(port string, requested bool)
}

// Appender persists records. telemlog.Log satisfies it.
type Appender interface {
	Append(env aprs.Envelope)
}

type Config struct {
	MaxFrameBuffer int
	Log            Appender
	Notifiers      []Notifier
	// Location is used for reconstructed T0 values. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	// Verbose logs every decoded record.
	Verbose bool
}

type Snapshot struct {
	Session         string `json:"session"`
	Frames          uint64 `json:"frames"`
	StaleFrames     uint64 `json:"stale_frames"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
	Decoded         uint64 `json:"decoded"`
	DecodeErrors    uint64 `json:"decode_errors"`
	TransportErrors uint64 `json:"transport_errors"`
	Closes          uint64 `json:"closes"`
	LastError       string `json:"last_error,omitempty"`
	LastRecordUTC   string `json:"last_record_utc,omitempty"`
}

type Pipeline struct {
	cfg     Config
	session string
	asm     *frame.Assembler

	// Last heading/speed seen on a frame that carried them.
	lastHeading string
	lastSpeed   string

	verbose atomic.Bool

	mu     sync.Mutex
	snap   Snapshot
	latest *aprs.Report
}

func New(cfg Config) *Pipeline {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	session := uuid.NewString()
	p := &Pipeline{
		cfg:     cfg,
		session: session,
		asm:     frame.NewAssembler(cfg.MaxFrameBuffer),
		snap:    Snapshot{Session: session},
	}
	p.verbose.Store(cfg.Verbose)
	return p
}

func (p *Pipeline) Session() string { return p.session }

// SetVerbose toggles per-record logging at runtime.
func (p *Pipeline) SetVerbose(v bool) {
	if p == nil {
		return
	}
	p.verbose.Store(v)
}

// Run handles events until ctx is done.
func (p *Pipeline) Run(ctx context.Context, events <-chan radio.Event) error {
	if p == nil {
		return errors.New("ingest pipeline is nil")
	}
	log.Printf("ingest started session=%s", p.session)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			p.Handle(ev)
		}
	}
}

// Handle processes a single event. Run calls it; tests may call it directly.
func (p *Pipeline) Handle(ev radio.Event) {
	switch ev.Kind {
	case radio.EventData:
		for _, payload := range p.asm.Feed(ev.Data) {
			p.handleFrame(payload)
		}
		p.syncFrameStats()

	case radio.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("radio: unknown transport error")
		}
		p.mu.Lock()
		p.snap.TransportErrors++
		p.snap.LastError = err.Error()
		p.mu.Unlock()
		log.Printf("radio error port=%s: %v", ev.Port, err)
		for _, n := range p.cfg.Notifiers {
			n.OnError(err)
		}

	case radio.EventClosed:
		// A partial frame cannot be completed by the next session.
		p.asm.Reset()
		p.mu.Lock()
		p.snap.Closes++
		p.mu.Unlock()
		for _, n := range p.cfg.Notifiers {
			n.OnClosed(ev.Port, ev.Requested)
		}
	}
}

func (p *Pipeline) handleFrame(payload string) {
	now := p.cfg.Now()
	env, err := aprs.DecodeAt(payload, now, p.cfg.Location)
	if err != nil {
		field := "unknown"
		var de *aprs.DecodeError
		if errors.As(err, &de) {
			field = de.Field
		}
		metrics.DecodeErrors.WithLabelValues(field).Inc()
		p.mu.Lock()
		p.snap.DecodeErrors++
		p.snap.LastError = err.Error()
		p.mu.Unlock()
		log.Printf("frame decode failed field=%s: %v", field, err)
		for _, n := range p.cfg.Notifiers {
			n.OnError(err)
		}
		return
	}

	p.carryForward(&env)

	rep := env.Report()
	rep.Session = p.session
	rep.ReceivedAt = now.UTC()

	metrics.FramesDecoded.Inc()
	metrics.LastRSSI.Set(float64(env.RSSI))
	p.mu.Lock()
	p.snap.Decoded++
	p.snap.LastRecordUTC = rep.ReceivedAt.Format(time.RFC3339Nano)
	latest := rep
	p.latest = &latest
	p.mu.Unlock()

	if p.verbose.Load() {
		log.Printf("telemetry %s", env)
	}

	if p.cfg.Log != nil {
		p.cfg.Log.Append(env)
	}
	r := Record{Envelope: env, Report: rep}
	for _, n := range p.cfg.Notifiers {
		n.OnRecord(r)
	}
}

// carryForward fills heading and speed from the previous frame when the
// current one carries neither; otherwise it remembers the current values.
func (p *Pipeline) carryForward(env *aprs.Envelope) {
	b := &env.Body
	if b.Heading == "" && b.Speed == "" {
		b.Heading = p.lastHeading
		b.Speed = p.lastSpeed
		return
	}
	p.lastHeading = b.Heading
	p.lastSpeed = b.Speed
}

func (p *Pipeline) syncFrameStats() {
	st := p.asm.Stats()
	p.mu.Lock()
	p.snap.Frames = st.Frames
	p.snap.StaleFrames = st.StaleFrames
	p.snap.DiscardedBytes = st.DiscardedBytes
	p.mu.Unlock()
}

func (p *Pipeline) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Latest returns the most recent record report.
func (p *Pipeline) Latest() (aprs.Report, bool) {
	if p == nil {
		return aprs.Report{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return aprs.Report{}, false
	}
	return *p.latest, true
}
