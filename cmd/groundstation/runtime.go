package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"groundstation/internal/config"
	"groundstation/internal/ingest"
	"groundstation/internal/publish"
	"groundstation/internal/radio"
	"groundstation/internal/replay"
	"groundstation/internal/telemlog"
	"groundstation/internal/tilecache"
	"groundstation/internal/web"
)

const captureFlushInterval = 2 * time.Second

// runtime owns every long-lived piece of the process. Run drives it; Apply
// changes the settings that can take effect without a restart.
type runtime struct {
	configPath string

	mu  sync.Mutex
	cfg config.Config

	logs     *web.LogBuffer
	hub      *web.Hub
	status   *web.Status
	radio    *radio.Service
	capture  *replay.Writer
	telem    *telemlog.Log
	tiles    *tilecache.Cache
	pipeline *ingest.Pipeline
	udp      *publish.UDP
	mqtt     *publish.MQTT

	closeOnce sync.Once
}

func newRuntime(cfg config.Config, configPath string, logs *web.LogBuffer) (*runtime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	r := &runtime{
		configPath: configPath,
		cfg:        c,
		logs:       logs,
		hub:        web.NewHub(),
		telem:      telemlog.New(c.TelemetryLog.Dir),
	}
	if logs != nil {
		logs.SetLineHook(r.hub.Print)
	}

	tiles, err := tilecache.Open(c.TileCache.Dir, int64(c.TileCache.MaxSize))
	if err != nil {
		return nil, err
	}
	r.tiles = tiles

	radioCfg := radio.Config{Driver: c.Radio.Driver, Baud: c.Radio.Baud}
	if c.Radio.Record.Enable {
		w, err := replay.CreateWriter(c.Radio.Record.Path)
		if err != nil {
			return nil, fmt.Errorf("radio capture: %w", err)
		}
		r.capture = w
		radioCfg.Recorder = w
		log.Printf("radio capture enabled path=%s", c.Radio.Record.Path)
	}
	svc, err := radio.New(radioCfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.radio = svc

	notifiers := []ingest.Notifier{r.hub}
	if dest := c.Forward.UDPDest; dest != "" {
		u, err := publish.NewUDP(dest)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("udp forward: %w", err)
		}
		r.udp = u
		notifiers = append(notifiers, u)
		log.Printf("udp forward enabled dest=%s", dest)
	}
	if c.MQTT.Enable {
		m, err := publish.NewMQTT(publish.MQTTConfig{
			Broker:   c.MQTT.Broker,
			ClientID: c.MQTT.ClientID,
			Topic:    c.MQTT.Topic,
		})
		if err != nil {
			// The station stays useful without the broker.
			log.Printf("mqtt disabled: %v", err)
		} else {
			r.mqtt = m
			notifiers = append(notifiers, m)
		}
	}

	r.pipeline = ingest.New(ingest.Config{
		MaxFrameBuffer: int(c.Radio.MaxFrameBuffer),
		Log:            r.telem,
		Notifiers:      notifiers,
		Verbose:        c.Debug,
	})

	r.status = web.NewStatus(r.deps())
	if c.Radio.Replay.Enable {
		r.status.SetReplay(c.Radio.Replay.Path)
	}
	return r, nil
}

func (r *runtime) deps() *web.Deps {
	return &web.Deps{
		Radio:        r.radio,
		Telemetry:    r.pipeline,
		TelemetryLog: r.telem,
		Tiles:        r.tiles,
		Hub:          r.hub,
		Logs:         r.logs,
		Settings:     web.SettingsStore{ConfigPath: r.configPath, Apply: r.Apply},
		LogDir:       r.cfg.TelemetryLog.Dir,
		AccessLog:    os.Stderr,
	}
}

func (r *runtime) handler() http.Handler {
	return web.Handler(r.deps(), r.status)
}

func (r *runtime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run starts ingest, the link (live port or replayed capture) and the web
// server, and blocks until ctx is done or the server fails.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_ = r.pipeline.Run(ctx, r.radio.Events())
	}()

	cfg := r.Config()
	switch {
	case cfg.Radio.Replay.Enable:
		go func() {
			err := runReplay(ctx, cfg.Radio.Replay, ctxSleeper{ctx: ctx}, r.radio.Inject)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("replay stopped: %v", err)
				}
				return
			}
			log.Printf("replay finished path=%s", cfg.Radio.Replay.Path)
		}()
	case cfg.Radio.Port != "":
		// A missing receiver at startup is not fatal; the UI can retry.
		if err := r.radio.Connect(cfg.Radio.Port, cfg.Radio.Baud); err != nil {
			log.Printf("radio not connected at startup: %v", err)
		}
	default:
		log.Printf("radio idle: no port configured, connect via /api/radio")
	}

	if r.capture != nil {
		go r.flushCapture(ctx)
	}

	return web.Serve(ctx, cfg.Web.Listen, r.handler())
}

func (r *runtime) flushCapture(ctx context.Context) {
	t := time.NewTicker(captureFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.capture.Flush(); err != nil {
				log.Printf("radio capture flush failed: %v", err)
			}
		}
	}
}

// Apply makes a settings change effective. Only baud, tile cache budget and
// debug are live; anything else needs a restart.
func (r *runtime) Apply(next config.Config) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	c := next
	if err := config.DefaultAndValidate(&c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cfg

	if c.Radio.Driver != old.Radio.Driver || strings.TrimSpace(c.Radio.Port) != strings.TrimSpace(old.Radio.Port) {
		return fmt.Errorf("radio.driver and radio.port require restart")
	}
	if c.Radio.Record != old.Radio.Record {
		return fmt.Errorf("radio.record settings require restart")
	}
	if c.Radio.Replay != old.Radio.Replay {
		return fmt.Errorf("radio.replay settings require restart")
	}
	if c.TelemetryLog != old.TelemetryLog || c.TileCache.Dir != old.TileCache.Dir {
		return fmt.Errorf("telemetry_log.dir and tile_cache.dir require restart")
	}
	if c.Web != old.Web || c.MQTT != old.MQTT || c.Forward != old.Forward {
		return fmt.Errorf("web, mqtt and forward settings require restart")
	}

	r.radio.SetDefaultBaud(c.Radio.Baud)
	r.tiles.SetMaxBytes(int64(c.TileCache.MaxSize))
	r.pipeline.SetVerbose(c.Debug)
	r.cfg = c
	log.Printf("settings applied baud=%d tile_cache_max_size=%s debug=%v", c.Radio.Baud, c.TileCache.MaxSize, c.Debug)
	return nil
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		if r.radio != nil {
			r.radio.Close()
		}
		if r.capture != nil {
			if err := r.capture.Close(); err != nil {
				log.Printf("radio capture close failed: %v", err)
			}
		}
		if err := r.telem.Close(); err != nil {
			log.Printf("telemetry log close failed: %v", err)
		}
		if r.udp != nil {
			_ = r.udp.Close()
		}
		if r.mqtt != nil {
			r.mqtt.Close()
		}
	})
}

// ctxSleeper makes replay waits end early on shutdown.
type ctxSleeper struct {
	ctx context.Context
}

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

// runReplay feeds a capture through inject with its recorded timing.
func runReplay(ctx context.Context, rc config.ReplayConfig, sleeper replay.Sleeper, inject func([]byte)) error {
	if inject == nil {
		return errors.New("inject is nil")
	}
	recs, err := replay.ReadFile(rc.Path)
	if err != nil {
		return fmt.Errorf("replay read: %w", err)
	}
	log.Printf("replay started path=%s chunks=%d speed=%g loop=%v", rc.Path, len(recs), rc.Speed, rc.Loop)
	return replay.Play(recs, rc.Speed, rc.Loop, sleeper, func(chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		inject(chunk)
		return nil
	})
}
