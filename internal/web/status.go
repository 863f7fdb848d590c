package web

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ricochet2200/go-disk-usage/du"

	"groundstation/internal/ingest"
	"groundstation/internal/radio"
	"groundstation/internal/telemlog"
)

type Status struct {
	startUnixNano int64
	deps          *Deps
	replay        atomic.Value // string
	diskFree      func(path string) DiskSnapshot
}

func NewStatus(d *Deps) *Status {
	s := &Status{deps: d, diskFree: diskUsage}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.replay.Store("")
	return s
}

// SetReplay records the capture being played instead of a live link.
func (s *Status) SetReplay(path string) {
	s.replay.Store(path)
}

type DiskSnapshot struct {
	Path      string `json:"path"`
	FreeBytes uint64 `json:"free_bytes"`
	SizeBytes uint64 `json:"size_bytes"`
	Free      string `json:"free"`
}

type TileCacheSnapshot struct {
	Dir        string `json:"dir"`
	Tiles      int    `json:"tiles"`
	TotalBytes int64  `json:"total_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
	Usage      string `json:"usage"`
}

type StatusSnapshot struct {
	Service      string             `json:"service"`
	NowUTC       string             `json:"now_utc"`
	UptimeSec    int64              `json:"uptime_sec"`
	Uptime       string             `json:"uptime"`
	Replay       string             `json:"replay,omitempty"`
	Radio        radio.Snapshot     `json:"radio"`
	Ingest       ingest.Snapshot    `json:"ingest"`
	TelemetryLog telemlog.Snapshot  `json:"telemetry_log"`
	TileCache    *TileCacheSnapshot `json:"tile_cache,omitempty"`
	WSClients    int                `json:"ws_clients"`
	WSDropped    uint64             `json:"ws_dropped"`
	Disks        []DiskSnapshot     `json:"disks"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	uptime := nowUTC.Sub(start)

	snap := StatusSnapshot{
		Service:   "groundstation",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    strings.TrimSpace(humanize.RelTime(start, nowUTC, "", "")),
		Replay:    s.replay.Load().(string),
		Disks:     []DiskSnapshot{},
	}
	d := s.deps
	if d == nil {
		return snap
	}
	if d.Radio != nil {
		snap.Radio = d.Radio.Snapshot()
	}
	if d.Telemetry != nil {
		snap.Ingest = d.Telemetry.Snapshot()
	}
	if d.TelemetryLog != nil {
		snap.TelemetryLog = d.TelemetryLog.Snapshot()
	}
	if d.Tiles != nil {
		total, budget := d.Tiles.Usage()
		snap.TileCache = &TileCacheSnapshot{
			Dir:        d.Tiles.Dir(),
			Tiles:      d.Tiles.Len(),
			TotalBytes: total,
			MaxBytes:   budget,
			Usage:      humanize.Bytes(uint64(total)) + " of " + humanize.Bytes(uint64(budget)),
		}
	}
	snap.WSClients, snap.WSDropped = d.Hub.Clients()

	for _, p := range []string{d.LogDir, d.cacheDir()} {
		if p == "" {
			continue
		}
		snap.Disks = append(snap.Disks, s.diskFree(p))
	}
	return snap
}

// diskUsage reports the filesystem holding path. Directories that do not
// exist yet are measured at their closest existing parent.
func diskUsage(path string) DiskSnapshot {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil || !errors.Is(err, os.ErrNotExist) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage := du.NewDiskUsage(dir)
	free := usage.Available()
	return DiskSnapshot{
		Path:      path,
		FreeBytes: free,
		SizeBytes: usage.Size(),
		Free:      humanize.Bytes(free),
	}
}
