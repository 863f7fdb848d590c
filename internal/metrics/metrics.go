// Package metrics holds the prometheus collectors exported on /metrics.
//
// Collectors live on a private registry so tests and multiple runtimes in one
// process never trip over duplicate registration in the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groundstation"

var (
	FrameDiscards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_discards_total",
		Help:      "Partial frames dropped by the assembler (stale start marker or buffer overflow).",
	}, []string{"reason"})

	FrameDiscardedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_discarded_bytes_total",
		Help:      "Bytes dropped by the assembler while searching for frames.",
	})

	FramesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_decoded_total",
		Help:      "Frames decoded into telemetry records.",
	})

	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Frames rejected because a mandatory envelope field was missing.",
	}, []string{"field"})

	SerialBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "serial_bytes_total",
		Help:      "Raw bytes received from the radio transport.",
	})

	LastRSSI = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_rssi_dbm",
		Help:      "Signal indicator of the most recent decoded frame.",
	})

	PersistenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_errors_total",
		Help:      "File write failures swallowed by the telemetry log and tile cache.",
	}, []string{"component"})

	TileCacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tile_cache_bytes",
		Help:      "Bytes currently held by the tile cache.",
	})

	TileCacheTiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tile_cache_tiles",
		Help:      "Tiles currently held by the tile cache.",
	})

	TileEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tile_evictions_total",
		Help:      "Tiles evicted to stay within the cache budget.",
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FrameDiscards,
		FrameDiscardedBytes,
		FramesDecoded,
		DecodeErrors,
		SerialBytes,
		LastRSSI,
		PersistenceErrors,
		TileCacheBytes,
		TileCacheTiles,
		TileEvictions,
	)
}

// Registry exposes the registry, mostly for tests.
func Registry() *prometheus.Registry {
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
