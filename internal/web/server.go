package web

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"groundstation/internal/aprs"
	"groundstation/internal/ingest"
	"groundstation/internal/metrics"
	"groundstation/internal/radio"
	"groundstation/internal/telemlog"
	"groundstation/internal/tilecache"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Radio is the transport as seen from the API.
type Radio interface {
	Snapshot() radio.Snapshot
	ListPorts() ([]radio.PortInfo, error)
	Connect(port string, baud int) error
	Close()
	Write(p []byte) (int, error)
}

type Telemetry interface {
	Snapshot() ingest.Snapshot
	Latest() (aprs.Report, bool)
}

type TelemetryLog interface {
	Snapshot() telemlog.Snapshot
}

type TileStore interface {
	Dir() string
	Len() int
	Usage() (total, budget int64)
	Snapshot() tilecache.Index
	Get(k tilecache.Key) ([]byte, error)
	Put(k tilecache.Key, data []byte) error
	Clear() error
}

// Deps are the runtime pieces the API exposes. Nil members disable the
// routes that need them.
type Deps struct {
	Radio        Radio
	Telemetry    Telemetry
	TelemetryLog TelemetryLog
	Tiles        TileStore
	Hub          *Hub
	Logs         *LogBuffer
	Settings     SettingsStore
	LogDir       string
	// AccessLog receives one line per request. Nil disables access logging.
	AccessLog io.Writer
}

func (d *Deps) cacheDir() string {
	if d.Tiles == nil {
		return ""
	}
	return d.Tiles.Dir()
}

func Handler(d *Deps, status *Status) http.Handler {
	if d == nil {
		d = &Deps{}
	}
	if status == nil {
		status = NewStatus(d)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC()))
	})
	api.Handle("/about", AboutHandler())
	if d.Logs != nil {
		api.Handle("/logs", d.Logs.Handler())
	}
	api.Handle("/settings", d.Settings)

	registerRadioRoutes(api, d.Radio)
	registerTelemetryRoutes(api, d.Telemetry)
	registerTileRoutes(api, d.Tiles)
	if d.Hub != nil {
		api.HandleFunc("/ws", d.Hub.ServeWS)
	}

	r.Handle("/metrics", metrics.Handler())

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err == nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		r.PathPrefix("/assets/").Handler(http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent stale UI assets during development.
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, r)
		})))
	}
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		b, err := fs.ReadFile(embeddedAssets, "assets/index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	if d.AccessLog == nil {
		return r
	}
	return handlers.LoggingHandler(d.AccessLog, r)
}

// allowMethods replies 405 with an Allow header unless r uses one of methods.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
