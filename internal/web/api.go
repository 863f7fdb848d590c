package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"groundstation/internal/radio"
	"groundstation/internal/tilecache"
)

// maxTileBytes caps a single PUT body.
const maxTileBytes = 16 << 20

type connectRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

type sendRequest struct {
	Data string `json:"data"`
}

// decodeJSONBody reads a small strict JSON object limited to keys into v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any, keys ...string) error {
	body, err := readJSONBody(w, r, 64<<10)
	if err != nil {
		return err
	}
	_, err = decodeStrict(body, v, keys...)
	return err
}

func registerRadioRoutes(api *mux.Router, rd Radio) {
	if rd == nil {
		return
	}

	api.HandleFunc("/ports", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		ports, err := rd.ListPorts()
		if err != nil {
			http.Error(w, fmt.Sprintf("list ports failed: %v", err), http.StatusInternalServerError)
			return
		}
		if ports == nil {
			ports = []radio.PortInfo{}
		}
		writeJSON(w, http.StatusOK, struct {
			Ports []radio.PortInfo `json:"ports"`
		}{Ports: ports})
	})

	api.HandleFunc("/radio", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, rd.Snapshot())

		case http.MethodPost:
			var req connectRequest
			if err := decodeJSONBody(w, r, &req, "port", "baud"); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if strings.TrimSpace(req.Port) == "" {
				http.Error(w, "port is required", http.StatusBadRequest)
				return
			}
			if req.Baud < 0 {
				http.Error(w, "baud must be >= 0", http.StatusBadRequest)
				return
			}
			if err := rd.Connect(req.Port, req.Baud); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, rd.Snapshot())

		case http.MethodDelete:
			rd.Close()
			writeJSON(w, http.StatusOK, rd.Snapshot())

		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Raw bytes to the receiver, for the command console.
	api.HandleFunc("/radio/send", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		var req sendRequest
		if err := decodeJSONBody(w, r, &req, "data"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Data == "" {
			http.Error(w, "data is required", http.StatusBadRequest)
			return
		}
		n, err := rd.Write([]byte(req.Data))
		if errors.Is(err, radio.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("write failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Bytes int `json:"bytes"`
		}{Bytes: n})
	})
}

func registerTelemetryRoutes(api *mux.Router, t Telemetry) {
	if t == nil {
		return
	}
	api.HandleFunc("/telemetry/latest", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		rep, ok := t.Latest()
		if !ok {
			http.Error(w, "no telemetry yet", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})
}

type tilesResponse struct {
	Tiles      tilecache.Index `json:"tiles"`
	Count      int             `json:"count"`
	TotalBytes int64           `json:"total_bytes"`
	MaxBytes   int64           `json:"max_bytes"`
	Usage      string          `json:"usage"`
}

func tilesSummary(tc TileStore) tilesResponse {
	total, budget := tc.Usage()
	return tilesResponse{
		Tiles:      tc.Snapshot(),
		Count:      tc.Len(),
		TotalBytes: total,
		MaxBytes:   budget,
		Usage:      humanize.Bytes(uint64(total)) + " of " + humanize.Bytes(uint64(budget)),
	}
}

func tileErrorStatus(err error) int {
	switch {
	case errors.Is(err, tilecache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, tilecache.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func registerTileRoutes(api *mux.Router, tc TileStore) {
	if tc == nil {
		return
	}

	api.HandleFunc("/tiles", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, tilesSummary(tc))
		case http.MethodDelete:
			if err := tc.Clear(); err != nil {
				http.Error(w, fmt.Sprintf("clear failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, tilesSummary(tc))
		default:
			w.Header().Set("Allow", "GET, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	api.HandleFunc("/tiles/{z}/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		key := tilecache.Key{
			Zoom: vars["z"],
			X:    vars["x"],
			Y:    strings.TrimSuffix(vars["y"], ".png"),
		}
		if err := key.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			b, err := tc.Get(key)
			if err != nil {
				http.Error(w, err.Error(), tileErrorStatus(err))
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "max-age=86400")
			_, _ = w.Write(b)

		case http.MethodPut:
			r.Body = http.MaxBytesReader(w, r.Body, maxTileBytes)
			b, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusRequestEntityTooLarge)
				return
			}
			if len(b) == 0 {
				http.Error(w, "tile body is empty", http.StatusBadRequest)
				return
			}
			if err := tc.Put(key, b); err != nil {
				http.Error(w, err.Error(), tileErrorStatus(err))
				return
			}
			total, budget := tc.Usage()
			writeJSON(w, http.StatusCreated, struct {
				Key        string `json:"key"`
				Bytes      int    `json:"bytes"`
				TotalBytes int64  `json:"total_bytes"`
				MaxBytes   int64  `json:"max_bytes"`
			}{Key: key.String(), Bytes: len(b), TotalBytes: total, MaxBytes: budget})

		default:
			w.Header().Set("Allow", "GET, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
