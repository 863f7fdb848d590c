package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"groundstation/internal/config"
)

// SettingsPayload is what GET returns: the settings the UI can edit.
type SettingsPayload struct {
	Baud             int    `json:"baud"`
	TileCacheMaxSize string `json:"tile_cache_max_size"`
	Debug            bool   `json:"debug"`
}

// SettingsPayloadIn is a POST body. Absent keys keep their current value.
type SettingsPayloadIn struct {
	Baud             *int    `json:"baud,omitempty"`
	TileCacheMaxSize *string `json:"tile_cache_max_size,omitempty"`
	Debug            *bool   `json:"debug,omitempty"`
}

var settingsKeys = []string{"baud", "tile_cache_max_size", "debug"}

func decodeSettings(body []byte) (SettingsPayloadIn, error) {
	var in SettingsPayloadIn
	seen, err := decodeStrict(body, &in, settingsKeys...)
	if err != nil {
		return SettingsPayloadIn{}, err
	}
	if len(seen) == 0 {
		return SettingsPayloadIn{}, errors.New("invalid json: no settings given")
	}
	return in, nil
}

func settingsFromConfig(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		Baud:             cfg.Radio.Baud,
		TileCacheMaxSize: cfg.TileCache.MaxSize.String(),
		Debug:            cfg.Debug,
	}
}

// merge writes the given fields into cfg.
func (p SettingsPayloadIn) merge(cfg *config.Config) error {
	if p.Baud != nil {
		if *p.Baud <= 0 {
			return fmt.Errorf("baud must be > 0, got %d", *p.Baud)
		}
		cfg.Radio.Baud = *p.Baud
	}
	if p.TileCacheMaxSize != nil {
		size, err := config.ParseByteSize(*p.TileCacheMaxSize)
		if err != nil {
			return err
		}
		if size == 0 {
			return errors.New("tile_cache_max_size must be > 0")
		}
		cfg.TileCache.MaxSize = size
	}
	if p.Debug != nil {
		cfg.Debug = *p.Debug
	}
	return nil
}

// SettingsStore serves /api/settings backed by the YAML config file.
type SettingsStore struct {
	ConfigPath string
	// Apply makes a validated config live. It runs before the file is
	// written; an error leaves the file untouched.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return
	}
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	cur, err := config.Load(s.ConfigPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, settingsFromConfig(cur))
		return
	}

	body, err := readJSONBody(w, r, 1<<20)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errContentType) {
			code = http.StatusUnsupportedMediaType
		}
		http.Error(w, err.Error(), code)
		return
	}
	in, err := decodeSettings(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	next := cur
	if err := in.merge(&next); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.DefaultAndValidate(&next); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	if s.Apply != nil {
		if err := s.Apply(next); err != nil {
			http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := config.Save(s.ConfigPath, next); err != nil {
		// Put the runtime back in line with the file.
		if s.Apply != nil {
			_ = s.Apply(cur)
		}
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, settingsFromConfig(next))
}
