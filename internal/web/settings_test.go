package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"groundstation/internal/config"
)

func writeTempConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

func postSettings(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/api/settings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/settings error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSettingsGET(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "radio:\n  baud: 57600\n")
	ts := httptest.NewServer(Handler(&Deps{Settings: SettingsStore{ConfigPath: cfgPath}}, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET /api/settings error: %v", err)
	}
	defer resp.Body.Close()
	var got SettingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if got.Baud != 57600 || got.TileCacheMaxSize != "100 MB" || got.Debug {
		t.Fatalf("settings=%+v", got)
	}
}

func TestSettingsPOST_AppliesAndSaves(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "radio:\n  port: /dev/ttyUSB0\n")

	appliedCh := make(chan config.Config, 1)
	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply: func(cfg config.Config) error {
			appliedCh <- cfg
			return nil
		},
	}
	ts := httptest.NewServer(store)
	defer ts.Close()

	baud := 9600
	size := "250 MB"
	debug := true
	b, _ := json.Marshal(SettingsPayloadIn{Baud: &baud, TileCacheMaxSize: &size, Debug: &debug})

	resp := postSettings(t, ts.URL, b)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}

	select {
	case got := <-appliedCh:
		if got.Radio.Baud != 9600 || got.TileCache.MaxSize != 250_000_000 || !got.Debug {
			t.Fatalf("applied=%+v", got)
		}
		if got.Radio.Port != "/dev/ttyUSB0" {
			t.Fatalf("unrelated setting lost: port=%q", got.Radio.Port)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("timed out waiting for Apply")
	}

	onDisk, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	text := string(onDisk)
	if !strings.Contains(text, "baud: 9600") || !strings.Contains(text, "max_size: 250 MB") {
		t.Fatalf("expected saved settings in yaml, got: %s", text)
	}
}

func TestSettingsPOST_ApplyFailureDoesNotSave(t *testing.T) {
	original := "radio:\n  baud: 115200\n"
	cfgPath := writeTempConfigFile(t, original)

	store := SettingsStore{
		ConfigPath: cfgPath,
		Apply: func(cfg config.Config) error {
			return errors.New("boom")
		},
	}
	ts := httptest.NewServer(store)
	defer ts.Close()

	baud := 9600
	size := "1GB"
	debug := false
	b, _ := json.Marshal(SettingsPayloadIn{Baud: &baud, TileCacheMaxSize: &size, Debug: &debug})

	resp := postSettings(t, ts.URL, b)
	if resp.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}

	onDisk, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(onDisk) != original {
		t.Fatalf("expected config unchanged; got: %s", string(onDisk))
	}
}

func TestSettingsPOST_RejectsBadPayloads(t *testing.T) {
	original := "radio:\n  baud: 115200\n"
	cfgPath := writeTempConfigFile(t, original)
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath})
	defer ts.Close()

	cases := map[string]string{
		"EmptyObject":  `{}`,
		"NotObject":    `[1, 2]`,
		"DuplicateKey": `{"baud": 9600, "baud": 4800, "tile_cache_max_size": "1MB", "debug": false}`,
		"UnknownKey":   `{"baud": 9600, "tile_cache_max_size": "1MB", "debug": false, "port": "x"}`,
		"NullValue":    `{"baud": null, "tile_cache_max_size": "1MB", "debug": false}`,
		"BadSize":      `{"baud": 9600, "tile_cache_max_size": "huge", "debug": false}`,
		"ZeroBaud":     `{"baud": 0, "tile_cache_max_size": "1MB", "debug": false}`,
		"Trailing":     `{"baud": 9600, "tile_cache_max_size": "1MB", "debug": false} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := postSettings(t, ts.URL, []byte(body))
			if resp.StatusCode != http.StatusBadRequest {
				b, _ := io.ReadAll(resp.Body)
				t.Fatalf("status=%d body=%s", resp.StatusCode, string(b))
			}
		})
	}

	onDisk, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(onDisk) != original {
		t.Fatalf("expected config unchanged; got: %s", string(onDisk))
	}
}

func TestSettings_NoConfigPath(t *testing.T) {
	ts := httptest.NewServer(SettingsStore{})
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status=%d want 501", resp.StatusCode)
	}
}

func TestSettingsPOST_PartialUpdateKeepsOtherFields(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "debug: true\nradio:\n  baud: 57600\ntile_cache:\n  max_size: 50 MB\n")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath})
	defer ts.Close()

	resp := postSettings(t, ts.URL, []byte(`{"baud": 9600}`))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	var got SettingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if got.Baud != 9600 || got.TileCacheMaxSize != "50 MB" || !got.Debug {
		t.Fatalf("settings=%+v", got)
	}
}

func TestSettingsPOST_WrongContentType(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "radio:\n  baud: 115200\n")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/settings", "text/plain", strings.NewReader(`{"debug": true}`))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d want 415", resp.StatusCode)
	}
}

func TestObjectKeys(t *testing.T) {
	seen, err := objectKeys([]byte(`{"a": 1, "b": "x"}`), "a", "b", "c")
	if err != nil {
		t.Fatalf("objectKeys() error: %v", err)
	}
	if !seen["a"] || !seen["b"] || seen["c"] {
		t.Fatalf("seen=%v", seen)
	}
	for _, in := range []string{``, `{"a": 1`, `{"a": 1} x`, `"a"`} {
		if _, err := objectKeys([]byte(in), "a"); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
