package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var errContentType = errors.New("content-type must be application/json")

// readJSONBody enforces the content type and caps the body at limit bytes.
func readJSONBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		return nil, errContentType
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	return body, nil
}

// objectKeys walks a single JSON object and returns the keys it carries.
// Keys outside allowed, duplicates, null values and trailing data are errors.
func objectKeys(body []byte, allowed ...string) (map[string]bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("invalid json: expected object")
	}

	seen := make(map[string]bool, len(allowed))
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		key, _ := kt.(string)
		if !containsKey(allowed, key) {
			return nil, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if seen[key] {
			return nil, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}

	if tok, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	} else if d, ok := tok.(json.Delim); !ok || d != '}' {
		return nil, errors.New("invalid json: expected end of object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("invalid json: trailing data")
	}
	return seen, nil
}

func containsKey(keys []string, k string) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}

// decodeStrict checks body with objectKeys and then decodes it into v.
func decodeStrict(body []byte, v any, allowed ...string) (map[string]bool, error) {
	seen, err := objectKeys(body, allowed...)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return seen, nil
}
