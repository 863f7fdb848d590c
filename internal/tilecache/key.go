package tilecache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidKey = errors.New("tilecache: invalid tile key")
	ErrNotFound   = errors.New("tilecache: tile not cached")
)

// Key addresses one map tile. The parts are opaque path segments; the map
// widget decides what zoom/x/y mean.
type Key struct {
	Zoom string `json:"z"`
	X    string `json:"x"`
	Y    string `json:"y"`
}

// String is the fileList form of the key, "z/x/y".
func (k Key) String() string {
	return k.Zoom + "/" + k.X + "/" + k.Y
}

func (k Key) Validate() error {
	for _, part := range []string{k.Zoom, k.X, k.Y} {
		if err := validSegment(part); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidKey, k.String(), err)
		}
	}
	return nil
}

// ParseKey reverses Key.String. It also accepts '\' separators, which older
// metadata files written on Windows contain.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.ReplaceAll(s, `\`, "/"), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w %q", ErrInvalidKey, s)
	}
	k := Key{Zoom: parts[0], X: parts[1], Y: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func validSegment(s string) error {
	switch {
	case s == "":
		return errors.New("empty segment")
	case s == "." || s == "..":
		return errors.New("relative segment")
	case strings.ContainsAny(s, `/\`):
		return errors.New("path separator in segment")
	case strings.ContainsRune(s, 0):
		return errors.New("nul in segment")
	}
	return nil
}
