package aprs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrDecode is wrapped by every DecodeError so callers can use errors.Is.
var ErrDecode = errors.New("aprs: decode failed")

// DecodeError reports a mandatory envelope field that could not be located.
type DecodeError struct {
	Field string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("aprs: missing %s", e.Field)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Envelope is one decoded telemetry frame as printed by the ground receiver:
//
//	Source:<s>,Destination:<s>,Path:<s>,Type:<s>,Data:<body>[,!w...!]RSSI:<n>
type Envelope struct {
	Source      string `json:"src"`
	Destination string `json:"dest"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	RSSI        int    `json:"rssi"`
	RawBody     string `json:"rawBody"`
	// Weather is the optional "!w...!" extension, without the leading comma.
	Weather string `json:"weather,omitempty"`
	Body    Body   `json:"body"`
}

// Body holds the position report fields in their wire encoding. An empty
// string means the field was absent in the frame, which is not the same as
// zero.
type Body struct {
	Lat     string    `json:"lat"`
	Lon     string    `json:"long"`
	Heading string    `json:"heading"`
	Speed   string    `json:"speed"`
	Alt     string    `json:"alt"`
	Stage   string    `json:"stage"`
	T0Raw   string    `json:"t0"`
	T0      time.Time `json:"-"`
}

// Decode parses a frame payload, reconstructing T0 against the current time
// in the local timezone.
func Decode(payload string) (Envelope, error) {
	return DecodeAt(payload, time.Now(), time.Local)
}

// DecodeAt is Decode with an explicit clock and output location.
func DecodeAt(payload string, now time.Time, loc *time.Location) (Envelope, error) {
	line := strings.TrimSpace(payload)
	c := cursor{s: line}

	var env Envelope
	var ok bool
	if env.Source, ok = c.field("Source:"); !ok {
		return Envelope{}, &DecodeError{Field: "source"}
	}
	if env.Destination, ok = c.field("Destination:"); !ok {
		return Envelope{}, &DecodeError{Field: "destination"}
	}
	if env.Path, ok = c.field("Path:"); !ok {
		return Envelope{}, &DecodeError{Field: "path"}
	}
	if env.Type, ok = c.field("Type:"); !ok {
		return Envelope{}, &DecodeError{Field: "type"}
	}

	body, weather, rssiText, ok := c.dataAndRSSI()
	if !ok {
		return Envelope{}, &DecodeError{Field: "data"}
	}
	rssi, ok := leadingInt(rssiText)
	if !ok {
		return Envelope{}, &DecodeError{Field: "rssi"}
	}
	env.RawBody = body
	env.Weather = weather
	env.RSSI = rssi
	env.Body = ParseBody(body, now, loc)
	return env, nil
}

// ParseBody extracts the position report fields. Every field is optional.
func ParseBody(raw string, now time.Time, loc *time.Location) Body {
	b := Body{
		Lat:     between(raw, '!', "/", '/'),
		Lon:     between(raw, '/', "[", '['),
		Heading: between(raw, '[', "/", '/'),
		Speed:   between(raw, '/', "/[", '/'),
		Alt:     altitude(raw),
		Stage:   stage(raw),
		T0Raw:   timeOfDay(raw),
	}
	if b.T0Raw != "" {
		b.T0, _ = T0At(b.T0Raw, now, loc)
	}
	return b
}

// cursor walks the envelope left to right so each label is located once.
type cursor struct {
	s   string
	pos int
}

// field returns the non-empty text between label and the next comma.
func (c *cursor) field(label string) (string, bool) {
	i := strings.Index(c.s[c.pos:], label)
	if i < 0 {
		return "", false
	}
	start := c.pos + i + len(label)
	j := strings.IndexByte(c.s[start:], ',')
	if j <= 0 {
		return "", false
	}
	c.pos = start + j + 1
	return c.s[start : start+j], true
}

// dataAndRSSI splits "Data:<body>,[!w...!]RSSI:<n>" into its parts. The body
// runs to the last RSSI label so bodies containing commas stay intact.
func (c *cursor) dataAndRSSI() (body, weather, rssi string, ok bool) {
	i := strings.Index(c.s[c.pos:], "Data:")
	if i < 0 {
		return "", "", "", false
	}
	start := c.pos + i + len("Data:")
	r := strings.LastIndex(c.s, "RSSI:")
	if r < start {
		return "", "", "", false
	}
	region := c.s[start:r]
	rssi = c.s[r+len("RSSI:"):]

	if w := strings.LastIndex(region, ",!w"); w >= 0 && strings.HasSuffix(region, "!") && len(region)-w > len(",!w!") {
		ext := region[w+1:]
		if !strings.ContainsRune(ext[2:len(ext)-1], '!') {
			weather = ext
			region = region[:w+1]
		}
	}
	if !strings.HasSuffix(region, ",") {
		return "", "", "", false
	}
	body = region[:len(region)-1]
	if body == "" {
		return "", "", "", false
	}
	c.pos = len(c.s)
	return body, weather, rssi, true
}

// between returns the first non-empty run that follows an open byte, contains
// none of the bytes in exclude and is immediately followed by close.
func between(s string, open byte, exclude string, close byte) string {
	for p := strings.IndexByte(s, open); p >= 0; {
		start := p + 1
		end := start
		for end < len(s) && strings.IndexByte(exclude, s[end]) < 0 {
			end++
		}
		if end > start && end < len(s) && s[end] == close {
			return s[start:end]
		}
		next := strings.IndexByte(s[start:], open)
		if next < 0 {
			break
		}
		p = start + next
	}
	return ""
}

// altitude returns the signed integer following "A=".
func altitude(s string) string {
	for from := 0; ; {
		i := strings.Index(s[from:], "A=")
		if i < 0 {
			return ""
		}
		start := from + i + 2
		end := start
		if end < len(s) && s[end] == '-' {
			end++
		}
		digits := end
		for end < len(s) && isDigit(s[end]) {
			end++
		}
		if end > digits {
			return s[start:end]
		}
		from = start
	}
}

// stage returns "S<digits>" when it sits between two slashes.
func stage(s string) string {
	for from := 0; ; {
		i := strings.Index(s[from:], "/S")
		if i < 0 {
			return ""
		}
		start := from + i + 1
		end := start + 1
		for end < len(s) && isDigit(s[end]) {
			end++
		}
		if end > start+1 && end < len(s) && s[end] == '/' {
			return s[start:end]
		}
		from = start
	}
}

// timeOfDay returns the first "HH:MM:SS" that follows a slash.
func timeOfDay(s string) string {
	for from := 0; ; {
		i := strings.IndexByte(s[from:], '/')
		if i < 0 {
			return ""
		}
		start := from + i + 1
		if len(s)-start >= 8 {
			t := s[start : start+8]
			if isDigit(t[0]) && isDigit(t[1]) && t[2] == ':' &&
				isDigit(t[3]) && isDigit(t[4]) && t[5] == ':' &&
				isDigit(t[6]) && isDigit(t[7]) {
				return t
			}
		}
		from = start
	}
}

// leadingInt parses an optionally signed integer at the start of s, ignoring
// whatever trails it (the receiver may append markers after the value).
func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	if end == digits {
		return 0, false
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
