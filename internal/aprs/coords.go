package aprs

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Coordinates arrive as degrees+minutes with a hemisphere suffix, e.g.
// "4059.23N" (2-digit degrees) or "07656.54W" (3-digit degrees). Which form
// is used depends only on the encoded length.
const longCoordLen = 8

func degreeDigits(coord string) int {
	if len(coord) > longCoordLen {
		return 3
	}
	return 2
}

// coordDecimal converts an encoded coordinate to decimal degrees. When signed
// is set, S and W hemispheres are negative.
func coordDecimal(coord string, signed bool) (float64, bool) {
	n := degreeDigits(coord)
	if len(coord) < n+2 {
		return 0, false
	}
	deg, err := strconv.Atoi(coord[:n])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(coord[n:len(coord)-1], 64)
	if err != nil || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return 0, false
	}
	v := float64(deg) + minutes/60
	if signed {
		switch hemisphere(coord) {
		case "S", "W":
			v = -v
		}
	}
	return v, true
}

func hemisphere(coord string) string {
	if coord == "" {
		return ""
	}
	return coord[len(coord)-1:]
}

// coordDMS renders an encoded coordinate as degrees, minutes and rounded
// seconds, e.g. 40°59'14"N.
func coordDMS(coord string) (string, bool) {
	n := degreeDigits(coord)
	// degrees + 2 minute digits + '.' + hemisphere
	if len(coord) < n+4 {
		return "", false
	}
	frac := coord[n+3 : len(coord)-1]
	sec := 0.0
	if frac != "" {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return "", false
		}
		sec = f * 60
	}
	return fmt.Sprintf("%s°%s'%d\"%s", coord[:n], coord[n:n+2], int(math.Round(sec)), hemisphere(coord)), true
}

// LatLon returns signed decimal degrees. ok is false when either coordinate
// is absent or malformed.
func (b Body) LatLon() (lat, lon float64, ok bool) {
	lat, okLat := coordDecimal(b.Lat, true)
	lon, okLon := coordDecimal(b.Lon, true)
	if !okLat || !okLon {
		return 0, 0, false
	}
	return lat, lon, true
}

// Formatted renders the position as unsigned decimal degrees with the
// hemisphere letter, e.g. "40.9872° N/76.9423° W".
func (b Body) Formatted() string {
	lat, okLat := coordDecimal(b.Lat, false)
	lon, okLon := coordDecimal(b.Lon, false)
	if !okLat || !okLon {
		return "unknown position"
	}
	return fmt.Sprintf("%.4f° %s/%.4f° %s", lat, hemisphere(b.Lat), lon, hemisphere(b.Lon))
}

// DMS renders the position in degrees, minutes and seconds.
func (b Body) DMS() string {
	lat, okLat := coordDMS(b.Lat)
	lon, okLon := coordDMS(b.Lon)
	if !okLat || !okLon {
		return "unknown position"
	}
	return lat + " " + lon
}

// HeadingDeg is the heading in whole degrees.
func (b Body) HeadingDeg() (int, bool) {
	return atoi(b.Heading)
}

func (b Body) SpeedValue() (float64, bool) {
	return atof(b.Speed)
}

// AltFeet is the altitude in feet.
func (b Body) AltFeet() (float64, bool) {
	return atof(b.Alt)
}

// StageNumber returns n for a stage of "S<n>".
func (b Body) StageNumber() (int, bool) {
	if len(b.Stage) < 2 {
		return 0, false
	}
	return atoi(b.Stage[1:])
}

func atoi(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func atof(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
