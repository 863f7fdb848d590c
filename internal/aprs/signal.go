package aprs

import (
	"fmt"
	"time"
)

// Signal is a coarse RSSI category shown next to each fix.
type Signal string

const (
	SignalHigh Signal = "High"
	SignalMed  Signal = "Med"
	SignalLow  Signal = "Low"
	SignalNone Signal = "None"
)

// ClassifyRSSI buckets a dBm-like RSSI. Each bucket includes its upper
// bound: -60 is Med, -90 is Low, -120 is None.
func ClassifyRSSI(rssi int) Signal {
	switch {
	case rssi > -60:
		return SignalHigh
	case rssi > -90:
		return SignalMed
	case rssi > -120:
		return SignalLow
	default:
		return SignalNone
	}
}

func (e Envelope) SignalStrength() Signal {
	return ClassifyRSSI(e.RSSI)
}

func (e Envelope) LatLon() (lat, lon float64, ok bool) {
	return e.Body.LatLon()
}

func (e Envelope) String() string {
	return fmt.Sprintf("Source: %s, Dest: %s, Path: %s, Type: %s, Body: %s, RSSI: %d",
		e.Source, e.Destination, e.Path, e.Type, e.Body.String(), e.RSSI)
}

func (b Body) String() string {
	stage := b.Stage
	if len(stage) > 1 {
		stage = stage[1:]
	}
	t0 := "unknown"
	if !b.T0.IsZero() {
		t0 = b.T0.Format(time.DateTime)
	}
	return fmt.Sprintf("%s and %s at %s° %s ft/s during stage %s, T0 was at %s",
		b.Formatted(), b.Alt, b.Heading, b.Speed, stage, t0)
}
