package aprs

import "time"

// Report is the JSON view of a decoded frame sent to UI clients and
// publishers. Pointer fields are omitted when the frame did not carry them.
type Report struct {
	Session    string    `json:"session,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	Source      string `json:"source"`
	Destination string `json:"destination"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	RSSI        int    `json:"rssi"`
	Signal      Signal `json:"signal"`
	RawBody     string `json:"raw_body"`
	Weather     string `json:"weather,omitempty"`

	Lat         *float64   `json:"lat,omitempty"`
	Lon         *float64   `json:"lon,omitempty"`
	Position    string     `json:"position,omitempty"`
	PositionDMS string     `json:"position_dms,omitempty"`
	HeadingDeg  *int       `json:"heading_deg,omitempty"`
	Speed       *float64   `json:"speed,omitempty"`
	AltFeet     *float64   `json:"alt_feet,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	StageNumber *int       `json:"stage_number,omitempty"`
	T0Raw       string     `json:"t0_raw,omitempty"`
	T0          *time.Time `json:"t0,omitempty"`
}

// Report builds the JSON view of e. Session and ReceivedAt are left for the
// caller to stamp.
func (e Envelope) Report() Report {
	r := Report{
		Source:      e.Source,
		Destination: e.Destination,
		Path:        e.Path,
		Type:        e.Type,
		RSSI:        e.RSSI,
		Signal:      e.SignalStrength(),
		RawBody:     e.RawBody,
		Weather:     e.Weather,
		Stage:       e.Body.Stage,
		T0Raw:       e.Body.T0Raw,
	}
	if lat, lon, ok := e.Body.LatLon(); ok {
		r.Lat = &lat
		r.Lon = &lon
		r.Position = e.Body.Formatted()
		r.PositionDMS = e.Body.DMS()
	}
	if v, ok := e.Body.HeadingDeg(); ok {
		r.HeadingDeg = &v
	}
	if v, ok := e.Body.SpeedValue(); ok {
		r.Speed = &v
	}
	if v, ok := e.Body.AltFeet(); ok {
		r.AltFeet = &v
	}
	if v, ok := e.Body.StageNumber(); ok {
		r.StageNumber = &v
	}
	if !e.Body.T0.IsZero() {
		t := e.Body.T0
		r.T0 = &t
	}
	return r
}
