package aprs

import (
	"encoding/csv"
	"io"
	"strconv"
)

// CSVHeader is the first row of every telemetry log file.
var CSVHeader = []string{
	"Source", "Destination", "Path", "Type", "Raw Body",
	"Latitude", "Longitude", "Heading", "Speed", "Altitude", "Stage", "T0",
	"Signal Strength",
}

// CSVRecord returns the log row for e. Unknown coordinates are left empty.
// The last column carries the raw RSSI value.
func (e Envelope) CSVRecord() []string {
	lat, okLat := coordDecimal(e.Body.Lat, true)
	lon, okLon := coordDecimal(e.Body.Lon, true)
	return []string{
		e.Source,
		e.Destination,
		e.Path,
		e.Type,
		e.RawBody,
		formatOptional(lat, okLat),
		formatOptional(lon, okLon),
		e.Body.Heading,
		e.Body.Speed,
		e.Body.Alt,
		e.Body.Stage,
		e.Body.T0Raw,
		strconv.Itoa(e.RSSI),
	}
}

// AppendCSV writes e as one CRLF-terminated row, preceded by the header
// unless headerWritten is set.
func (e Envelope) AppendCSV(w io.Writer, headerWritten bool) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if !headerWritten {
		if err := cw.Write(CSVHeader); err != nil {
			return err
		}
	}
	if err := cw.Write(e.CSVRecord()); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func formatOptional(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
