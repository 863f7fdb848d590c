package aprs

import (
	"fmt"
	"time"
)

// t0Rollover is how far past now a reconstructed T0 may lie before it is
// assumed to belong to the previous UTC day.
const t0Rollover = 12 * time.Hour

// T0At turns a wire time-of-day (HH:MM:SS, UTC) into an absolute instant.
//
// The date is the UTC calendar date of now. If that puts T0 more than 12h in
// the future, the launch happened before UTC midnight and one day is
// subtracted. The result is expressed in loc (UTC when nil).
func T0At(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	tod, err := time.Parse("15:04:05", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("aprs: t0 %q: %w", raw, err)
	}
	u := now.UTC()
	t := time.Date(u.Year(), u.Month(), u.Day(), tod.Hour(), tod.Minute(), tod.Second(), 0, time.UTC)
	if t.Sub(u) > t0Rollover {
		t = t.AddDate(0, 0, -1)
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc), nil
}
