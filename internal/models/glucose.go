// Package models contains data structures used throughout the application
package models

import (
	"fmt"
	"time"
)

// TrendCode is the Dexcom Share rate-of-change enumeration
type TrendCode int

// Trend codes as reported by the Share service
const (
	TrendNone TrendCode = iota
	TrendDoubleUp
	TrendSingleUp
	TrendFortyFiveUp
	TrendFlat
	TrendFortyFiveDown
	TrendSingleDown
	TrendDoubleDown
	TrendNotComputable
	TrendRateOutOfRange
)

var trendNames = [...]string{
	"NONE",
	"DoubleUp",
	"SingleUp",
	"FortyFiveUp",
	"Flat",
	"FortyFiveDown",
	"SingleDown",
	"DoubleDown",
	"NOT COMPUTABLE",
	"RATE OUT OF RANGE",
}

var trendArrows = [...]string{
	"-",
	"⇈",
	"↑",
	"↗",
	"→",
	"↘",
	"↓",
	"⇊",
	"?",
	"⚠",
}

// String returns the Share direction name of the trend
func (t TrendCode) String() string {
	if !t.Valid() {
		return fmt.Sprintf("TrendCode(%d)", int(t))
	}
	return trendNames[t]
}

// Arrow returns the Unicode arrow character for the trend
func (t TrendCode) Arrow() string {
	if !t.Valid() {
		return "-"
	}
	return trendArrows[t]
}

// Valid reports whether t is one of the ten known codes
func (t TrendCode) Valid() bool {
	return t >= TrendNone && t <= TrendRateOutOfRange
}

// ParseTrend maps a Share direction name to its code.
// Newer Share deployments send the name instead of the integer.
func ParseTrend(name string) (TrendCode, bool) {
	for i, n := range trendNames {
		if n == name {
			return TrendCode(i), true
		}
	}
	switch name {
	case "None", "nodir":
		return TrendNone, true
	case "NotComputable":
		return TrendNotComputable, true
	case "RateOutOfRange":
		return TrendRateOutOfRange, true
	}
	return TrendNone, false
}

// Reading is a single CGM reading retrieved from the Share service.
// It is immutable once parsed.
type Reading struct {
	Timestamp  int64     `json:"timestamp"`  // Sensor capture time, Unix seconds
	Value      int       `json:"value"`      // Glucose in mg/dL
	Trend      TrendCode `json:"trend"`      // Share trend code
	CaptureLag int64     `json:"captureLag"` // Seconds between capture and local fetch
}

// Time returns the capture time of the reading
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// ValueMgDL returns the glucose value in mg/dL
func (r Reading) ValueMgDL() int {
	return r.Value
}

// ValueMmolL returns the glucose value in mmol/L
func (r Reading) ValueMmolL() float64 {
	return float64(r.Value) / 18.0182
}

// TrendArrow returns the Unicode arrow character for the trend
func (r Reading) TrendArrow() string {
	return r.Trend.Arrow()
}

// Validate surfaces a negative capture lag as a clock-skew fault.
// The reading itself is left untouched.
func (r Reading) Validate() error {
	if r.CaptureLag < 0 {
		return fmt.Errorf("%w: capture lag %ds at %d", ErrClockSkew, r.CaptureLag, r.Timestamp)
	}
	return nil
}

// NewReading builds a reading from a capture time and the local fetch time
func NewReading(captured time.Time, value int, trend TrendCode, fetched time.Time) Reading {
	return Reading{
		Timestamp:  captured.Unix(),
		Value:      value,
		Trend:      trend,
		CaptureLag: fetched.Unix() - captured.Unix(),
	}
}
