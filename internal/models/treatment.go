// Package models contains data structures used throughout the application
package models

import "time"

// MinDoseUnits is the smallest insulin amount treated as a dose
const MinDoseUnits = 0.1

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID        string  `json:"_id"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin"` // Units of insulin
	Carbs     float64 `json:"carbs"`   // Grams of carbohydrates
	EnteredBy string  `json:"enteredBy"`
	Notes     string  `json:"notes"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// HasInsulin returns true if this treatment carries a dose worth tracking
func (t *Treatment) HasInsulin() bool {
	return t.Insulin >= MinDoseUnits
}

// Dose converts the treatment to a dose. ok is false when the treatment
// has no usable insulin amount or timestamp.
func (t *Treatment) Dose() (Dose, bool) {
	if !t.HasInsulin() {
		return Dose{}, false
	}
	ts := t.Time()
	if ts.IsZero() {
		return Dose{}, false
	}
	return Dose{Timestamp: ts.Unix(), Units: t.Insulin}, true
}

// Dose is a single insulin administration. Read-only to the projection.
type Dose struct {
	Timestamp int64   `json:"timestamp"` // Unix seconds
	Units     float64 `json:"units"`
}

// Time returns the time of the dose
func (d Dose) Time() time.Time {
	return time.Unix(d.Timestamp, 0)
}

// MinutesAgo returns the age of the dose at now in minutes
func (d Dose) MinutesAgo(now time.Time) float64 {
	return float64(now.Unix()-d.Timestamp) / 60.0
}

// DosesFromTreatments extracts the insulin doses from a treatment log
func DosesFromTreatments(treatments []Treatment) []Dose {
	doses := make([]Dose, 0, len(treatments))
	for i := range treatments {
		if d, ok := treatments[i].Dose(); ok {
			doses = append(doses, d)
		}
	}
	return doses
}
