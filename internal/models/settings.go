// Package models contains data structures used throughout the application
package models

// Glucose status values
const (
	StatusNormal     = "normal"
	StatusLow        = "low"
	StatusHigh       = "high"
	StatusUrgentLow  = "urgent_low"
	StatusUrgentHigh = "urgent_high"
)

// UnitMmolL selects mmol/L display
const UnitMmolL = "mmol/L"

// AlertSettings holds glucose thresholds and alert toggles
type AlertSettings struct {
	Unit string // "mg/dL" or "mmol/L"

	// Glucose thresholds (in mg/dL, converted for display)
	TargetLow  int
	TargetHigh int
	UrgentLow  int
	UrgentHigh int

	EnableHighAlert       bool
	EnableLowAlert        bool
	EnableUrgentHighAlert bool
	EnableUrgentLowAlert  bool
	RepeatAlertMinutes    int // 0 = no repeat
}

// DefaultAlertSettings returns settings with default values
func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		Unit: "mg/dL",

		TargetLow:  70,
		TargetHigh: 170,
		UrgentLow:  55,
		UrgentHigh: 250,

		EnableHighAlert:       true,
		EnableLowAlert:        true,
		EnableUrgentHighAlert: true,
		EnableUrgentLowAlert:  true,
		RepeatAlertMinutes:    15,
	}
}

// GetGlucoseStatus returns the status string for a glucose value
func (s AlertSettings) GetGlucoseStatus(mgdl int) string {
	switch {
	case mgdl <= s.UrgentLow:
		return StatusUrgentLow
	case mgdl <= s.TargetLow:
		return StatusLow
	case mgdl >= s.UrgentHigh:
		return StatusUrgentHigh
	case mgdl >= s.TargetHigh:
		return StatusHigh
	default:
		return StatusNormal
	}
}
