// Package insulin implements the exponential insulin action curve and the
// insulin-on-board projection built on it.
package insulin

import (
	"math"

	"github.com/mrcode/glucose-scraper/internal/models"
)

// Params are the patient-specific curve constants
type Params struct {
	PeakMinutes   float64 // Time of peak activity after the dose
	DurationHours float64 // Duration of insulin action (DIA)
}

// EndMinutes returns the duration of insulin action in minutes
func (p Params) EndMinutes() float64 {
	return p.DurationHours * 60.0
}

// curve holds the derived constants of the exponential activity curve
type curve struct {
	peak float64
	end  float64
	tau  float64
	a    float64
	s    float64
}

// newCurve derives tau, a and S from p.
// tau = peak*(1-peak/end)/(1-2*peak/end) is undefined at peak == end/2
// and negative beyond it; both are reported instead of producing NaN.
func newCurve(p Params) (curve, error) {
	peak := p.PeakMinutes
	end := p.EndMinutes()

	if !(end > 0) || math.IsInf(end, 0) {
		return curve{}, &models.NumericDomainError{PeakMinutes: peak, EndMinutes: end, Reason: "duration must be positive"}
	}
	if !(peak > 0) || math.IsInf(peak, 0) {
		return curve{}, &models.NumericDomainError{PeakMinutes: peak, EndMinutes: end, Reason: "peak must be positive"}
	}

	denom := 1 - 2*peak/end
	if denom == 0 {
		return curve{}, &models.NumericDomainError{PeakMinutes: peak, EndMinutes: end, Reason: "peak equals half the duration"}
	}

	tau := peak * (1 - peak/end) / denom
	if !(tau > 0) || math.IsInf(tau, 0) {
		return curve{}, &models.NumericDomainError{PeakMinutes: peak, EndMinutes: end, Reason: "time constant is not positive"}
	}

	a := 2 * tau / end
	s := 1 / (1 - a + (1+a)*math.Exp(-end/tau))
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return curve{}, &models.NumericDomainError{PeakMinutes: peak, EndMinutes: end, Reason: "normalisation is not finite"}
	}

	return curve{peak: peak, end: end, tau: tau, a: a, s: s}, nil
}

// remaining returns the fraction of a dose still on board t minutes after it
func (c curve) remaining(t float64) float64 {
	if t >= c.end {
		return 0
	}
	return 1 - c.s*(1-c.a)*((t*t/(c.tau*c.end*(1-c.a))-t/c.tau-1)*math.Exp(-t/c.tau)+1)
}

// activity returns the fraction of a dose acting per minute at t
func (c curve) activity(t float64) float64 {
	if t >= c.end {
		return 0
	}
	return (c.s / (c.tau * c.tau)) * t * (1 - t/c.end) * math.Exp(-t/c.tau)
}

// IOBRemaining returns the units of a dose still on board, projected
// horizonMinutes into the future from a dose taken minutesAgo.
func IOBRemaining(p Params, units, minutesAgo, horizonMinutes float64) (float64, error) {
	c, err := newCurve(p)
	if err != nil {
		return 0, err
	}
	return units * c.remaining(minutesAgo+horizonMinutes), nil
}

// Activity returns the units of a dose used in the minute at the projected
// instant, the derivative counterpart of IOBRemaining.
func Activity(p Params, units, minutesAgo, horizonMinutes float64) (float64, error) {
	c, err := newCurve(p)
	if err != nil {
		return 0, err
	}
	return units * c.activity(minutesAgo+horizonMinutes), nil
}

// Validate reports whether p yields a well-defined curve
func (p Params) Validate() error {
	_, err := newCurve(p)
	return err
}
