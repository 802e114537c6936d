package insulin

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mrcode/glucose-scraper/internal/models"
)

// Projection horizons: 0, 5, ..., 90 minutes
const (
	HorizonStep  = 5
	HorizonCount = 19
)

// Projection holds the projected insulin on board per horizon, indexed by
// horizon/HorizonStep.
type Projection [HorizonCount]float64

// Horizons returns the horizon offsets in minutes
func Horizons() [HorizonCount]int {
	var h [HorizonCount]int
	for i := range h {
		h[i] = i * HorizonStep
	}
	return h
}

// At returns the projected IOB at a horizon in minutes
func (p Projection) At(minutes int) (float64, bool) {
	if minutes < 0 || minutes%HorizonStep != 0 || minutes/HorizonStep >= HorizonCount {
		return 0, false
	}
	return p[minutes/HorizonStep], true
}

// Strings formats each slot for the console report
func (p Projection) Strings() []string {
	out := make([]string, HorizonCount)
	for i, v := range p {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out
}

// String joins the projection with commas
func (p Projection) String() string {
	return strings.Join(p.Strings(), ",")
}

// DoseSource yields the dose history on demand
type DoseSource interface {
	Doses(ctx context.Context, since time.Time) ([]models.Dose, error)
}

// Stats describes which doses went into a projection
type Stats struct {
	Used    int // Doses inside the active window
	Expired int // Doses older than the active window, skipped
	Future  int // Doses dated after now, skipped
}

// Project sums the remaining IOB of every dose taken less than
// activeWindowMinutes before now, at each of the 19 horizons.
func Project(doses []models.Dose, p Params, now time.Time, activeWindowMinutes float64) (Projection, error) {
	proj, _, err := ProjectWithStats(doses, p, now, activeWindowMinutes)
	return proj, err
}

// ProjectWithStats is Project plus dose accounting
func ProjectWithStats(doses []models.Dose, p Params, now time.Time, activeWindowMinutes float64) (Projection, Stats, error) {
	var proj Projection
	var stats Stats

	c, err := newCurve(p)
	if err != nil {
		return proj, stats, err
	}

	for _, d := range doses {
		minutesAgo := d.MinutesAgo(now)
		switch {
		case minutesAgo < 0:
			stats.Future++
			continue
		case minutesAgo >= activeWindowMinutes:
			stats.Expired++
			continue
		}

		stats.Used++
		for i := range proj {
			proj[i] += d.Units * c.remaining(minutesAgo+float64(i*HorizonStep))
		}
	}

	return proj, stats, nil
}
