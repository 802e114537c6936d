// Package badge renders the latest glucose reading as a PNG status badge
package badge

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/glucose-scraper/internal/models"
)

const (
	width  = 64
	height = 64
	radius = 16

	// sparkline strip at the bottom of the badge
	sparkHeight = 10
)

// StaleAfter is how old a reading may be before the badge turns gray
const StaleAfter = 7 * time.Minute

var (
	fontOnce sync.Once
	fontErr  error
	goFont   *truetype.Font
)

// Input describes what to draw
type Input struct {
	Reading  *models.Reading // nil renders the unknown badge
	Now      time.Time
	Settings models.AlertSettings
	History  []models.Reading // oldest first, drawn as a sparkline
}

// Render draws the badge and encodes it as PNG
func Render(in Input) ([]byte, error) {
	dc := gg.NewContext(width, height)

	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	r, g, b := parseHexColor(StatusColor(in))
	dc.SetRGB255(int(r), int(g), int(b))
	dc.DrawRoundedRectangle(0, 0, width, height, radius)
	dc.Fill()

	// Text color (black or white depending on brightness)
	brightness := (int(r)*299 + int(g)*587 + int(b)*114) / 1000
	fg := color.Color(color.White)
	if brightness > 128 {
		fg = color.Black
	}
	dc.SetColor(fg)

	face, err := loadFace(30)
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(face)
	dc.DrawStringAnchored(Label(in), width/2, height/2-12, 0.5, 0.5)

	if in.Reading != nil {
		drawArrow(dc, width/2, height-24, 18, in.Reading.Trend)
	}

	if len(in.History) >= 2 {
		dc.SetColor(fg)
		drawSparkline(dc, in.History)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return buf.Bytes(), nil
}

// Label returns the text drawn on the badge
func Label(in Input) string {
	if in.Reading == nil {
		return "---"
	}
	if in.Settings.Unit == models.UnitMmolL {
		return strconv.FormatFloat(in.Reading.ValueMmolL(), 'f', 1, 64)
	}
	return strconv.Itoa(in.Reading.Value)
}

// StatusColor returns the background color for the badge as #rrggbb
func StatusColor(in Input) string {
	if in.Reading == nil {
		return "#808080" // Gray for unknown
	}

	if !in.Now.IsZero() && in.Now.Sub(in.Reading.Time()) > StaleAfter {
		return "#9ca3af"
	}

	switch in.Settings.GetGlucoseStatus(in.Reading.Value) {
	case models.StatusUrgentLow, models.StatusUrgentHigh:
		return "#ef4444" // Red
	case models.StatusLow:
		return "#f97316" // Orange
	case models.StatusHigh:
		return "#facc15" // Yellow
	default:
		return "#4ade80" // Green
	}
}

func loadFace(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		goFont, fontErr = truetype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("parse badge font: %w", fontErr)
	}
	return truetype.NewFace(goFont, &truetype.Options{Size: size}), nil
}

// drawArrow draws a vector arrow rotated to the trend direction
func drawArrow(dc *gg.Context, x, y, size float64, trend models.TrendCode) {
	var angle float64
	switch trend {
	case models.TrendDoubleUp, models.TrendSingleUp:
		angle = 0
	case models.TrendFortyFiveUp:
		angle = 45
	case models.TrendFlat:
		angle = 90
	case models.TrendFortyFiveDown:
		angle = 135
	case models.TrendDoubleDown, models.TrendSingleDown:
		angle = 180
	default:
		return // No arrow
	}

	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)
	dc.Rotate(gg.Radians(angle))

	halfSize := size / 2
	if trend == models.TrendDoubleUp || trend == models.TrendDoubleDown {
		drawSingleArrow(dc, 0, -halfSize/2, size*0.8)
		drawSingleArrow(dc, 0, halfSize/2, size*0.8)
		return
	}
	drawSingleArrow(dc, 0, 0, size)
}

func drawSingleArrow(dc *gg.Context, ox, oy, s float64) {
	w := s * 0.5

	dc.NewSubPath() // Tip
	dc.MoveTo(ox, oy-s/2)
	dc.LineTo(ox+w/2, oy)
	dc.LineTo(ox+w/6, oy)
	dc.LineTo(ox+w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy+s/2)
	dc.LineTo(ox-w/6, oy)
	dc.LineTo(ox-w/2, oy)
	dc.ClosePath()
	dc.Fill()
}

// sparkPoints maps history values onto the sparkline strip
func sparkPoints(history []models.Reading) []gg.Point {
	minVal := float64(history[0].Value)
	maxVal := minVal
	for _, r := range history {
		minVal = math.Min(minVal, float64(r.Value))
		maxVal = math.Max(maxVal, float64(r.Value))
	}

	rangeVal := maxVal - minVal
	if rangeVal == 0 {
		rangeVal = 1
	}

	const margin = radius / 2
	top := float64(height - sparkHeight - 2)
	step := float64(width-2*margin) / float64(len(history)-1)

	points := make([]gg.Point, len(history))
	for i, r := range history {
		normalized := (float64(r.Value) - minVal) / rangeVal
		points[i] = gg.Point{
			X: margin + float64(i)*step,
			Y: top + (1-normalized)*sparkHeight,
		}
	}
	return points
}

func drawSparkline(dc *gg.Context, history []models.Reading) {
	points := sparkPoints(history)
	dc.SetLineWidth(1.5)
	dc.MoveTo(points[0].X, points[0].Y)
	for _, p := range points[1:] {
		dc.LineTo(p.X, p.Y)
	}
	dc.Stroke()
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}
