package share

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mrcode/glucose-scraper/internal/models"
)

// stDate matches the millisecond epoch inside "/Date(1559000000000)/",
// optionally followed by a zone offset such as "-0400".
var stDate = regexp.MustCompile(`Date\((-?\d+)(?:[+-]\d{4})?\)`)

// entry is one element of the latest-values array
type entry struct {
	ST    string          `json:"ST"`
	WT    string          `json:"WT"`
	Trend json.RawMessage `json:"Trend"`
	Value int             `json:"Value"`
}

// parseLatest decodes the latest-values body
func parseLatest(body []byte) ([]entry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}

	var entries []entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("parsing latest values: %w", err)
	}
	return entries, nil
}

// parseShareDate converts an ST/WT field to epoch seconds
func parseShareDate(s string) (int64, error) {
	m := stDate.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unrecognised date %q", s)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("date %q: %w", s, err)
	}
	return ms / 1000, nil
}

// parseTrend accepts a numeric code or a direction name
func parseTrend(raw json.RawMessage) (models.TrendCode, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.TrendNone, nil
	}

	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		t := models.TrendCode(code)
		if !t.Valid() {
			return models.TrendNone, fmt.Errorf("trend code %d out of range", code)
		}
		return t, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return models.TrendNone, fmt.Errorf("trend %s: %w", raw, err)
	}
	t, ok := models.ParseTrend(name)
	if !ok {
		return models.TrendNone, fmt.Errorf("unknown trend %q", name)
	}
	return t, nil
}

// toReading builds a Reading; capture lag is measured against fetched
func (e entry) toReading(fetched time.Time) (models.Reading, error) {
	ts, err := parseShareDate(e.ST)
	if err != nil {
		return models.Reading{}, err
	}
	trend, err := parseTrend(e.Trend)
	if err != nil {
		return models.Reading{}, err
	}
	return models.NewReading(time.Unix(ts, 0), e.Value, trend, fetched), nil
}
