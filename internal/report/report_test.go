package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucose-scraper/internal/clock"
	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/metrics"
	"github.com/mrcode/glucose-scraper/internal/models"
)

var (
	testNow    = time.Unix(1_700_000_000, 0)
	testParams = insulin.Params{PeakMinutes: 75, DurationHours: 5}
)

type fixedReader struct {
	r   models.Reading
	err error
}

func (f fixedReader) Once(context.Context) (models.Reading, error) { return f.r, f.err }

type recordingSink struct {
	readings    []models.Reading
	projections map[int64]insulin.Projection
	err         error
}

func (s *recordingSink) InsertReading(_ context.Context, r models.Reading) error {
	s.readings = append(s.readings, r)
	return s.err
}

func (s *recordingSink) InsertIOBProjection(_ context.Context, ts int64, p insulin.Projection) error {
	if s.projections == nil {
		s.projections = make(map[int64]insulin.Projection)
	}
	s.projections[ts] = p
	return s.err
}

type staticDoses struct {
	doses []models.Dose
	since time.Time
	err   error
}

func (s *staticDoses) Doses(_ context.Context, since time.Time) ([]models.Dose, error) {
	s.since = since
	return s.doses, s.err
}

func newPipeline(reader Reader, sink *recordingSink, doses *staticDoses) *Pipeline {
	cfg := Config{Params: testParams, ActiveWindowMinutes: 300, DoseLookback: 6 * time.Hour}
	var src insulin.DoseSource
	if doses != nil {
		src = doses
	}
	if sink == nil {
		return New(cfg, reader, nil, src, clock.NewFake(testNow))
	}
	return New(cfg, reader, sink, src, clock.NewFake(testNow))
}

func TestLine(t *testing.T) {
	var proj insulin.Projection
	proj[0] = 1.5
	proj[18] = 0.25

	line := Line(models.Reading{Timestamp: 1559000000, Value: 120, Trend: models.TrendFlat, CaptureLag: 42}, proj)

	fields := strings.Split(line, ",")
	require.Len(t, fields, 4+insulin.HorizonCount)
	assert.Equal(t, []string{"120", "4", "42", "1559000000", "1.5"}, fields[:5])
	assert.Equal(t, "0.25", fields[len(fields)-1])
}

func TestPipeline_Run(t *testing.T) {
	reading := models.Reading{Timestamp: testNow.Add(-3 * time.Minute).Unix(), Value: 140, Trend: models.TrendSingleUp, CaptureLag: 180}
	sink := &recordingSink{}
	doses := &staticDoses{doses: []models.Dose{
		{Timestamp: testNow.Add(-30 * time.Minute).Unix(), Units: 2},
		{Timestamp: testNow.Add(-10 * time.Hour).Unix(), Units: 5},
		{Timestamp: testNow.Add(10 * time.Minute).Unix(), Units: 1},
	}}

	res, err := newPipeline(fixedReader{r: reading}, sink, doses).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reading, res.Reading)
	assert.Equal(t, insulin.Stats{Used: 1, Expired: 1, Future: 1}, res.Stats)
	assert.Equal(t, testNow.Add(-6*time.Hour), doses.since)

	want, err := insulin.IOBRemaining(testParams, 2, 30, 0)
	require.NoError(t, err)
	assert.InDelta(t, want, res.Projection[0], 1e-9)
	assert.Greater(t, res.Projection[0], res.Projection[18])

	assert.Equal(t, []models.Reading{reading}, sink.readings)
	require.Contains(t, sink.projections, reading.Timestamp)
	assert.Equal(t, res.Projection, sink.projections[reading.Timestamp])

	assert.InDelta(t, res.Projection[0], testutil.ToFloat64(metrics.IOBProjection.WithLabelValues("0")), 1e-9)
	assert.True(t, strings.HasPrefix(res.Line(), "140,2,180,"))
}

func TestPipeline_NoDoseSource(t *testing.T) {
	res, err := newPipeline(fixedReader{r: models.Reading{Timestamp: 1, Value: 100}}, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, insulin.Projection{}, res.Projection)
}

func TestPipeline_ReadError(t *testing.T) {
	fatal := &models.AuthenticationError{StatusCode: 500, Body: "denied"}
	sink := &recordingSink{}

	_, err := newPipeline(fixedReader{err: fatal}, sink, nil).Run(context.Background())

	var authErr *models.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, sink.readings)
}

func TestPipeline_DoseError(t *testing.T) {
	sink := &recordingSink{}
	doses := &staticDoses{err: &models.ConnectionFault{Op: "treatments", Err: errors.New("refused")}}

	res, err := newPipeline(fixedReader{r: models.Reading{Timestamp: 7, Value: 100}}, sink, doses).Run(context.Background())

	require.Error(t, err)
	assert.True(t, models.IsConnectionFault(err))
	assert.Equal(t, int64(7), res.Reading.Timestamp)
	assert.Len(t, sink.readings, 1)
	assert.Empty(t, sink.projections)
}

func TestPipeline_SinkErrorsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	before := testutil.ToFloat64(metrics.PersistenceErrors.WithLabelValues("insert_iob"))

	_, err := newPipeline(fixedReader{r: models.Reading{Timestamp: 9, Value: 100}}, sink, &staticDoses{}).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PersistenceErrors.WithLabelValues("insert_iob")))
}

func TestPipeline_InvalidParams(t *testing.T) {
	p := New(Config{Params: insulin.Params{PeakMinutes: 150, DurationHours: 5}, ActiveWindowMinutes: 300},
		fixedReader{r: models.Reading{Timestamp: 1}}, nil, &staticDoses{}, clock.NewFake(testNow))

	_, _, err := p.Project(context.Background())

	var numErr *models.NumericDomainError
	assert.ErrorAs(t, err, &numErr)
}
