package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertReadingAndLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, bg := range []int{110, 115, 121, 130, 128, 126, 124} {
		r := models.Reading{Timestamp: int64(1000 + i*300), Value: bg, Trend: models.TrendFlat, CaptureLag: 40}
		require.NoError(t, db.InsertReading(ctx, r))
	}

	values, err := db.LatestValues(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, []int{124, 126, 128, 130, 121, 115}, values)

	latest, err := db.LatestReadings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, int64(2800), latest[0].Timestamp)
	assert.Equal(t, models.TrendFlat, latest[0].Trend)
	assert.Equal(t, int64(40), latest[0].CaptureLag)
}

func TestInsertReadingReplacesSameTimestamp(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertReading(ctx, models.Reading{Timestamp: 500, Value: 100}))
	require.NoError(t, db.InsertReading(ctx, models.Reading{Timestamp: 500, Value: 105}))

	values, err := db.LatestValues(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{105}, values)
}

func TestLatestValuesEmpty(t *testing.T) {
	db := openTestDB(t)

	values, err := db.LatestValues(context.Background(), 6)
	require.NoError(t, err)
	assert.Empty(t, values)

	values, err = db.LatestValues(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestInsertIOBProjection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var p insulin.Projection
	for i := range p {
		p[i] = 3.0 - float64(i)*0.1
	}

	require.NoError(t, db.InsertIOBProjection(ctx, 1234, p))

	got, err := db.Projection(ctx, 1234)
	require.NoError(t, err)
	for i := range p {
		assert.InDelta(t, p[i], got[i], 1e-9, "horizon %d", i*insulin.HorizonStep)
	}

	_, err = db.Projection(ctx, 99)
	assert.True(t, IsNotFound(err))
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "glucose.duckdb")

	db, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Ping(context.Background()))
	require.NoError(t, db.InsertReading(context.Background(), models.Reading{Timestamp: 1, Value: 99}))
	require.NoError(t, db.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	values, err := reopened.LatestValues(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{99}, values)
}
