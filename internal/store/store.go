// Package store persists readings and insulin projections in DuckDB
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scraped_readings (
		id    BIGINT PRIMARY KEY,
		bg    INTEGER NOT NULL,
		trend INTEGER NOT NULL,
		lag   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS iob_projections (
		id      BIGINT NOT NULL,
		horizon INTEGER NOT NULL,
		units   DOUBLE NOT NULL,
		PRIMARY KEY (id, horizon)
	)`,
}

// DB wraps the DuckDB connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. An empty path
// opens an in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path == "" || path == ":memory:" {
		dsn = ""
	} else if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logging.Debug().Str("path", path).Msg("database opened")
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InsertReading stores a reading keyed by its capture timestamp. A reading
// already stored for the same timestamp is replaced.
func (db *DB) InsertReading(ctx context.Context, r models.Reading) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO scraped_readings (id, bg, trend, lag) VALUES (?, ?, ?, ?)`,
		r.Timestamp, r.Value, int(r.Trend), r.CaptureLag)
	if err != nil {
		return fmt.Errorf("insert reading %d: %w", r.Timestamp, err)
	}
	return nil
}

// InsertIOBProjection stores all horizons of a projection against the
// reading timestamp it was computed for
func (db *DB) InsertIOBProjection(ctx context.Context, timestamp int64, p insulin.Projection) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin projection insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO iob_projections (id, horizon, units) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare projection insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, h := range insulin.Horizons() {
		if _, err = stmt.ExecContext(ctx, timestamp, h, p[i]); err != nil {
			return fmt.Errorf("insert projection %d+%d: %w", timestamp, h, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit projection insert: %w", err)
	}
	return nil
}

// Projection loads the projection stored for timestamp
func (db *DB) Projection(ctx context.Context, timestamp int64) (insulin.Projection, error) {
	var p insulin.Projection

	rows, err := db.conn.QueryContext(ctx,
		`SELECT horizon, units FROM iob_projections WHERE id = ? ORDER BY horizon`, timestamp)
	if err != nil {
		return p, fmt.Errorf("query projection: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := false
	for rows.Next() {
		var horizon int
		var units float64
		if err := rows.Scan(&horizon, &units); err != nil {
			return p, fmt.Errorf("scan projection: %w", err)
		}
		if i := horizon / insulin.HorizonStep; i >= 0 && i < insulin.HorizonCount {
			p[i] = units
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return p, err
	}
	if !found {
		return p, sql.ErrNoRows
	}
	return p, nil
}

// LatestReadings returns up to n stored readings, newest first
func (db *DB) LatestReadings(ctx context.Context, n int) ([]models.Reading, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, bg, trend, lag FROM scraped_readings ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Reading, 0, n)
	for rows.Next() {
		var r models.Reading
		var trend int
		if err := rows.Scan(&r.Timestamp, &r.Value, &trend, &r.CaptureLag); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Trend = models.TrendCode(trend)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestValues returns the last n BG values in mg/dL, newest first
func (db *DB) LatestValues(ctx context.Context, n int) ([]int, error) {
	readings, err := db.LatestReadings(ctx, n)
	if err != nil {
		return nil, err
	}
	values := make([]int, len(readings))
	for i, r := range readings {
		values[i] = r.Value
	}
	return values, nil
}

// IsNotFound reports whether err means no stored row matched
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
