package gasflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SQLiteReadingRepository implements ReadingRepository using SQLite.
//
// Readings are stored one row per sample in the readings table, with an
// index on (channel, timestamp) for the history queries the API serves.
type SQLiteReadingRepository struct {
	db *sql.DB
}

// NewSQLiteReadingRepository creates a new SQLite reading repository.
func NewSQLiteReadingRepository(db *sql.DB) *SQLiteReadingRepository {
	return &SQLiteReadingRepository{db: db}
}

// Record inserts one reading.
func (r *SQLiteReadingRepository) Record(ctx context.Context, reading Reading) error {
	if reading.Channel == "" {
		return fmt.Errorf("channel is required")
	}

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO readings
		 (channel, timestamp, pressure, temperature, volumetric_flow, mass_flow, setpoint, gas, control_point)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reading.Channel,
		ts.UTC().Format(time.RFC3339Nano),
		reading.Pressure,
		reading.Temperature,
		reading.VolumetricFlow,
		reading.MassFlow,
		reading.Setpoint,
		reading.Gas,
		reading.ControlPoint,
	)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}

	return nil
}

// GetHistory returns recent readings for a channel, newest first.
// Limit defaults to 50 and is capped at 1000.
func (r *SQLiteReadingRepository) GetHistory(ctx context.Context, channel string, limit int) ([]Reading, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT channel, timestamp, pressure, temperature, volumetric_flow, mass_flow, setpoint, gas, control_point
		 FROM readings
		 WHERE channel = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		channel,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0, limit)
	for rows.Next() {
		var reading Reading
		var ts string

		if err := rows.Scan(
			&reading.Channel,
			&ts,
			&reading.Pressure,
			&reading.Temperature,
			&reading.VolumetricFlow,
			&reading.MassFlow,
			&reading.Setpoint,
			&reading.Gas,
			&reading.ControlPoint,
		); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}

		timestamp, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		reading.Timestamp = timestamp

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating readings: %w", err)
	}

	return readings, nil
}

// Prune deletes readings older than the given duration.
func (r *SQLiteReadingRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM readings WHERE timestamp < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting readings: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}
