package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Recording is the parent audio row of a transcription job.
type Recording struct {
	ID              int64     `json:"id"`
	UserID          *int64    `json:"user_id,omitempty"`
	FilePath        string    `json:"file_path"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
	LocationText    *string   `json:"location_text,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordingRow is the input for inserting a recording.
type RecordingRow struct {
	UserID          *int64
	FilePath        string
	DurationSeconds *int
	RecordedAt      time.Time
	LocationText    string
}

func recordingColumns(prefix string) string {
	return prefix + "id, " + prefix + "user_id, " + prefix + "file_path, " +
		prefix + "duration_seconds, " + prefix + "recorded_at, " +
		prefix + "location_text, " + prefix + "created_at"
}

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	if err := row.Scan(
		&r.ID, &r.UserID, &r.FilePath,
		&r.DurationSeconds, &r.RecordedAt,
		&r.LocationText, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecording inserts a recording row.
func (db *DB) CreateRecording(ctx context.Context, row *RecordingRow) (*Recording, error) {
	recordedAt := row.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		INSERT INTO recordings (user_id, file_path, duration_seconds, recorded_at, location_text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+recordingColumns(""),
		row.UserID, row.FilePath, row.DurationSeconds, recordedAt, pqString(row.LocationText),
	))
	if err != nil {
		return nil, storeErr("create recording", err)
	}
	return r, nil
}

// GetRecording returns a non-deleted recording by id.
func (db *DB) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		SELECT `+recordingColumns("")+`
		FROM recordings
		WHERE id = $1 AND NOT is_deleted
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get recording", err)
	}
	return r, nil
}
