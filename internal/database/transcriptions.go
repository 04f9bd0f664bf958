package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Transcription is one transcription job row.
type Transcription struct {
	ID            int64           `json:"id"`
	RecordingID   int64           `json:"recording_id"`
	Text          *string         `json:"text"`
	Language      *string         `json:"language"`
	Confidence    *float64        `json:"confidence"`
	ModelName     *string         `json:"model_name"`
	Status        Status          `json:"status"`
	Words         json.RawMessage `json:"words,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ClaimedAt     *time.Time      `json:"-"`
	TranscribedAt *time.Time      `json:"transcribed_at"`
}

// TranscriptionUpdate carries the fields to write in a single-row update.
// Nil fields are left untouched.
type TranscriptionUpdate struct {
	Status        *Status
	Text          *string
	Language      *string
	Confidence    *float64
	ModelName     *string
	Words         json.RawMessage
	ClaimedAt     *time.Time
	TranscribedAt *time.Time
}

// TranscriptionFilter narrows ListTranscriptions.
type TranscriptionFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// Orphan identifies a job failed by ReapStaleTranscriptions.
type Orphan struct {
	ID          int64
	RecordingID int64
}

const transcriptionColumns = `id, recording_id, text, language, confidence, model_name,
	status::text, words, created_at, claimed_at, transcribed_at`

func scanTranscription(row pgx.Row) (*Transcription, error) {
	var t Transcription
	var status string
	if err := row.Scan(
		&t.ID, &t.RecordingID, &t.Text, &t.Language, &t.Confidence, &t.ModelName,
		&status, &t.Words, &t.CreatedAt, &t.ClaimedAt, &t.TranscribedAt,
	); err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	return &t, nil
}

// CreateTranscription inserts a pending job for a recording. It returns
// ErrNotFound if the recording is missing or soft-deleted, and ErrConflict
// if the recording already has a non-deleted job.
func (db *DB) CreateTranscription(ctx context.Context, recordingID int64, modelName string) (*Transcription, error) {
	t, err := scanTranscription(db.Pool.QueryRow(ctx, `
		INSERT INTO transcriptions (recording_id, model_name, status)
		SELECT r.id, $2, 'pending'
		FROM recordings r
		WHERE r.id = $1 AND NOT r.is_deleted
		RETURNING `+transcriptionColumns,
		recordingID, pqString(modelName),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrNotFound
		case errors.As(err, &pgErr) && pgErr.Code == "23505":
			return nil, ErrConflict
		}
		return nil, storeErr("create transcription", err)
	}
	return t, nil
}

// GetTranscription returns a non-deleted job by id.
func (db *DB) GetTranscription(ctx context.Context, id int64) (*Transcription, error) {
	t, err := scanTranscription(db.Pool.QueryRow(ctx, `
		SELECT `+transcriptionColumns+`
		FROM transcriptions
		WHERE id = $1 AND NOT is_deleted
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get transcription", err)
	}
	return t, nil
}

// GetParentRecording returns the recording a job belongs to.
func (db *DB) GetParentRecording(ctx context.Context, transcriptionID int64) (*Recording, error) {
	r, err := scanRecording(db.Pool.QueryRow(ctx, `
		SELECT `+recordingColumns("r.")+`
		FROM transcriptions t
		JOIN recordings r ON r.id = t.recording_id
		WHERE t.id = $1 AND NOT t.is_deleted AND NOT r.is_deleted
	`, transcriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get parent recording", err)
	}
	return r, nil
}

// predecessors lists the states a row must be in for a write of next to apply.
func predecessors(next Status) []string {
	switch next {
	case StatusProcessing:
		return []string{string(StatusPending)}
	case StatusCompleted:
		return []string{string(StatusProcessing)}
	case StatusFailed:
		return []string{string(StatusPending), string(StatusProcessing)}
	}
	return nil
}

// UpdateTranscription writes the given fields as one atomic UPDATE.
//
// A status change only applies when the row currently sits on a valid
// predecessor state; otherwise ErrStaleStatus is returned and nothing is
// written. Updating a soft-deleted job is a successful no-op. A missing
// job yields ErrNotFound.
func (db *DB) UpdateTranscription(ctx context.Context, id int64, u TranscriptionUpdate) error {
	var sets []string
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	where := "id = $1 AND NOT is_deleted"
	if u.Status != nil {
		if _, err := ParseStatus(string(*u.Status)); err != nil {
			return err
		}
		prev := predecessors(*u.Status)
		if prev == nil {
			return fmt.Errorf("%w: cannot move a job back to %s", ErrInvalidStatus, *u.Status)
		}
		args = append(args, string(*u.Status))
		sets = append(sets, fmt.Sprintf("status = $%d::transcription_status", len(args)))
		args = append(args, prev)
		where += fmt.Sprintf(" AND status::text = ANY($%d)", len(args))
	}
	if u.Text != nil {
		add("text", *u.Text)
	}
	if u.Language != nil {
		add("language", *u.Language)
	}
	if u.Confidence != nil {
		add("confidence", *u.Confidence)
	}
	if u.ModelName != nil {
		add("model_name", *u.ModelName)
	}
	if u.Words != nil {
		add("words", u.Words)
	}
	if u.ClaimedAt != nil {
		add("claimed_at", *u.ClaimedAt)
	}
	if u.TranscribedAt != nil {
		add("transcribed_at", *u.TranscribedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := db.Pool.Exec(ctx,
		"UPDATE transcriptions SET "+strings.Join(sets, ", ")+" WHERE "+where, args...)
	if err != nil {
		return storeErr("update transcription", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: work out why.
	var deleted bool
	err = db.Pool.QueryRow(ctx, `SELECT is_deleted FROM transcriptions WHERE id = $1`, id).Scan(&deleted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return storeErr("update transcription", err)
	case deleted:
		return nil
	}
	return ErrStaleStatus
}

// ListTranscriptions returns non-deleted jobs, newest first, with the total count.
func (db *DB) ListTranscriptions(ctx context.Context, f TranscriptionFilter) ([]Transcription, int, error) {
	var status any
	if f.Status != nil {
		status = string(*f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int
	if err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM transcriptions
		WHERE NOT is_deleted AND ($1::text IS NULL OR status::text = $1)
	`, status).Scan(&total); err != nil {
		return nil, 0, storeErr("count transcriptions", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT `+transcriptionColumns+`
		FROM transcriptions
		WHERE NOT is_deleted AND ($1::text IS NULL OR status::text = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, f.Offset)
	if err != nil {
		return nil, 0, storeErr("list transcriptions", err)
	}
	defer rows.Close()

	result := []Transcription{}
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, 0, storeErr("scan transcription", err)
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("list transcriptions", err)
	}
	return result, total, nil
}

// SoftDeleteTranscription marks a job deleted. Deleted jobs disappear from
// every read and free the recording for a new job.
func (db *DB) SoftDeleteTranscription(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcriptions SET is_deleted = true
		WHERE id = $1 AND NOT is_deleted
	`, id)
	if err != nil {
		return storeErr("delete transcription", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingTranscriptionIDs returns ids of jobs still waiting for a worker,
// oldest first.
func (db *DB) ListPendingTranscriptionIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id FROM transcriptions
		WHERE status = 'pending' AND NOT is_deleted
		ORDER BY created_at
	`)
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	return ids, nil
}

// ReapStaleTranscriptions fails jobs that were claimed before cutoff and
// never reached a terminal state, e.g. because their worker died.
func (db *DB) ReapStaleTranscriptions(ctx context.Context, cutoff time.Time) ([]Orphan, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE transcriptions SET status = 'failed'
		WHERE status = 'processing' AND NOT is_deleted
			AND (claimed_at IS NULL OR claimed_at < $1)
		RETURNING id, recording_id
	`, cutoff)
	if err != nil {
		return nil, storeErr("reap stale", err)
	}
	orphans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Orphan, error) {
		var o Orphan
		err := row.Scan(&o.ID, &o.RecordingID)
		return o, err
	})
	if err != nil {
		return nil, storeErr("reap stale", err)
	}
	return orphans, nil
}
