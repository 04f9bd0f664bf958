package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/rs/zerolog"
)

// Store is the slice of the job store a Worker needs.
type Store interface {
	GetTranscription(ctx context.Context, id int64) (*database.Transcription, error)
	GetParentRecording(ctx context.Context, transcriptionID int64) (*database.Recording, error)
	UpdateTranscription(ctx context.Context, id int64, u database.TranscriptionUpdate) error
}

// Transcriber runs the remote transcription for one recording.
type Transcriber interface {
	Transcribe(ctx context.Context, locator string) (*Response, error)
	Model() string
}

// Notifier broadcasts terminal transitions. Implementations must not fail.
type Notifier interface {
	Notify(ctx context.Context, e notify.Event)
}

// Outcome is what a single Process call did with a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped" // missing, already claimed or terminal
	OutcomeError     Outcome = "error"   // store failure, job state unconfirmed
)

// Worker drives one job through pending → processing → completed|failed.
type Worker struct {
	store    Store
	backend  Transcriber
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger
}

// NewWorker creates a worker. Each pool slot may share one Worker; it holds
// no per-job state.
func NewWorker(store Store, backend Transcriber, notifier Notifier, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		backend:  backend,
		notifier: notifier,
		now:      time.Now,
		log:      log,
	}
}

// Process executes job id end to end.
//
// A missing job, or one that is no longer pending, is skipped without an
// event. A missing parent recording fails the job. Backend and confidence
// errors fail the job and are returned. A store error on the final write is
// returned without publishing; the job then stays processing until reaped.
func (w *Worker) Process(ctx context.Context, id int64) (Outcome, error) {
	log := w.log.With().Int64("job_id", id).Logger()

	job, err := w.store.GetTranscription(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn().Msg("job not found, skipping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, err
	}
	if job.Status != database.StatusPending {
		log.Debug().Str("status", job.Status.String()).Msg("job not pending, nothing to do")
		return OutcomeSkipped, nil
	}
	log = log.With().Int64("recording_id", job.RecordingID).Logger()

	rec, err := w.store.GetParentRecording(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn().Msg("parent recording not found, failing job")
		if err := w.fail(ctx, job); err != nil {
			return OutcomeError, err
		}
		return OutcomeFailed, nil
	}
	if err != nil {
		return OutcomeError, err
	}

	claimed := database.StatusProcessing
	claimedAt := w.now()
	err = w.store.UpdateTranscription(ctx, id, database.TranscriptionUpdate{
		Status:    &claimed,
		ClaimedAt: &claimedAt,
	})
	if errors.Is(err, database.ErrStaleStatus) || errors.Is(err, database.ErrNotFound) {
		log.Debug().Err(err).Msg("claim lost, skipping")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeError, err
	}

	update, err := w.run(ctx, rec.FilePath)
	if err != nil {
		log.Warn().Err(err).Msg("transcription failed")
		if ferr := w.fail(ctx, job); ferr != nil {
			return OutcomeError, errors.Join(err, ferr)
		}
		return OutcomeFailed, err
	}

	if err := w.store.UpdateTranscription(context.WithoutCancel(ctx), id, update); err != nil {
		log.Error().Err(err).Msg("final write failed, job left processing")
		return OutcomeError, fmt.Errorf("complete job %d: %w", id, err)
	}

	w.notifier.Notify(ctx, notify.Event{
		TranscriptionID: id,
		RecordingID:     job.RecordingID,
		Status:          database.StatusCompleted.String(),
	})
	ev := log.Info().Str("language", *update.Language)
	if update.Confidence != nil {
		ev = ev.Float64("confidence", *update.Confidence)
	}
	ev.Msg("transcription complete")
	return OutcomeCompleted, nil
}

// run calls the backend and builds the completion write.
func (w *Worker) run(ctx context.Context, locator string) (database.TranscriptionUpdate, error) {
	resp, err := w.backend.Transcribe(ctx, locator)
	if err != nil {
		return database.TranscriptionUpdate{}, err
	}

	var confidence *float64
	if len(resp.Segments) > 0 {
		c, err := Confidence(resp.Segments)
		if err != nil {
			return database.TranscriptionUpdate{}, fmt.Errorf("confidence: %w", err)
		}
		confidence = &c
	}

	words := resp.Words
	if words == nil {
		words = []Word{}
	}
	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return database.TranscriptionUpdate{}, fmt.Errorf("marshal words: %w", err)
	}

	completed := database.StatusCompleted
	text := strings.TrimSpace(resp.Text)
	language := resp.Language
	model := w.backend.Model()
	transcribedAt := w.now()
	return database.TranscriptionUpdate{
		Status:        &completed,
		Text:          &text,
		Language:      &language,
		Confidence:    confidence,
		ModelName:     &model,
		Words:         wordsJSON,
		TranscribedAt: &transcribedAt,
	}, nil
}

// fail writes the failed status and publishes the failure event. The write
// survives cancellation of ctx so a shutdown never strands a claimed job.
func (w *Worker) fail(ctx context.Context, job *database.Transcription) error {
	failed := database.StatusFailed
	err := w.store.UpdateTranscription(context.WithoutCancel(ctx), job.ID, database.TranscriptionUpdate{
		Status: &failed,
	})
	if err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}
	w.notifier.Notify(ctx, notify.Event{
		TranscriptionID: job.ID,
		RecordingID:     job.RecordingID,
		Status:          failed.String(),
	})
	return nil
}
