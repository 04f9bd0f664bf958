package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/rs/zerolog/hlog"
)

// TranscriptionStore is the job store surface the HTTP layer uses.
type TranscriptionStore interface {
	CreateTranscription(ctx context.Context, recordingID int64, modelName string) (*database.Transcription, error)
	GetTranscription(ctx context.Context, id int64) (*database.Transcription, error)
	ListTranscriptions(ctx context.Context, f database.TranscriptionFilter) ([]database.Transcription, int, error)
	SoftDeleteTranscription(ctx context.Context, id int64) error
}

// Submitter places a job on a priority queue.
type Submitter interface {
	Submit(jobID int64, p queue.Priority) error
}

type TranscriptionsHandler struct {
	db           TranscriptionStore
	dispatcher   Submitter
	defaultModel string
}

func NewTranscriptionsHandler(db TranscriptionStore, dispatcher Submitter, defaultModel string) *TranscriptionsHandler {
	return &TranscriptionsHandler{db: db, dispatcher: dispatcher, defaultModel: defaultModel}
}

func (h *TranscriptionsHandler) Routes(r chi.Router) {
	r.Post("/transcriptions", h.CreateTranscription)
	r.Get("/transcriptions", h.ListTranscriptions)
	r.Get("/transcriptions/{id}", h.GetTranscription)
	r.Delete("/transcriptions/{id}", h.DeleteTranscription)
	r.Post("/transcriptions/{id}/submit", h.SubmitTranscription)
}

// CreateTranscription creates a pending job for a recording and queues it.
func (h *TranscriptionsHandler) CreateTranscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecordingID int64  `json:"recording_id"`
		ModelName   string `json:"model_name"`
		Priority    string `json:"priority"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body")
		return
	}
	if body.RecordingID <= 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "recording_id is required")
		return
	}
	priority, err := queue.ParsePriority(body.Priority)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	model := body.ModelName
	if model == "" {
		model = h.defaultModel
	}

	t, err := h.db.CreateTranscription(r.Context(), body.RecordingID, model)
	switch {
	case errors.Is(err, database.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "recording not found")
		return
	case errors.Is(err, database.ErrConflict):
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "transcription already exists for this recording")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Int64("recording_id", body.RecordingID).Msg("create transcription failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to create transcription")
		return
	}

	// a failed submit leaves the job pending for resubmission or recovery
	if err := h.dispatcher.Submit(t.ID, priority); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Int64("job_id", t.ID).Msg("submit after create failed")
	}
	WriteJSON(w, http.StatusCreated, t)
}

// SubmitTranscription re-queues an existing pending job.
func (h *TranscriptionsHandler) SubmitTranscription(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid transcription ID")
		return
	}
	priority, err := queue.ParsePriority(r.URL.Query().Get("priority"))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}

	t, err := h.db.GetTranscription(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "transcription not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load transcription")
		return
	}
	if t.Status != database.StatusPending {
		WriteErrorWithCode(w, http.StatusConflict, ErrConflict, "transcription is "+t.Status.String()+", only pending jobs can be submitted")
		return
	}
	if err := h.dispatcher.Submit(id, priority); err != nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrInternal, "queue unavailable")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":       id,
		"priority": priority,
	})
}

// GetTranscription returns one job.
func (h *TranscriptionsHandler) GetTranscription(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid transcription ID")
		return
	}
	t, err := h.db.GetTranscription(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "transcription not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load transcription")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

// ListTranscriptions returns jobs, optionally filtered by status.
func (h *TranscriptionsHandler) ListTranscriptions(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	filter := database.TranscriptionFilter{Limit: p.Limit, Offset: p.Offset}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := database.ParseStatus(v)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
		filter.Status = &st
	}

	items, total, err := h.db.ListTranscriptions(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list transcriptions failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to list transcriptions")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"transcriptions": items,
		"total":          total,
		"limit":          p.Limit,
		"offset":         p.Offset,
	})
}

// DeleteTranscription soft-deletes a job.
func (h *TranscriptionsHandler) DeleteTranscription(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid transcription ID")
		return
	}
	err = h.db.SoftDeleteTranscription(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "transcription not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to delete transcription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
