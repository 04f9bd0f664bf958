package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/pana-app/pana-engine/internal/storage"
	"github.com/rs/zerolog"
)

const maxUploadBytes = 64 << 20

// RecordingStore is the recording side of the store used by uploads.
type RecordingStore interface {
	CreateRecording(ctx context.Context, row *database.RecordingRow) (*database.Recording, error)
	GetRecording(ctx context.Context, id int64) (*database.Recording, error)
	CreateTranscription(ctx context.Context, recordingID int64, modelName string) (*database.Transcription, error)
}

// AudioSaver persists uploaded audio under a locator key.
type AudioSaver interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// UploadHandler accepts recording uploads and optionally queues their transcription.
type UploadHandler struct {
	db           RecordingStore
	audio        AudioSaver
	dispatcher   Submitter
	defaultModel string
	log          zerolog.Logger
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(db RecordingStore, audio AudioSaver, dispatcher Submitter, defaultModel string, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		db:           db,
		audio:        audio,
		dispatcher:   dispatcher,
		defaultModel: defaultModel,
		log:          log.With().Str("handler", "upload").Logger(),
	}
}

// Routes registers the recording endpoints.
func (h *UploadHandler) Routes(r chi.Router) {
	r.Post("/recordings", h.Upload)
	r.Get("/recordings/{id}", h.GetRecording)
}

// Upload handles POST /api/v1/recordings.
//
// Form fields: file (required), duration_seconds, recorded_at (RFC 3339),
// location_text, transcribe (default true), priority, model_name.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read audio file")
		return
	}
	if len(data) == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "empty audio file")
		return
	}

	row := &database.RecordingRow{
		RecordedAt:   time.Now().UTC(),
		LocationText: r.FormValue("location_text"),
	}
	if v := r.FormValue("recorded_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "recorded_at must be RFC 3339")
			return
		}
		row.RecordedAt = t
	}
	if v := r.FormValue("duration_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "duration_seconds must be a non-negative integer")
			return
		}
		row.DurationSeconds = &n
	}
	transcribe := true
	if v := r.FormValue("transcribe"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "transcribe must be a boolean")
			return
		}
		transcribe = b
	}
	priority, err := queue.ParsePriority(r.FormValue("priority"))
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}

	row.FilePath = storage.RecordingKey(row.RecordedAt, header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(row.FilePath))
	}
	if err := h.audio.Save(r.Context(), row.FilePath, data, contentType); err != nil {
		h.log.Error().Err(err).Str("key", row.FilePath).Msg("save audio failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "could not save file")
		return
	}

	rec, err := h.db.CreateRecording(r.Context(), row)
	if err != nil {
		h.log.Error().Err(err).Str("key", row.FilePath).Msg("create recording failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to create recording")
		return
	}

	resp := map[string]any{"recording": rec}
	if transcribe {
		model := r.FormValue("model_name")
		if model == "" {
			model = h.defaultModel
		}
		t, err := h.db.CreateTranscription(r.Context(), rec.ID, model)
		if err != nil {
			h.log.Error().Err(err).Int64("recording_id", rec.ID).Msg("create transcription failed")
			WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "recording saved but transcription could not be created")
			return
		}
		if err := h.dispatcher.Submit(t.ID, priority); err != nil {
			h.log.Warn().Err(err).Int64("job_id", t.ID).Msg("submit after upload failed")
		}
		resp["transcription"] = t
	}

	h.log.Info().
		Int64("recording_id", rec.ID).
		Str("key", rec.FilePath).
		Int("bytes", len(data)).
		Bool("transcribe", transcribe).
		Msg("recording uploaded")
	WriteJSON(w, http.StatusCreated, resp)
}

// GetRecording handles GET /api/v1/recordings/{id}.
func (h *UploadHandler) GetRecording(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid recording ID")
		return
	}
	rec, err := h.db.GetRecording(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "recording not found")
		return
	}
	if err != nil {
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "failed to load recording")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
