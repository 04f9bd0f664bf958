package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/rs/zerolog/hlog"
)

type EventsHandler struct {
	broker    notify.Broker
	channel   string
	keepalive time.Duration
}

// NewEventsHandler streams completion events from broker. keepalive <= 0
// disables keepalive comments.
func NewEventsHandler(broker notify.Broker, channel string, keepalive time.Duration) *EventsHandler {
	return &EventsHandler{broker: broker, channel: channel, keepalive: keepalive}
}

// sseSink writes one text/event-stream frame per event.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseSink) Send(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s sseSink) Ping() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamEvents opens an SSE connection and relays every notification
// published while it stays open. Nothing is replayed.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// the server-wide write timeout would cut long-lived streams
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := hlog.FromRequest(r)
	log.Info().Msg("SSE client connected")

	bridge := notify.NewBridge(h.broker, h.channel, h.keepalive)
	if err := bridge.Run(r.Context(), sseSink{w: w, flusher: flusher}); err != nil {
		log.Debug().Err(err).Msg("SSE stream ended with error")
	}
	log.Info().Msg("SSE client disconnected")
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/transcription-events", h.StreamEvents)
}
