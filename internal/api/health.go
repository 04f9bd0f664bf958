package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pana-app/pana-engine/internal/ingest"
	"github.com/pana-app/pana-engine/internal/transcribe"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnStatus reports a long-lived connection's state.
type ConnStatus interface {
	IsConnected() bool
}

type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]string      `json:"checks"`
	Queues        map[string]int         `json:"queues,omitempty"`
	Workers       []transcribe.PoolStats `json:"workers,omitempty"`
	Watcher       *ingest.WatcherStats   `json:"watcher,omitempty"`
}

type HealthHandler struct {
	db        Pinger
	broker    ConnStatus
	queues    func() map[string]int
	workers   func() []transcribe.PoolStats
	watcher   func() ingest.WatcherStats
	version   string
	startTime time.Time
}

// NewHealthHandler creates the health endpoint. broker and queues may be nil.
func NewHealthHandler(db Pinger, broker ConnStatus, queues func() map[string]int, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		broker:    broker,
		queues:    queues,
		version:   version,
		startTime: startTime,
	}
}

// WithPipeline adds worker pool and inbox watcher stats to the response.
// Either may be nil.
func (h *HealthHandler) WithPipeline(workers func() []transcribe.PoolStats, watcher func() ingest.WatcherStats) *HealthHandler {
	h.workers = workers
	h.watcher = watcher
	return h
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// broker down degrades, database down fails
	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["broker"] = "ok"
		} else {
			checks["broker"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["broker"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.queues != nil {
		resp.Queues = h.queues()
	}
	if h.workers != nil {
		resp.Workers = h.workers()
	}
	if h.watcher != nil {
		ws := h.watcher()
		resp.Watcher = &ws
	}
	WriteJSON(w, httpStatus, resp)
}
