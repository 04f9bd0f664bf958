package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pana-app/pana-engine/internal/config"
	"github.com/pana-app/pana-engine/internal/ingest"
	"github.com/pana-app/pana-engine/internal/metrics"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/pana-app/pana-engine/internal/transcribe"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Store is everything the HTTP layer reads and writes.
type Store interface {
	Pinger
	TranscriptionStore
	RecordingStore
}

// ServerOptions wires the HTTP layer to the pipeline.
type ServerOptions struct {
	Config     *config.Config
	DB         Store
	Audio      AudioSaver
	Dispatcher Submitter
	Events     notify.Broker // source for the event stream; nil disables it
	BrokerConn ConnStatus    // nil when no external broker is used
	Queues     func() map[string]int
	Workers    func() []transcribe.PoolStats
	Watcher    func() ingest.WatcherStats // nil when no inbox is watched
	Model      string
	Version    string
	StartTime  time.Time
	Log        zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewRouter builds the route tree. Split out from NewServer for tests.
func NewRouter(opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORS)

	health := NewHealthHandler(opts.DB, opts.BrokerConn, opts.Queues, opts.Version, opts.StartTime).
		WithPipeline(opts.Workers, opts.Watcher)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		r.Get("/health", health.ServeHTTP)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(opts.Config.AuthToken))
			NewTranscriptionsHandler(opts.DB, opts.Dispatcher, opts.Model).Routes(r)
			NewUploadHandler(opts.DB, opts.Audio, opts.Dispatcher, opts.Model, opts.Log).Routes(r)
			NewEventsHandler(opts.Events, opts.Config.NotifyChannel, 15*time.Second).Routes(r)
		})
	})
	return r
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
