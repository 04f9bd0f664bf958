package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	panaengine "github.com/pana-app/pana-engine"
	"github.com/pana-app/pana-engine/internal/api"
	"github.com/pana-app/pana-engine/internal/config"
	"github.com/pana-app/pana-engine/internal/database"
	"github.com/pana-app/pana-engine/internal/ingest"
	"github.com/pana-app/pana-engine/internal/metrics"
	"github.com/pana-app/pana-engine/internal/mqttclient"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/pana-app/pana-engine/internal/queue"
	"github.com/pana-app/pana-engine/internal/storage"
	"github.com/pana-app/pana-engine/internal/transcribe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local audio directory")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "inbox directory to ingest audio from")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pana-engine", version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("pana-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, database.Options{URL: cfg.DatabaseURL, Log: dbLog})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx, panaengine.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// MQTT: the publisher and the event stream each own a connection
	mqttLog := log.With().Str("component", "mqtt").Logger()
	pubConn, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID + "-pub",
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog.With().Str("conn", "publisher").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer pubConn.Close()
	eventsConn, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID + "-events",
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog.With().Str("conn", "events").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer eventsConn.Close()
	publisher := notify.NewPublisher(pubConn, cfg.NotifyChannel, log.With().Str("component", "notify").Logger())

	// Audio storage
	audio, err := storage.New(cfg.S3, cfg.AudioDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}

	// Transcription backend and workers
	provider := newProvider(cfg)
	backend := transcribe.NewBackend(transcribe.BackendOptions{
		Provider: provider,
		Audio:    audio,
		Timeout:  cfg.WhisperTimeout,
		Request: transcribe.TranscribeOpts{
			Temperature: cfg.WhisperTemperature,
			Language:    cfg.WhisperLanguage,
			Prompt:      cfg.WhisperPrompt,
		},
		Log: log.With().Str("component", "backend").Logger(),
	})
	workerLog := log.With().Str("component", "worker").Logger()
	worker := transcribe.NewWorker(db, backend, publisher, workerLog)

	dispatcher := queue.NewDispatcher(log.With().Str("component", "dispatcher").Logger())
	pools := []*transcribe.WorkerPool{
		transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
			Priority:  queue.PriorityHigh,
			Queue:     dispatcher.Queue(queue.PriorityHigh),
			Processor: worker,
			Workers:   cfg.HighPriorityWorkers,
			Log:       workerLog,
		}),
		transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
			Priority:  queue.PriorityDefault,
			Queue:     dispatcher.Queue(queue.PriorityDefault),
			Processor: worker,
			Workers:   cfg.DefaultWorkers,
			Log:       workerLog,
		}),
	}
	for _, p := range pools {
		p.Start()
	}
	log.Info().
		Str("provider", provider.Name()).
		Str("model", provider.Model()).
		Str("storage", audio.Type()).
		Msg("transcription pipeline ready")

	// Recovery: fail jobs orphaned by a previous run, then requeue pending ones
	recoveryLog := log.With().Str("component", "recovery").Logger()
	if cfg.StaleJobAfter > 0 {
		if n, err := transcribe.ReapStale(ctx, db, publisher, time.Now().Add(-cfg.StaleJobAfter), recoveryLog); err != nil {
			log.Error().Err(err).Msg("reap stale jobs failed")
		} else if n > 0 {
			log.Warn().Int("jobs", n).Msg("stale jobs failed at startup")
		}
		go transcribe.RunReaper(ctx, db, publisher, max(cfg.StaleJobAfter/2, time.Minute), cfg.StaleJobAfter, recoveryLog)
	}
	if cfg.RecoverPending {
		if _, err := transcribe.ResubmitPending(ctx, db, dispatcher, recoveryLog); err != nil {
			log.Error().Err(err).Msg("resubmit pending jobs failed")
		}
	}

	// Metrics
	prometheus.MustRegister(metrics.NewCollector(db.Pool, pipelineStats{
		dispatcher: dispatcher,
		events:     eventsConn,
		channel:    cfg.NotifyChannel,
	}))

	// Inbox watcher
	var watcher *ingest.FileWatcher
	if cfg.WatchDir != "" {
		watcher = ingest.NewFileWatcher(ingest.WatcherOptions{
			Dir:       cfg.WatchDir,
			Model:     provider.Model(),
			Store:     db,
			Audio:     audio,
			Submitter: dispatcher,
			Log:       log,
		})
		if err := watcher.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start file watcher")
		}
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		DB:         db,
		Audio:      audio,
		Dispatcher: dispatcher,
		Events:     eventsConn,
		BrokerConn: pubConn,
		Queues: func() map[string]int {
			return pipelineStats{dispatcher: dispatcher}.QueueDepths()
		},
		Workers: func() []transcribe.PoolStats {
			out := make([]transcribe.PoolStats, 0, len(pools))
			for _, p := range pools {
				out = append(out, p.Stats())
			}
			return out
		},
		Watcher:   watcherStats(watcher),
		Model:     provider.Model(),
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop intake, then drain workers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	for _, p := range pools {
		p.Stop(shutdownCtx)
	}
	dispatcher.Close()

	log.Info().Msg("pana-engine stopped")
}

func newProvider(cfg *config.Config) transcribe.Provider {
	if cfg.STTProvider == "deepinfra" {
		return transcribe.NewDeepInfraClient(cfg.DeepInfraAPIKey, cfg.DeepInfraModel, cfg.WhisperTimeout)
	}
	return transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.WhisperTimeout)
}

func watcherStats(fw *ingest.FileWatcher) func() ingest.WatcherStats {
	if fw == nil {
		return nil
	}
	return fw.Stats
}

// pipelineStats feeds live queue and subscriber gauges to the collector.
type pipelineStats struct {
	dispatcher *queue.Dispatcher
	events     *mqttclient.Client
	channel    string
}

func (s pipelineStats) QueueDepths() map[string]int {
	out := make(map[string]int)
	for p, n := range s.dispatcher.Depths() {
		out[string(p)] = n
	}
	return out
}

func (s pipelineStats) BridgeSubscribers() int {
	if s.events == nil {
		return 0
	}
	return s.events.SubscriberCount(s.channel)
}
