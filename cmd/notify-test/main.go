package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/pana-app/pana-engine/internal/config"
	"github.com/pana-app/pana-engine/internal/mqttclient"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/rs/zerolog"
)

// notify-test publishes one hand-built completion event so the event
// stream can be checked end to end without running a transcription.
func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL")
	id := flag.Int64("id", 1, "transcription id")
	recording := flag.Int64("recording", 1, "recording id")
	status := flag.String("status", "completed", "terminal status (completed or failed)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	conn, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.MQTTBrokerURL,
		ClientID:  cfg.MQTTClientID + "-notify-test",
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer conn.Close()

	e := notify.Event{TranscriptionID: *id, RecordingID: *recording, Status: *status}
	payload, err := e.Encode()
	if err != nil {
		log.Fatal().Err(err).Msg("encode event")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Publish(ctx, cfg.NotifyChannel, payload); err != nil {
		log.Fatal().Err(err).Msg("publish failed")
	}
	log.Info().Str("channel", cfg.NotifyChannel).RawJSON("event", payload).Msg("event published")
}
