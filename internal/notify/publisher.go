package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pana-app/pana-engine/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrPublish marks a failed broadcast. Publisher never returns it; it is
// only logged.
var ErrPublish = errors.New("publish notification")

// Publisher broadcasts job completion events, fire-and-forget.
type Publisher struct {
	broker  Broker
	channel string
	timeout time.Duration
	log     zerolog.Logger
}

// NewPublisher creates a publisher on channel. An empty channel uses DefaultChannel.
func NewPublisher(broker Broker, channel string, log zerolog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		broker:  broker,
		channel: channel,
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Notify publishes e. Failures are logged and swallowed so they can never
// affect the job state transition that triggered them.
func (p *Publisher) Notify(ctx context.Context, e Event) {
	if err := p.publish(ctx, e); err != nil {
		metrics.NotificationsPublishedTotal.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).
			Int64("transcription_id", e.TranscriptionID).
			Str("status", e.Status).
			Msg("notification dropped")
		return
	}
	metrics.NotificationsPublishedTotal.WithLabelValues("ok").Inc()
}

func (p *Publisher) publish(ctx context.Context, e Event) (err error) {
	if p.broker == nil {
		return fmt.Errorf("%w: no broker configured", ErrPublish)
	}
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPublish, rv)
		}
	}()

	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.broker.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}
