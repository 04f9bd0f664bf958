package notify

import (
	"context"
	"time"

	"github.com/pana-app/pana-engine/internal/metrics"
)

// Sink is the downstream side of a bridge: one client connection.
type Sink interface {
	// Send writes one event payload. An error means the peer is gone.
	Send(payload []byte) error
	// Ping writes a keepalive that carries no event.
	Ping() error
}

// Bridge forwards broker messages on one channel to a single downstream
// connection for as long as that connection stays open.
type Bridge struct {
	broker    Broker
	channel   string
	keepalive time.Duration
}

// NewBridge creates a bridge. keepalive <= 0 disables pings.
func NewBridge(broker Broker, channel string, keepalive time.Duration) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{broker: broker, channel: channel, keepalive: keepalive}
}

// Run subscribes once and forwards every message to sink until ctx is done
// (the peer disconnected) or a write fails. The subscription is always
// released before Run returns. Events published before Run subscribed are
// never delivered.
func (b *Bridge) Run(ctx context.Context, sink Sink) error {
	sub, err := b.broker.Subscribe(b.channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	var tick <-chan time.Time
	if b.keepalive > 0 {
		t := time.NewTicker(b.keepalive)
		defer t.Stop()
		tick = t.C
	}

	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			// the peer may have left while we were parked on the broker
			if ctx.Err() != nil {
				return nil
			}
			if err := sink.Send(payload); err != nil {
				return err
			}
			metrics.BridgeEventsForwardedTotal.Inc()
		case <-tick:
			if err := sink.Ping(); err != nil {
				return err
			}
		}
	}
}
