package notify

import "context"

// Broker is a broadcast channel transport: every live subscriber of a
// channel receives each message published on it, at most once. Nothing is
// buffered for subscribers that are not connected.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string) (Subscription, error)
}

// Subscription is one live registration on a channel.
type Subscription interface {
	// Messages delivers payloads. It is closed after Close.
	Messages() <-chan []byte
	// Close unsubscribes and releases broker resources. Safe to call twice.
	Close()
}
