package notify

import (
	"context"
	"sync"
)

// Bus is an in-process Broker for single-binary deployments and tests.
// Slow subscribers drop messages rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan []byte
	nextID      uint64
	bufSize     int
}

// NewBus creates a bus whose subscriber channels buffer bufSize messages.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subscribers: make(map[string]map[uint64]chan []byte),
		bufSize:     bufSize,
	}
}

// Publish sends payload to every current subscriber of channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
			// Drop if subscriber is slow
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (b *Bus) Subscribe(channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, b.bufSize)
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[uint64]chan []byte)
	}
	b.subscribers[channel][id] = ch
	return &busSubscription{bus: b, channel: channel, id: id, ch: ch}, nil
}

// SubscriberCount returns the number of live subscribers on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}
	close(ch)
}

type busSubscription struct {
	bus     *Bus
	channel string
	id      uint64
	ch      chan []byte
	once    sync.Once
}

func (s *busSubscription) Messages() <-chan []byte { return s.ch }

func (s *busSubscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s.channel, s.id) })
}
