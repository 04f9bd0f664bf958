package mqttclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pana-app/pana-engine/internal/notify"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when publishing while the broker link is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Client is an MQTT-backed notify.Broker. Topics are the notification
// channels; messages go out at QoS 0, matching the at-most-once contract.
type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	log       zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]chan []byte
	nextID uint64
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

// Connect dials the broker. Each component that needs a broker handle
// owns its own Client and closes it on shutdown.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		log:  opts.Log,
		subs: make(map[string]map[uint64]chan []byte),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// onConnect restores topic subscriptions after a (re)connect.
func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	c.mu.RLock()
	filters := make(map[string]byte, len(c.subs))
	for topic := range c.subs {
		filters[topic] = 0
	}
	c.mu.RUnlock()

	c.log.Info().Int("topics", len(filters)).Msg("mqtt connected")
	if len(filters) == 0 {
		return
	}
	token := client.SubscribeMultiple(filters, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt resubscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs[msg.Topic()] {
		payload := append([]byte(nil), msg.Payload()...)
		select {
		case ch <- payload:
		default:
			c.log.Debug().Str("topic", msg.Topic()).Msg("subscriber slow, message dropped")
		}
	}
}

// Publish sends payload on topic at QoS 0.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.conn.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.conn.Publish(topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a local subscriber. The broker subscription for a
// topic is created with its first local subscriber and removed with its last.
func (c *Client) Subscribe(topic string) (notify.Subscription, error) {
	c.mu.Lock()
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[uint64]chan []byte)
	}
	id := c.nextID
	c.nextID++
	ch := make(chan []byte, 64)
	c.subs[topic][id] = ch
	c.mu.Unlock()

	if first {
		token := c.conn.Subscribe(topic, 0, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.remove(topic, id)
			return nil, err
		}
		c.log.Debug().Str("topic", topic).Msg("mqtt subscribed")
	}
	return &subscription{client: c, topic: topic, id: id, ch: ch}, nil
}

// remove drops a local subscriber and reports whether it was the last one.
func (c *Client) remove(topic string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[topic]
	ch, ok := subs[id]
	if !ok {
		return false
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(c.subs, topic)
		return true
	}
	return false
}

// SubscriberCount returns the number of local subscribers on topic.
func (c *Client) SubscriberCount(topic string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[topic])
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

type subscription struct {
	client *Client
	topic  string
	id     uint64
	ch     chan []byte
	once   sync.Once
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() {
		if !s.client.remove(s.topic, s.id) {
			return
		}
		token := s.client.conn.Unsubscribe(s.topic)
		if !token.WaitTimeout(2 * time.Second) {
			s.client.log.Warn().Str("topic", s.topic).Msg("mqtt unsubscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			s.client.log.Warn().Err(err).Str("topic", s.topic).Msg("mqtt unsubscribe failed")
		}
	})
}
