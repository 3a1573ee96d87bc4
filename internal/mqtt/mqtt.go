package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when publishing while the broker connection is down
var ErrNotConnected = errors.New("mqtt client not connected")

// Handler receives messages of a subscription
type Handler func(topic string, payload []byte)

// Options configures the broker connection
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	PublishTimeout time.Duration
	QoS            byte
}

// Client wraps a paho client and restores subscriptions after reconnects. Components subscribe
// through their own Session; a filter subscribed by several sessions is one broker subscription
// whose messages go to every session's handler.
type Client struct {
	raw  MQTT.Client
	opts Options

	mu       sync.Mutex
	subs     map[string]map[uint64]Handler
	sessions uint64
}

// NewMQTTClient connects to the broker
func NewMQTTClient(opts Options) (*Client, error) {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	c := &Client{opts: opts, subs: make(map[string]map[uint64]Handler)}

	o := MQTT.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ MQTT.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})
	if opts.Username != "" {
		o.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	c.raw = MQTT.NewClient(o)
	if token := c.raw.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

func (c *Client) onConnect(_ MQTT.Client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	log.Info().Str("broker", c.opts.Broker).Int("subscriptions", len(topics)).Msg("MQTT connected")
	for _, topic := range topics {
		if err := c.subscribe(topic); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("MQTT resubscribe failed")
		}
	}
}

// Publish sends a message and waits for the broker acknowledgement, the publish timeout or ctx
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.raw.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.raw.Publish(topic, c.opts.QoS, false, payload)

	timer := time.NewTimer(c.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("publish to %s: timed out after %s", topic, c.opts.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAsync hands the message to the client without waiting for the broker
func (c *Client) PublishAsync(topic string, payload []byte) error {
	if !c.raw.IsConnectionOpen() {
		return ErrNotConnected
	}
	c.raw.Publish(topic, c.opts.QoS, false, payload)
	return nil
}

// Session is one component's view of the client's subscriptions
type Session struct {
	c  *Client
	id uint64
}

// Session returns a new, empty subscription scope
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions++
	return &Session{c: c, id: c.sessions}
}

// Subscribe registers h for topic, replacing this session's previous handler for it.
// The subscription survives reconnects.
func (s *Session) Subscribe(topic string, h Handler) error {
	c := s.c
	c.mu.Lock()
	hs, ok := c.subs[topic]
	if !ok {
		hs = make(map[uint64]Handler)
		c.subs[topic] = hs
	}
	hs[s.id] = h
	c.mu.Unlock()
	if ok {
		return nil
	}

	if err := c.subscribe(topic); err != nil {
		c.mu.Lock()
		if hs := c.subs[topic]; hs != nil {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(c.subs, topic)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes this session's handlers for the given topics. The broker subscription
// is dropped once no session is left on a topic.
func (s *Session) Unsubscribe(topics ...string) error {
	c := s.c
	var last []string
	c.mu.Lock()
	for _, t := range topics {
		hs, ok := c.subs[t]
		if !ok {
			continue
		}
		if _, mine := hs[s.id]; !mine {
			continue
		}
		delete(hs, s.id)
		if len(hs) == 0 {
			delete(c.subs, t)
			last = append(last, t)
		}
	}
	c.mu.Unlock()
	if len(last) == 0 {
		return nil
	}

	token := c.raw.Unsubscribe(last...)
	token.Wait()
	return token.Error()
}

func (c *Client) subscribe(topic string) error {
	token := c.raw.Subscribe(topic, c.opts.QoS, func(_ MQTT.Client, msg MQTT.Message) {
		c.dispatch(topic, msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// dispatch hands a message received on filter to every session subscribed to it, oldest first
func (c *Client) dispatch(filter, topic string, payload []byte) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.subs[filter]))
	for id := range c.subs[filter] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[filter][id])
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// Connected reports whether the broker connection is up
func (c *Client) Connected() bool {
	return c.raw.IsConnectionOpen()
}

// Disconnect closes the connection after letting in-flight work finish
func (c *Client) Disconnect() {
	c.raw.Disconnect(250)
}
