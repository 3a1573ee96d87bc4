// Package telemetry turns device state reports into field change events.
// Reports arrive on MQTT, are buffered in a Redis stream and applied in order.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/metrics"
	"smarthome-automations/internal/models"
	"smarthome-automations/internal/mqtt"
	"smarthome-automations/internal/utils"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StateTopic is the MQTT filter devices report their state on
const StateTopic = "devices/+/state"

// Subscriber is the MQTT side of the consumer
type Subscriber interface {
	Subscribe(topic string, h mqtt.Handler) error
	Unsubscribe(topics ...string) error
}

// StateStore applies snapshots and returns the previous one
type StateStore interface {
	ApplyState(ctx context.Context, id string, state models.DeviceState, at time.Time) (models.DeviceState, bool, error)
}

// Consumer reads device state reports and emits one StateChange per changed field
type Consumer struct {
	redis    *redis.Client
	sub      Subscriber
	states   StateStore
	onChange func(models.StateChange)
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	lastID string
	done   chan struct{}
}

// NewConsumer creates a telemetry consumer
func NewConsumer(redisClient *redis.Client, sub Subscriber, states StateStore, onChange func(models.StateChange)) *Consumer {
	return &Consumer{
		redis:    redisClient,
		sub:      sub,
		states:   states,
		onChange: onChange,
		log:      utils.Component("telemetry"),
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Start resumes from the last applied stream entry, subscribes to state reports
// and starts the stream reader. It stops when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.resume(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.ctx = ctx
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.sub.Subscribe(StateTopic, c.ingest); err != nil {
		return fmt.Errorf("subscribe %s: %w", StateTopic, err)
	}
	c.log.Info().Str("stream", utils.TelemetryStream).Str("from", c.lastID).Msg("Telemetry consumer started")
	go c.loop(ctx)
	return nil
}

// Wait blocks until the reader loop has exited
func (c *Consumer) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// resume picks the stream position to continue from. Without a stored position the
// consumer starts after the newest entry so history is not replayed.
func (c *Consumer) resume(ctx context.Context) error {
	id, err := c.redis.Get(ctx, utils.TelemetryLastIDKey).Result()
	if err == nil && id != "" {
		c.lastID = id
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read last telemetry id: %w", err)
	}

	entries, err := c.redis.XRevRangeN(ctx, utils.TelemetryStream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read telemetry stream tail: %w", err)
	}
	c.lastID = "0-0"
	if len(entries) > 0 {
		c.lastID = entries[0].ID
	}
	return nil
}

// ingest appends one MQTT state report to the stream
func (c *Consumer) ingest(topic string, payload []byte) {
	deviceID := utils.ParseDeviceID(topic)
	if deviceID == "" {
		return
	}
	var state models.DeviceState
	if err := json.Unmarshal(payload, &state); err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("Ignoring malformed state report")
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: utils.TelemetryStream,
		MaxLen: utils.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": deviceID,
			"state":     string(payload),
			"timestamp": c.now().UnixNano(),
		},
	}).Err()
	if err != nil {
		c.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to buffer state report")
	}
}

func (c *Consumer) loop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if c.done != nil {
			close(c.done)
		}
		c.mu.Unlock()
	}()
	for ctx.Err() == nil {
		if _, err := c.readOnce(ctx, utils.DebounceWindow); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msg("Telemetry read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// readOnce applies the next batch of stream entries. A negative block does not wait.
func (c *Consumer) readOnce(ctx context.Context, block time.Duration) (int, error) {
	streams, err := c.redis.XRead(ctx, &redis.XReadArgs{
		Streams: []string{utils.TelemetryStream, c.lastID},
		Count:   100,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	n := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.apply(ctx, msg)
			c.lastID = msg.ID
			n++
		}
	}
	if n > 0 {
		if err := c.redis.Set(ctx, utils.TelemetryLastIDKey, c.lastID, 0).Err(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to store telemetry position")
		}
	}
	return n, nil
}

func (c *Consumer) apply(ctx context.Context, msg redis.XMessage) {
	deviceID, _ := msg.Values["device_id"].(string)
	raw, _ := msg.Values["state"].(string)
	var state models.DeviceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil || deviceID == "" {
		c.log.Warn().Str("entry", msg.ID).Msg("Skipping malformed stream entry")
		return
	}

	at := c.now()
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if ns, err := strconv.ParseInt(ts, 10, 64); err == nil {
			at = time.Unix(0, ns)
		}
	}

	prev, _, err := c.states.ApplyState(ctx, deviceID, state, at)
	if err != nil {
		c.log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to apply state report")
		return
	}
	metrics.TelemetryMessages.Inc()
	changes := automation.DiffState(deviceID, prev, state, at)
	c.log.Debug().Str("device_id", deviceID).Int("changes", len(changes)).Msg("State report applied")
	for _, ch := range changes {
		c.onChange(ch)
	}
}
