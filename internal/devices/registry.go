// Package devices is the engine's view of the device registry: existence checks,
// live field values and state snapshots.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"smarthome-automations/internal/db"
	"smarthome-automations/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DeviceQuerier is the persistent side of the registry
type DeviceQuerier interface {
	DeviceExists(ctx context.Context, id string) (bool, error)
	GetDeviceByID(ctx context.Context, id string) (*models.Device, error)
	GetDeviceState(ctx context.Context, id string) (json.RawMessage, time.Time, error)
	UpdateDeviceState(ctx context.Context, id string, state json.RawMessage) error
	ListDevicesByOwner(ctx context.Context, ownerID int64) ([]models.Device, error)
}

// Registry caches device state in Redis and falls back to Postgres on a miss
type Registry struct {
	redis *redis.Client
	db    DeviceQuerier
	ttl   time.Duration
}

// NewRegistry creates a registry. A zero ttl keeps cached state forever.
func NewRegistry(redisClient *redis.Client, querier DeviceQuerier, ttl time.Duration) *Registry {
	return &Registry{redis: redisClient, db: querier, ttl: ttl}
}

func stateKey(id string) string {
	return fmt.Sprintf("device:%s", id)
}

type snapshot struct {
	state     models.DeviceState
	updatedAt time.Time
}

// DeviceExists reports whether the device is registered
func (r *Registry) DeviceExists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return r.db.DeviceExists(ctx, id)
}

// Get returns one registered device
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	return r.db.GetDeviceByID(ctx, id)
}

// ListByOwner returns the devices of a user
func (r *Registry) ListByOwner(ctx context.Context, ownerID int64) ([]models.Device, error) {
	return r.db.ListDevicesByOwner(ctx, ownerID)
}

// GetFieldValue returns the latest known value of a device field
func (r *Registry) GetFieldValue(ctx context.Context, id, field string) (models.FieldReading, error) {
	snap, found, err := r.load(ctx, id)
	if err != nil || !found {
		return models.FieldReading{}, err
	}
	v, ok := snap.state[field]
	if !ok {
		return models.FieldReading{}, nil
	}
	return models.FieldReading{Value: v, UpdatedAt: snap.updatedAt, Found: true}, nil
}

// load reads the cached snapshot, filling the cache from Postgres on a miss
func (r *Registry) load(ctx context.Context, id string) (snapshot, bool, error) {
	snap, found, err := r.cached(ctx, id)
	if err != nil || found {
		return snap, found, err
	}

	raw, updatedAt, err := r.db.GetDeviceState(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return snapshot{}, false, nil
	}
	if err != nil {
		return snapshot{}, false, fmt.Errorf("load state of device %s: %w", id, err)
	}
	state := models.DeviceState{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return snapshot{}, false, fmt.Errorf("decode state of device %s: %w", id, err)
		}
	}
	snap = snapshot{state: state, updatedAt: updatedAt}
	if err := r.store(ctx, id, raw, updatedAt); err != nil {
		log.Warn().Err(err).Str("device_id", id).Msg("Failed to cache device state")
	}
	return snap, true, nil
}

func (r *Registry) cached(ctx context.Context, id string) (snapshot, bool, error) {
	vals, err := r.redis.HGetAll(ctx, stateKey(id)).Result()
	if err != nil {
		return snapshot{}, false, fmt.Errorf("read cached state of device %s: %w", id, err)
	}
	raw, ok := vals["state"]
	if !ok {
		return snapshot{}, false, nil
	}
	state := models.DeviceState{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return snapshot{}, false, fmt.Errorf("decode cached state of device %s: %w", id, err)
	}
	var updatedAt time.Time
	if ns, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		updatedAt = time.Unix(0, ns)
	}
	return snapshot{state: state, updatedAt: updatedAt}, true, nil
}

func (r *Registry) store(ctx context.Context, id string, raw []byte, at time.Time) error {
	key := stateKey(id)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, "state", string(raw), "updated_at", strconv.FormatInt(at.UnixNano(), 10))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ApplyState stores a new snapshot and returns the one it replaced.
// found is false when the device had no known state.
func (r *Registry) ApplyState(ctx context.Context, id string, state models.DeviceState, at time.Time) (prev models.DeviceState, found bool, err error) {
	old, found, err := r.load(ctx, id)
	if err != nil {
		return nil, false, err
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, false, fmt.Errorf("encode state of device %s: %w", id, err)
	}
	if err := r.store(ctx, id, raw, at); err != nil {
		return nil, false, fmt.Errorf("cache state of device %s: %w", id, err)
	}

	go func() {
		if err := r.db.UpdateDeviceState(context.Background(), id, raw); err != nil {
			log.Error().Err(err).Str("device_id", id).Msg("Failed to persist device state")
		}
	}()
	return old.state, found, nil
}
