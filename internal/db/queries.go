package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"smarthome-automations/internal/models"

	"github.com/jackc/pgx/v5"
)

const deviceColumns = "device_id, name, type, state, mqtt_topic, accepted, owner_id"

func scanDevice(row pgx.Row) (*models.Device, error) {
	var device models.Device
	err := row.Scan(&device.ID, &device.Name, &device.Type, &device.State, &device.MQTTTopic, &device.Accepted, &device.OwnerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// GetDeviceByID fetches a device by ID
func (d *DB) GetDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	return scanDevice(d.pool.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE device_id = $1", id))
}

// GetDeviceState fetches the persisted state of a device and when it was written
func (d *DB) GetDeviceState(ctx context.Context, id string) (json.RawMessage, time.Time, error) {
	var state json.RawMessage
	var updatedAt time.Time
	err := d.pool.QueryRow(ctx, "SELECT state, updated_at FROM devices WHERE device_id = $1", id).Scan(&state, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	return state, updatedAt, err
}

// DeviceExists reports whether a device row exists
func (d *DB) DeviceExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM devices WHERE device_id = $1)", id).Scan(&exists)
	return exists, err
}

// ListDevicesByOwner fetches the accepted devices of a user
func (d *DB) ListDevicesByOwner(ctx context.Context, ownerID int64) ([]models.Device, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+deviceColumns+" FROM devices WHERE owner_id = $1 AND accepted = true ORDER BY name", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// UpdateDeviceState updates device state
func (d *DB) UpdateDeviceState(ctx context.Context, id string, state json.RawMessage) error {
	_, err := d.pool.Exec(ctx, "UPDATE devices SET state = $1, updated_at = NOW() WHERE device_id = $2", state, id)
	return err
}

// GetUserByID fetches the public view of a user
func (d *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := d.pool.QueryRow(ctx, "SELECT id, email, username FROM users WHERE id = $1", id).Scan(&user.ID, &user.Email, &user.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
