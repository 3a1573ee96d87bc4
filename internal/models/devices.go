package models

import (
	"encoding/json"
	"time"
)

// DeviceState is the latest reported field map of a device
type DeviceState map[string]any

// Device represents an IoT device
type Device struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	State     json.RawMessage `json:"state"`
	MQTTTopic string          `json:"mqtt_topic"`
	Accepted  bool            `json:"accepted"`
	OwnerID   *int64          `json:"owner_id,omitempty"`
}

// FieldReading is a device field value as seen by the evaluator
type FieldReading struct {
	Value     any
	UpdatedAt time.Time
	Found     bool
}

// StateChange is one changed field between two telemetry snapshots
type StateChange struct {
	DeviceID string
	Field    string
	Old      any
	New      any
	HadOld   bool
	HasNew   bool
	At       time.Time
}

// Context returns the triggering context recorded on the evaluation task
func (c StateChange) Context() map[string]any {
	ctx := map[string]any{"device_id": c.DeviceID, "field": c.Field}
	if c.HadOld {
		ctx["old_value"] = c.Old
	}
	if c.HasNew {
		ctx["new_value"] = c.New
	}
	return ctx
}

// Notification is a user-facing notification record
type Notification struct {
	ID        uint64    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the public view of an account
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"username"`
}
