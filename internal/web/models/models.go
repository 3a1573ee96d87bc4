package models

import (
	"encoding/json"
	"fmt"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,max=255"`
	Password string `json:"password" binding:"required,min=8"`
	Email    string `json:"email" binding:"omitempty,email"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// AutomationRequest is the body of automation create and update requests
type AutomationRequest struct {
	Name         string             `json:"name" validate:"required,max=255"`
	Description  *string            `json:"description" validate:"omitempty,max=1000"`
	Enabled      *bool              `json:"enabled"`
	IsDraft      bool               `json:"is_draft"`
	FlowMetadata json.RawMessage    `json:"flow_metadata"`
	Triggers     []TriggerRequest   `json:"triggers" validate:"max=10,dive"`
	Conditions   []ConditionRequest `json:"conditions" validate:"max=20,dive"`
	Actions      []ActionRequest    `json:"actions" validate:"max=20,dive"`
}

type TriggerRequest struct {
	ID              string         `json:"id" validate:"omitempty,max=64"`
	Type            string         `json:"type" validate:"required,oneof=time interval mqtt state_change"`
	TimeAt          string         `json:"time_at" validate:"required_if=Type time,omitempty,clock"`
	DaysOfWeek      []string       `json:"days_of_week" validate:"omitempty,dive,oneof=mon tue wed thu fri sat sun"`
	IntervalSeconds *int           `json:"interval_seconds" validate:"required_if=Type interval,omitempty,min=1"`
	MQTTTopic       string         `json:"mqtt_topic" validate:"required_if=Type mqtt,max=255"`
	MQTTPayload     map[string]any `json:"mqtt_payload"`
	DeviceID        string         `json:"device_id" validate:"required_if=Type state_change,max=255"`
	Field           string         `json:"field" validate:"required_if=Type state_change,max=255"`
}

type ConditionRequest struct {
	ID         string   `json:"id" validate:"omitempty,max=64"`
	Type       string   `json:"type" validate:"required,oneof=simple time day_of_week"`
	DeviceID   string   `json:"device_id" validate:"required_if=Type simple,max=255"`
	Field      string   `json:"field" validate:"required_if=Type simple,max=255"`
	Operator   string   `json:"operator" validate:"required_if=Type simple,omitempty,operator"`
	Value      any      `json:"value"`
	TimeAt     string   `json:"time_at" validate:"required_if=Type time,omitempty,clock"`
	DaysOfWeek []string `json:"days_of_week" validate:"omitempty,dive,weekday"`
}

type ActionRequest struct {
	ID                  string `json:"id" validate:"omitempty,max=64"`
	Type                string `json:"type" validate:"required,oneof=mqtt_publish device_control notify log"`
	MQTTTopic           string `json:"mqtt_topic" validate:"required_if=Type mqtt_publish,max=255"`
	MQTTPayload         any    `json:"mqtt_payload"`
	DeviceID            string `json:"device_id" validate:"required_if=Type device_control,max=255"`
	Field               string `json:"field" validate:"required_if=Type device_control,max=255"`
	Value               any    `json:"value"`
	NotificationTitle   string `json:"notification_title" validate:"required_if=Type notify,max=255"`
	NotificationMessage string `json:"notification_message" validate:"required_if=Type notify,max=1000"`
}

// ApplyPatch overwrites the fields of r that are present in body. Nested lists are replaced
// wholesale, never merged element by element.
func (r *AutomationRequest) ApplyPatch(body []byte) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(body, &present); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	var patch AutomationRequest
	if err := json.Unmarshal(body, &patch); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	for key := range present {
		switch key {
		case "name":
			r.Name = patch.Name
		case "description":
			r.Description = patch.Description
		case "enabled":
			r.Enabled = patch.Enabled
		case "is_draft":
			r.IsDraft = patch.IsDraft
		case "flow_metadata":
			r.FlowMetadata = patch.FlowMetadata
		case "triggers":
			r.Triggers = patch.Triggers
		case "conditions":
			r.Conditions = patch.Conditions
		case "actions":
			r.Actions = patch.Actions
		}
	}
	return nil
}
