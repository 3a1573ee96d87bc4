package models

import (
	"encoding/json"
	"fmt"
)

// ActionType names an action variant on the wire
type ActionType string

const (
	ActionMQTTPublish   ActionType = "mqtt_publish"
	ActionDeviceControl ActionType = "device_control"
	ActionNotify        ActionType = "notify"
	ActionLog           ActionType = "log"
)

// ActionSpec is implemented by the action variants only
type ActionSpec interface {
	ActionType() ActionType
	isAction()
}

// MQTTPublishAction publishes Payload to Topic and waits for the broker
type MQTTPublishAction struct {
	Topic   string
	Payload any
}

// DeviceControlAction writes Value to Field of DeviceID without waiting for the device
type DeviceControlAction struct {
	DeviceID string
	Field    string
	Value    any
}

// NotifyAction creates a notification for the automation owner
type NotifyAction struct {
	Title   string
	Message string
}

// LogAction records Value in the run details
type LogAction struct {
	Value any
}

func (MQTTPublishAction) ActionType() ActionType   { return ActionMQTTPublish }
func (DeviceControlAction) ActionType() ActionType { return ActionDeviceControl }
func (NotifyAction) ActionType() ActionType        { return ActionNotify }
func (LogAction) ActionType() ActionType           { return ActionLog }

func (MQTTPublishAction) isAction()   {}
func (DeviceControlAction) isAction() {}
func (NotifyAction) isAction()        {}
func (LogAction) isAction()           {}

// Action is one action of an automation, executed in declared order
type Action struct {
	ID   string
	Spec ActionSpec
}

// Type returns the variant name, or "" when Spec is unset
func (a Action) Type() ActionType {
	if a.Spec == nil {
		return ""
	}
	return a.Spec.ActionType()
}

type actionWire struct {
	ID                  string     `json:"id,omitempty"`
	Type                ActionType `json:"type"`
	MQTTTopic           string     `json:"mqtt_topic,omitempty"`
	MQTTPayload         any        `json:"mqtt_payload,omitempty"`
	DeviceID            string     `json:"device_id,omitempty"`
	Field               string     `json:"field,omitempty"`
	Value               any        `json:"value,omitempty"`
	NotificationTitle   string     `json:"notification_title,omitempty"`
	NotificationMessage string     `json:"notification_message,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{ID: a.ID}
	switch s := a.Spec.(type) {
	case MQTTPublishAction:
		w.Type, w.MQTTTopic, w.MQTTPayload = ActionMQTTPublish, s.Topic, s.Payload
	case DeviceControlAction:
		w.Type, w.DeviceID, w.Field, w.Value = ActionDeviceControl, s.DeviceID, s.Field, s.Value
	case NotifyAction:
		w.Type, w.NotificationTitle, w.NotificationMessage = ActionNotify, s.Title, s.Message
	case LogAction:
		w.Type, w.Value = ActionLog, s.Value
	default:
		return nil, fmt.Errorf("unknown action spec %T", a.Spec)
	}
	return json.Marshal(w)
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var w actionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	a.ID = w.ID
	switch w.Type {
	case ActionMQTTPublish:
		a.Spec = MQTTPublishAction{Topic: w.MQTTTopic, Payload: w.MQTTPayload}
	case ActionDeviceControl:
		a.Spec = DeviceControlAction{DeviceID: w.DeviceID, Field: w.Field, Value: w.Value}
	case ActionNotify:
		a.Spec = NotifyAction{Title: w.NotificationTitle, Message: w.NotificationMessage}
	case ActionLog:
		a.Spec = LogAction{Value: w.Value}
	default:
		return fmt.Errorf("unknown action type %q", w.Type)
	}
	return nil
}
