package models

import (
	"encoding/json"
	"fmt"
)

// TriggerType names a trigger variant on the wire
type TriggerType string

const (
	TriggerTime        TriggerType = "time"
	TriggerInterval    TriggerType = "interval"
	TriggerMQTT        TriggerType = "mqtt"
	TriggerStateChange TriggerType = "state_change"
)

// TriggerSpec is implemented by the trigger variants only
type TriggerSpec interface {
	TriggerType() TriggerType
	isTrigger()
}

// TimeTrigger fires at a wall-clock minute on the listed days (every day when empty)
type TimeTrigger struct {
	At   ClockTime
	Days []Weekday
}

// IntervalTrigger fires every Seconds measured from activation or the last fire
type IntervalTrigger struct {
	Seconds int
}

// MQTTTrigger fires on a message on Topic whose JSON payload contains Payload
type MQTTTrigger struct {
	Topic   string
	Payload map[string]any
}

// StateChangeTrigger fires on any change of Field on DeviceID
type StateChangeTrigger struct {
	DeviceID string
	Field    string
}

func (TimeTrigger) TriggerType() TriggerType        { return TriggerTime }
func (IntervalTrigger) TriggerType() TriggerType    { return TriggerInterval }
func (MQTTTrigger) TriggerType() TriggerType        { return TriggerMQTT }
func (StateChangeTrigger) TriggerType() TriggerType { return TriggerStateChange }

func (TimeTrigger) isTrigger()        {}
func (IntervalTrigger) isTrigger()    {}
func (MQTTTrigger) isTrigger()        {}
func (StateChangeTrigger) isTrigger() {}

// Trigger is one trigger of an automation
type Trigger struct {
	ID   string
	Spec TriggerSpec
}

// Type returns the variant name, or "" when Spec is unset
func (t Trigger) Type() TriggerType {
	if t.Spec == nil {
		return ""
	}
	return t.Spec.TriggerType()
}

type triggerWire struct {
	ID              string         `json:"id,omitempty"`
	Type            TriggerType    `json:"type"`
	TimeAt          *ClockTime     `json:"time_at,omitempty"`
	DaysOfWeek      []Weekday      `json:"days_of_week,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	MQTTTopic       string         `json:"mqtt_topic,omitempty"`
	MQTTPayload     map[string]any `json:"mqtt_payload,omitempty"`
	DeviceID        string         `json:"device_id,omitempty"`
	Field           string         `json:"field,omitempty"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	w := triggerWire{ID: t.ID}
	switch s := t.Spec.(type) {
	case TimeTrigger:
		at := s.At
		w.Type, w.TimeAt, w.DaysOfWeek = TriggerTime, &at, s.Days
	case IntervalTrigger:
		w.Type, w.IntervalSeconds = TriggerInterval, s.Seconds
	case MQTTTrigger:
		w.Type, w.MQTTTopic, w.MQTTPayload = TriggerMQTT, s.Topic, s.Payload
	case StateChangeTrigger:
		w.Type, w.DeviceID, w.Field = TriggerStateChange, s.DeviceID, s.Field
	default:
		return nil, fmt.Errorf("unknown trigger spec %T", t.Spec)
	}
	return json.Marshal(w)
}

func (t *Trigger) UnmarshalJSON(b []byte) error {
	var w triggerWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t.ID = w.ID
	switch w.Type {
	case TriggerTime:
		if w.TimeAt == nil {
			return fmt.Errorf("time trigger without time_at")
		}
		t.Spec = TimeTrigger{At: *w.TimeAt, Days: w.DaysOfWeek}
	case TriggerInterval:
		t.Spec = IntervalTrigger{Seconds: w.IntervalSeconds}
	case TriggerMQTT:
		t.Spec = MQTTTrigger{Topic: w.MQTTTopic, Payload: w.MQTTPayload}
	case TriggerStateChange:
		t.Spec = StateChangeTrigger{DeviceID: w.DeviceID, Field: w.Field}
	default:
		return fmt.Errorf("unknown trigger type %q", w.Type)
	}
	return nil
}
