package models

import (
	"encoding/json"
	"fmt"
)

// ConditionType names a condition variant on the wire
type ConditionType string

const (
	ConditionSimple    ConditionType = "simple"
	ConditionTime      ConditionType = "time"
	ConditionDayOfWeek ConditionType = "day_of_week"
)

// Operator is a comparison operator of a simple condition
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
	OpNotEqual     Operator = "!="
)

// ParseOperator accepts the six operators plus "==" as an alias of "="
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpLess, OpLessEqual, OpEqual, OpGreaterEqual, OpGreater, OpNotEqual:
		return Operator(s), nil
	case "==":
		return OpEqual, nil
	}
	return "", fmt.Errorf("invalid operator %q", s)
}

// ConditionSpec is implemented by the condition variants only
type ConditionSpec interface {
	ConditionType() ConditionType
	isCondition()
}

// SimpleCondition compares a live device field against Value
type SimpleCondition struct {
	DeviceID string
	Field    string
	Operator Operator
	Value    any
}

// TimeCondition holds during the given minute of the day
type TimeCondition struct {
	At ClockTime
}

// DayOfWeekCondition holds on the listed days
type DayOfWeekCondition struct {
	Days []Weekday
}

func (SimpleCondition) ConditionType() ConditionType    { return ConditionSimple }
func (TimeCondition) ConditionType() ConditionType      { return ConditionTime }
func (DayOfWeekCondition) ConditionType() ConditionType { return ConditionDayOfWeek }

func (SimpleCondition) isCondition()    {}
func (TimeCondition) isCondition()      {}
func (DayOfWeekCondition) isCondition() {}

// Condition is one condition of an automation. All conditions of an automation must hold.
type Condition struct {
	ID   string
	Spec ConditionSpec
}

// Type returns the variant name, or "" when Spec is unset
func (c Condition) Type() ConditionType {
	if c.Spec == nil {
		return ""
	}
	return c.Spec.ConditionType()
}

type conditionWire struct {
	ID         string        `json:"id,omitempty"`
	Type       ConditionType `json:"type"`
	DeviceID   string        `json:"device_id,omitempty"`
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Value      any           `json:"value,omitempty"`
	TimeAt     *ClockTime    `json:"time_at,omitempty"`
	DaysOfWeek []Weekday     `json:"days_of_week,omitempty"`
}

func (c Condition) MarshalJSON() ([]byte, error) {
	w := conditionWire{ID: c.ID}
	switch s := c.Spec.(type) {
	case SimpleCondition:
		w.Type, w.DeviceID, w.Field, w.Operator, w.Value = ConditionSimple, s.DeviceID, s.Field, string(s.Operator), s.Value
	case TimeCondition:
		at := s.At
		w.Type, w.TimeAt = ConditionTime, &at
	case DayOfWeekCondition:
		w.Type, w.DaysOfWeek = ConditionDayOfWeek, s.Days
	default:
		return nil, fmt.Errorf("unknown condition spec %T", c.Spec)
	}
	return json.Marshal(w)
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var w conditionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	c.ID = w.ID
	switch w.Type {
	case ConditionSimple:
		op, err := ParseOperator(w.Operator)
		if err != nil {
			return err
		}
		c.Spec = SimpleCondition{DeviceID: w.DeviceID, Field: w.Field, Operator: op, Value: w.Value}
	case ConditionTime:
		if w.TimeAt == nil {
			return fmt.Errorf("time condition without time_at")
		}
		c.Spec = TimeCondition{At: *w.TimeAt}
	case ConditionDayOfWeek:
		c.Spec = DayOfWeekCondition{Days: w.DaysOfWeek}
	default:
		return fmt.Errorf("unknown condition type %q", w.Type)
	}
	return nil
}
