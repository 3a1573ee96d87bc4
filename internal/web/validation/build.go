package validation

import (
	"encoding/json"
	"fmt"

	"smarthome-automations/internal/models"
	webModels "smarthome-automations/internal/web/models"
)

func build(req *webModels.AutomationRequest, meta *models.FlowMetadata) (*models.Automation, error) {
	a := &models.Automation{
		Name:         req.Name,
		Enabled:      req.Enabled == nil || *req.Enabled,
		IsDraft:      req.IsDraft,
		FlowMetadata: meta,
		Triggers:     make([]models.Trigger, 0, len(req.Triggers)),
		Conditions:   make([]models.Condition, 0, len(req.Conditions)),
		Actions:      make([]models.Action, 0, len(req.Actions)),
	}
	if req.Description != nil {
		a.Description = *req.Description
	}

	for i, t := range req.Triggers {
		spec, err := triggerSpec(t)
		if err != nil {
			return nil, fmt.Errorf("triggers.%d: %w", i, err)
		}
		a.Triggers = append(a.Triggers, models.Trigger{ID: t.ID, Spec: spec})
	}
	for i, c := range req.Conditions {
		spec, err := conditionSpec(c)
		if err != nil {
			return nil, fmt.Errorf("conditions.%d: %w", i, err)
		}
		a.Conditions = append(a.Conditions, models.Condition{ID: c.ID, Spec: spec})
	}
	for i, act := range req.Actions {
		spec, err := actionSpec(act)
		if err != nil {
			return nil, fmt.Errorf("actions.%d: %w", i, err)
		}
		a.Actions = append(a.Actions, models.Action{ID: act.ID, Spec: spec})
	}
	return a, nil
}

func parseDays(days []string) ([]models.Weekday, error) {
	out := make([]models.Weekday, 0, len(days))
	for _, d := range days {
		wd, err := models.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		if !models.ContainsWeekday(out, wd) {
			out = append(out, wd)
		}
	}
	return out, nil
}

func triggerSpec(t webModels.TriggerRequest) (models.TriggerSpec, error) {
	switch models.TriggerType(t.Type) {
	case models.TriggerTime:
		at, err := models.ParseClockTime(t.TimeAt)
		if err != nil {
			return nil, err
		}
		days, err := parseDays(t.DaysOfWeek)
		if err != nil {
			return nil, err
		}
		return models.TimeTrigger{At: at, Days: days}, nil
	case models.TriggerInterval:
		if t.IntervalSeconds == nil {
			return nil, fmt.Errorf("missing interval_seconds")
		}
		return models.IntervalTrigger{Seconds: *t.IntervalSeconds}, nil
	case models.TriggerMQTT:
		return models.MQTTTrigger{Topic: t.MQTTTopic, Payload: t.MQTTPayload}, nil
	case models.TriggerStateChange:
		return models.StateChangeTrigger{DeviceID: t.DeviceID, Field: t.Field}, nil
	}
	return nil, fmt.Errorf("unknown trigger type %q", t.Type)
}

func conditionSpec(c webModels.ConditionRequest) (models.ConditionSpec, error) {
	switch models.ConditionType(c.Type) {
	case models.ConditionSimple:
		op, err := models.ParseOperator(c.Operator)
		if err != nil {
			return nil, err
		}
		return models.SimpleCondition{DeviceID: c.DeviceID, Field: c.Field, Operator: op, Value: c.Value}, nil
	case models.ConditionTime:
		at, err := models.ParseClockTime(c.TimeAt)
		if err != nil {
			return nil, err
		}
		return models.TimeCondition{At: at}, nil
	case models.ConditionDayOfWeek:
		days, err := parseDays(c.DaysOfWeek)
		if err != nil {
			return nil, err
		}
		return models.DayOfWeekCondition{Days: days}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", c.Type)
}

func actionSpec(a webModels.ActionRequest) (models.ActionSpec, error) {
	switch models.ActionType(a.Type) {
	case models.ActionMQTTPublish:
		return models.MQTTPublishAction{Topic: a.MQTTTopic, Payload: a.MQTTPayload}, nil
	case models.ActionDeviceControl:
		return models.DeviceControlAction{DeviceID: a.DeviceID, Field: a.Field, Value: a.Value}, nil
	case models.ActionNotify:
		return models.NotifyAction{Title: a.NotificationTitle, Message: a.NotificationMessage}, nil
	case models.ActionLog:
		return models.LogAction{Value: a.Value}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", a.Type)
}

// RequestFromAutomation renders a stored automation as a request, the base partial updates apply to
func RequestFromAutomation(a *models.Automation) (webModels.AutomationRequest, error) {
	enabled := a.Enabled
	req := webModels.AutomationRequest{
		Name:    a.Name,
		Enabled: &enabled,
		IsDraft: a.IsDraft,
	}
	if a.Description != "" {
		desc := a.Description
		req.Description = &desc
	}
	if a.FlowMetadata != nil {
		raw, err := json.Marshal(a.FlowMetadata)
		if err != nil {
			return req, err
		}
		req.FlowMetadata = raw
	}

	// the wire forms of triggers, conditions and actions are the request items
	for _, part := range []struct {
		from any
		into any
	}{
		{a.Triggers, &req.Triggers},
		{a.Conditions, &req.Conditions},
		{a.Actions, &req.Actions},
	} {
		raw, err := json.Marshal(part.from)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(raw, part.into); err != nil {
			return req, err
		}
	}
	return req, nil
}
