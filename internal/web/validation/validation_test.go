package validation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"smarthome-automations/internal/models"
	webModels "smarthome-automations/internal/web/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevices map[string]bool

func (f fakeDevices) DeviceExists(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

type brokenDevices struct{}

func (brokenDevices) DeviceExists(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(fakeDevices{"d1": true})
	require.NoError(t, err)
	return v
}

func decode(t *testing.T, body string) *webModels.AutomationRequest {
	t.Helper()
	var req webModels.AutomationRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func validationErrors(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *Error
	require.ErrorAs(t, err, &verr)
	return verr.Errors
}

func TestDraftWithoutTriggersOrActionsIsValid(t *testing.T) {
	v := newValidator(t)
	a, err := v.Automation(context.Background(), decode(t, `{"name":"Draft","is_draft":true}`))
	require.NoError(t, err)
	assert.True(t, a.IsDraft)
	assert.Empty(t, a.Triggers)
	assert.Empty(t, a.Actions)
}

func TestNonDraftRequiresTriggersAndActions(t *testing.T) {
	v := newValidator(t)
	trigger := webModels.TriggerRequest{Type: "interval", IntervalSeconds: intPtr(60)}
	action := webModels.ActionRequest{Type: "log", Value: "x"}

	for _, hasTrigger := range []bool{false, true} {
		for _, hasAction := range []bool{false, true} {
			req := &webModels.AutomationRequest{Name: "a"}
			if hasTrigger {
				req.Triggers = []webModels.TriggerRequest{trigger}
			}
			if hasAction {
				req.Actions = []webModels.ActionRequest{action}
			}
			_, err := v.Automation(context.Background(), req)
			if hasTrigger && hasAction {
				assert.NoError(t, err)
				continue
			}
			errs := validationErrors(t, err)
			if !hasTrigger {
				assert.Equal(t, []string{"At least one trigger is required for an active automation."}, errs["triggers"])
			}
			if !hasAction {
				assert.Equal(t, []string{"At least one action is required for an active automation."}, errs["actions"])
			}
		}
	}
}

func TestFieldErrorsUsePaths(t *testing.T) {
	v := newValidator(t)
	_, err := v.Automation(context.Background(), decode(t, `{
		"name": "",
		"triggers": [
			{"type": "time", "time_at": "25:00"},
			{"type": "interval", "interval_seconds": 0},
			{"type": "interval"},
			{"type": "sometimes"}
		],
		"conditions": [
			{"type": "simple", "device_id": "d1", "field": "f", "operator": "~", "value": 1},
			{"type": "day_of_week", "days_of_week": []},
			{"type": "simple", "device_id": "d1", "field": "f", "operator": "="}
		],
		"actions": [
			{"type": "notify", "notification_title": "t"},
			{"type": "mqtt_publish", "mqtt_topic": "a/b"}
		]
	}`))
	errs := validationErrors(t, err)

	assert.Equal(t, []string{"The name field is required."}, errs["name"])
	assert.Equal(t, []string{"The triggers.0.time_at field must match the format HH:mm."}, errs["triggers.0.time_at"])
	assert.Equal(t, []string{"The triggers.1.interval_seconds field must be at least 1."}, errs["triggers.1.interval_seconds"])
	assert.Equal(t, []string{"The triggers.2.interval_seconds field is required when triggers.2.type is interval."}, errs["triggers.2.interval_seconds"])
	assert.Equal(t, []string{"The selected triggers.3.type is invalid."}, errs["triggers.3.type"])
	assert.Equal(t, []string{"The selected conditions.0.operator is invalid."}, errs["conditions.0.operator"])
	assert.Contains(t, errs, "conditions.1.days_of_week")
	assert.Contains(t, errs, "conditions.2.value")
	assert.Equal(t, []string{"The actions.0.notification_message field is required when actions.0.type is notify."}, errs["actions.0.notification_message"])
	assert.Contains(t, errs, "actions.1.mqtt_payload")
}

func TestLimits(t *testing.T) {
	v := newValidator(t)
	req := &webModels.AutomationRequest{Name: "a", IsDraft: true}
	for i := 0; i < models.MaxTriggers+1; i++ {
		req.Triggers = append(req.Triggers, webModels.TriggerRequest{Type: "interval", IntervalSeconds: intPtr(5)})
	}
	_, err := v.Automation(context.Background(), req)
	errs := validationErrors(t, err)
	assert.Equal(t, []string{"The triggers field must not have more than 10 items."}, errs["triggers"])
}

func TestDraftStillChecksPresentItems(t *testing.T) {
	v := newValidator(t)
	_, err := v.Automation(context.Background(), decode(t, `{"name":"d","is_draft":true,"triggers":[{"type":"time"}]}`))
	errs := validationErrors(t, err)
	assert.Contains(t, errs, "triggers.0.time_at")
	assert.NotContains(t, errs, "actions")
}

func TestUnknownDevicesAreReportedByPath(t *testing.T) {
	v := newValidator(t)
	_, err := v.Automation(context.Background(), decode(t, `{
		"name": "a",
		"triggers": [{"type": "state_change", "device_id": "d1", "field": "temperature"}],
		"conditions": [
			{"type": "time", "time_at": "08:00"},
			{"type": "day_of_week", "days_of_week": ["mon"]},
			{"type": "simple", "device_id": "ghost", "field": "f", "operator": ">", "value": 1}
		],
		"actions": [{"type": "device_control", "device_id": "gone", "field": "on", "value": true}]
	}`))
	errs := validationErrors(t, err)
	assert.Equal(t, map[string][]string{
		"conditions.2.device_id": {"The selected conditions.2.device_id is invalid."},
		"actions.0.device_id":    {"The selected actions.0.device_id is invalid."},
	}, errs)
}

func TestDeviceLookupFailureIsNotValidationError(t *testing.T) {
	v, err := New(brokenDevices{})
	require.NoError(t, err)
	_, err = v.Automation(context.Background(), decode(t, `{
		"name": "a",
		"triggers": [{"type": "state_change", "device_id": "d1", "field": "f"}],
		"actions": [{"type": "log", "value": "x"}]
	}`))
	require.Error(t, err)
	var verr *Error
	assert.False(t, errors.As(err, &verr))
}

func TestBuildsTypedAutomation(t *testing.T) {
	v := newValidator(t)
	a, err := v.Automation(context.Background(), decode(t, `{
		"name": "Evening",
		"description": "lights",
		"triggers": [
			{"id": "t1", "type": "time", "time_at": "18:30", "days_of_week": ["mon", "fri", "mon"]},
			{"type": "mqtt", "mqtt_topic": "home/+/motion", "mqtt_payload": {"state": "on"}}
		],
		"conditions": [
			{"type": "simple", "device_id": "d1", "field": "lux", "operator": "==", "value": 0},
			{"type": "day_of_week", "days_of_week": ["Saturday", "sun"]}
		],
		"actions": [
			{"type": "device_control", "device_id": "d1", "field": "on", "value": false},
			{"type": "notify", "notification_title": "Lights", "notification_message": "On"}
		],
		"flow_metadata": {"nodes": [{"id": "n1", "position": {"x": 1, "y": 2.5}, "type": "trigger"}], "edges": []}
	}`))
	require.NoError(t, err)

	assert.True(t, a.Enabled)
	assert.Equal(t, "lights", a.Description)
	assert.Equal(t, models.Trigger{ID: "t1", Spec: models.TimeTrigger{
		At:   models.ClockTime{Hour: 18, Minute: 30},
		Days: []models.Weekday{models.Monday, models.Friday},
	}}, a.Triggers[0])
	assert.Equal(t, models.MQTTTrigger{Topic: "home/+/motion", Payload: map[string]any{"state": "on"}}, a.Triggers[1].Spec)
	assert.Equal(t, models.SimpleCondition{DeviceID: "d1", Field: "lux", Operator: models.OpEqual, Value: 0.0}, a.Conditions[0].Spec)
	assert.Equal(t, models.DayOfWeekCondition{Days: []models.Weekday{models.Saturday, models.Sunday}}, a.Conditions[1].Spec)
	assert.Equal(t, models.DeviceControlAction{DeviceID: "d1", Field: "on", Value: false}, a.Actions[0].Spec)
	require.NotNil(t, a.FlowMetadata)
	assert.Equal(t, 2.5, a.FlowMetadata.Nodes[0].Position.Y)
}

func TestTriggerDaysMustBeAbbreviated(t *testing.T) {
	v := newValidator(t)
	_, err := v.Automation(context.Background(), decode(t, `{
		"name": "a", "is_draft": true,
		"triggers": [{"type": "time", "time_at": "07:00", "days_of_week": ["monday"]}]
	}`))
	errs := validationErrors(t, err)
	assert.Equal(t, []string{"The selected triggers.0.days_of_week.0 is invalid."}, errs["triggers.0.days_of_week.0"])
}

func TestFlowMetadataSchema(t *testing.T) {
	v := newValidator(t)
	_, err := v.Automation(context.Background(), decode(t, `{
		"name": "a", "is_draft": true,
		"flow_metadata": {"nodes": [{"id": "n1", "position": {"x": "left"}}]}
	}`))
	errs := validationErrors(t, err)
	assert.Equal(t, []string{"The flow_metadata field format is invalid."}, errs["flow_metadata"])
}

func TestErrorMessageSummarizes(t *testing.T) {
	e := newError()
	e.Add("name", "The name field is required.")
	assert.Equal(t, "The name field is required.", e.Message())
	e.Add("triggers", "At least one trigger is required for an active automation.")
	e.Add("actions", "At least one action is required for an active automation.")
	assert.Equal(t, "At least one action is required for an active automation. (and 2 more errors)", e.Message())
}

func TestRequestFromAutomationRoundTrips(t *testing.T) {
	v := newValidator(t)
	orig, err := v.Automation(context.Background(), decode(t, `{
		"name": "a", "enabled": false,
		"triggers": [{"id": "t1", "type": "interval", "interval_seconds": 30}],
		"actions": [{"id": "a1", "type": "log", "value": "x"}]
	}`))
	require.NoError(t, err)

	req, err := RequestFromAutomation(orig)
	require.NoError(t, err)
	require.NoError(t, req.ApplyPatch([]byte(`{"name": "renamed"}`)))

	updated, err := v.Automation(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, orig.Triggers, updated.Triggers)
	assert.Equal(t, orig.Actions, updated.Actions)
}

func TestApplyPatchReplacesLists(t *testing.T) {
	req := webModels.AutomationRequest{
		Name:     "a",
		Triggers: []webModels.TriggerRequest{{Type: "time", TimeAt: "08:00", DaysOfWeek: []string{"mon"}}},
	}
	require.NoError(t, req.ApplyPatch([]byte(`{"triggers": [{"type": "interval", "interval_seconds": 5}]}`)))
	require.Len(t, req.Triggers, 1)
	assert.Equal(t, "interval", req.Triggers[0].Type)
	assert.Empty(t, req.Triggers[0].TimeAt)
	assert.Empty(t, req.Triggers[0].DaysOfWeek)
	assert.Equal(t, "a", req.Name)
}

func intPtr(n int) *int { return &n }
