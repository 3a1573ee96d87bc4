package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"

	"github.com/rs/zerolog/log"
)

// ErrUnknownDevice is returned for device_control actions on a device that does not exist
var ErrUnknownDevice = errors.New("device does not exist")

// Publisher is the MQTT side of the dispatcher
type Publisher interface {
	// Publish waits for the broker to acknowledge the message
	Publish(ctx context.Context, topic string, payload []byte) error
	// PublishAsync hands the message to the client without waiting
	PublishAsync(topic string, payload []byte) error
}

// Notifier creates user-facing notifications
type Notifier interface {
	CreateNotification(ctx context.Context, userID int64, title, message string) error
}

// DeviceChecker reports whether a device exists
type DeviceChecker interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// ActionOutcome is the result of one action
type ActionOutcome struct {
	Index  int
	Type   models.ActionType
	OK     bool
	Detail string
	Err    error
}

// Executor runs the actions of an automation
type Executor struct {
	publisher Publisher
	notifier  Notifier
	devices   DeviceChecker
}

// NewExecutor creates an executor
func NewExecutor(publisher Publisher, notifier Notifier, devices DeviceChecker) *Executor {
	return &Executor{publisher: publisher, notifier: notifier, devices: devices}
}

// CommandTopic is the topic device_control writes are published to
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/commands", deviceID)
}

// Execute runs every action in declared order. A failed action never stops the ones after it.
func (x *Executor) Execute(ctx context.Context, a *models.Automation) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(a.Actions))
	for i, action := range a.Actions {
		out := ActionOutcome{Index: i, Type: action.Type()}
		detail, err := x.run(ctx, a, action)
		out.Detail = detail
		if err != nil {
			out.Err = err
			log.Warn().Err(err).
				Uint64("automation_id", a.ID).
				Int("action", i).
				Str("type", string(out.Type)).
				Msg("Action failed")
		} else {
			out.OK = true
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (x *Executor) run(ctx context.Context, a *models.Automation, action models.Action) (string, error) {
	switch s := action.Spec.(type) {
	case models.MQTTPublishAction:
		payload, err := encodePayload(s.Payload)
		if err != nil {
			return "", err
		}
		if err := x.publisher.Publish(ctx, s.Topic, payload); err != nil {
			return "", fmt.Errorf("publish to %s: %w", s.Topic, err)
		}
		return "published to " + s.Topic, nil

	case models.DeviceControlAction:
		exists, err := x.devices.DeviceExists(ctx, s.DeviceID)
		if err != nil {
			return "", fmt.Errorf("lookup device %s: %w", s.DeviceID, err)
		}
		if !exists {
			return "", fmt.Errorf("%w: %s", ErrUnknownDevice, s.DeviceID)
		}
		payload, err := json.Marshal(map[string]any{s.Field: s.Value})
		if err != nil {
			return "", err
		}
		topic := CommandTopic(s.DeviceID)
		if err := x.publisher.PublishAsync(topic, payload); err != nil {
			return "", fmt.Errorf("publish to %s: %w", topic, err)
		}
		return fmt.Sprintf("set %s.%s to %s", s.DeviceID, s.Field, utils.ToString(s.Value)), nil

	case models.NotifyAction:
		if err := x.notifier.CreateNotification(ctx, a.OwnerID, s.Title, s.Message); err != nil {
			log.Warn().Err(err).Uint64("automation_id", a.ID).Msg("Notification delivery failed")
			return "notification not delivered: " + err.Error(), nil
		}
		return "notified: " + s.Title, nil

	case models.LogAction:
		return "logged: " + utils.ToString(s.Value), nil
	}
	return "", fmt.Errorf("unsupported action %T", action.Spec)
}

func encodePayload(p any) ([]byte, error) {
	switch v := p.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return json.Marshal(p)
}

// DeriveStatus folds action outcomes into the run status. A run without actions succeeds.
func DeriveStatus(outcomes []ActionOutcome, stale bool) models.RunStatus {
	failed := 0
	for _, o := range outcomes {
		if !o.OK {
			failed++
		}
	}
	switch {
	case failed == 0 && stale:
		return models.StatusWarning
	case failed == 0:
		return models.StatusSuccess
	case failed == len(outcomes):
		return models.StatusFailed
	default:
		return models.StatusPartial
	}
}

// DescribeOutcomes renders one line per action for the log details
func DescribeOutcomes(outcomes []ActionOutcome) string {
	if len(outcomes) == 0 {
		return "no actions"
	}
	lines := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK {
			lines = append(lines, fmt.Sprintf("action #%d %s ok: %s", o.Index, o.Type, o.Detail))
		} else {
			lines = append(lines, fmt.Sprintf("action #%d %s failed: %v", o.Index, o.Type, o.Err))
		}
	}
	return strings.Join(lines, "\n")
}
