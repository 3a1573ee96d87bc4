package taskqueue

import (
	"encoding/json"
	"fmt"

	"smarthome-automations/internal/models"

	"github.com/hibiken/asynq"
)

const (
	// TypeEvaluateAutomation is the asynq task type of a fired trigger
	TypeEvaluateAutomation = "evaluate_automation"
	// Queue is the asynq queue evaluation tasks go to
	Queue = "automations"
)

// NewEvaluationTask wraps a fired trigger in an asynq task
func NewEvaluationTask(task models.EvaluationTask) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode evaluation task: %w", err)
	}
	return asynq.NewTask(TypeEvaluateAutomation, payload), nil
}

// ParseEvaluationTask decodes the payload of an evaluate_automation task
func ParseEvaluationTask(t *asynq.Task) (models.EvaluationTask, error) {
	var task models.EvaluationTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return task, fmt.Errorf("decode evaluation task: %w", err)
	}
	if task.AutomationID == 0 {
		return task, fmt.Errorf("decode evaluation task: missing automation_id")
	}
	return task, nil
}
