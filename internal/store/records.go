package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smarthome-automations/internal/models"

	"gorm.io/datatypes"
)

// AutomationRecord is the automations table
type AutomationRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	OwnerID      int64  `gorm:"not null;index"`
	Name         string `gorm:"size:255;not null"`
	Description  string `gorm:"size:1000"`
	Enabled      bool   `gorm:"not null"`
	IsDraft      bool   `gorm:"not null"`
	FlowMetadata datatypes.JSON
	ActivatedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Triggers   []TriggerRecord   `gorm:"foreignKey:AutomationID"`
	Conditions []ConditionRecord `gorm:"foreignKey:AutomationID"`
	Actions    []ActionRecord    `gorm:"foreignKey:AutomationID"`
}

func (AutomationRecord) TableName() string { return "automations" }

// TriggerRecord is one trigger row; Config holds the flat JSON form
type TriggerRecord struct {
	AutomationID uint64 `gorm:"primaryKey"`
	ID           string `gorm:"primaryKey;size:64"`
	Position     int    `gorm:"not null"`
	Type         string `gorm:"size:32;not null"`
	Config       datatypes.JSON
}

func (TriggerRecord) TableName() string { return "automation_triggers" }

type ConditionRecord struct {
	AutomationID uint64 `gorm:"primaryKey"`
	ID           string `gorm:"primaryKey;size:64"`
	Position     int    `gorm:"not null"`
	Type         string `gorm:"size:32;not null"`
	Config       datatypes.JSON
}

func (ConditionRecord) TableName() string { return "automation_conditions" }

type ActionRecord struct {
	AutomationID uint64 `gorm:"primaryKey"`
	ID           string `gorm:"primaryKey;size:64"`
	Position     int    `gorm:"not null"`
	Type         string `gorm:"size:32;not null"`
	Config       datatypes.JSON
}

func (ActionRecord) TableName() string { return "automation_actions" }

// LogRecord is one execution log row. Rows are never updated.
type LogRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	AutomationID uint64    `gorm:"not null;index:idx_logs_automation_executed,priority:1"`
	ExecutedAt   time.Time `gorm:"not null;index:idx_logs_automation_executed,priority:2"`
	Status       string    `gorm:"size:16;not null;index"`
	Details      string    `gorm:"type:text"`
}

func (LogRecord) TableName() string { return "automation_logs" }

type NotificationRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    int64  `gorm:"not null;index"`
	Title     string `gorm:"size:255;not null"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (NotificationRecord) TableName() string { return "notifications" }

func toLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func recordFromAutomation(a *models.Automation) (*AutomationRecord, error) {
	rec := &AutomationRecord{
		ID:          a.ID,
		OwnerID:     a.OwnerID,
		Name:        a.Name,
		Description: a.Description,
		Enabled:     a.Enabled,
		IsDraft:     a.IsDraft,
		ActivatedAt: a.ActivatedAt,
	}
	if a.FlowMetadata != nil {
		b, err := json.Marshal(a.FlowMetadata)
		if err != nil {
			return nil, fmt.Errorf("encode flow_metadata: %w", err)
		}
		rec.FlowMetadata = datatypes.JSON(b)
	}
	var err error
	if rec.Triggers, err = triggerRecords(a.ID, a.Triggers); err != nil {
		return nil, err
	}
	if rec.Conditions, err = conditionRecords(a.ID, a.Conditions); err != nil {
		return nil, err
	}
	if rec.Actions, err = actionRecords(a.ID, a.Actions); err != nil {
		return nil, err
	}
	return rec, nil
}

func triggerRecords(automationID uint64, triggers []models.Trigger) ([]TriggerRecord, error) {
	out := make([]TriggerRecord, 0, len(triggers))
	for i, t := range triggers {
		b, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode trigger %d: %w", i, err)
		}
		out = append(out, TriggerRecord{AutomationID: automationID, ID: t.ID, Position: i, Type: string(t.Type()), Config: b})
	}
	return out, nil
}

func conditionRecords(automationID uint64, conds []models.Condition) ([]ConditionRecord, error) {
	out := make([]ConditionRecord, 0, len(conds))
	for i, c := range conds {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("encode condition %d: %w", i, err)
		}
		out = append(out, ConditionRecord{AutomationID: automationID, ID: c.ID, Position: i, Type: string(c.Type()), Config: b})
	}
	return out, nil
}

func actionRecords(automationID uint64, actions []models.Action) ([]ActionRecord, error) {
	out := make([]ActionRecord, 0, len(actions))
	for i, a := range actions {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode action %d: %w", i, err)
		}
		out = append(out, ActionRecord{AutomationID: automationID, ID: a.ID, Position: i, Type: string(a.Type()), Config: b})
	}
	return out, nil
}

func (r *AutomationRecord) toModel() (*models.Automation, error) {
	a := &models.Automation{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		IsDraft:     r.IsDraft,
		ActivatedAt: r.ActivatedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Triggers:    make([]models.Trigger, 0, len(r.Triggers)),
		Conditions:  make([]models.Condition, 0, len(r.Conditions)),
		Actions:     make([]models.Action, 0, len(r.Actions)),
	}
	if len(r.FlowMetadata) > 0 && string(r.FlowMetadata) != "null" {
		var fm models.FlowMetadata
		if err := json.Unmarshal(r.FlowMetadata, &fm); err != nil {
			return nil, fmt.Errorf("decode flow_metadata of automation %d: %w", r.ID, err)
		}
		a.FlowMetadata = &fm
	}
	for _, t := range r.Triggers {
		var tr models.Trigger
		if err := json.Unmarshal(t.Config, &tr); err != nil {
			return nil, fmt.Errorf("decode trigger %s of automation %d: %w", t.ID, r.ID, err)
		}
		tr.ID = t.ID
		a.Triggers = append(a.Triggers, tr)
	}
	for _, c := range r.Conditions {
		var cond models.Condition
		if err := json.Unmarshal(c.Config, &cond); err != nil {
			return nil, fmt.Errorf("decode condition %s of automation %d: %w", c.ID, r.ID, err)
		}
		cond.ID = c.ID
		a.Conditions = append(a.Conditions, cond)
	}
	for _, ac := range r.Actions {
		var action models.Action
		if err := json.Unmarshal(ac.Config, &action); err != nil {
			return nil, fmt.Errorf("decode action %s of automation %d: %w", ac.ID, r.ID, err)
		}
		action.ID = ac.ID
		a.Actions = append(a.Actions, action)
	}
	return a, nil
}

func (r *LogRecord) toModel() models.AutomationLog {
	return models.AutomationLog{
		ID:           r.ID,
		AutomationID: r.AutomationID,
		ExecutedAt:   r.ExecutedAt,
		Status:       models.RunStatus(r.Status),
		Details:      r.Details,
	}
}
