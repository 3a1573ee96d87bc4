package models

import "time"

const (
	MaxTriggers   = 10
	MaxConditions = 20
	MaxActions    = 20
)

// Automation is a user-defined rule of triggers, conditions and actions
type Automation struct {
	ID           uint64        `json:"id"`
	OwnerID      int64         `json:"user_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Enabled      bool          `json:"enabled"`
	IsDraft      bool          `json:"is_draft"`
	FlowMetadata *FlowMetadata `json:"flow_metadata,omitempty"`
	Triggers     []Trigger     `json:"triggers"`
	Conditions   []Condition   `json:"conditions"`
	Actions      []Action      `json:"actions"`
	ActivatedAt  *time.Time    `json:"activated_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Active reports whether the scheduler should watch this automation
func (a *Automation) Active() bool {
	return a.Enabled && !a.IsDraft
}

// FindTrigger returns the trigger with the given id
func (a *Automation) FindTrigger(id string) (Trigger, bool) {
	for _, t := range a.Triggers {
		if t.ID == id {
			return t, true
		}
	}
	return Trigger{}, false
}

// FlowMetadata is the visual layout of the automation builder. It has no effect on evaluation.
type FlowMetadata struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

type FlowNode struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Type     string   `json:"type"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type FlowEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// AutomationStats is the per-owner summary of automations
type AutomationStats struct {
	Total      int64 `json:"total"`
	Enabled    int64 `json:"enabled"`
	Disabled   int64 `json:"disabled"`
	WithErrors int64 `json:"withErrors"`
}
