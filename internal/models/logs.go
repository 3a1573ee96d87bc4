package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the outcome of one automation run
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
	StatusPartial RunStatus = "partial"
	StatusWarning RunStatus = "warning"
)

// RunStatuses lists every status in display order
var RunStatuses = []RunStatus{StatusSuccess, StatusFailed, StatusSkipped, StatusPartial, StatusWarning}

// Valid reports whether s is a known status
func (s RunStatus) Valid() bool {
	for _, v := range RunStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// AutomationLog is one immutable execution log row
type AutomationLog struct {
	ID           uint64    `json:"id"`
	AutomationID uint64    `json:"automation_id"`
	ExecutedAt   time.Time `json:"executed_at"`
	Status       RunStatus `json:"status"`
	Details      string    `json:"details"`
}

func (l AutomationLog) IsSuccessful() bool   { return l.Status == StatusSuccess }
func (l AutomationLog) IsFailed() bool       { return l.Status == StatusFailed }
func (l AutomationLog) IsSkipped() bool      { return l.Status == StatusSkipped }
func (l AutomationLog) IsPartial() bool      { return l.Status == StatusPartial }
func (l AutomationLog) IsWarning() bool      { return l.Status == StatusWarning }
func (l AutomationLog) WasNotExecuted() bool { return l.Status == StatusSkipped }

// IsProblematic reports failed, partial and warning runs
func (l AutomationLog) IsProblematic() bool {
	return l.IsFailed() || l.IsPartial() || l.IsWarning()
}

// MarshalJSON adds the derived flags to the row
func (l AutomationLog) MarshalJSON() ([]byte, error) {
	type row AutomationLog
	return json.Marshal(struct {
		row
		IsSuccessful   bool `json:"is_successful"`
		IsFailed       bool `json:"is_failed"`
		IsSkipped      bool `json:"is_skipped"`
		IsPartial      bool `json:"is_partial"`
		IsWarning      bool `json:"is_warning"`
		IsProblematic  bool `json:"is_problematic"`
		WasNotExecuted bool `json:"was_not_executed"`
	}{
		row:            row(l),
		IsSuccessful:   l.IsSuccessful(),
		IsFailed:       l.IsFailed(),
		IsSkipped:      l.IsSkipped(),
		IsPartial:      l.IsPartial(),
		IsWarning:      l.IsWarning(),
		IsProblematic:  l.IsProblematic(),
		WasNotExecuted: l.WasNotExecuted(),
	})
}

// LogCounts are status counts over a set of log rows
type LogCounts struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Partial    int64 `json:"partial"`
	Warning    int64 `json:"warning"`
}

// Add counts n rows of the given status
func (c *LogCounts) Add(status RunStatus, n int64) {
	c.Total += n
	switch status {
	case StatusSuccess:
		c.Successful += n
	case StatusFailed:
		c.Failed += n
	case StatusSkipped:
		c.Skipped += n
	case StatusPartial:
		c.Partial += n
	case StatusWarning:
		c.Warning += n
	}
}

// LogStats holds counts over every row of an automation and over the filtered subset
type LogStats struct {
	TotalStats    LogCounts `json:"total_stats"`
	FilteredStats LogCounts `json:"filtered_stats"`
}

// ManualTriggerID marks tasks started from the API instead of a trigger
const ManualTriggerID = "manual"

// EvaluationTask is produced by every trigger firing
type EvaluationTask struct {
	AutomationID uint64         `json:"automation_id"`
	TriggerID    string         `json:"trigger_id"`
	TriggerType  TriggerType    `json:"trigger_type,omitempty"`
	FiredAt      time.Time      `json:"fired_at"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
	Context      map[string]any `json:"context,omitempty"`
}

// Manual reports whether the task was started from the API
func (t EvaluationTask) Manual() bool {
	return t.TriggerID == ManualTriggerID
}
