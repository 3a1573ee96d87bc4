package automation

import (
	"context"
	"fmt"
	"time"

	"smarthome-automations/internal/models"
	"smarthome-automations/internal/utils"
)

// StateReader provides live device field values
type StateReader interface {
	GetFieldValue(ctx context.Context, deviceID, field string) (models.FieldReading, error)
}

// EvalResult is the outcome of evaluating an automation's conditions
type EvalResult struct {
	Passed      bool
	FailedIndex int
	FailedType  models.ConditionType
	Reason      string
	// Stale is set when a passing simple condition read a value older than the stale threshold
	Stale       bool
	StaleFields []string
}

// Evaluator checks conditions against device state and the wall clock
type Evaluator struct {
	state      StateReader
	loc        *time.Location
	staleAfter time.Duration
}

// NewEvaluator creates an evaluator. A zero staleAfter disables stale detection.
func NewEvaluator(state StateReader, loc *time.Location, staleAfter time.Duration) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{state: state, loc: loc, staleAfter: staleAfter}
}

// Location returns the timezone used for time and day matching
func (e *Evaluator) Location() *time.Location {
	return e.loc
}

// Evaluate checks all conditions in order and stops at the first one that does not hold.
// An empty set passes. The returned error is reserved for failures reading device state.
func (e *Evaluator) Evaluate(ctx context.Context, conds []models.Condition, now time.Time) (EvalResult, error) {
	res := EvalResult{Passed: true, FailedIndex: -1}
	local := now.In(e.loc)

	for i, c := range conds {
		ok, reason, stale, err := e.evaluateOne(ctx, c, local)
		if err != nil {
			return EvalResult{FailedIndex: i, FailedType: c.Type()}, fmt.Errorf("condition %d (%s): %w", i, c.Type(), err)
		}
		if !ok {
			res.Passed = false
			res.FailedIndex = i
			res.FailedType = c.Type()
			res.Reason = reason
			return res, nil
		}
		if stale != "" {
			res.Stale = true
			res.StaleFields = append(res.StaleFields, stale)
		}
	}
	return res, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, c models.Condition, now time.Time) (ok bool, reason, stale string, err error) {
	switch s := c.Spec.(type) {
	case models.SimpleCondition:
		reading, err := e.state.GetFieldValue(ctx, s.DeviceID, s.Field)
		if err != nil {
			return false, "", "", err
		}
		if !reading.Found || reading.Value == nil {
			return false, fmt.Sprintf("no value for %s.%s", s.DeviceID, s.Field), "", nil
		}
		if !utils.Compare(reading.Value, string(s.Operator), s.Value) {
			return false, fmt.Sprintf("%s.%s is %s, expected %s %s",
				s.DeviceID, s.Field, utils.ToString(reading.Value), s.Operator, utils.ToString(s.Value)), "", nil
		}
		if e.staleAfter > 0 && !reading.UpdatedAt.IsZero() && now.Sub(reading.UpdatedAt) > e.staleAfter {
			stale = s.DeviceID + "." + s.Field
		}
		return true, "", stale, nil

	case models.TimeCondition:
		if !s.At.Matches(now) {
			return false, fmt.Sprintf("time is %s, expected %s", now.Format("15:04"), s.At), "", nil
		}
		return true, "", "", nil

	case models.DayOfWeekCondition:
		today := models.WeekdayOf(now)
		if !models.ContainsWeekday(s.Days, today) {
			return false, fmt.Sprintf("today is %s, expected one of %v", today, s.Days), "", nil
		}
		return true, "", "", nil
	}
	return false, "", "", fmt.Errorf("unsupported condition %T", c.Spec)
}
