package automation

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"smarthome-automations/internal/models"
)

// DiffState returns one change per field whose value differs between two snapshots,
// including fields that appear or disappear. Changes are ordered by field name.
func DiffState(deviceID string, prev, curr models.DeviceState, at time.Time) []models.StateChange {
	fields := map[string]struct{}{}
	for k := range prev {
		fields[k] = struct{}{}
	}
	for k := range curr {
		fields[k] = struct{}{}
	}

	var changes []models.StateChange
	for f := range fields {
		ov, hadOld := prev[f]
		nv, hasNew := curr[f]
		if hadOld && hasNew && jsonEqual(ov, nv) {
			continue
		}
		changes = append(changes, models.StateChange{
			DeviceID: deviceID,
			Field:    f,
			Old:      ov,
			New:      nv,
			HadOld:   hadOld,
			HasNew:   hasNew,
			At:       at,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

// MatchPayload reports whether every key of filter is present in the JSON object payload
// with an equal value. Extra payload keys are ignored and an empty filter matches anything.
func MatchPayload(filter map[string]any, payload []byte) bool {
	if len(filter) == 0 {
		return true
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		return false
	}
	for k, want := range filter {
		v, ok := got[k]
		if !ok || !jsonEqual(want, v) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
