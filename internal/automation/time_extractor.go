package automation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"smarthome-automations/internal/models"

	"github.com/robfig/cron/v3"
)

// CronExpression converts a time trigger into a standard five-field cron expression
func CronExpression(t models.TimeTrigger) string {
	days := "*"
	if len(t.Days) > 0 {
		idx := make([]int, 0, len(t.Days))
		seen := map[int]bool{}
		for _, d := range t.Days {
			i := d.CronIndex()
			if i < 0 || seen[i] {
				continue
			}
			seen[i] = true
			idx = append(idx, i)
		}
		sort.Ints(idx)
		parts := make([]string, len(idx))
		for i, v := range idx {
			parts[i] = strconv.Itoa(v)
		}
		days = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", t.At.Minute, t.At.Hour, days)
}

// TimeTriggerSchedule parses the cron schedule of a time trigger
func TimeTriggerSchedule(t models.TimeTrigger) (cron.Schedule, error) {
	return cron.ParseStandard(CronExpression(t))
}

// MatchesMinute reports whether the schedule activates in the minute containing now.
// Evaluation happens in now's location.
func MatchesMinute(s cron.Schedule, now time.Time) bool {
	minute := MinuteOf(now)
	return s.Next(minute.Add(-time.Second)).Equal(minute)
}

// MinuteOf truncates t to the start of its wall-clock minute
func MinuteOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}
