package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Weekday is a day of the week in its canonical three-letter form
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// indexed by time.Weekday
var weekdays = [7]Weekday{Sunday, Monday, Tuesday, Wednesday, Thursday, Friday, Saturday}

var weekdayNames = map[string]Weekday{
	"monday":    Monday,
	"tuesday":   Tuesday,
	"wednesday": Wednesday,
	"thursday":  Thursday,
	"friday":    Friday,
	"saturday":  Saturday,
	"sunday":    Sunday,
}

// ParseWeekday accepts both the abbreviated ("mon") and the full ("monday") form,
// case-insensitively, and returns the canonical abbreviated form.
func ParseWeekday(s string) (Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, d := range weekdays {
		if string(d) == v {
			return d, nil
		}
	}
	if d, ok := weekdayNames[v]; ok {
		return d, nil
	}
	return "", fmt.Errorf("invalid day of week %q", s)
}

// WeekdayOf returns the weekday of t in t's location
func WeekdayOf(t time.Time) Weekday {
	return weekdays[t.Weekday()]
}

// CronIndex returns the day number used in cron expressions (sun=0)
func (d Weekday) CronIndex() int {
	for i, w := range weekdays {
		if w == d {
			return i
		}
	}
	return -1
}

func (d *Weekday) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	w, err := ParseWeekday(s)
	if err != nil {
		return err
	}
	*d = w
	return nil
}

// ContainsWeekday reports whether d is in days
func ContainsWeekday(days []Weekday, d Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// ClockTime is a wall-clock time of day at minute resolution
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses the strict "HH:mm" form
func ParseClockTime(s string) (ClockTime, error) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	return ClockTime{Hour: h, Minute: min}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Matches reports whether t falls inside this minute of the day
func (c ClockTime) Matches(t time.Time) bool {
	return t.Hour() == c.Hour && t.Minute() == c.Minute
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
