package utils

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseDeviceID parses the device id out of a devices/<id>/... topic
func ParseDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

// Compare applies op to actual and expected. Both sides are compared as numbers
// when both parse as numbers, otherwise as strings. A nil side never compares.
func Compare(actual interface{}, op string, expected interface{}) bool {
	if actual == nil || expected == nil {
		return false
	}
	switch op {
	case "!=":
		return !Compare(actual, "=", expected)
	case "==":
		op = "="
	}

	a, aok := ToNumber(actual)
	e, eok := ToNumber(expected)
	if aok && eok {
		switch op {
		case "<":
			return a < e
		case "<=":
			return a <= e
		case "=":
			return a == e
		case ">=":
			return a >= e
		case ">":
			return a > e
		}
		return false
	}

	as, es := ToString(actual), ToString(expected)
	switch op {
	case "<":
		return as < es
	case "<=":
		return as <= es
	case "=":
		return as == es
	case ">=":
		return as >= es
	case ">":
		return as > es
	}
	return false
}

// ToNumber converts numeric values and numeric strings to float64
func ToNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ToString renders a scalar the way it is compared and logged
func ToString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	}
	if f, ok := ToNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
