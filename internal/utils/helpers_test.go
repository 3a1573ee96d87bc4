package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceID(t *testing.T) {
	assert.Equal(t, "d1", ParseDeviceID("devices/d1/state"))
	assert.Equal(t, "", ParseDeviceID("devices"))
}

func TestCompareNumeric(t *testing.T) {
	assert.True(t, Compare(float64(11), ">", 5))
	assert.False(t, Compare(float64(3), ">", 5))
	assert.True(t, Compare("10", "=", 10))
	assert.True(t, Compare("10.0", "==", "10"))
	assert.True(t, Compare(4, "<=", "4"))
	assert.True(t, Compare(int64(4), ">=", 3.5))
	assert.False(t, Compare(4, "<", 4))
}

func TestCompareFallsBackToStrings(t *testing.T) {
	assert.True(t, Compare("on", "=", "on"))
	assert.False(t, Compare("on", "=", "off"))
	assert.True(t, Compare(true, "=", "true"))
	assert.True(t, Compare("b", ">", "a"))
	assert.False(t, Compare("10", "=", "ten"))
}

func TestCompareNilFailsClosed(t *testing.T) {
	assert.False(t, Compare(nil, "=", 1))
	assert.False(t, Compare(nil, "!=", 1))
	assert.False(t, Compare(1, "=", nil))
}

func TestNotEqualIsNegationOfEqual(t *testing.T) {
	values := []interface{}{0, 1, 2.5, -3, "2.5", "7", float64(100), int64(-3)}
	for _, a := range values {
		for _, e := range values {
			assert.Equal(t, !Compare(a, "=", e), Compare(a, "!=", e), "%v vs %v", a, e)
		}
	}
}

func TestCompareUnknownOperator(t *testing.T) {
	assert.False(t, Compare(1, "~", 1))
	assert.False(t, Compare("a", "~", "a"))
}
