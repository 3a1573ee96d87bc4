package validation

import (
	"fmt"
	"sort"
)

// Error is a set of field-path keyed validation messages
type Error struct {
	Errors map[string][]string `json:"errors"`
}

func newError() *Error {
	return &Error{Errors: make(map[string][]string)}
}

// Add records a message for a field path such as triggers.0.time_at
func (e *Error) Add(field, message string) {
	e.Errors[field] = append(e.Errors[field], message)
}

func (e *Error) empty() bool {
	return len(e.Errors) == 0
}

// Message summarizes the error the way the API reports it: the first message,
// plus a count of the remaining ones.
func (e *Error) Message() string {
	fields := make([]string, 0, len(e.Errors))
	total := 0
	for f, msgs := range e.Errors {
		fields = append(fields, f)
		total += len(msgs)
	}
	if total == 0 {
		return "The given data was invalid."
	}
	sort.Strings(fields)
	first := e.Errors[fields[0]][0]
	switch total {
	case 1:
		return first
	case 2:
		return first + " (and 1 more error)"
	}
	return fmt.Sprintf("%s (and %d more errors)", first, total-1)
}

func (e *Error) Error() string {
	return e.Message()
}
