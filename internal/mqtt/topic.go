package mqtt

import "strings"

// MatchTopic reports whether topic matches the subscription filter.
// '+' matches exactly one level and a trailing '#' matches any remaining levels.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, part := range fp {
		if part == "#" {
			// '#' must be last; "a/#" also matches "a"
			return i == len(fp)-1 && !strings.HasPrefix(topic, "$")
		}
		if i >= len(tp) {
			return false
		}
		if part == "+" {
			if i == 0 && strings.HasPrefix(tp[0], "$") {
				return false
			}
			continue
		}
		if part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
