package eventbus

import "strings"

// Topic patterns follow conventional topic-exchange semantics. A pattern
// is a sequence of dot-separated segments where a literal segment must
// equal the corresponding event-type segment, "*" matches exactly one
// arbitrary segment, and "#" (final token only) matches any remainder,
// including an empty one. A pattern without "#" only matches event types
// with the same segment count.

// Match reports whether the topic pattern matches the given event type.
//
//	Match("hr.*.created", "hr.employee.created") == true
//	Match("hr.#", "hr.employee.created")         == true
//	Match("#", anything)                         == true
//	Match("hr.employee", "hr.employee.created")  == false
func Match(pattern, eventType string) bool {
	if pattern == "#" {
		return true
	}

	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(eventType, ".")

	for i, seg := range pSegs {
		if seg == "#" {
			// Valid only as the final token; the segments before it
			// already matched the event-type prefix.
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if seg != "*" && seg != tSegs[i] {
			return false
		}
	}

	return len(pSegs) == len(tSegs)
}

// ValidatePattern checks that a pattern conforms to the grammar. The only
// structural rule beyond free-form segments is that "#" may appear once,
// as the final token.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "#" && i != len(segs)-1 {
			return ErrInvalidPattern
		}
		if strings.Contains(seg, "#") && seg != "#" {
			return ErrInvalidPattern
		}
	}
	return nil
}
