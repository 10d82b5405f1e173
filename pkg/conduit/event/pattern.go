package event

import (
	"fmt"
	"strings"
)

// Pattern matches event types. The grammar is an exact type
// ("mlm.ModelDeployed"), a namespace prefix ending in ".*" ("mlm.*"), or
// "*" for every type.
type Pattern struct {
	raw    string
	prefix string
	exact  bool
}

// ParsePattern parses a pattern string.
func ParsePattern(s string) (Pattern, error) {
	switch {
	case s == "":
		return Pattern{}, fmt.Errorf("empty event type pattern")
	case s == "*":
		return Pattern{raw: s}, nil
	case strings.HasSuffix(s, ".*"):
		prefix := strings.TrimSuffix(s, "*")
		if strings.Contains(prefix, "*") || prefix == "." {
			return Pattern{}, fmt.Errorf("invalid event type pattern %q", s)
		}
		return Pattern{raw: s, prefix: prefix}, nil
	case strings.Contains(s, "*"):
		return Pattern{}, fmt.Errorf("invalid event type pattern %q: wildcard must be a trailing .*", s)
	default:
		return Pattern{raw: s, prefix: s, exact: true}, nil
	}
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether eventType matches the pattern.
func (p Pattern) Matches(eventType string) bool {
	if p.exact {
		return eventType == p.prefix
	}
	return strings.HasPrefix(eventType, p.prefix)
}

// Specificity ranks patterns: a longer literal prefix is more specific, and
// an exact pattern beats a wildcard with the same literal prefix.
func (p Pattern) Specificity() int {
	s := 2 * len(p.prefix)
	if p.exact {
		s++
	}
	return s
}

// IsExact reports whether the pattern names a single event type.
func (p Pattern) IsExact() bool { return p.exact }

// String returns the pattern as written.
func (p Pattern) String() string { return p.raw }
