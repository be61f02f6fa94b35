package flowrt

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Match holds the capture groups of a successful regex match.
type Match struct {
	re     *regexp.Regexp
	text   string
	groups []int
}

// FindMatch tries each pattern in order against v's text and returns the
// first match, or nil when v has no text form or nothing matches.
func FindMatch(v any, patterns ...*regexp.Regexp) *Match {
	text, ok := Text(v)
	if !ok {
		return nil
	}
	for _, re := range patterns {
		if loc := re.FindStringSubmatchIndex(text); loc != nil {
			return &Match{re: re, text: text, groups: loc}
		}
	}
	return nil
}

// MatchValue reports whether re matches v's text.
func MatchValue(re *regexp.Regexp, v any) bool {
	text, ok := Text(v)
	return ok && re.MatchString(text)
}

// Group returns capture i, or nil when the group does not exist or did
// not participate in the match. Group 0 is the whole match.
func (m *Match) Group(i int) any {
	if i < 0 || 2*i+1 >= len(m.groups) {
		return nil
	}
	start, end := m.groups[2*i], m.groups[2*i+1]
	if start < 0 {
		return nil
	}
	return m.text[start:end]
}

// Named returns the named capture, or nil when it is absent.
func (m *Match) Named(name string) any {
	i := m.re.SubexpIndex(name)
	if i < 0 {
		return nil
	}
	return m.Group(i)
}

// Capture transforms accepted by ApplyCapture.
const (
	CaptureUpper = "upper"
	CaptureLower = "lower"
	CaptureTrim  = "trim"
	CaptureInt   = "int"
	CaptureFloat = "float"
)

// ApplyCapture post-processes a captured value. nil passes through.
func ApplyCapture(v any, transform string) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch transform {
	case CaptureUpper:
		return strings.ToUpper(s), nil
	case CaptureLower:
		return strings.ToLower(s), nil
	case CaptureTrim:
		return strings.TrimSpace(s), nil
	case CaptureInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int", s)
		}
		return n, nil
	case CaptureFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot convert %q to float", s)
		}
		return f, nil
	default:
		return s, nil
	}
}
