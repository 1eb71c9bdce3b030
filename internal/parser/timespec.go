package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeKind distinguishes the forms a time clause can take.
type TimeKind int

const (
	TimeRelative TimeKind = iota
	TimeToday
	TimeYesterday
	TimeAbsolute
)

// TimeSpec is an unresolved time window. Raw keeps the source text for formatting.
type TimeSpec struct {
	Kind TimeKind
	// Span is the length of a relative window.
	Span time.Duration
	// Start and End bound an absolute window; a zero value leaves that side open.
	Start time.Time
	End   time.Time
	Raw   string
}

// TimeRange is a resolved half-open window [Start, End). A zero Start means unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Span returns the window length, or zero when the window is unbounded.
func (r TimeRange) Span() time.Duration {
	if r.Start.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

var errBadRange = errors.New("time range start must be before end")

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimeSpec parses the value of a time clause.
func ParseTimeSpec(raw string) (TimeSpec, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return TimeSpec{}, errors.New("empty time value")
	}

	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		return parseAbsolute(raw, value)
	}

	switch value {
	case "today":
		return TimeSpec{Kind: TimeToday, Raw: raw}, nil
	case "yesterday":
		return TimeSpec{Kind: TimeYesterday, Raw: raw}, nil
	}

	compact := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '\t':
			return -1
		}
		return r
	}, value)
	compact = strings.TrimPrefix(compact, "last")

	span, err := parseSpan(compact)
	if err != nil {
		return TimeSpec{}, fmt.Errorf("unsupported time value %q", raw)
	}
	return TimeSpec{Kind: TimeRelative, Span: span, Raw: raw}, nil
}

func parseSpan(s string) (time.Duration, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, errors.New("missing amount")
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n <= 0 {
		return 0, errors.New("invalid amount")
	}

	var unit time.Duration
	switch s[i:] {
	case "m", "min", "mins", "minute", "minutes":
		unit = time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		unit = time.Hour
	case "d", "day", "days":
		unit = 24 * time.Hour
	case "w", "week", "weeks":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown unit %q", s[i:])
	}
	return time.Duration(n) * unit, nil
}

func parseAbsolute(raw, value string) (TimeSpec, error) {
	inner := strings.TrimSpace(raw)
	inner = inner[1 : len(inner)-1]
	startRaw, endRaw, ok := strings.Cut(inner, ",")
	if !ok {
		return TimeSpec{}, fmt.Errorf("invalid time range %q", value)
	}
	startRaw, endRaw = strings.TrimSpace(startRaw), strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		return TimeSpec{}, errors.New("time range requires at least one bound")
	}

	spec := TimeSpec{Kind: TimeAbsolute, Raw: raw}
	var err error
	if startRaw != "" {
		if spec.Start, err = ParseTimestamp(startRaw); err != nil {
			return TimeSpec{}, err
		}
	}
	if endRaw != "" {
		if spec.End, err = ParseTimestamp(endRaw); err != nil {
			return TimeSpec{}, err
		}
	}
	if !spec.Start.IsZero() && !spec.End.IsZero() && spec.Start.After(spec.End) {
		return TimeSpec{}, errBadRange
	}
	return spec, nil
}

// ParseTimestamp parses an absolute timestamp in any of the accepted layouts, returning UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Resolve turns the spec into a concrete window relative to now.
func (s TimeSpec) Resolve(now time.Time) (TimeRange, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var r TimeRange
	switch s.Kind {
	case TimeRelative:
		r = TimeRange{Start: now.Add(-s.Span), End: now}
	case TimeToday:
		r = TimeRange{Start: midnight, End: now}
	case TimeYesterday:
		r = TimeRange{Start: midnight.AddDate(0, 0, -1), End: midnight}
	case TimeAbsolute:
		r = TimeRange{Start: s.Start, End: s.End}
		if r.End.IsZero() {
			r.End = now
		}
	default:
		return TimeRange{}, fmt.Errorf("unknown time kind %d", s.Kind)
	}

	if !r.Start.IsZero() && r.Start.After(r.End) {
		return TimeRange{}, errBadRange
	}
	return r, nil
}
