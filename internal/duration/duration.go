// Package duration parses compact access-duration specs ("2M", "3W", "L")
// and extends expiration timestamps in TradingView's wire format.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WireFormat is the timestamp layout TradingView uses for script-access
// expirations: date, space (not "T"), whole seconds, literal "+00" offset.
const WireFormat = "2006-01-02 15:04:05-07"

// Unit is one access-duration unit.
type Unit int

const (
	Year Unit = iota + 1
	Month
	Week
	Day
	// Lifetime marks "no expiration". It never reaches Extend; callers
	// omit the expiration field entirely for lifetime grants.
	Lifetime
)

func (u Unit) String() string {
	switch u {
	case Year:
		return "Y"
	case Month:
		return "M"
	case Week:
		return "W"
	case Day:
		return "D"
	case Lifetime:
		return "L"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// Spec is a parsed duration: a positive magnitude and a unit.
// Magnitude carries no meaning for Lifetime.
type Spec struct {
	N    int
	Unit Unit
}

var specRe = regexp.MustCompile(`^([0-9]+)([YMWDL])$`)

// Parse accepts one or more digits followed by Y, M, W, D or L
// (case-insensitive). The magnitude must be at least 1; "0Y" is rejected.
func Parse(s string) (Spec, error) {
	m := specRe.FindStringSubmatch(strings.ToUpper(s))
	if m == nil {
		return Spec{}, fmt.Errorf("invalid duration %q: want digits followed by one of Y, M, W, D, L", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return Spec{}, fmt.Errorf("invalid duration %q: magnitude must be a positive integer", s)
	}
	var unit Unit
	switch m[2] {
	case "Y":
		unit = Year
	case "M":
		unit = Month
	case "W":
		unit = Week
	case "D":
		unit = Day
	case "L":
		unit = Lifetime
	}
	return Spec{N: n, Unit: unit}, nil
}

// FormatWire renders t in the wire format, in UTC, truncated to whole seconds.
func FormatWire(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02 15:04:05") + "+00"
}

// ParseWire parses a wire-format timestamp.
func ParseWire(s string) (time.Time, error) {
	t, err := time.Parse(WireFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiration %q: %w", s, err)
	}
	return t, nil
}

// Extend adds n units to the wire-format expiration and returns the result
// in the same format. Month and year addition is calendar-aware: the result
// lands on the same day-of-month, clamped to the last valid day when the
// target month is shorter (Jan 31 + 1 month is the last day of February).
// All arithmetic is performed in UTC regardless of the input's own offset.
func Extend(currentExpiration string, u Unit, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("extend: magnitude must be a positive integer, got %d", n)
	}
	t, err := ParseWire(currentExpiration)
	if err != nil {
		return "", err
	}
	t = t.UTC()

	switch u {
	case Year:
		t = addMonthsClamped(t, 12*n)
	case Month:
		t = addMonthsClamped(t, n)
	case Week:
		t = t.AddDate(0, 0, 7*n)
	case Day:
		t = t.AddDate(0, 0, n)
	default:
		return "", fmt.Errorf("extend: unsupported unit %s", u)
	}
	return FormatWire(t), nil
}

// addMonthsClamped avoids time.AddDate's overflow normalization
// (Jan 31 + 1 month must not become March 2).
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, hour, min, sec, t.Nanosecond(), time.UTC)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
