package attendance

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// DATE KEY - Calendar day in the business timezone (partition key)
// =============================================================================

const dateKeyLayout = "2006-01-02"

// DateKey identifies one business day, formatted YYYY-MM-DD.
type DateKey string

// ParseDateKey validates s as a YYYY-MM-DD date.
func ParseDateKey(s string) (DateKey, error) {
	if _, err := time.Parse(dateKeyLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DateKey(s), nil
}

func (k DateKey) String() string { return string(k) }

// Date returns the calendar date as a UTC midnight time.
func (k DateKey) Date() time.Time {
	t, _ := time.Parse(dateKeyLayout, string(k))
	return t
}

// AddDays returns the key n calendar days later.
func (k DateKey) AddDays(n int) DateKey {
	return DateKey(k.Date().AddDate(0, 0, n).Format(dateKeyLayout))
}

func (k DateKey) Before(other DateKey) bool { return k < other }
func (k DateKey) After(other DateKey) bool  { return k > other }

// YearMonth returns the month the day belongs to.
func (k DateKey) YearMonth() (int, time.Month) {
	d := k.Date()
	return d.Year(), d.Month()
}

// DaysBetween returns every key in [start, end], ascending.
// Returns nil if end is before start.
func DaysBetween(start, end DateKey) []DateKey {
	if end.Before(start) {
		return nil
	}
	var keys []DateKey
	for k := start; !k.After(end); k = k.AddDays(1) {
		keys = append(keys, k)
	}
	return keys
}

// MonthBounds returns the first and last day of a calendar month.
func MonthBounds(year int, month time.Month) (DateKey, DateKey) {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	return DateKey(first.Format(dateKeyLayout)), DateKey(last.Format(dateKeyLayout))
}

// DaysInMonth returns every day of a calendar month.
func DaysInMonth(year int, month time.Month) []DateKey {
	start, end := MonthBounds(year, month)
	return DaysBetween(start, end)
}

// =============================================================================
// BUSINESS CLOCK - Fixed timezone for partitioning
// =============================================================================

// DefaultBusinessTimezone is used when no timezone is configured.
const DefaultBusinessTimezone = "Asia/Tokyo"

// BusinessClock maps instants to business days.
// It never uses server local time or the caller's timezone.
type BusinessClock struct {
	Location *time.Location
}

func NewBusinessClock(loc *time.Location) BusinessClock {
	if loc == nil {
		loc = time.UTC
	}
	return BusinessClock{Location: loc}
}

// LoadBusinessClock resolves an IANA timezone name.
func LoadBusinessClock(name string) (BusinessClock, error) {
	if name == "" {
		name = DefaultBusinessTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return BusinessClock{}, fmt.Errorf("load business timezone %q: %w", name, err)
	}
	return NewBusinessClock(loc), nil
}

func (c BusinessClock) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// DateKeyOf returns the business day containing t.
func (c BusinessClock) DateKeyOf(t time.Time) DateKey {
	return DateKey(t.In(c.loc()).Format(dateKeyLayout))
}

// In converts t to the business timezone.
func (c BusinessClock) In(t time.Time) time.Time {
	return t.In(c.loc())
}

// DayStart returns the first instant of the business day k.
func (c BusinessClock) DayStart(k DateKey) time.Time {
	d := k.Date()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc())
}

// At builds an instant on business day k at hh:mm.
func (c BusinessClock) At(k DateKey, hour, minute int) time.Time {
	d := k.Date()
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, c.loc())
}

// =============================================================================
// TIMESTAMP PARSING - Single boundary for loosely typed timestamps
// =============================================================================

// ParseTimestamp converts a loosely typed timestamp into a time.Time.
//
// Accepted representations (closed set):
//   - time.Time, *time.Time (non-nil, non-zero)
//   - string: RFC3339 / RFC3339Nano, or "2006-01-02 15:04:05" in the business timezone
//   - unix milliseconds: int, int64, float64, json.Number
//   - map[string]any with "seconds" and optional "nanoseconds" (document-store timestamp shape)
//
// Anything else returns a *TimestampError wrapping ErrUnparseableTimestamp.
// There is no fallback to "now".
func (c BusinessClock) ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, &TimestampError{Value: v, Reason: "zero time"}
		}
		return t, nil
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, &TimestampError{Value: v, Reason: "nil or zero time"}
		}
		return *t, nil
	case string:
		return c.parseTimestampString(t)
	case int:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t != math.Trunc(t) {
			return time.Time{}, &TimestampError{Value: v, Reason: "non-integral milliseconds"}
		}
		return time.UnixMilli(int64(t)), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, &TimestampError{Value: v, Reason: err.Error()}
		}
		return time.UnixMilli(ms), nil
	case map[string]any:
		return parseSecondsMap(t)
	}
	return time.Time{}, &TimestampError{Value: v, Reason: fmt.Sprintf("unsupported type %T", v)}
}

func (c BusinessClock) parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &TimestampError{Value: s, Reason: "empty string"}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.loc()); err == nil {
		return t, nil
	}
	return time.Time{}, &TimestampError{Value: s, Reason: "unrecognized layout"}
}

func parseSecondsMap(m map[string]any) (time.Time, error) {
	secs, ok := wholeNumber(m["seconds"])
	if !ok {
		return time.Time{}, &TimestampError{Value: m, Reason: "missing or invalid seconds"}
	}
	var nanos int64
	if raw, present := m["nanoseconds"]; present {
		n, ok := wholeNumber(raw)
		if !ok || n < 0 || n >= int64(time.Second) {
			return time.Time{}, &TimestampError{Value: m, Reason: "invalid nanoseconds"}
		}
		nanos = n
	}
	return time.Unix(secs, nanos), nil
}

func wholeNumber(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// =============================================================================
// CLOCK TIME - "HH:mm" time-of-day used by CronSettings
// =============================================================================

// ClockTime is a minute of the day, 0..1439.
type ClockTime int

// ParseClockTime parses "HH:mm" (24-hour).
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (use HH:mm): %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// ClockTimeOf returns the minute of day of t in its own location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}
