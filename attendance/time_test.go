package attendance_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/attendance-engine/attendance"
)

var jst = time.FixedZone("JST", 9*60*60)

func tokyoClock() attendance.BusinessClock {
	return attendance.NewBusinessClock(jst)
}

// =============================================================================
// DATE KEY TESTS
// =============================================================================

func TestDateKeyOf_UsesBusinessTimezone(t *testing.T) {
	// GIVEN: 2025-03-01 16:30 UTC, which is 2025-03-02 01:30 in Tokyo
	// WHEN: Computing the partition key
	// THEN: The Tokyo calendar date is used, not UTC

	clock := tokyoClock()
	instant := time.Date(2025, time.March, 1, 16, 30, 0, 0, time.UTC)

	assert.Equal(t, attendance.DateKey("2025-03-02"), clock.DateKeyOf(instant))
	assert.Equal(t, attendance.DateKey("2025-03-01"), attendance.NewBusinessClock(nil).DateKeyOf(instant))
}

func TestDaysBetween(t *testing.T) {
	days := attendance.DaysBetween("2025-02-27", "2025-03-02")
	assert.Equal(t, []attendance.DateKey{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"}, days)

	assert.Nil(t, attendance.DaysBetween("2025-03-02", "2025-03-01"))
	assert.Len(t, attendance.DaysBetween("2025-03-02", "2025-03-02"), 1)
}

func TestDaysInMonth(t *testing.T) {
	assert.Len(t, attendance.DaysInMonth(2025, time.March), 31)
	assert.Len(t, attendance.DaysInMonth(2024, time.February), 29)
	assert.Len(t, attendance.DaysInMonth(2025, time.February), 28)

	first, last := attendance.MonthBounds(2025, time.April)
	assert.Equal(t, attendance.DateKey("2025-04-01"), first)
	assert.Equal(t, attendance.DateKey("2025-04-30"), last)
}

func TestParseDateKey_RejectsGarbage(t *testing.T) {
	_, err := attendance.ParseDateKey("2025-13-01")
	assert.Error(t, err)

	k, err := attendance.ParseDateKey("2025-12-31")
	require.NoError(t, err)
	y, m := k.YearMonth()
	assert.Equal(t, 2025, y)
	assert.Equal(t, time.December, m)
}

// =============================================================================
// TIMESTAMP PARSING TESTS
// =============================================================================

func TestParseTimestamp_AcceptedRepresentations(t *testing.T) {
	clock := tokyoClock()
	want := time.Date(2025, time.March, 10, 9, 0, 0, 0, jst)
	ms := want.UnixMilli()

	cases := map[string]any{
		"time.Time":   want,
		"*time.Time":  &want,
		"rfc3339":     "2025-03-10T09:00:00+09:00",
		"rfc3339 utc": "2025-03-10T00:00:00Z",
		"local":       "2025-03-10 09:00:00",
		"int":         int(ms),
		"int64":       ms,
		"float64":     float64(ms),
		"json.Number": json.Number("1741564800000"),
		"seconds map": map[string]any{"seconds": float64(want.Unix()), "nanoseconds": float64(0)},
		"seconds only": map[string]any{
			"seconds": want.Unix(),
		},
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := clock.ParseTimestamp(input)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %v", got)
		})
	}
}

func TestParseTimestamp_RejectsEverythingElse(t *testing.T) {
	// GIVEN: Values outside the closed set of representations
	// WHEN: Parsing them
	// THEN: Each fails with ErrUnparseableTimestamp; nothing defaults to now

	clock := tokyoClock()
	var nilTime *time.Time

	cases := map[string]any{
		"nil":              nil,
		"bool":             true,
		"empty string":     "  ",
		"garbage string":   "yesterday at noon",
		"fractional float": 1.5,
		"zero time":        time.Time{},
		"nil pointer":      nilTime,
		"map without secs": map[string]any{"nanoseconds": 1},
		"bad nanos":        map[string]any{"seconds": 10, "nanoseconds": int64(time.Second)},
		"bad json number":  json.Number("1.5e3x"),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := clock.ParseTimestamp(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, attendance.ErrUnparseableTimestamp))

			var tsErr *attendance.TimestampError
			assert.True(t, errors.As(err, &tsErr))
		})
	}
}

// =============================================================================
// CLOCK TIME TESTS
// =============================================================================

func TestParseClockTime(t *testing.T) {
	c, err := attendance.ParseClockTime("23:30")
	require.NoError(t, err)
	assert.Equal(t, attendance.ClockTime(23*60+30), c)
	assert.Equal(t, "23:30", c.String())

	_, err = attendance.ParseClockTime("24:00")
	assert.Error(t, err)
	_, err = attendance.ParseClockTime("noon")
	assert.Error(t, err)
}
