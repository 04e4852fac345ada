package checkout

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/attendance-engine/attendance"
)

// DefaultSettings is used until an admin saves CronSettings.
var DefaultSettings = attendance.CronSettings{WindowStart: "23:30", WindowEnd: "00:30"}

var validate = validator.New()

// ValidateSettings checks that both ends of the window are "HH:mm".
func ValidateSettings(s attendance.CronSettings) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid cron settings: %w", err)
	}
	return nil
}

// InWindow reports whether now falls inside the settings window.
//
// now must already be in the business timezone. Both ends are inclusive
// to the minute. A window whose end is before its start wraps midnight,
// so 23:30-00:30 covers 23:45 and 00:15 but not 12:00.
func InWindow(s attendance.CronSettings, now time.Time) (bool, error) {
	start, err := attendance.ParseClockTime(s.WindowStart)
	if err != nil {
		return false, err
	}
	end, err := attendance.ParseClockTime(s.WindowEnd)
	if err != nil {
		return false, err
	}

	m := attendance.ClockTimeOf(now)
	if start <= end {
		return m >= start && m <= end, nil
	}
	return m >= start || m <= end, nil
}

// SweepDay returns the business day a windowed run should close.
//
// In the after-midnight part of a wrapping window (00:15 in 23:30-00:30)
// that is the previous day, the one the window opened on. Otherwise it is
// the day of now.
func SweepDay(s attendance.CronSettings, clock attendance.BusinessClock, now time.Time) (attendance.DateKey, error) {
	today := clock.DateKeyOf(now)
	start, err := attendance.ParseClockTime(s.WindowStart)
	if err != nil {
		return today, err
	}
	end, err := attendance.ParseClockTime(s.WindowEnd)
	if err != nil {
		return today, err
	}

	if end < start && attendance.ClockTimeOf(clock.In(now)) <= end {
		return today.AddDays(-1), nil
	}
	return today, nil
}
