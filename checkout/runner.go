package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/warp/attendance-engine/attendance"
)

// Trigger says who asked for a forced checkout.
type Trigger string

const (
	// TriggerCron runs only inside the CronSettings window.
	TriggerCron Trigger = "cron"

	// TriggerManual runs unconditionally (admin button).
	TriggerManual Trigger = "manual"
)

// =============================================================================
// RUNNER - Windowed, logged invocation of the reconciler
// =============================================================================

// Runner wraps the Reconciler with the CronSettings window and the call log.
// The Reconciler itself knows nothing about scheduling.
type Runner struct {
	Reconciler *Reconciler
	Settings   attendance.SettingsStore
	CallLogs   attendance.CallLogStore
	Defaults   attendance.CronSettings
	Now        func() time.Time
}

func NewRunner(reconciler *Reconciler, settings attendance.SettingsStore, callLogs attendance.CallLogStore) *Runner {
	return &Runner{
		Reconciler: reconciler,
		Settings:   settings,
		CallLogs:   callLogs,
		Defaults:   DefaultSettings,
		Now:        time.Now,
	}
}

// Run performs one invocation and returns its terminal call-log entry.
//
// A cron trigger outside the window writes a single "skipped" entry and
// touches nothing else. Otherwise a "running" entry is written, the
// reconciler runs, and a "success" or "error" entry with the counts follows.
// Both entries share an InvocationID.
//
// A cron run in the after-midnight part of a wrapping window closes the
// day the window opened on; a manual run always closes today.
func (r *Runner) Run(ctx context.Context, trigger Trigger) (attendance.CallLog, error) {
	started := r.now()
	invocation := uuid.NewString()

	day := r.Reconciler.Log.Clock.DateKeyOf(started)
	if trigger != TriggerManual {
		settings, err := r.EffectiveSettings(ctx)
		if err != nil {
			return r.finish(ctx, invocation, trigger, started, nil, err)
		}
		inWindow, err := InWindow(settings, r.Reconciler.Log.Clock.In(started))
		if err != nil {
			return r.finish(ctx, invocation, trigger, started, nil, err)
		}
		if !inWindow {
			entry := r.entry(invocation, trigger, attendance.CallSkipped, started)
			entry.Message = fmt.Sprintf("outside window %s-%s", settings.WindowStart, settings.WindowEnd)
			entry.FinishedAt = &started
			r.append(ctx, entry)
			return entry, nil
		}
		if day, err = SweepDay(settings, r.Reconciler.Log.Clock, started); err != nil {
			return r.finish(ctx, invocation, trigger, started, nil, err)
		}
	}

	r.append(ctx, r.entry(invocation, trigger, attendance.CallRunning, started))

	result, err := r.Reconciler.ForceCheckoutDay(ctx, day)
	return r.finish(ctx, invocation, trigger, started, &result, err)
}

func (r *Runner) finish(ctx context.Context, invocation string, trigger Trigger, started time.Time, result *attendance.CheckoutResult, runErr error) (attendance.CallLog, error) {
	status := attendance.CallSuccess
	if runErr != nil {
		status = attendance.CallError
	}

	entry := r.entry(invocation, trigger, status, started)
	entry.Result = result
	if runErr != nil {
		entry.Message = runErr.Error()
	}
	finished := r.now()
	entry.FinishedAt = &finished

	r.append(ctx, entry)
	return entry, runErr
}

func (r *Runner) entry(invocation string, trigger Trigger, status attendance.CallStatus, started time.Time) attendance.CallLog {
	return attendance.CallLog{
		ID:           uuid.NewString(),
		InvocationID: invocation,
		Trigger:      string(trigger),
		Status:       status,
		StartedAt:    started,
	}
}

// append writes a call-log entry. A failed write never blocks the checkout.
func (r *Runner) append(ctx context.Context, entry attendance.CallLog) {
	if r.CallLogs == nil {
		return
	}
	// The terminal entry must land even if the caller's context is done.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := r.CallLogs.AppendCallLog(ctx, entry); err != nil {
		log.Printf("[Checkout] call log %s (%s) not written: %v", entry.InvocationID, entry.Status, err)
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

// EffectiveSettings returns the saved CronSettings, or Defaults if none.
func (r *Runner) EffectiveSettings(ctx context.Context) (attendance.CronSettings, error) {
	if r.Settings == nil {
		return r.Defaults, nil
	}
	s, err := r.Settings.GetCronSettings(ctx)
	if err != nil {
		return attendance.CronSettings{}, attendance.Unavailable("get cron settings", err)
	}
	if s == nil {
		return r.Defaults, nil
	}
	return *s, nil
}

// UpdateSettings validates and saves a new window.
func (r *Runner) UpdateSettings(ctx context.Context, s attendance.CronSettings) error {
	if err := ValidateSettings(s); err != nil {
		return err
	}
	if r.Settings == nil {
		return errors.New("settings store not configured")
	}
	return attendance.Unavailable("save cron settings", r.Settings.SaveCronSettings(ctx, s))
}

// History returns recent call-log entries, newest first.
func (r *Runner) History(ctx context.Context, limit int) ([]attendance.CallLog, error) {
	if r.CallLogs == nil {
		return nil, nil
	}
	logs, err := r.CallLogs.ListCallLogs(ctx, limit)
	if err != nil {
		return nil, attendance.Unavailable("list call logs", err)
	}
	return logs, nil
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
