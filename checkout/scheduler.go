/*
scheduler.go - Automated forced-checkout scheduler

PURPOSE:
  Fires the Runner on a cron spec. The cron spec only decides how often we
  look; whether a run actually happens is decided by the CronSettings
  window inside Runner.Run, so admins can move the window without a
  restart.

DESIGN:
  - robfig/cron in the business timezone
  - SkipIfStillRunning: a slow sweep is never overlapped by the next tick
  - Each tick gets its own timeout context

CONFIGURATION:
  - Spec: cron expression (default: every 5 minutes)
  - Enabled: Whether scheduler is active (default: true)
  - RunTimeout: Upper bound for one sweep (default: 4 minutes)

USAGE:
  scheduler := checkout.NewScheduler(runner, checkout.DefaultSpec)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - runner.go: Window check and call log
  - ../api/handlers.go: GET /api/cron/force-checkout (external trigger)
*/
package checkout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/warp/attendance-engine/attendance"
)

// DefaultSpec checks the window every five minutes.
const DefaultSpec = "*/5 * * * *"

// Scheduler triggers forced checkouts from a cron spec.
type Scheduler struct {
	Runner     *Runner
	Spec       string
	Enabled    bool
	RunTimeout time.Duration

	cron  *cron.Cron
	entry cron.EntryID
	mu    sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(runner *Runner, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		Runner:     runner,
		Spec:       spec,
		Enabled:    true,
		RunTimeout: 4 * time.Minute,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	loc := s.Runner.Reconciler.Log.Clock.Location
	if loc == nil {
		loc = time.UTC
	}

	logger := cron.PrintfLogger(log.New(log.Writer(), "[Scheduler] ", log.LstdFlags))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	id, err := c.AddFunc(s.Spec, s.tick)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.Spec, err)
	}
	s.cron = c
	s.entry = id
	c.Start()

	log.Printf("[Scheduler] Started with spec %q, next run at %v", s.Spec, c.Entry(id).Next)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
		log.Println("[Scheduler] Stopped")
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RunTimeout)
	defer cancel()

	entry, err := s.Runner.Run(ctx, TriggerCron)
	switch {
	case err != nil:
		log.Printf("[Scheduler] Forced checkout failed: %v", err)
	case entry.Status == attendance.CallSkipped:
		// Outside the window; nothing to report.
	case entry.Result != nil:
		log.Printf("[Scheduler] Forced checkout completed: success=%d no_action=%d failed=%d",
			entry.Result.Success, entry.Result.NoAction, entry.Result.Failed)
	}
}

// RunNow triggers an immediate windowed run (for testing/admin).
func (s *Scheduler) RunNow() {
	s.tick()
}

// NextRun returns when the next tick will fire, or zero if stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}
