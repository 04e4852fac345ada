package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
	"github.com/warp/attendance-engine/checkout"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jst = time.FixedZone("JST", 9*60*60)

func at(hour, minute int) time.Time {
	return time.Date(2025, time.March, 10, hour, minute, 0, 0, jst)
}

type fixture struct {
	mem        *store.Memory
	log        *attendance.EventLog
	reconciler *checkout.Reconciler
	now        time.Time
}

func newFixture(t *testing.T, users int) *fixture {
	t.Helper()
	mem := store.NewMemory()
	f := &fixture{
		mem: mem,
		log: attendance.NewEventLog(mem, attendance.NewBusinessClock(jst)),
		now: at(23, 55),
	}
	f.reconciler = checkout.NewReconciler(f.log, mem)
	f.reconciler.Now = func() time.Time { return f.now }

	for i := 0; i < users; i++ {
		require.NoError(t, mem.SaveUser(context.Background(), attendance.User{
			ID:             userID(i),
			CardID:         attendance.CardID(fmt.Sprintf("card-%03d", i)),
			PresenceStatus: attendance.PresenceInactive,
		}))
	}
	return f
}

func userID(i int) attendance.UserID {
	return attendance.UserID(fmt.Sprintf("u-%03d", i))
}

// checkIn appends an entry and marks the user active, like the kiosk does.
func (f *fixture) checkIn(t *testing.T, id attendance.UserID, ts time.Time) {
	t.Helper()
	ev, err := f.log.NewEvent(id, "card", attendance.EventEntry, ts)
	require.NoError(t, err)
	require.NoError(t, f.log.Commit(context.Background(), attendance.Batch{
		Events:   []attendance.Event{ev},
		Presence: []attendance.PresenceUpdate{{UserID: id, Status: attendance.PresenceActive}},
	}))
}

func (f *fixture) checkOut(t *testing.T, id attendance.UserID, ts time.Time) {
	t.Helper()
	_, err := f.log.Append(context.Background(), id, "card", attendance.EventExit, ts)
	require.NoError(t, err)
}

// =============================================================================
// WINDOW TESTS
// =============================================================================

func TestInWindow(t *testing.T) {
	wrap := attendance.CronSettings{WindowStart: "23:30", WindowEnd: "00:30"}
	day := attendance.CronSettings{WindowStart: "09:00", WindowEnd: "17:00"}

	cases := []struct {
		name     string
		settings attendance.CronSettings
		now      time.Time
		want     bool
	}{
		{"wrap: before start", wrap, at(23, 29), false},
		{"wrap: at start", wrap, at(23, 30), true},
		{"wrap: late evening", wrap, at(23, 59), true},
		{"wrap: after midnight", wrap, at(0, 15), true},
		{"wrap: at end", wrap, at(0, 30), true},
		{"wrap: after end", wrap, at(0, 31), false},
		{"wrap: noon", wrap, at(12, 0), false},
		{"plain: inside", day, at(12, 0), true},
		{"plain: at end", day, at(17, 0), true},
		{"plain: evening", day, at(18, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := checkout.InWindow(tc.settings, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := checkout.InWindow(attendance.CronSettings{WindowStart: "25:00", WindowEnd: "00:30"}, at(12, 0))
	assert.Error(t, err)
}

func TestSweepDay(t *testing.T) {
	clock := attendance.NewBusinessClock(jst)
	wrap := attendance.CronSettings{WindowStart: "23:30", WindowEnd: "00:30"}
	day := attendance.CronSettings{WindowStart: "09:00", WindowEnd: "17:00"}
	nextDay := func(hour, minute int) time.Time { return at(hour, minute).AddDate(0, 0, 1) }

	cases := []struct {
		name     string
		settings attendance.CronSettings
		now      time.Time
		want     attendance.DateKey
	}{
		{"wrap: before midnight", wrap, at(23, 45), "2025-03-10"},
		{"wrap: after midnight", wrap, nextDay(0, 5), "2025-03-10"},
		{"wrap: at end", wrap, nextDay(0, 30), "2025-03-10"},
		{"wrap: outside", wrap, nextDay(12, 0), "2025-03-11"},
		{"plain", day, at(12, 0), "2025-03-10"},
		{"plain: early morning", day, nextDay(0, 5), "2025-03-11"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := checkout.SweepDay(tc.settings, clock, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateSettings(t *testing.T) {
	assert.NoError(t, checkout.ValidateSettings(attendance.CronSettings{WindowStart: "23:30", WindowEnd: "00:30"}))
	assert.Error(t, checkout.ValidateSettings(attendance.CronSettings{WindowStart: "23:30"}))
	assert.Error(t, checkout.ValidateSettings(attendance.CronSettings{WindowStart: "11pm", WindowEnd: "00:30"}))
}

// =============================================================================
// RECONCILER TESTS
// =============================================================================

func TestForceCheckoutAll_ChecksOutPresentUsers(t *testing.T) {
	// GIVEN: U has [09:00 entry, 12:00 exit, 13:00 entry]; V left; W never came
	// WHEN: Forced checkout at 23:55
	// THEN: U gets a force_checkout exit and goes inactive; V and W need nothing

	f := newFixture(t, 3)
	ctx := context.Background()
	u, v := userID(0), userID(1)

	f.checkIn(t, u, at(9, 0))
	f.checkOut(t, u, at(12, 0))
	f.checkIn(t, u, at(13, 0))
	f.checkIn(t, v, at(10, 0))
	f.checkOut(t, v, at(18, 0))

	result, err := f.reconciler.ForceCheckoutAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{Success: 1, NoAction: 2, Failed: 0}, result)

	events, err := f.log.Partition(ctx, "2025-03-10", attendance.PartitionFilter{UserIDs: []attendance.UserID{u}})
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, attendance.EventExit, events[0].Type)
	assert.Equal(t, attendance.ForceCheckoutCardID, events[0].CardID)
	assert.True(t, events[0].Timestamp.Equal(at(23, 55)))

	user, err := f.mem.GetUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, attendance.PresenceInactive, user.PresenceStatus)
}

func TestForceCheckoutAll_Idempotent(t *testing.T) {
	// GIVEN: Several present users
	// WHEN: Running the sweep twice (23:55 and 23:58)
	// THEN: The second run has Success=0 and NoAction for everyone

	f := newFixture(t, 5)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.checkIn(t, userID(i), at(9, i))
	}

	first, err := f.reconciler.ForceCheckoutAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Success)

	f.now = at(23, 58)
	second, err := f.reconciler.ForceCheckoutAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{Success: 0, NoAction: 5}, second)
	assert.Equal(t, 8, f.mem.EventCount())
}

func TestForceCheckoutAll_ChunksLookupsAndWrites(t *testing.T) {
	// GIVEN: 75 users (more than one 30-ID lookup chunk), 61 present
	// WHEN: Sweeping with small write batches
	// THEN: Every present user is checked out exactly once

	f := newFixture(t, 75)
	f.reconciler.WriteBatchSize = 20
	ctx := context.Background()
	for i := 0; i < 61; i++ {
		f.checkIn(t, userID(i), at(10, 0))
	}

	result, err := f.reconciler.ForceCheckoutAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{Success: 61, NoAction: 14}, result)

	events, err := f.log.Partition(ctx, "2025-03-10", attendance.PartitionFilter{Types: []attendance.EventType{attendance.EventExit}})
	require.NoError(t, err)
	assert.Len(t, events, 61)
}

func TestForceCheckoutAll_ExitAfterLateEntry(t *testing.T) {
	// An entry stamped after "now" still gets an exit strictly after it.
	f := newFixture(t, 1)
	f.checkIn(t, userID(0), at(23, 56))

	result, err := f.reconciler.ForceCheckoutAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)

	f.now = at(23, 59)
	result, err = f.reconciler.ForceCheckoutAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Success)
}

// conflictingStore simulates a check-in landing between lookup and write:
// the first AppendBatch writes the victim event before applying the batch.
type conflictingStore struct {
	*store.Memory
	victim attendance.Event
	fired  atomic.Bool
}

func (s *conflictingStore) AppendBatch(ctx context.Context, b attendance.Batch) error {
	if s.fired.CompareAndSwap(false, true) {
		if err := s.Memory.Append(ctx, s.victim); err != nil {
			return err
		}
	}
	return s.Memory.AppendBatch(ctx, b)
}

func newConflictFixture(t *testing.T, victimType attendance.EventType) (*checkout.Reconciler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	eventLog := attendance.NewEventLog(mem, attendance.NewBusinessClock(jst))
	ctx := context.Background()
	for _, id := range []attendance.UserID{"u", "v"} {
		require.NoError(t, mem.SaveUser(ctx, attendance.User{ID: id}))
	}
	_, err := eventLog.Append(ctx, "u", "card", attendance.EventEntry, at(9, 0))
	require.NoError(t, err)

	victim, err := eventLog.NewEvent("u", "card", victimType, at(23, 54))
	require.NoError(t, err)
	cs := &conflictingStore{Memory: mem, victim: victim}

	r := checkout.NewReconciler(attendance.NewEventLog(cs, attendance.NewBusinessClock(jst)), mem)
	r.Now = func() time.Time { return at(23, 55) }
	return r, mem
}

func TestForceCheckoutAll_GuardConflictRetriedOnce(t *testing.T) {
	// GIVEN: U is present; U taps in again right as the sweep writes
	// WHEN: The first batch is rejected by the guard
	// THEN: U is re-read, still present, and the rebuilt batch succeeds

	r, mem := newConflictFixture(t, attendance.EventEntry)

	result, err := r.ForceCheckoutAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{Success: 1, NoAction: 1}, result)
	assert.Equal(t, 3, mem.EventCount(), "entry, late entry, forced exit")
}

func TestForceCheckoutAll_GuardConflictUserLeftMeanwhile(t *testing.T) {
	// GIVEN: U is present; U taps out right as the sweep writes
	// WHEN: The guard rejects the batch and U is re-read
	// THEN: U needs nothing; no synthetic exit is written

	r, mem := newConflictFixture(t, attendance.EventExit)

	result, err := r.ForceCheckoutAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{Success: 0, NoAction: 2}, result)
	assert.Equal(t, 2, mem.EventCount())
}

// flakyStore fails partition reads for one chunk and batch writes for users
// in failWrites.
type flakyStore struct {
	*store.Memory
	failLookupFor attendance.UserID
	failWrites    map[attendance.UserID]bool
}

var errFlaky = errors.New("deadline exceeded")

func (s *flakyStore) LoadPartition(ctx context.Context, key attendance.DateKey, f attendance.PartitionFilter) ([]attendance.Event, error) {
	for _, id := range f.UserIDs {
		if id == s.failLookupFor {
			return nil, errFlaky
		}
	}
	return s.Memory.LoadPartition(ctx, key, f)
}

func (s *flakyStore) AppendBatch(ctx context.Context, b attendance.Batch) error {
	for _, ev := range b.Events {
		if s.failWrites[ev.UserID] {
			return errFlaky
		}
	}
	return s.Memory.AppendBatch(ctx, b)
}

func TestForceCheckoutAll_PartialFailureDoesNotAbortOtherChunks(t *testing.T) {
	// GIVEN: 60 present users in two lookup chunks; the first chunk's read
	//        fails, and one write batch in the second chunk fails
	// WHEN: Sweeping with write batches of 10
	// THEN: Failed users are counted, the rest are checked out, and a
	//       PartialBatchFailure carries the same counts

	f := newFixture(t, 60)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		f.checkIn(t, userID(i), at(10, 0))
	}

	flaky := &flakyStore{
		Memory:        f.mem,
		failLookupFor: userID(0),
		failWrites:    map[attendance.UserID]bool{userID(45): true},
	}
	r := checkout.NewReconciler(attendance.NewEventLog(flaky, attendance.NewBusinessClock(jst)), f.mem)
	r.Now = func() time.Time { return f.now }
	r.WriteBatchSize = 10

	result, err := r.ForceCheckoutAll(ctx)
	require.Error(t, err)

	var partial *attendance.PartialBatchFailure
	require.True(t, errors.As(err, &partial))
	assert.ErrorIs(t, err, errFlaky)

	assert.Equal(t, 40, result.Failed, "30 lookup failures + one batch of 10")
	assert.Equal(t, 20, result.Success)
	assert.Equal(t, 0, result.NoAction)
	assert.Equal(t, result.Success, partial.Success)
	assert.Equal(t, result.Failed, partial.Failed)
}

func TestForceCheckoutAll_ListUsersFailure(t *testing.T) {
	r := checkout.NewReconciler(attendance.NewEventLog(store.NewMemory(), attendance.NewBusinessClock(jst)), brokenUsers{})
	_, err := r.ForceCheckoutAll(context.Background())
	assert.ErrorIs(t, err, attendance.ErrStorageUnavailable)
}

type brokenUsers struct{ attendance.UserStore }

func (brokenUsers) ListUsers(context.Context) ([]attendance.User, error) {
	return nil, errFlaky
}

// =============================================================================
// RUNNER TESTS
// =============================================================================

func newRunner(f *fixture) *checkout.Runner {
	runner := checkout.NewRunner(f.reconciler, f.mem, f.mem)
	runner.Now = func() time.Time { return f.now }
	return runner
}

func TestRunner_CronOutsideWindowIsSkipped(t *testing.T) {
	// GIVEN: Default window 23:30-00:30 and a present user at 12:00
	// WHEN: The cron trigger fires at noon
	// THEN: Skipped, a single call-log entry, no events written

	f := newFixture(t, 1)
	f.checkIn(t, userID(0), at(9, 0))
	f.now = at(12, 0)
	ctx := context.Background()

	entry, err := newRunner(f).Run(ctx, checkout.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, attendance.CallSkipped, entry.Status)
	assert.Nil(t, entry.Result)
	assert.Equal(t, 1, f.mem.EventCount())

	logs, err := f.mem.ListCallLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, attendance.CallSkipped, logs[0].Status)
}

func TestRunner_CronInsideWindowRuns(t *testing.T) {
	f := newFixture(t, 2)
	f.checkIn(t, userID(0), at(9, 0))
	ctx := context.Background()

	entry, err := newRunner(f).Run(ctx, checkout.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, attendance.CallSuccess, entry.Status)
	require.NotNil(t, entry.Result)
	assert.Equal(t, attendance.CheckoutResult{Success: 1, NoAction: 1}, *entry.Result)
	require.NotNil(t, entry.FinishedAt)

	logs, err := f.mem.ListCallLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, attendance.CallSuccess, logs[0].Status)
	assert.Equal(t, attendance.CallRunning, logs[1].Status)
	assert.Equal(t, logs[0].InvocationID, logs[1].InvocationID)
	assert.NotEqual(t, logs[0].ID, logs[1].ID)
}

func TestRunner_CronAfterMidnightClosesPreviousDay(t *testing.T) {
	// GIVEN: A user who tapped in at 23:57 and never tapped out
	// WHEN: The cron fires at 00:05, in the second half of 23:30-00:30
	// THEN: Yesterday's session is closed inside yesterday's partition

	f := newFixture(t, 2)
	f.checkIn(t, userID(0), at(23, 57))
	f.now = at(0, 5).AddDate(0, 0, 1)
	ctx := context.Background()
	runner := newRunner(f)

	entry, err := runner.Run(ctx, checkout.TriggerCron)
	require.NoError(t, err)
	require.NotNil(t, entry.Result)
	assert.Equal(t, attendance.CheckoutResult{Success: 1, NoAction: 1}, *entry.Result)

	events, err := f.log.Partition(ctx, "2025-03-10", attendance.PartitionFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, attendance.EventExit, events[0].Type)
	assert.Equal(t, attendance.ForceCheckoutCardID, events[0].CardID)
	lastMilli := time.Date(2025, 3, 10, 23, 59, 59, int(999*time.Millisecond), jst)
	assert.True(t, lastMilli.Equal(events[0].Timestamp), events[0].Timestamp)

	u, err := f.mem.GetUser(ctx, userID(0))
	require.NoError(t, err)
	assert.Equal(t, attendance.PresenceInactive, u.PresenceStatus)

	// AND: A later run in the same window finds nothing to do
	f.now = at(0, 10).AddDate(0, 0, 1)
	entry, err = runner.Run(ctx, checkout.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, attendance.CheckoutResult{NoAction: 2}, *entry.Result)
}

func TestRunner_ManualIgnoresWindow(t *testing.T) {
	f := newFixture(t, 1)
	f.checkIn(t, userID(0), at(9, 0))
	f.now = at(12, 0)

	entry, err := newRunner(f).Run(context.Background(), checkout.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, attendance.CallSuccess, entry.Status)
	assert.Equal(t, 1, entry.Result.Success)
	assert.Equal(t, "manual", entry.Trigger)
}

func TestRunner_SavedSettingsOverrideDefaults(t *testing.T) {
	f := newFixture(t, 1)
	f.now = at(12, 0)
	ctx := context.Background()
	runner := newRunner(f)

	require.NoError(t, runner.UpdateSettings(ctx, attendance.CronSettings{WindowStart: "11:00", WindowEnd: "13:00"}))
	assert.Error(t, runner.UpdateSettings(ctx, attendance.CronSettings{WindowStart: "noon", WindowEnd: "13:00"}))

	settings, err := runner.EffectiveSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11:00", settings.WindowStart)

	entry, err := runner.Run(ctx, checkout.TriggerCron)
	require.NoError(t, err)
	assert.Equal(t, attendance.CallSuccess, entry.Status)
}

func TestRunner_ErrorIsLogged(t *testing.T) {
	f := newFixture(t, 0)
	f.reconciler.Users = brokenUsers{}
	ctx := context.Background()
	runner := newRunner(f)

	entry, err := runner.Run(ctx, checkout.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, attendance.CallError, entry.Status)
	assert.NotEmpty(t, entry.Message)

	history, err := runner.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, attendance.CallError, history[0].Status)
}

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t, 0)
	s := checkout.NewScheduler(newRunner(f), "")
	assert.Equal(t, checkout.DefaultSpec, s.Spec)

	require.NoError(t, s.Start())
	assert.False(t, s.NextRun().IsZero())
	s.Stop()
	assert.True(t, s.NextRun().IsZero())
}

func TestScheduler_InvalidSpec(t *testing.T) {
	f := newFixture(t, 0)
	s := checkout.NewScheduler(newRunner(f), "every now and then")
	assert.Error(t, s.Start())
}

func TestScheduler_RunNowRespectsWindow(t *testing.T) {
	f := newFixture(t, 1)
	f.checkIn(t, userID(0), at(9, 0))
	f.now = at(12, 0)

	s := checkout.NewScheduler(newRunner(f), "")
	s.Enabled = false
	require.NoError(t, s.Start())
	s.RunNow()

	logs, err := f.mem.ListCallLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, attendance.CallSkipped, logs[0].Status)
}

// =============================================================================
// SOURCE TESTS
// =============================================================================

// Package docs quote cron specs; a literal "*/" would end the comment early.
func TestSourcesParse(t *testing.T) {
	pkgs, err := parser.ParseDir(token.NewFileSet(), ".", nil, parser.ParseComments)
	require.NoError(t, err)
	assert.Contains(t, pkgs, "checkout")
}
