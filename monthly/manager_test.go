package monthly_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
	"github.com/warp/attendance-engine/monthly"
	"github.com/warp/attendance-engine/presence"
	"github.com/warp/attendance-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jst = time.FixedZone("JST", 9*60*60)

type fixture struct {
	mem     *store.Memory
	log     *attendance.EventLog
	manager *monthly.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	eventLog := attendance.NewEventLog(mem, attendance.NewBusinessClock(jst))
	mgr := monthly.NewManager(eventLog, mem, mem, mem)
	mgr.Now = func() time.Time { return time.Date(2025, time.April, 1, 12, 0, 0, 0, jst) }
	t.Cleanup(mgr.Wait)

	ctx := context.Background()
	require.NoError(t, mem.SaveTeam(ctx, attendance.Team{ID: "robotics", Name: "Robotics"}))
	for _, u := range []attendance.User{
		{ID: "u-1", CardID: "c-1", TeamID: "robotics", GradeCohort: 1},
		{ID: "u-2", CardID: "c-2", TeamID: "robotics", GradeCohort: 2},
		{ID: "u-3", CardID: "c-3", TeamID: "", GradeCohort: 2},
	} {
		require.NoError(t, mem.SaveUser(ctx, u))
	}
	return &fixture{mem: mem, log: eventLog, manager: mgr}
}

func march(day, hour int) time.Time {
	return time.Date(2025, time.March, day, hour, 0, 0, 0, jst)
}

func (f *fixture) tap(t *testing.T, user string, typ attendance.EventType, ts time.Time) {
	t.Helper()
	_, err := f.log.Append(context.Background(), attendance.UserID(user), "card", typ, ts)
	require.NoError(t, err)
}

// failingCache wraps Memory and fails every cache operation.
type failingCache struct{ *store.Memory }

var errCacheDown = errors.New("cache backend down")

func (failingCache) GetMonthly(context.Context, int, time.Month) (*attendance.MonthlyCacheEntry, error) {
	return nil, errCacheDown
}
func (failingCache) SaveMonthly(context.Context, attendance.MonthlyCacheEntry) error {
	return errCacheDown
}

// =============================================================================
// COLD / WARM READ TESTS
// =============================================================================

func TestGetMonthlyStats_EmptyMonthReturnsEveryDay(t *testing.T) {
	// GIVEN: No events in March 2025
	// WHEN: Requesting monthly stats
	// THEN: 31 days, each with zero present

	f := newFixture(t)

	days, err := f.manager.GetMonthlyStats(context.Background(), 2025, time.March)
	require.NoError(t, err)
	require.Len(t, days, 31)
	for _, key := range attendance.DaysInMonth(2025, time.March) {
		agg, ok := days[key]
		require.True(t, ok, "missing %s", key)
		assert.Equal(t, 0, agg.TotalPresentCount)
	}
}

func TestGetMonthlyStats_WarmEqualsCold(t *testing.T) {
	// GIVEN: Events on several days
	// WHEN: Reading cold, then warm, then with caching disabled
	// THEN: All three results are identical

	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))
	f.tap(t, "u-2", attendance.EventEntry, march(3, 10))
	f.tap(t, "u-2", attendance.EventExit, march(3, 17))
	f.tap(t, "u-3", attendance.EventEntry, march(15, 9))

	cold, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	state, err := f.manager.State(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateValid, state)

	warm, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, cold, warm)

	uncached := monthly.NewManager(f.log, nil, f.mem, f.mem)
	live, err := uncached.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, cold, live)

	assert.Equal(t, 1, cold["2025-03-03"].TotalPresentCount)
	assert.Equal(t, 1, cold["2025-03-15"].TotalPresentCount)
	assert.Equal(t, attendance.UnassignedTeamID, cold["2025-03-15"].PerTeam[0].TeamID)
}

// assertSameDays compares aggregates by value. A decimal read back from the
// cache keeps its digits but not its exponent, so rates are compared with Equal.
func assertSameDays(t *testing.T, want, got map[attendance.DateKey]attendance.DailyAggregate) {
	t.Helper()
	require.Len(t, got, len(want))
	for key, w := range want {
		g, ok := got[key]
		require.True(t, ok, "missing %s", key)
		assert.True(t, w.AttendanceRate.Equal(g.AttendanceRate), "%s rate %s != %s", key, w.AttendanceRate, g.AttendanceRate)
		w.AttendanceRate, g.AttendanceRate = decimal.Zero, decimal.Zero
		assert.Equal(t, w, g, key)
	}
}

func TestGetMonthlyStats_WarmEqualsColdOverSQLite(t *testing.T) {
	// GIVEN: A SQLite-backed manager with events on two days
	// WHEN: Reading cold, then warm from the persisted entry
	// THEN: Both reads agree, including the empty days

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.SaveTeam(ctx, attendance.Team{ID: "robotics", Name: "Robotics"}))
	for _, u := range []attendance.User{
		{ID: "u-1", CardID: "c-1", TeamID: "robotics", GradeCohort: 1},
		{ID: "u-2", CardID: "c-2", TeamID: "robotics", GradeCohort: 2},
		{ID: "u-3", CardID: "c-3", GradeCohort: 2},
	} {
		require.NoError(t, db.SaveUser(ctx, u))
	}

	eventLog := attendance.NewEventLog(db, attendance.NewBusinessClock(jst))
	mgr := monthly.NewManager(eventLog, db, db, db)
	mgr.Now = func() time.Time { return time.Date(2025, time.April, 1, 12, 0, 0, 0, jst) }
	t.Cleanup(mgr.Wait)

	for _, tap := range []struct {
		user string
		typ  attendance.EventType
		ts   time.Time
	}{
		{"u-1", attendance.EventEntry, march(3, 9)},
		{"u-2", attendance.EventEntry, march(3, 10)},
		{"u-3", attendance.EventEntry, march(15, 9)},
	} {
		_, err := eventLog.Append(ctx, attendance.UserID(tap.user), "card", tap.typ, tap.ts)
		require.NoError(t, err)
	}

	cold, err := mgr.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	mgr.Wait()

	state, err := mgr.State(ctx, 2025, time.March)
	require.NoError(t, err)
	require.Equal(t, monthly.StateValid, state)

	warm, err := mgr.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assertSameDays(t, cold, warm)

	assert.Equal(t, "0.6667", warm["2025-03-03"].AttendanceRate.String())
	assert.Equal(t, "0", warm["2025-03-04"].AttendanceRate.String())
	assert.Equal(t, 1, warm["2025-03-15"].TotalPresentCount)
}

func TestGetMonthlyStats_QuietDaysAreEmpty(t *testing.T) {
	f := newFixture(t)
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))

	days, err := f.manager.GetMonthlyStats(context.Background(), 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, presence.Empty("2025-03-04"), days["2025-03-04"])
	assert.NotEqual(t, presence.Empty("2025-03-03"), days["2025-03-03"])
}

func TestGetMonthlyStats_PersistsFingerprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))
	f.tap(t, "u-1", attendance.EventExit, march(3, 18))

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	entry, err := f.mem.GetMonthly(ctx, 2025, time.March)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.SourceEventCount, "only entry events are counted")
	assert.Equal(t, monthly.Hash(2, 3, march(3, 18)), entry.SourceContentHash)
	assert.False(t, entry.Deleted)
	assert.Len(t, entry.DailyAggregates, 31)
}

// =============================================================================
// STALENESS & INVALIDATION TESTS
// =============================================================================

func TestGetMonthlyStats_AppendMakesCacheStale(t *testing.T) {
	// GIVEN: A valid cached month
	// WHEN: A new event is appended to that month
	// THEN: State is stale and the next read includes the new event

	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	f.tap(t, "u-2", attendance.EventEntry, march(3, 11))

	state, err := f.manager.State(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateStale, state)

	days, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, 2, days["2025-03-03"].TotalPresentCount)
}

func TestGetMonthlyStats_ExitOnlyAppendStillDetected(t *testing.T) {
	// An exit does not change the entry count but does move the hash.
	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	f.tap(t, "u-1", attendance.EventExit, march(3, 18))

	days, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, 0, days["2025-03-03"].TotalPresentCount)
}

func TestGetMonthlyStats_NewUserMakesCacheStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	require.NoError(t, f.mem.SaveUser(ctx, attendance.User{ID: "u-4", TeamID: "robotics"}))

	state, err := f.manager.State(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateStale, state)
}

func TestInvalidate_TombstonesInsteadOfDeleting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(3, 9))

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	f.manager.Wait()

	require.NoError(t, f.manager.Invalidate(ctx, 2025, time.March))

	entry, err := f.mem.GetMonthly(ctx, 2025, time.March)
	require.NoError(t, err)
	require.NotNil(t, entry, "entry is kept for audit")
	assert.True(t, entry.Deleted)
	require.NotNil(t, entry.DeletedAt)

	state, err := f.manager.State(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateInvalidated, state)

	// Next read recomputes and re-persists
	days, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, 1, days["2025-03-03"].TotalPresentCount)
	f.manager.Wait()

	state, err = f.manager.State(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateValid, state)
}

func TestInvalidate_MissingEntryIsNotAnError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Invalidate(context.Background(), 2030, time.January))

	state, err := f.manager.State(context.Background(), 2030, time.January)
	require.NoError(t, err)
	assert.Equal(t, monthly.StateAbsent, state)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestGetMonthlyStats_CacheFailuresNeverBlockReads(t *testing.T) {
	// GIVEN: A cache backend that fails every read and write
	// WHEN: Requesting stats
	// THEN: Live data is still returned

	f := newFixture(t)
	ctx := context.Background()
	f.tap(t, "u-1", attendance.EventEntry, march(5, 9))

	mgr := monthly.NewManager(f.log, failingCache{f.mem}, f.mem, f.mem)
	days, err := mgr.GetMonthlyStats(ctx, 2025, time.March)
	mgr.Wait()

	require.NoError(t, err)
	assert.Equal(t, 1, days["2025-03-05"].TotalPresentCount)

	entry, err := f.mem.GetMonthly(ctx, 2025, time.March)
	require.NoError(t, err)
	assert.Nil(t, entry, "failed persist leaves the cache absent")
}

func TestGetMonthlyStats_CancelledPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.tap(t, "u-1", attendance.EventEntry, march(5, 9))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.GetMonthlyStats(ctx, 2025, time.March)
	assert.ErrorIs(t, err, context.Canceled)
	f.manager.Wait()

	entry, err := f.mem.GetMonthly(context.Background(), 2025, time.March)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetMonthlyStats_InvalidMonth(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.GetMonthlyStats(context.Background(), 2025, 13)
	assert.Error(t, err)
}

func TestHash_Stable(t *testing.T) {
	a := monthly.Hash(10, 3, march(1, 9))
	assert.Equal(t, a, monthly.Hash(10, 3, march(1, 9)))
	assert.NotEqual(t, a, monthly.Hash(11, 3, march(1, 9)))
	assert.NotEqual(t, a, monthly.Hash(10, 4, march(1, 9)))
	assert.NotEqual(t, a, monthly.Hash(10, 3, march(1, 10)))
	assert.Len(t, a, 64)
}
