/*
Package monthly keeps per-month DailyAggregates cached and coherent with the
event log.

PURPOSE:
  The dashboard calendar asks for a whole month at once. Recomputing it means
  one partition read per day plus the presence rollup, so the result is
  persisted as a MonthlyCacheEntry and reused while it still matches the log.

STATE MACHINE (per year/month):
  Absent ──read──▶ Computing ──▶ Valid ──append──▶ Stale ──read──▶ Computing
                                  │
                                  └──Invalidate──▶ Invalidated ──read──▶ Computing

VALIDITY:
  An entry is valid while both of these still hold:
    SourceEventCount  == live number of entry events in the month
    SourceContentHash == Hash(event count, user count, latest event time)
  The log is append-only, so any append moves the count or the latest time.
  Both are read from per-partition summaries, never from a full scan.

READ PATH:
  The cache is an optimization only. Cache read errors are logged and treated
  as a miss; freshly computed data is returned immediately and persisted in
  the background. A failed persist leaves the entry absent so the next read
  retries. Cancelling ctx mid-computation persists nothing.

CONCURRENCY:
  No lock is held across read-compute-write. Two cold reads may both compute
  and both persist; last writer wins and both values are correct.

SEE ALSO:
  - presence/: The per-day rollup
  - attendance/ledger.go: Partition reads and summaries
*/
package monthly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/presence"
)

// DefaultConcurrency bounds parallel partition reads during recomputation.
const DefaultConcurrency = 8

// DefaultPersistTimeout bounds one background cache write.
const DefaultPersistTimeout = 10 * time.Second

// =============================================================================
// CACHE STATE
// =============================================================================

type CacheState string

const (
	StateAbsent      CacheState = "absent"
	StateComputing   CacheState = "computing"
	StateValid       CacheState = "valid"
	StateStale       CacheState = "stale"
	StateInvalidated CacheState = "invalidated"
)

// Fingerprint is the live signature of a month in the event log.
type Fingerprint struct {
	EventCount int       `json:"event_count"`
	EntryCount int       `json:"entry_count"`
	UserCount  int       `json:"user_count"`
	Latest     time.Time `json:"latest"`
	Hash       string    `json:"hash"`
}

// Hash is the content hash stored in MonthlyCacheEntry.SourceContentHash.
func Hash(eventCount, userCount int, latest time.Time) string {
	var nanos int64
	if !latest.IsZero() {
		nanos = latest.UnixNano()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d", eventCount, userCount, nanos)))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether a cache entry was computed from this fingerprint.
func (f Fingerprint) Matches(entry *attendance.MonthlyCacheEntry) bool {
	return entry != nil &&
		entry.SourceEventCount == f.EntryCount &&
		entry.SourceContentHash == f.Hash
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager is the only writer of MonthlyCacheEntry documents.
// A nil Cache disables caching entirely; every read recomputes.
type Manager struct {
	Log   *attendance.EventLog
	Cache attendance.CacheStore
	Users attendance.UserStore
	Teams attendance.TeamStore

	Concurrency    int
	PersistTimeout time.Duration
	Now            func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]int
}

func NewManager(eventLog *attendance.EventLog, cache attendance.CacheStore, users attendance.UserStore, teams attendance.TeamStore) *Manager {
	return &Manager{
		Log:            eventLog,
		Cache:          cache,
		Users:          users,
		Teams:          teams,
		Concurrency:    DefaultConcurrency,
		PersistTimeout: DefaultPersistTimeout,
		Now:            time.Now,
	}
}

// GetMonthlyStats returns the DailyAggregate of every calendar day in the
// month, from cache when valid and recomputed otherwise.
func (m *Manager) GetMonthlyStats(ctx context.Context, year int, month time.Month) (map[attendance.DateKey]attendance.DailyAggregate, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("invalid month %d", month)
	}

	users, err := m.Users.ListUsers(ctx)
	if err != nil {
		return nil, attendance.Unavailable("list users", err)
	}

	fp, err := m.fingerprint(ctx, year, month, len(users))
	if err != nil {
		return nil, err
	}

	if cached := m.lookup(ctx, year, month, fp); cached != nil {
		return cached, nil
	}

	teams, err := m.Teams.ListTeams(ctx)
	if err != nil {
		return nil, attendance.Unavailable("list teams", err)
	}

	done := m.begin(year, month)
	days, err := m.compute(ctx, year, month, users, teams)
	done()
	if err != nil {
		return nil, err
	}

	if m.Cache != nil {
		m.persist(attendance.MonthlyCacheEntry{
			Year:              year,
			Month:             month,
			DailyAggregates:   copyDays(days),
			SourceEventCount:  fp.EntryCount,
			SourceContentHash: fp.Hash,
			ComputedAt:        m.now(),
		})
	}
	return days, nil
}

// lookup returns cached aggregates if the entry is still valid, nil otherwise.
func (m *Manager) lookup(ctx context.Context, year int, month time.Month, fp Fingerprint) map[attendance.DateKey]attendance.DailyAggregate {
	if m.Cache == nil {
		return nil
	}
	entry, err := m.Cache.GetMonthly(ctx, year, month)
	if err != nil {
		log.Printf("[MonthlyCache] %04d-%02d: cache read failed, recomputing: %v", year, month, err)
		return nil
	}
	if entry == nil || entry.Deleted {
		return nil
	}
	if !fp.Matches(entry) || len(entry.DailyAggregates) != len(attendance.DaysInMonth(year, month)) {
		err := fmt.Errorf("%w: %04d-%02d cached count=%d live count=%d",
			attendance.ErrCacheInconsistent, year, month, entry.SourceEventCount, fp.EntryCount)
		log.Printf("[MonthlyCache] %v, recomputing", err)
		return nil
	}
	return entry.DailyAggregates
}

// compute reads every partition of the month and rolls each day up.
func (m *Manager) compute(ctx context.Context, year int, month time.Month, users []attendance.User, teams []attendance.Team) (map[attendance.DateKey]attendance.DailyAggregate, error) {
	days := attendance.DaysInMonth(year, month)
	results := make([]attendance.DailyAggregate, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency())
	for i, day := range days {
		g.Go(func() error {
			events, err := m.Log.Partition(gctx, day, attendance.PartitionFilter{})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				results[i] = presence.Empty(day)
				return nil
			}
			results[i] = presence.Aggregate(day, events, users, teams)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[attendance.DateKey]attendance.DailyAggregate, len(days))
	for i, day := range days {
		out[day] = results[i]
	}
	return out, nil
}

// persist writes an entry in the background. Failures are logged only.
func (m *Manager) persist(entry attendance.MonthlyCacheEntry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.persistTimeout())
		defer cancel()

		if err := m.Cache.SaveMonthly(ctx, entry); err != nil {
			log.Printf("[MonthlyCache] %04d-%02d: persist failed, leaving cache absent: %v",
				entry.Year, entry.Month, err)
			return
		}
		log.Printf("[MonthlyCache] %04d-%02d: cached %d days (entries=%d)",
			entry.Year, entry.Month, len(entry.DailyAggregates), entry.SourceEventCount)
	}()
}

// Wait blocks until every background persist has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// =============================================================================
// INVALIDATION & INSPECTION
// =============================================================================

// Invalidate tombstones the month's entry. The next read recomputes.
func (m *Manager) Invalidate(ctx context.Context, year int, month time.Month) error {
	if m.Cache == nil {
		return nil
	}
	if err := m.Cache.TombstoneMonthly(ctx, year, month, m.now()); err != nil {
		return attendance.Unavailable("tombstone monthly cache", err)
	}
	log.Printf("[MonthlyCache] %04d-%02d: invalidated", year, month)
	return nil
}

// Fingerprint returns the live signature of a month.
func (m *Manager) Fingerprint(ctx context.Context, year int, month time.Month) (Fingerprint, error) {
	users, err := m.Users.ListUsers(ctx)
	if err != nil {
		return Fingerprint{}, attendance.Unavailable("list users", err)
	}
	return m.fingerprint(ctx, year, month, len(users))
}

func (m *Manager) fingerprint(ctx context.Context, year int, month time.Month, userCount int) (Fingerprint, error) {
	start, end := attendance.MonthBounds(year, month)
	summaries, err := m.Log.Summarize(ctx, start, end)
	if err != nil {
		return Fingerprint{}, err
	}

	fp := Fingerprint{UserCount: userCount}
	for _, s := range summaries {
		fp.EventCount += s.Total
		fp.EntryCount += s.Entries
		if s.Latest.After(fp.Latest) {
			fp.Latest = s.Latest
		}
	}
	fp.Hash = Hash(fp.EventCount, fp.UserCount, fp.Latest)
	return fp, nil
}

// State reports where the month is in the cache lifecycle.
func (m *Manager) State(ctx context.Context, year int, month time.Month) (CacheState, error) {
	if m.computing(year, month) {
		return StateComputing, nil
	}
	if m.Cache == nil {
		return StateAbsent, nil
	}
	entry, err := m.Cache.GetMonthly(ctx, year, month)
	if err != nil {
		return "", attendance.Unavailable("get monthly cache", err)
	}
	switch {
	case entry == nil:
		return StateAbsent, nil
	case entry.Deleted:
		return StateInvalidated, nil
	}

	fp, err := m.Fingerprint(ctx, year, month)
	if err != nil {
		return "", err
	}
	if !fp.Matches(entry) {
		return StateStale, nil
	}
	return StateValid, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func monthID(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

func (m *Manager) begin(year int, month time.Month) func() {
	key := monthID(year, month)
	m.mu.Lock()
	if m.inflight == nil {
		m.inflight = make(map[string]int)
	}
	m.inflight[key]++
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.inflight[key]--; m.inflight[key] <= 0 {
			delete(m.inflight, key)
		}
	}
}

func (m *Manager) computing(year int, month time.Month) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[monthID(year, month)] > 0
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) concurrency() int {
	if m.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return m.Concurrency
}

func (m *Manager) persistTimeout() time.Duration {
	if m.PersistTimeout <= 0 {
		return DefaultPersistTimeout
	}
	return m.PersistTimeout
}

func copyDays(in map[attendance.DateKey]attendance.DailyAggregate) map[attendance.DateKey]attendance.DailyAggregate {
	out := make(map[attendance.DateKey]attendance.DailyAggregate, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
