// Package store provides in-memory implementations of the attendance storage
// interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type monthKey struct {
	Year  int
	Month time.Month
}

// Memory implements every storage interface in package attendance.
// Partitions are kept sorted ascending by (Timestamp, ID) and read back
// newest first.
type Memory struct {
	mu         sync.RWMutex
	partitions map[attendance.DateKey][]attendance.Event
	ids        map[attendance.EventID]attendance.DateKey
	users      map[attendance.UserID]attendance.User
	teams      map[attendance.TeamID]attendance.Team
	cache      map[monthKey]attendance.MonthlyCacheEntry
	callLogs   []attendance.CallLog
	settings   *attendance.CronSettings
	links      map[string]attendance.LinkRequest
	legacy     []attendance.LegacyRecord
}

func NewMemory() *Memory {
	return &Memory{
		partitions: make(map[attendance.DateKey][]attendance.Event),
		ids:        make(map[attendance.EventID]attendance.DateKey),
		users:      make(map[attendance.UserID]attendance.User),
		teams:      make(map[attendance.TeamID]attendance.Team),
		cache:      make(map[monthKey]attendance.MonthlyCacheEntry),
		links:      make(map[string]attendance.LinkRequest),
	}
}

// =============================================================================
// EVENTS (attendance.Store)
// =============================================================================

// Append adds a single event. Append-only.
func (m *Memory) Append(_ context.Context, ev attendance.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[ev.ID]; ok {
		return attendance.ErrDuplicateEvent
	}
	m.appendLocked(ev)
	return nil
}

// AppendBatch applies events, presence updates and guards atomically.
func (m *Memory) AppendBatch(_ context.Context, b attendance.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything first (atomic check)
	for _, g := range b.Guards {
		if got := m.countLocked(g.DateKey, g.UserID); got != g.ExpectedCount {
			return fmt.Errorf("%w: user %s on %s has %d events, expected %d",
				attendance.ErrConcurrentModification, g.UserID, g.DateKey, got, g.ExpectedCount)
		}
	}
	seen := make(map[attendance.EventID]bool, len(b.Events))
	for _, ev := range b.Events {
		if _, ok := m.ids[ev.ID]; ok || seen[ev.ID] {
			return attendance.ErrDuplicateEvent
		}
		seen[ev.ID] = true
	}
	for _, p := range b.Presence {
		if _, ok := m.users[p.UserID]; !ok {
			return fmt.Errorf("presence update for %s: %w", p.UserID, attendance.ErrUserNotFound)
		}
	}

	// Apply (atomic write)
	for _, ev := range b.Events {
		m.appendLocked(ev)
	}
	for _, p := range b.Presence {
		u := m.users[p.UserID]
		u.PresenceStatus = p.Status
		m.users[p.UserID] = u
	}
	return nil
}

func (m *Memory) appendLocked(ev attendance.Event) {
	events := m.partitions[ev.DateKey]

	// Binary search for insertion point
	i := sort.Search(len(events), func(i int) bool {
		return eventLess(ev, events[i])
	})

	events = append(events, attendance.Event{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	m.partitions[ev.DateKey] = events
	m.ids[ev.ID] = ev.DateKey
}

func eventLess(a, b attendance.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func (m *Memory) countLocked(key attendance.DateKey, userID attendance.UserID) int {
	n := 0
	for _, ev := range m.partitions[key] {
		if ev.UserID == userID {
			n++
		}
	}
	return n
}

func (m *Memory) LoadPartition(_ context.Context, key attendance.DateKey, filter attendance.PartitionFilter) ([]attendance.Event, error) {
	if len(filter.UserIDs) > attendance.MaxInFilter {
		return nil, attendance.ErrFilterTooLarge
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[attendance.UserID]bool, len(filter.UserIDs))
	for _, id := range filter.UserIDs {
		users[id] = true
	}
	types := make(map[attendance.EventType]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}

	events := m.partitions[key]
	result := make([]attendance.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if len(users) > 0 && !users[ev.UserID] {
			continue
		}
		if len(types) > 0 && !types[ev.Type] {
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}

func (m *Memory) SummarizePartition(_ context.Context, key attendance.DateKey) (attendance.PartitionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := attendance.PartitionSummary{DateKey: key}
	events := m.partitions[key]
	for _, ev := range events {
		s.Total++
		if ev.Type == attendance.EventEntry {
			s.Entries++
		}
	}
	if len(events) > 0 {
		s.Latest = events[len(events)-1].Timestamp
	}
	return s, nil
}

func (m *Memory) Exists(_ context.Context, id attendance.EventID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

// EventCount returns the number of stored events (for tests and verification).
func (m *Memory) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// =============================================================================
// USERS & TEAMS
// =============================================================================

func (m *Memory) ListUsers(_ context.Context) ([]attendance.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]attendance.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *Memory) GetUser(_ context.Context, id attendance.UserID) (*attendance.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) FindUserByCard(_ context.Context, card attendance.CardID) (*attendance.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if card != "" && u.CardID == card {
			found := u
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveUser(_ context.Context, u attendance.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok {
		u.PresenceStatus = prev.PresenceStatus
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) ListTeams(_ context.Context) ([]attendance.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	teams := make([]attendance.Team, 0, len(m.teams))
	for _, t := range m.teams {
		teams = append(teams, t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

func (m *Memory) SaveTeam(_ context.Context, t attendance.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[t.ID] = t
	return nil
}

// =============================================================================
// MONTHLY CACHE
// =============================================================================

func (m *Memory) GetMonthly(_ context.Context, year int, month time.Month) (*attendance.MonthlyCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.cache[monthKey{year, month}]
	if !ok {
		return nil, nil
	}
	entry.DailyAggregates = copyAggregates(entry.DailyAggregates)
	return &entry, nil
}

func (m *Memory) SaveMonthly(_ context.Context, entry attendance.MonthlyCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.Deleted = false
	entry.DeletedAt = nil
	entry.DailyAggregates = copyAggregates(entry.DailyAggregates)
	m.cache[monthKey{entry.Year, entry.Month}] = entry
	return nil
}

func (m *Memory) TombstoneMonthly(_ context.Context, year int, month time.Month, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := monthKey{year, month}
	entry, ok := m.cache[k]
	if !ok {
		return nil
	}
	entry.Deleted = true
	entry.DeletedAt = &at
	m.cache[k] = entry
	return nil
}

func copyAggregates(in map[attendance.DateKey]attendance.DailyAggregate) map[attendance.DateKey]attendance.DailyAggregate {
	out := make(map[attendance.DateKey]attendance.DailyAggregate, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// =============================================================================
// CALL LOG, SETTINGS, LINKS, LEGACY
// =============================================================================

func (m *Memory) AppendCallLog(_ context.Context, entry attendance.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLogs = append(m.callLogs, entry)
	return nil
}

// ListCallLogs returns the newest entries first.
func (m *Memory) ListCallLogs(_ context.Context, limit int) ([]attendance.CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var logs []attendance.CallLog
	for i := len(m.callLogs) - 1; i >= 0; i-- {
		if limit > 0 && len(logs) >= limit {
			break
		}
		logs = append(logs, m.callLogs[i])
	}
	return logs, nil
}

func (m *Memory) GetCronSettings(_ context.Context) (*attendance.CronSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.settings == nil {
		return nil, nil
	}
	s := *m.settings
	return &s, nil
}

func (m *Memory) SaveCronSettings(_ context.Context, s attendance.CronSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &s
	return nil
}

func (m *Memory) SaveLinkRequest(_ context.Context, r attendance.LinkRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[r.Token] = r
	return nil
}

func (m *Memory) GetLinkRequest(_ context.Context, token string) (*attendance.LinkRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.links[token]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// AddLegacyRecord seeds the flat legacy log.
func (m *Memory) AddLegacyRecord(r attendance.LegacyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy = append(m.legacy, r)
}

func (m *Memory) LoadLegacyRecords(_ context.Context) ([]attendance.LegacyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]attendance.LegacyRecord, len(m.legacy))
	copy(out, m.legacy)
	return out, nil
}
