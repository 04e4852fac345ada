/*
store.go - Persistence interfaces for events and derived data

PURPOSE:
  Defines the interface between the attendance logic and the database.
  The contract is the minimum a generic document store offers: per-collection
  CRUD, ordered range reads inside a partition, and atomic multi-document
  batches. Implementations: in-memory (tests) and SQLite.

KEY INTERFACES:
  Store:        Date-partitioned event log (append-only)
  UserStore:    User reference data (+ presence status)
  TeamStore:    Team reference data
  CacheStore:   Monthly cache entries (tombstoned, never deleted)
  CallLogStore: Forced-checkout invocation log (append-only)
  SettingsStore: CronSettings
  LinkStore:    Card-link requests
  LegacyStore:  The pre-partitioning flat log

APPEND-ONLY CONTRACT:
  Store has no Update or Delete. Corrections are new events
  (e.g. a forced-checkout exit), never edits.

ATOMIC BATCHES:
  AppendBatch writes events, presence-status changes and guard checks as one
  unit. Either every document is written or none are. Presence status is
  never written outside such a batch.

GUARDS:
  A Guard is a compare-and-set on a user's partition: the batch is rejected
  with ErrConcurrentModification if the number of events for (user, day)
  differs from what the caller saw. Since the log is append-only, an
  unchanged count means an unchanged partition.

SEE ALSO:
  - ledger.go: EventLog, the higher-level API on top of Store
  - store/memory.go: In-memory implementation
  - ../store/sqlite/sqlite.go: SQLite implementation
*/
package attendance

import (
	"context"
	"time"
)

// MaxInFilter caps PartitionFilter.UserIDs, mirroring the "in" filter limit
// of common document-store query engines. Callers chunk above it.
const MaxInFilter = 30

// =============================================================================
// STORE - Date-partitioned event log (append-only)
// =============================================================================

// PresenceUpdate sets a user's denormalized presence status.
type PresenceUpdate struct {
	UserID UserID
	Status PresenceStatus
}

// Guard asserts that (UserID, DateKey) still holds ExpectedCount events.
type Guard struct {
	UserID        UserID
	DateKey       DateKey
	ExpectedCount int
}

// Batch is one atomic multi-document write.
type Batch struct {
	Events   []Event
	Presence []PresenceUpdate
	Guards   []Guard
}

// Size is the number of documents the batch writes.
func (b Batch) Size() int { return len(b.Events) + len(b.Presence) }

// PartitionFilter narrows a partition read. Zero value reads everything.
type PartitionFilter struct {
	UserIDs []UserID
	Types   []EventType
}

// PartitionSummary is a cheap aggregate over one partition.
type PartitionSummary struct {
	DateKey DateKey
	Total   int
	Entries int
	Latest  time.Time // zero if the partition is empty
}

// Store persists events in per-day partitions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// Append persists one event. Returns ErrDuplicateEvent if the ID exists.
	Append(ctx context.Context, ev Event) error

	// AppendBatch persists events, presence updates and guard checks atomically.
	AppendBatch(ctx context.Context, b Batch) error

	// LoadPartition returns the events of one day, newest first.
	LoadPartition(ctx context.Context, key DateKey, filter PartitionFilter) ([]Event, error)

	// SummarizePartition returns counts and the latest timestamp of one day.
	SummarizePartition(ctx context.Context, key DateKey) (PartitionSummary, error)

	// Exists reports whether an event ID is already in the log.
	Exists(ctx context.Context, id EventID) (bool, error)
}

// =============================================================================
// REFERENCE DATA STORES
// =============================================================================

// UserStore holds users. PresenceStatus changes only through
// Store.AppendBatch; SaveUser upserts profile fields and takes
// PresenceStatus only when it creates the user.
type UserStore interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id UserID) (*User, error)
	FindUserByCard(ctx context.Context, card CardID) (*User, error)
	SaveUser(ctx context.Context, u User) error
}

type TeamStore interface {
	ListTeams(ctx context.Context) ([]Team, error)
	SaveTeam(ctx context.Context, t Team) error
}

// =============================================================================
// DERIVED DATA STORES
// =============================================================================

// CacheStore persists MonthlyCacheEntry documents.
// Only the monthly cache manager writes through it.
type CacheStore interface {
	// GetMonthly returns the entry for a month, tombstoned or not, or nil.
	GetMonthly(ctx context.Context, year int, month time.Month) (*MonthlyCacheEntry, error)

	// SaveMonthly upserts an entry (clearing any tombstone).
	SaveMonthly(ctx context.Context, entry MonthlyCacheEntry) error

	// TombstoneMonthly marks an entry deleted at the given time.
	// A missing entry is not an error.
	TombstoneMonthly(ctx context.Context, year int, month time.Month, at time.Time) error
}

// CallLogStore is the append-only forced-checkout call log.
type CallLogStore interface {
	AppendCallLog(ctx context.Context, entry CallLog) error
	ListCallLogs(ctx context.Context, limit int) ([]CallLog, error)
}

// SettingsStore holds CronSettings. GetCronSettings returns nil when unset.
type SettingsStore interface {
	GetCronSettings(ctx context.Context) (*CronSettings, error)
	SaveCronSettings(ctx context.Context, s CronSettings) error
}

// LinkStore holds card-link requests. GetLinkRequest returns nil when unknown.
type LinkStore interface {
	SaveLinkRequest(ctx context.Context, r LinkRequest) error
	GetLinkRequest(ctx context.Context, token string) (*LinkRequest, error)
}

// LegacyStore reads the flat, pre-partitioning event log.
type LegacyStore interface {
	LoadLegacyRecords(ctx context.Context) ([]LegacyRecord, error)
}
