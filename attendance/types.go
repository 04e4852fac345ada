/*
Package attendance provides the core of the club attendance engine.

PURPOSE:
  This package contains the types, storage contracts and the append-only
  event log that every other package builds on. Kiosk taps become Events,
  Events are grouped into per-day partitions, and everything else (presence,
  daily aggregates, monthly caches) is derived from them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: An immutable entry/exit record (the source of truth)
  - User/Team: Reference data owned by the profile subsystem
  - DailyAggregate: Derived presence rollup for one day
  - MonthlyCacheEntry: Persisted set of DailyAggregates with a fingerprint
  - CronSettings, CallLog, LinkRequest: Supporting records

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Derivability: Every aggregate can be rebuilt from the event log
  3. Type Safety: Strong typing for IDs prevents mixing user/team/card IDs
  4. Idempotency: Event IDs double as idempotency keys

USAGE:
  log := attendance.NewEventLog(store, attendance.NewBusinessClock(loc))
  id, err := log.Append(ctx, "u-1", "card-1", attendance.EventEntry, time.Now())

SEE ALSO:
  - ledger.go: EventLog (append, range query, existence)
  - store.go: Storage interfaces
  - time.go: Business timezone and partition keys
*/
package attendance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EventID string
type UserID string
type TeamID string
type CardID string

// UnassignedTeamID groups users whose team is empty or no longer exists.
const UnassignedTeamID TeamID = "unassigned"

// ForceCheckoutCardID marks exits appended by the forced-checkout sweep.
const ForceCheckoutCardID CardID = "force_checkout"

// =============================================================================
// EVENT - Immutable attendance record
// =============================================================================

type EventType string

const (
	EventEntry EventType = "entry"
	EventExit  EventType = "exit"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t == EventEntry || t == EventExit
}

// Event is a single check-in or check-out.
// DateKey is the partition key, fixed at write time from Timestamp in the
// business timezone.
type Event struct {
	ID        EventID
	UserID    UserID
	CardID    CardID
	Type      EventType
	Timestamp time.Time
	DateKey   DateKey

	// Set only for events copied from the legacy flat log.
	MigratedAt *time.Time
}

// NewEventID returns the identity of an event written by userID at instant at.
func NewEventID(userID UserID, at time.Time) EventID {
	return EventID(string(userID) + "-" + strconv.FormatInt(at.UnixNano(), 10))
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type PresenceStatus string

const (
	PresenceActive   PresenceStatus = "active"
	PresenceInactive PresenceStatus = "inactive"
)

// StatusFor returns the presence status implied by an event of type t.
func StatusFor(t EventType) PresenceStatus {
	if t == EventEntry {
		return PresenceActive
	}
	return PresenceInactive
}

type User struct {
	ID             UserID
	DisplayName    string
	CardID         CardID
	TeamID         TeamID
	GradeCohort    int
	Role           Role
	PresenceStatus PresenceStatus
}

type Team struct {
	ID   TeamID
	Name string
}

// =============================================================================
// DERIVED AGGREGATES
// =============================================================================

type GradeAggregate struct {
	Grade          int      `json:"grade"`
	Count          int      `json:"count"`
	PresentUserIDs []UserID `json:"present_user_ids"`
}

type TeamAggregate struct {
	TeamID   TeamID           `json:"team_id"`
	TeamName string           `json:"team_name"`
	PerGrade []GradeAggregate `json:"per_grade"`
}

// DailyAggregate is the presence rollup for one business day.
// It is never authoritative; it can always be recomputed from events.
type DailyAggregate struct {
	DateKey           DateKey         `json:"date_key"`
	TotalPresentCount int             `json:"total_present_count"`
	PerTeam           []TeamAggregate `json:"per_team"`
	AttendanceRate    decimal.Decimal `json:"attendance_rate"`
}

// MonthlyCacheEntry is the persisted form of a month of DailyAggregates.
//
// INVARIANT: valid only while SourceEventCount equals the live count of entry
// events in the month and SourceContentHash equals the live fingerprint hash.
type MonthlyCacheEntry struct {
	Year              int
	Month             time.Month
	DailyAggregates   map[DateKey]DailyAggregate
	SourceEventCount  int
	SourceContentHash string
	ComputedAt        time.Time

	// Tombstone. Entries are never physically deleted.
	Deleted   bool
	DeletedAt *time.Time
}

// =============================================================================
// FORCED CHECKOUT
// =============================================================================

// CronSettings bounds when the scheduled forced checkout may run.
// Times are "HH:mm" in the business timezone; End < Start wraps midnight.
type CronSettings struct {
	WindowStart string `json:"window_start" validate:"required,datetime=15:04"`
	WindowEnd   string `json:"window_end" validate:"required,datetime=15:04"`
}

// CheckoutResult counts the outcome of one forced-checkout pass.
type CheckoutResult struct {
	Success  int `json:"success"`
	NoAction int `json:"no_action"`
	Failed   int `json:"failed"`
}

type CallStatus string

const (
	CallRunning CallStatus = "running"
	CallSuccess CallStatus = "success"
	CallError   CallStatus = "error"
	CallSkipped CallStatus = "skipped"
)

// CallLog is one append-only record of a forced-checkout invocation.
// An invocation writes a "running" entry and then a terminal entry, both
// sharing InvocationID.
type CallLog struct {
	ID           string
	InvocationID string
	Trigger      string // "cron", "manual"
	Status       CallStatus
	Result       *CheckoutResult
	Message      string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// =============================================================================
// CARD LINKING
// =============================================================================

type LinkStatus string

const (
	LinkWaiting LinkStatus = "waiting"
	LinkOpened  LinkStatus = "opened"
	LinkLinked  LinkStatus = "linked"
	LinkDone    LinkStatus = "done"
)

// Valid reports whether s is a known link status.
func (s LinkStatus) Valid() bool {
	switch s {
	case LinkWaiting, LinkOpened, LinkLinked, LinkDone:
		return true
	}
	return false
}

type LinkRequest struct {
	Token     string
	Status    LinkStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// LEGACY LOG
// =============================================================================

// LegacyRecord is an event as stored in the old flat log.
// Timestamp keeps whatever shape the old writers produced and must go through
// ParseTimestamp before use.
type LegacyRecord struct {
	ID        string
	UserID    string
	CardID    string
	Type      string
	Timestamp any
}
