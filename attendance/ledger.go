/*
ledger.go - Append-only, date-partitioned attendance event log

PURPOSE:
  The EventLog is the immutable source of truth for attendance. Presence,
  daily aggregates and monthly caches are all computed by reading it back;
  nothing derived is ever written into it.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, events cannot be modified
  3. PARTITIONED: Every event lives in the partition of its business day,
     computed once at write time from the fixed business timezone
  4. IDEMPOTENT: Same event ID = same event (no duplicates)

PARTITIONS:
  Partitions are a storage detail. RangeQuery walks them day by day and
  returns one timestamp-ordered sequence, so a month costs at most one
  partition read per day.

CORRECTIONS:
  A user who forgot to tap out is not fixed by editing their entry. A
  synthetic exit is appended (see checkout/), and both stay in the log.

SEE ALSO:
  - store.go: Low-level persistence interface
  - presence/: Derives state from events returned here
*/
package attendance

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// EVENT LOG
// =============================================================================

type EventLog struct {
	Store Store
	Clock BusinessClock
}

func NewEventLog(store Store, clock BusinessClock) *EventLog {
	return &EventLog{Store: store, Clock: clock}
}

// NewEvent builds a validated event with its ID and partition key set.
func (l *EventLog) NewEvent(userID UserID, cardID CardID, typ EventType, ts time.Time) (Event, error) {
	ev := Event{
		ID:        NewEventID(userID, ts),
		UserID:    userID,
		CardID:    cardID,
		Type:      typ,
		Timestamp: ts,
	}
	return l.prepare(ev)
}

func (l *EventLog) prepare(ev Event) (Event, error) {
	if ev.ID == "" || ev.UserID == "" {
		return ev, fmt.Errorf("%w: id and user are required", ErrInvalidEvent)
	}
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		return ev, fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	ev.DateKey = l.Clock.DateKeyOf(ev.Timestamp)
	return ev, nil
}

// Append writes a new event into the partition of ts's business day.
// This is the only write path the kiosk needs when presence is not tracked.
func (l *EventLog) Append(ctx context.Context, userID UserID, cardID CardID, typ EventType, ts time.Time) (EventID, error) {
	ev, err := l.NewEvent(userID, cardID, typ, ts)
	if err != nil {
		return "", err
	}
	if err := l.Store.Append(ctx, ev); err != nil {
		return "", Unavailable("append event", err)
	}
	return ev.ID, nil
}

// AppendEvent writes an event that already carries its ID (migration, replays).
// DateKey is recomputed from the timestamp.
func (l *EventLog) AppendEvent(ctx context.Context, ev Event) error {
	ev, err := l.prepare(ev)
	if err != nil {
		return err
	}
	return Unavailable("append event", l.Store.Append(ctx, ev))
}

// Commit writes a batch atomically: events, presence updates and guards.
// Event partition keys are recomputed; duplicate IDs inside the batch are
// rejected before anything reaches the store.
func (l *EventLog) Commit(ctx context.Context, b Batch) error {
	seen := make(map[EventID]bool, len(b.Events))
	events := make([]Event, 0, len(b.Events))
	for _, ev := range b.Events {
		prepared, err := l.prepare(ev)
		if err != nil {
			return err
		}
		if seen[prepared.ID] {
			return fmt.Errorf("%w: %s repeated in batch", ErrDuplicateEvent, prepared.ID)
		}
		seen[prepared.ID] = true
		events = append(events, prepared)
	}
	b.Events = events
	if b.Size() == 0 {
		return nil
	}
	return Unavailable("append batch", l.Store.AppendBatch(ctx, b))
}

// =============================================================================
// READS
// =============================================================================

// Partition returns one day's events, newest first.
func (l *EventLog) Partition(ctx context.Context, key DateKey, filter PartitionFilter) ([]Event, error) {
	events, err := l.Store.LoadPartition(ctx, key, filter)
	if err != nil {
		return nil, Unavailable("load partition "+key.String(), err)
	}
	return events, nil
}

// RangeQuery returns all events in [start, end], optionally for one user,
// ordered by timestamp descending.
//
// Partitions are read newest day first. Because a partition holds exactly
// the instants of its business day, concatenating them keeps the order.
func (l *EventLog) RangeQuery(ctx context.Context, userID *UserID, start, end DateKey) ([]Event, error) {
	var filter PartitionFilter
	if userID != nil {
		filter.UserIDs = []UserID{*userID}
	}

	days := DaysBetween(start, end)
	var result []Event
	for i := len(days) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := l.Partition(ctx, days[i], filter)
		if err != nil {
			return nil, err
		}
		result = append(result, events...)
	}
	return result, nil
}

// ExistsByID reports whether an event ID has been written.
func (l *EventLog) ExistsByID(ctx context.Context, id EventID) (bool, error) {
	ok, err := l.Store.Exists(ctx, id)
	if err != nil {
		return false, Unavailable("exists "+string(id), err)
	}
	return ok, nil
}

// Summarize returns a PartitionSummary for every day in [start, end].
func (l *EventLog) Summarize(ctx context.Context, start, end DateKey) ([]PartitionSummary, error) {
	days := DaysBetween(start, end)
	summaries := make([]PartitionSummary, 0, len(days))
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := l.Store.SummarizePartition(ctx, day)
		if err != nil {
			return nil, Unavailable("summarize partition "+day.String(), err)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
