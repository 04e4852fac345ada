/*
Package checkout implements the forced end-of-day checkout.

PURPOSE:
  Members forget to tap out. At the end of the business day every user who
  is still present gets a synthetic exit event (card "force_checkout") and
  their presence status flipped to inactive, in the same atomic batch.

ALGORITHM (ForceCheckoutDay; ForceCheckoutAll sweeps today):
  1. Load all users.
  2. Read the day's partition in chunks of MaxInFilter user IDs, concurrently,
     and find each user's latest event.
  3. Users whose latest event is an entry are present: append an exit and
     set PresenceStatus=inactive, WriteBatchSize users per atomic batch.
  4. Users with no events, or whose latest event is an exit: NoAction.
  5. A failed lookup chunk or write batch counts its users as Failed; the
     other chunks still run.

IDEMPOTENCY:
  After a run every processed user's latest event is an exit, so a second
  run finds nobody present and reports Success=0.

RACE WITH LIVE CHECK-INS:
  Each user in a write batch carries a Guard with the event count seen at
  lookup time. If someone taps in between lookup and write, the batch is
  rejected with ErrConcurrentModification, the batch's users are re-read
  once and the batch is rebuilt from fresh state.

SEE ALSO:
  - runner.go: CronSettings window and call log
  - scheduler.go: cron trigger
*/
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/presence"
)

const (
	// DefaultWriteBatchSize keeps a batch (one event + one status per user)
	// under the common 500-document batch limit.
	DefaultWriteBatchSize = 250

	// DefaultLookupConcurrency bounds concurrent partition lookups.
	DefaultLookupConcurrency = 4
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Log   *attendance.EventLog
	Users attendance.UserStore
	Now   func() time.Time

	LookupChunkSize   int
	WriteBatchSize    int
	LookupConcurrency int
}

func NewReconciler(eventLog *attendance.EventLog, users attendance.UserStore) *Reconciler {
	return &Reconciler{
		Log:               eventLog,
		Users:             users,
		Now:               time.Now,
		LookupChunkSize:   attendance.MaxInFilter,
		WriteBatchSize:    DefaultWriteBatchSize,
		LookupConcurrency: DefaultLookupConcurrency,
	}
}

// userState is what a lookup learned about one user.
type userState struct {
	latest *attendance.Event
	count  int
}

// ForceCheckoutAll appends an exit for every user still present today.
//
// The returned counts are always complete. If any user failed, the error is
// a *attendance.PartialBatchFailure carrying the same counts.
func (r *Reconciler) ForceCheckoutAll(ctx context.Context) (attendance.CheckoutResult, error) {
	return r.ForceCheckoutDay(ctx, r.Log.Clock.DateKeyOf(r.now()))
}

// ForceCheckoutDay closes every session still open on day.
//
// For a day that has already ended the exits are stamped at its last
// millisecond so they stay in that day's partition.
func (r *Reconciler) ForceCheckoutDay(ctx context.Context, day attendance.DateKey) (attendance.CheckoutResult, error) {
	var result attendance.CheckoutResult

	users, err := r.Users.ListUsers(ctx)
	if err != nil {
		return result, attendance.Unavailable("list users", err)
	}

	now := r.now()
	if dayEnd := r.Log.Clock.DayStart(day.AddDays(1)); !now.Before(dayEnd) {
		now = dayEnd.Add(-time.Millisecond)
	}

	ids := make([]attendance.UserID, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	states, lookupErrs := r.lookup(ctx, day, ids)
	var errs []error
	for id, err := range lookupErrs {
		result.Failed++
		errs = append(errs, fmt.Errorf("lookup %s: %w", id, err))
	}

	var present []attendance.UserID
	for _, id := range ids {
		if _, failed := lookupErrs[id]; failed {
			continue
		}
		st := states[id]
		if st.latest != nil && st.latest.Type == attendance.EventEntry {
			present = append(present, id)
		} else {
			result.NoAction++
		}
	}

	for _, batch := range chunk(present, r.writeBatchSize()) {
		if err := ctx.Err(); err != nil {
			result.Failed += len(batch)
			errs = append(errs, err)
			continue
		}
		success, noAction, err := r.checkoutBatch(ctx, day, now, batch, states)
		result.Success += success
		result.NoAction += noAction
		if err != nil {
			result.Failed += len(batch) - success - noAction
			errs = append(errs, err)
		}
	}

	log.Printf("[Checkout] %s: success=%d no_action=%d failed=%d",
		day, result.Success, result.NoAction, result.Failed)

	if len(errs) > 0 {
		return result, &attendance.PartialBatchFailure{
			Op:       "force checkout " + day.String(),
			Success:  result.Success,
			NoAction: result.NoAction,
			Failed:   result.Failed,
			Errors:   errs,
		}
	}
	return result, nil
}

// lookup reads the day's partition for ids in chunks of LookupChunkSize.
// Users of a failed chunk are returned in the error map.
func (r *Reconciler) lookup(ctx context.Context, day attendance.DateKey, ids []attendance.UserID) (map[attendance.UserID]userState, map[attendance.UserID]error) {
	var (
		mu     sync.Mutex
		states = make(map[attendance.UserID]userState, len(ids))
		failed = make(map[attendance.UserID]error)
	)

	var g errgroup.Group
	g.SetLimit(r.lookupConcurrency())
	for _, part := range chunk(ids, r.lookupChunkSize()) {
		g.Go(func() error {
			events, err := r.Log.Partition(ctx, day, attendance.PartitionFilter{UserIDs: part})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for _, id := range part {
					failed[id] = err
				}
				return nil
			}

			counts := make(map[attendance.UserID]int, len(part))
			for _, ev := range events {
				counts[ev.UserID]++
			}
			latest := presence.LatestByUser(events)
			for _, id := range part {
				st := userState{count: counts[id]}
				if ev, ok := latest[id]; ok {
					st.latest = &ev
				}
				states[id] = st
			}
			return nil
		})
	}
	_ = g.Wait() // chunk errors are collected, never returned

	return states, failed
}

// checkoutBatch writes one guarded batch, retrying once on a guard conflict.
// Returns how many users were checked out and how many turned out to need
// nothing after a re-read.
func (r *Reconciler) checkoutBatch(ctx context.Context, day attendance.DateKey, now time.Time, batch []attendance.UserID, states map[attendance.UserID]userState) (int, int, error) {
	targets := batch
	noAction := 0

	for attempt := 0; attempt < 2; attempt++ {
		b, err := r.buildBatch(day, now, targets, states)
		if err != nil {
			return 0, noAction, err
		}
		if len(b.Events) == 0 {
			return 0, noAction, nil
		}

		err = r.Log.Commit(ctx, b)
		if err == nil {
			return len(b.Events), noAction, nil
		}
		if !errors.Is(err, attendance.ErrConcurrentModification) || attempt == 1 {
			return 0, noAction, fmt.Errorf("write batch of %d: %w", len(targets), err)
		}

		log.Printf("[Checkout] %s: concurrent check-in detected, re-reading %d users", day, len(targets))
		fresh, lookupErrs := r.lookup(ctx, day, targets)
		for _, e := range lookupErrs {
			return 0, noAction, fmt.Errorf("re-read after conflict: %w", e)
		}

		var still []attendance.UserID
		for _, id := range targets {
			st := fresh[id]
			states[id] = st
			if st.latest != nil && st.latest.Type == attendance.EventEntry {
				still = append(still, id)
			} else {
				noAction++
			}
		}
		targets = still
	}
	return 0, noAction, nil
}

func (r *Reconciler) buildBatch(day attendance.DateKey, now time.Time, ids []attendance.UserID, states map[attendance.UserID]userState) (attendance.Batch, error) {
	var b attendance.Batch
	for _, id := range ids {
		st := states[id]
		ts := now
		if st.latest != nil && !ts.After(st.latest.Timestamp) {
			ts = st.latest.Timestamp.Add(time.Millisecond)
		}

		exit, err := r.Log.NewEvent(id, attendance.ForceCheckoutCardID, attendance.EventExit, ts)
		if err != nil {
			return b, err
		}
		b.Events = append(b.Events, exit)
		b.Presence = append(b.Presence, attendance.PresenceUpdate{UserID: id, Status: attendance.PresenceInactive})
		b.Guards = append(b.Guards, attendance.Guard{UserID: id, DateKey: day, ExpectedCount: st.count})
	}
	return b, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for size > 0 && len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Reconciler) lookupChunkSize() int {
	if r.LookupChunkSize <= 0 || r.LookupChunkSize > attendance.MaxInFilter {
		return attendance.MaxInFilter
	}
	return r.LookupChunkSize
}

func (r *Reconciler) writeBatchSize() int {
	if r.WriteBatchSize <= 0 {
		return DefaultWriteBatchSize
	}
	return r.WriteBatchSize
}

func (r *Reconciler) lookupConcurrency() int {
	if r.LookupConcurrency <= 0 {
		return DefaultLookupConcurrency
	}
	return r.LookupConcurrency
}
