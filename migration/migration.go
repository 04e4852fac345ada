/*
Package migration copies the legacy flat event log into the date-partitioned
log.

PURPOSE:
  Older deployments wrote every tap into one flat collection with loosely
  typed timestamps. Run reads all of it and writes each record into the
  partition of its business day, keeping the original ID and stamping
  MigratedAt.

RE-RUNNABLE:
  Every record is checked with ExistsByID before it is written. A crashed
  run is resumed by running again; nothing else tracks progress. A second
  run over the same source reports Success=0 and Skipped=N.

FAILURES:
  A record whose timestamp, type or IDs cannot be understood is counted as
  Failed and reported; it never stops the run and is never defaulted to
  "now". Cancelling ctx stops between records.

VERIFICATION:
  After writing, every source ID that did not fail is looked up again.
  Report.Verified is true when all of them are present.
*/
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// Failure describes one source record that could not be migrated.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report summarizes one run.
type Report struct {
	SourceCount      int       `json:"source_count"`
	Success          int       `json:"success"`
	Failed           int       `json:"failed"`
	Skipped          int       `json:"skipped"`
	PartitionedCount int       `json:"partitioned_count"`
	Verified         bool      `json:"verified"`
	Missing          []string  `json:"missing,omitempty"`
	Failures         []Failure `json:"failures,omitempty"`
}

type Tool struct {
	Log    *attendance.EventLog
	Legacy attendance.LegacyStore
	Now    func() time.Time
}

func NewTool(eventLog *attendance.EventLog, legacy attendance.LegacyStore) *Tool {
	return &Tool{Log: eventLog, Legacy: legacy, Now: time.Now}
}

// Run migrates every legacy record that is not already in the partitioned log.
//
// The report is always returned. If any record failed, the error is a
// *attendance.PartialBatchFailure with the same counts.
func (t *Tool) Run(ctx context.Context) (Report, error) {
	var report Report

	records, err := t.Legacy.LoadLegacyRecords(ctx)
	if err != nil {
		return report, attendance.Unavailable("load legacy records", err)
	}
	report.SourceCount = len(records)
	log.Printf("[Migration] Starting: %d legacy records", len(records))

	migratedAt := t.now()
	failed := make(map[string]bool)
	var errs []error

	fail := func(id string, err error) {
		report.Failed++
		failed[id] = true
		report.Failures = append(report.Failures, Failure{ID: id, Reason: err.Error()})
		errs = append(errs, fmt.Errorf("record %q: %w", id, err))
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ev, err := t.convert(rec)
		if err != nil {
			fail(rec.ID, err)
			continue
		}

		exists, err := t.Log.ExistsByID(ctx, ev.ID)
		if err != nil {
			fail(rec.ID, err)
			continue
		}
		if exists {
			report.Skipped++
			continue
		}

		ev.MigratedAt = &migratedAt
		switch err := t.Log.AppendEvent(ctx, ev); {
		case err == nil:
			report.Success++
		case errors.Is(err, attendance.ErrDuplicateEvent):
			// Written by a concurrent run between the check and the write.
			report.Skipped++
		default:
			fail(rec.ID, err)
		}
	}

	if err := t.verify(ctx, records, failed, &report); err != nil {
		return report, err
	}

	log.Printf("[Migration] Completed: success=%d skipped=%d failed=%d verified=%v (%d/%d)",
		report.Success, report.Skipped, report.Failed, report.Verified,
		report.PartitionedCount, report.SourceCount-report.Failed)

	if len(errs) > 0 {
		return report, &attendance.PartialBatchFailure{
			Op:      "migrate legacy events",
			Success: report.Success,
			Skipped: report.Skipped,
			Failed:  report.Failed,
			Errors:  errs,
		}
	}
	return report, nil
}

// convert turns a legacy record into an event, rejecting anything ambiguous.
func (t *Tool) convert(rec attendance.LegacyRecord) (attendance.Event, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return attendance.Event{}, fmt.Errorf("%w: missing id", attendance.ErrInvalidEvent)
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return attendance.Event{}, fmt.Errorf("%w: missing user id", attendance.ErrInvalidEvent)
	}

	typ := attendance.EventType(strings.ToLower(strings.TrimSpace(rec.Type)))
	if !typ.Valid() {
		return attendance.Event{}, fmt.Errorf("%w: unknown type %q", attendance.ErrInvalidEvent, rec.Type)
	}

	ts, err := t.Log.Clock.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return attendance.Event{}, err
	}

	return attendance.Event{
		ID:        attendance.EventID(rec.ID),
		UserID:    attendance.UserID(rec.UserID),
		CardID:    attendance.CardID(rec.CardID),
		Type:      typ,
		Timestamp: ts,
	}, nil
}

// verify confirms every non-failed source ID is now in the partitioned log.
func (t *Tool) verify(ctx context.Context, records []attendance.LegacyRecord, failed map[string]bool, report *Report) error {
	seen := make(map[string]bool, len(records))
	expected := 0
	for _, rec := range records {
		if failed[rec.ID] || seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		expected++

		ok, err := t.Log.ExistsByID(ctx, attendance.EventID(rec.ID))
		if err != nil {
			return err
		}
		if ok {
			report.PartitionedCount++
		} else {
			report.Missing = append(report.Missing, rec.ID)
		}
	}
	report.Verified = report.PartitionedCount == expected
	if !report.Verified {
		log.Printf("[Migration] Verification failed: %d of %d records missing", len(report.Missing), expected)
	}
	return nil
}

func (t *Tool) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}
