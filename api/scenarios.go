/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	club: teams, members with cards, and a few weeks of taps. Each scenario
	shows off one part of the engine.

AVAILABLE SCENARIOS:

	demo-club:           Three teams, two weeks of history, some members here now
	forgotten-checkout:  Members still checked in; run the forced checkout
	legacy-migration:    Old flat log with mixed timestamp shapes, ready to migrate
	empty:               Roster only, no events

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Import the roster via the factory
 3. Commit events day by day, each day one atomic batch
 4. Optionally seed the legacy log

All times are relative to the handler clock, so the data is always "recent".

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "forgotten-checkout"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct
  - factory/roster.go: Roster JSON format
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-club",
		Name:        "Demo Club",
		Description: "Three teams, two weeks of check-ins, a few members in the building now",
		Category:    "attendance",
	},
	{
		ID:          "forgotten-checkout",
		Name:        "Forgotten Checkout",
		Description: "Several members never tapped out today; trigger the forced checkout",
		Category:    "checkout",
	},
	{
		ID:          "legacy-migration",
		Name:        "Legacy Migration",
		Description: "Old flat event log with mixed timestamp formats and one broken record",
		Category:    "migration",
	},
	{
		ID:          "empty",
		Name:        "Empty Club",
		Description: "Roster only, no attendance yet",
		Category:    "attendance",
	},
}

const demoRoster = `{
  "teams": [
    {"id": "robotics", "name": "Robotics"},
    {"id": "design", "name": "Design"},
    {"id": "web", "name": "Web"}
  ],
  "users": [
    {"id": "u-aiko", "display_name": "Aiko", "card_id": "card-aiko", "team_id": "robotics", "grade": 10},
    {"id": "u-ben", "display_name": "Ben", "card_id": "card-ben", "team_id": "robotics", "grade": 11},
    {"id": "u-chie", "display_name": "Chie", "card_id": "card-chie", "team_id": "design", "grade": 10},
    {"id": "u-dan", "display_name": "Dan", "card_id": "card-dan", "team_id": "design", "grade": 12},
    {"id": "u-emi", "display_name": "Emi", "card_id": "card-emi", "team_id": "web", "grade": 11},
    {"id": "u-fumi", "display_name": "Fumi", "card_id": "card-fumi", "team_id": "web", "grade": 12},
    {"id": "u-goro", "display_name": "Goro", "card_id": "card-goro", "grade": 10},
    {"id": "u-hana", "display_name": "Hana", "card_id": "card-hana", "team_id": "robotics", "grade": 12, "role": "admin"}
  ]
}`

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "demo-club":
		load = h.loadDemoClubScenario
	case "forgotten-checkout":
		load = h.loadForgottenCheckoutScenario
	case "legacy-migration":
		load = h.loadLegacyMigrationScenario
	case "empty":
		load = h.loadRoster
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset clears the store and waits for background cache writes so none
// lands after the wipe.
func (h *Handler) reset(ctx context.Context) error {
	h.Monthly.Wait()
	return h.Store.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadRoster(ctx context.Context) error {
	roster, err := h.Roster.ParseRoster([]byte(demoRoster))
	if err != nil {
		return err
	}
	_, err = h.Roster.Import(ctx, roster, h.Store, h.Store)
	return err
}

// loadDemoClubScenario: two weeks of weekday sessions and a partly
// filled building today.
func (h *Handler) loadDemoClubScenario(ctx context.Context) error {
	if err := h.loadRoster(ctx); err != nil {
		return err
	}

	today := h.Clock.DateKeyOf(h.now())
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		return err
	}

	for offset := 14; offset >= 1; offset-- {
		day := today.AddDays(-offset)
		if wd := day.Date().Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		var sessions []session
		for i, u := range users {
			// Rotate absences so each day looks a little different
			if (i+offset)%4 == 0 {
				continue
			}
			sessions = append(sessions, session{
				user:  u,
				entry: h.Clock.At(day, 15, 30+i*3),
				exit:  h.Clock.At(day, 18, i*5),
			})
		}
		if err := h.commitSessions(ctx, sessions); err != nil {
			return fmt.Errorf("day %s: %w", day, err)
		}
	}

	// Today: the first half of the roster is in the building
	var sessions []session
	for i, u := range users[:len(users)/2] {
		sessions = append(sessions, session{user: u, entry: h.earlierToday(i + 1)})
	}
	return h.commitSessions(ctx, sessions)
}

// loadForgottenCheckoutScenario: everyone but one member is still checked
// in today, and yesterday was closed cleanly.
func (h *Handler) loadForgottenCheckoutScenario(ctx context.Context) error {
	if err := h.loadRoster(ctx); err != nil {
		return err
	}

	today := h.Clock.DateKeyOf(h.now())
	yesterday := today.AddDays(-1)
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		return err
	}

	var closed, open []session
	for i, u := range users {
		closed = append(closed, session{
			user:  u,
			entry: h.Clock.At(yesterday, 16, i),
			exit:  h.Clock.At(yesterday, 19, i),
		})
		s := session{user: u, entry: h.earlierToday(i + 1)}
		if i == 0 {
			// One member tapped out properly
			exit := s.entry.Add(30 * time.Second)
			s.exit = exit
		}
		open = append(open, s)
	}

	if err := h.commitSessions(ctx, closed); err != nil {
		return err
	}
	return h.commitSessions(ctx, open)
}

// loadLegacyMigrationScenario seeds the old flat log. Nothing is migrated
// until POST /api/admin/migrate.
func (h *Handler) loadLegacyMigrationScenario(ctx context.Context) error {
	if err := h.loadRoster(ctx); err != nil {
		return err
	}

	day := h.Clock.DateKeyOf(h.now()).AddDays(-3)
	entry := h.Clock.At(day, 16, 0)
	exit := h.Clock.At(day, 18, 45)

	records := []attendance.LegacyRecord{
		// RFC3339 string
		{ID: "legacy-1", UserID: "u-aiko", CardID: "card-aiko", Type: "entry", Timestamp: entry.Format(time.RFC3339)},
		// Local wall-clock string
		{ID: "legacy-2", UserID: "u-aiko", CardID: "card-aiko", Type: "exit", Timestamp: h.Clock.In(exit).Format("2006-01-02 15:04:05")},
		// Unix milliseconds
		{ID: "legacy-3", UserID: "u-ben", CardID: "card-ben", Type: "entry", Timestamp: entry.Add(5 * time.Minute).UnixMilli()},
		// Document-store seconds map
		{ID: "legacy-4", UserID: "u-ben", CardID: "card-ben", Type: "exit", Timestamp: map[string]any{
			"seconds":     exit.Add(5 * time.Minute).Unix(),
			"nanoseconds": 0,
		}},
		// Upper-case type
		{ID: "legacy-5", UserID: "u-chie", CardID: "card-chie", Type: "ENTRY", Timestamp: entry.Add(10 * time.Minute).Format(time.RFC3339)},
		// Broken: no usable timestamp
		{ID: "legacy-6", UserID: "u-chie", CardID: "card-chie", Type: "exit", Timestamp: "yesterday evening"},
	}

	for _, rec := range records {
		if err := h.Store.AddLegacyRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// session is one user's entry and optional exit.
type session struct {
	user  attendance.User
	entry time.Time
	exit  time.Time
}

// commitSessions writes the sessions as one batch and sets each user's
// presence from their final event.
func (h *Handler) commitSessions(ctx context.Context, sessions []session) error {
	if len(sessions) == 0 {
		return nil
	}

	var batch attendance.Batch
	for _, s := range sessions {
		ev, err := h.Log.NewEvent(s.user.ID, s.user.CardID, attendance.EventEntry, s.entry)
		if err != nil {
			return err
		}
		batch.Events = append(batch.Events, ev)
		status := attendance.PresenceActive

		if !s.exit.IsZero() {
			ev, err := h.Log.NewEvent(s.user.ID, s.user.CardID, attendance.EventExit, s.exit)
			if err != nil {
				return err
			}
			batch.Events = append(batch.Events, ev)
			status = attendance.PresenceInactive
		}
		batch.Presence = append(batch.Presence, attendance.PresenceUpdate{UserID: s.user.ID, Status: status})
	}

	return h.Log.Commit(ctx, batch)
}

// earlierToday returns a time between the start of the business day and
// now, n minutes apart, so it never lands in the future or yesterday.
func (h *Handler) earlierToday(n int) time.Time {
	now := h.now()
	start := h.Clock.DayStart(h.Clock.DateKeyOf(now))
	elapsed := now.Sub(start)

	t := now.Add(-time.Duration(n) * time.Minute)
	if elapsed <= time.Duration(n)*time.Minute {
		// Just after midnight: spread inside what has elapsed
		t = start.Add(elapsed / time.Duration(n+1))
	}
	return t
}
