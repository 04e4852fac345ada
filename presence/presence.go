/*
Package presence derives who is in the room from attendance events.

PURPOSE:
  Pure, side-effect-free functions. Given a day's events plus an explicit
  snapshot of users and teams, compute each user's presence and roll the
  present users up into a DailyAggregate. Nothing here reads a store or a
  clock; callers inject everything.

THE PRESENCE RULE:
  The most recent event by timestamp decides. Entry means present, exit
  means absent. Sequences need not alternate: two entries in a row are fine,
  the later one wins. A user with no events that day is absent.

DETERMINISM:
  The result depends only on the winning event, so it must not depend on
  input order. Equal timestamps are broken by type (exit wins over entry)
  and then by the larger event ID.

GROUPING:
  Users are grouped by team, then by grade cohort. A user whose team is
  empty or unknown to the team snapshot goes into UnassignedTeamID instead
  of failing the lookup.

SEE ALSO:
  - monthly/: Runs Aggregate once per day of a month
  - checkout/: Uses LatestByUser to find who is still present
*/
package presence

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/attendance-engine/attendance"
)

// UnassignedTeamName labels the bucket for users without a known team.
const UnassignedTeamName = "Unassigned"

// =============================================================================
// PRESENCE STATE
// =============================================================================

// State is one user's presence for one day.
type State struct {
	Present bool
	Latest  *attendance.Event // nil when the user has no events
}

// supersedes reports whether a wins over b as the latest event.
func supersedes(a, b attendance.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Type != b.Type {
		return a.Type == attendance.EventExit
	}
	return a.ID > b.ID
}

// Latest returns the deciding event of a sequence.
func Latest(events []attendance.Event) (attendance.Event, bool) {
	if len(events) == 0 {
		return attendance.Event{}, false
	}
	latest := events[0]
	for _, ev := range events[1:] {
		if supersedes(ev, latest) {
			latest = ev
		}
	}
	return latest, true
}

// DerivePresence applies the presence rule to one user's events for a day.
// Events belonging to other users are the caller's bug and are not filtered.
func DerivePresence(events []attendance.Event) State {
	latest, ok := Latest(events)
	if !ok {
		return State{}
	}
	return State{Present: latest.Type == attendance.EventEntry, Latest: &latest}
}

// LatestByUser returns the deciding event for every user that has one.
func LatestByUser(events []attendance.Event) map[attendance.UserID]attendance.Event {
	latest := make(map[attendance.UserID]attendance.Event)
	for _, ev := range events {
		cur, ok := latest[ev.UserID]
		if !ok || supersedes(ev, cur) {
			latest[ev.UserID] = ev
		}
	}
	return latest
}

// PresentUsers returns the IDs of users whose latest event is an entry.
func PresentUsers(events []attendance.Event) map[attendance.UserID]bool {
	present := make(map[attendance.UserID]bool)
	for id, ev := range LatestByUser(events) {
		if ev.Type == attendance.EventEntry {
			present[id] = true
		}
	}
	return present
}

// =============================================================================
// DAILY AGGREGATE
// =============================================================================

// Aggregate rolls one day's events up by team and grade.
//
// Only users in the snapshot are counted, each at most once. Grades are
// sorted descending inside a team. Teams are sorted by ID so the output is
// stable; callers may re-sort for display.
func Aggregate(dateKey attendance.DateKey, events []attendance.Event, users []attendance.User, teams []attendance.Team) attendance.DailyAggregate {
	present := PresentUsers(events)

	teamNames := make(map[attendance.TeamID]string, len(teams))
	for _, t := range teams {
		teamNames[t.ID] = t.Name
	}

	grouped := make(map[attendance.TeamID]map[int][]attendance.UserID)
	total := 0
	for _, u := range users {
		if !present[u.ID] {
			continue
		}
		teamID := u.TeamID
		if _, known := teamNames[teamID]; !known || teamID == "" {
			teamID = attendance.UnassignedTeamID
		}
		if grouped[teamID] == nil {
			grouped[teamID] = make(map[int][]attendance.UserID)
		}
		grouped[teamID][u.GradeCohort] = append(grouped[teamID][u.GradeCohort], u.ID)
		total++
	}

	perTeam := make([]attendance.TeamAggregate, 0, len(grouped))
	for teamID, grades := range grouped {
		name, ok := teamNames[teamID]
		if !ok {
			name = UnassignedTeamName
		}
		ta := attendance.TeamAggregate{TeamID: teamID, TeamName: name}
		for grade, ids := range grades {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			ta.PerGrade = append(ta.PerGrade, attendance.GradeAggregate{
				Grade:          grade,
				Count:          len(ids),
				PresentUserIDs: ids,
			})
		}
		sort.Slice(ta.PerGrade, func(i, j int) bool { return ta.PerGrade[i].Grade > ta.PerGrade[j].Grade })
		perTeam = append(perTeam, ta)
	}
	sort.Slice(perTeam, func(i, j int) bool { return perTeam[i].TeamID < perTeam[j].TeamID })

	return attendance.DailyAggregate{
		DateKey:           dateKey,
		TotalPresentCount: total,
		PerTeam:           perTeam,
		AttendanceRate:    Rate(total, len(users)),
	}
}

// Empty returns the aggregate of a day with nobody present.
func Empty(dateKey attendance.DateKey) attendance.DailyAggregate {
	return attendance.DailyAggregate{
		DateKey:        dateKey,
		PerTeam:        []attendance.TeamAggregate{},
		AttendanceRate: decimal.Zero,
	}
}

// Rate returns present/total rounded to 4 places, or zero if total is zero.
func Rate(present, total int) decimal.Decimal {
	if total <= 0 || present <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(present)).
		DivRound(decimal.NewFromInt(int64(total)), 4)
}

// =============================================================================
// MONTH SUMMARY
// =============================================================================

// MonthSummary condenses a month of aggregates for the dashboard header.
type MonthSummary struct {
	Days           int                `json:"days"`
	ActiveDays     int                `json:"active_days"`
	TotalPresences int                `json:"total_presences"`
	PeakDate       attendance.DateKey `json:"peak_date,omitempty"`
	PeakCount      int                `json:"peak_count"`
	AverageCount   decimal.Decimal    `json:"average_count"`
}

// Summarize computes peak and average presence over a set of days.
// The average is over active days (days with at least one present user).
// Ties for the peak go to the earliest date.
func Summarize(days map[attendance.DateKey]attendance.DailyAggregate) MonthSummary {
	keys := make([]attendance.DateKey, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	s := MonthSummary{Days: len(keys), AverageCount: decimal.Zero}
	for _, k := range keys {
		count := days[k].TotalPresentCount
		if count == 0 {
			continue
		}
		s.ActiveDays++
		s.TotalPresences += count
		if count > s.PeakCount {
			s.PeakCount = count
			s.PeakDate = k
		}
	}
	if s.ActiveDays > 0 {
		s.AverageCount = decimal.NewFromInt(int64(s.TotalPresences)).
			DivRound(decimal.NewFromInt(int64(s.ActiveDays)), 2)
	}
	return s
}
