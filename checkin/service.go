/*
Package checkin turns a kiosk card tap into an attendance event.

PURPOSE:
  The kiosk only knows a card ID. Record resolves it to a user, decides
  whether this tap is an entry or an exit from the user's events today, and
  writes the event together with the user's new presence status in one
  guarded batch.

OUTCOMES:
  success       Event written; Message greets or says goodbye
  unregistered  No user holds the card; route to card registration
  error         Storage failed; the kiosk asks the member to tap again

RACES:
  Two taps of the same card at the same moment both read "absent" and both
  try to write an entry. The guard rejects the second; Record re-reads once
  and writes the opposite event if the state moved.

SEE ALSO:
  - links.go: Card registration link requests
  - ../presence/presence.go: Entry vs exit decision
*/
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/presence"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusUnregistered Status = "unregistered"
	StatusError        Status = "error"
)

// Outcome is what the kiosk shows after a tap.
type Outcome struct {
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	SubMessage string            `json:"sub_message,omitempty"`
	Event      *attendance.Event `json:"-"`
	User       *attendance.User  `json:"-"`
}

// retryMessage is the only storage failure a member ever sees.
const retryMessage = "could not record attendance, try again"

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Log   *attendance.EventLog
	Users attendance.UserStore
	Now   func() time.Time
}

func NewService(eventLog *attendance.EventLog, users attendance.UserStore) *Service {
	return &Service{Log: eventLog, Users: users, Now: time.Now}
}

// Record handles one card tap.
//
// The returned error is non-nil only for StatusError outcomes, so callers
// can log it; the Outcome is always safe to show.
func (s *Service) Record(ctx context.Context, cardID attendance.CardID) (Outcome, error) {
	if cardID == "" {
		return Outcome{Status: StatusUnregistered, Message: "card not recognized"}, nil
	}

	user, err := s.Users.FindUserByCard(ctx, cardID)
	if err != nil {
		return errorOutcome(attendance.Unavailable("find user by card", err))
	}
	if user == nil {
		return Outcome{
			Status:     StatusUnregistered,
			Message:    "card not registered",
			SubMessage: "register this card to start tracking attendance",
		}, nil
	}

	var ev attendance.Event
	for attempt := 0; attempt < 2; attempt++ {
		ev, err = s.write(ctx, user, cardID)
		if !errors.Is(err, attendance.ErrConcurrentModification) && !errors.Is(err, attendance.ErrDuplicateEvent) {
			break
		}
	}
	if err != nil {
		return errorOutcome(err)
	}

	user.PresenceStatus = attendance.StatusFor(ev.Type)
	out := Outcome{Status: StatusSuccess, Event: &ev, User: user}
	local := s.Log.Clock.In(ev.Timestamp).Format("15:04")
	if ev.Type == attendance.EventEntry {
		out.Message = fmt.Sprintf("Welcome, %s", displayName(user))
		out.SubMessage = "checked in at " + local
	} else {
		out.Message = fmt.Sprintf("Goodbye, %s", displayName(user))
		out.SubMessage = "checked out at " + local
	}
	return out, nil
}

// write decides entry vs exit from today's events and commits one batch.
func (s *Service) write(ctx context.Context, user *attendance.User, cardID attendance.CardID) (attendance.Event, error) {
	now := s.now()
	day := s.Log.Clock.DateKeyOf(now)

	events, err := s.Log.Partition(ctx, day, attendance.PartitionFilter{UserIDs: []attendance.UserID{user.ID}})
	if err != nil {
		return attendance.Event{}, err
	}

	typ := attendance.EventEntry
	state := presence.DerivePresence(events)
	if state.Present {
		typ = attendance.EventExit
	}
	if state.Latest != nil && !now.After(state.Latest.Timestamp) {
		now = state.Latest.Timestamp.Add(time.Millisecond)
	}

	ev, err := s.Log.NewEvent(user.ID, cardID, typ, now)
	if err != nil {
		return attendance.Event{}, err
	}
	err = s.Log.Commit(ctx, attendance.Batch{
		Events:   []attendance.Event{ev},
		Presence: []attendance.PresenceUpdate{{UserID: user.ID, Status: attendance.StatusFor(typ)}},
		Guards:   []attendance.Guard{{UserID: user.ID, DateKey: day, ExpectedCount: len(events)}},
	})
	return ev, err
}

func errorOutcome(err error) (Outcome, error) {
	log.Printf("[Checkin] %s: %v", retryMessage, err)
	return Outcome{Status: StatusError, Message: retryMessage}, err
}

func displayName(u *attendance.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return string(u.ID)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
