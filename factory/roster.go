/*
Package factory provides JSON to Go roster conversion.

PURPOSE:
  Converts JSON roster definitions (teams and members) into attendance.Team
  and attendance.User values. Club admins export the roster from whatever
  spreadsheet they keep; the factory validates it and the importer writes it
  to the stores.

JSON SCHEMA:
  {
    "teams": [
      {"id": "robotics", "name": "Robotics"}
    ],
    "users": [
      {
        "id": "u-001",
        "display_name": "Aiko Tanaka",
        "card_id": "04A1B2C3",
        "team_id": "robotics",
        "grade": 2,
        "role": "user"
      }
    ]
  }

KEY FEATURES:
  - Struct-tag validation (go-playground/validator)
  - Rejects duplicate user IDs, team IDs and card IDs
  - Users may name a team that is not in the roster; aggregates list them
    under "Unassigned"
  - Import never touches PresenceStatus of existing users

USAGE:
  f := factory.NewRosterFactory()
  roster, err := f.ParseRoster(data)
  err = f.Import(ctx, roster, store, store)

SEE ALSO:
  - ../attendance/types.go: User and Team
  - ../api/scenarios.go: Demo rosters
*/
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RosterJSON is the JSON representation of a roster.
type RosterJSON struct {
	Teams []TeamJSON `json:"teams" validate:"dive"`
	Users []UserJSON `json:"users" validate:"dive"`
}

// TeamJSON represents one team.
type TeamJSON struct {
	ID   string `json:"id" validate:"required,max=64"`
	Name string `json:"name" validate:"required,max=128"`
}

// UserJSON represents one member.
type UserJSON struct {
	ID          string `json:"id" validate:"required,max=64"`
	DisplayName string `json:"display_name" validate:"max=128"`
	CardID      string `json:"card_id" validate:"omitempty,max=64"`
	TeamID      string `json:"team_id" validate:"omitempty,max=64"`
	Grade       int    `json:"grade" validate:"gte=0,lte=12"`
	Role        string `json:"role" validate:"omitempty,oneof=user admin"`
}

// Roster is a validated, converted roster.
type Roster struct {
	Teams []attendance.Team
	Users []attendance.User
}

// ImportResult counts what Import wrote.
type ImportResult struct {
	Teams        int `json:"teams"`
	UsersCreated int `json:"users_created"`
	UsersUpdated int `json:"users_updated"`
}

// =============================================================================
// ROSTER FACTORY
// =============================================================================

// RosterFactory converts JSON rosters to Go structs.
type RosterFactory struct {
	validate *validator.Validate
}

// NewRosterFactory creates a new roster factory.
func NewRosterFactory() *RosterFactory {
	return &RosterFactory{validate: validator.New()}
}

// ParseRoster parses JSON bytes into a Roster.
func (f *RosterFactory) ParseRoster(data []byte) (*Roster, error) {
	var rj RosterJSON
	if err := sonic.Unmarshal(data, &rj); err != nil {
		return nil, fmt.Errorf("failed to parse roster JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates a RosterJSON and converts it.
func (f *RosterFactory) FromJSON(rj RosterJSON) (*Roster, error) {
	if err := f.validate.Struct(rj); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}

	roster := &Roster{}

	teamIDs := make(map[string]bool, len(rj.Teams))
	for _, tj := range rj.Teams {
		id := strings.TrimSpace(tj.ID)
		if teamIDs[id] {
			return nil, fmt.Errorf("invalid roster: duplicate team %q", id)
		}
		teamIDs[id] = true
		roster.Teams = append(roster.Teams, attendance.Team{ID: attendance.TeamID(id), Name: tj.Name})
	}

	userIDs := make(map[string]bool, len(rj.Users))
	cards := make(map[string]string, len(rj.Users))
	for _, uj := range rj.Users {
		id := strings.TrimSpace(uj.ID)
		if userIDs[id] {
			return nil, fmt.Errorf("invalid roster: duplicate user %q", id)
		}
		userIDs[id] = true

		card := strings.TrimSpace(uj.CardID)
		if card != "" {
			if owner, ok := cards[card]; ok {
				return nil, fmt.Errorf("invalid roster: card %q held by both %q and %q", card, owner, id)
			}
			cards[card] = id
		}

		roster.Users = append(roster.Users, attendance.User{
			ID:          attendance.UserID(id),
			DisplayName: uj.DisplayName,
			CardID:      attendance.CardID(card),
			TeamID:      attendance.TeamID(strings.TrimSpace(uj.TeamID)),
			GradeCohort: uj.Grade,
			Role:        parseRole(uj.Role),
		})
	}

	return roster, nil
}

// Import writes the roster. Teams first, then users. Existing users keep
// their PresenceStatus; new users start inactive.
func (f *RosterFactory) Import(ctx context.Context, roster *Roster, users attendance.UserStore, teams attendance.TeamStore) (ImportResult, error) {
	var result ImportResult

	for _, t := range roster.Teams {
		if err := teams.SaveTeam(ctx, t); err != nil {
			return result, attendance.Unavailable("save team", err)
		}
		result.Teams++
	}

	for _, u := range roster.Users {
		// Only used for the counts; the store keeps an existing user's status.
		existing, err := users.GetUser(ctx, u.ID)
		if err != nil {
			return result, attendance.Unavailable("get user", err)
		}
		u.PresenceStatus = attendance.PresenceInactive
		if err := users.SaveUser(ctx, u); err != nil {
			return result, attendance.Unavailable("save user", err)
		}
		if existing != nil {
			result.UsersUpdated++
		} else {
			result.UsersCreated++
		}
	}

	return result, nil
}

func parseRole(s string) attendance.Role {
	if s == string(attendance.RoleAdmin) {
		return attendance.RoleAdmin
	}
	return attendance.RoleUser
}
