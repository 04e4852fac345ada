/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Attendance:
    CheckinRequest, CheckinResponse, EventDTO

  Reference data:
    UserDTO, TeamDTO

  Stats:
    MonthlyStatsDTO, CacheStateDTO

  Forced checkout:
    CallLogDTO, SchedulerDTO

  Card linking:
    CreateLinkRequest, UpdateLinkStatusRequest, LinkRequestDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator struct tags; handlers call
  decodeAndValidate before touching the domain.

SEE ALSO:
  - handlers.go: Uses these types
  - ../factory/roster.go: RosterJSON type
*/
package api

import (
	"sort"
	"time"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/checkin"
	"github.com/warp/attendance-engine/monthly"
	"github.com/warp/attendance-engine/presence"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CheckinRequest is one card tap from a kiosk.
type CheckinRequest struct {
	CardID string `json:"card_id" validate:"required,max=64"`
}

// CheckinResponse is what the kiosk displays.
type CheckinResponse struct {
	Status     checkin.Status `json:"status"`
	Message    string         `json:"message"`
	SubMessage string         `json:"sub_message,omitempty"`
	Event      *EventDTO      `json:"event,omitempty"`
	User       *UserDTO       `json:"user,omitempty"`
}

// EventDTO represents an attendance event. Timestamps are RFC3339 in the
// business timezone.
type EventDTO struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	CardID     string  `json:"card_id"`
	Type       string  `json:"type"`
	Timestamp  string  `json:"timestamp"`
	DateKey    string  `json:"date_key"`
	MigratedAt *string `json:"migrated_at,omitempty"`
}

// UserDTO represents a club member.
type UserDTO struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	CardID         string `json:"card_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
	GradeCohort    int    `json:"grade_cohort"`
	Role           string `json:"role"`
	PresenceStatus string `json:"presence_status"`
}

// TeamDTO represents a team.
type TeamDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MonthlyStatsDTO is one month of daily aggregates, oldest day first.
type MonthlyStatsDTO struct {
	Year    int                         `json:"year"`
	Month   int                         `json:"month"`
	Days    []attendance.DailyAggregate `json:"days"`
	Summary presence.MonthSummary       `json:"summary"`
}

// CacheStateDTO reports the cache state of a month.
type CacheStateDTO struct {
	Year        int                 `json:"year"`
	Month       int                 `json:"month"`
	State       monthly.CacheState  `json:"state"`
	Fingerprint monthly.Fingerprint `json:"fingerprint"`
}

// CallLogDTO represents one forced-checkout call-log entry.
type CallLogDTO struct {
	ID           string                     `json:"id"`
	InvocationID string                     `json:"invocation_id"`
	Trigger      string                     `json:"trigger"`
	Status       string                     `json:"status"`
	Result       *attendance.CheckoutResult `json:"result,omitempty"`
	Message      string                     `json:"message,omitempty"`
	StartedAt    string                     `json:"started_at"`
	FinishedAt   *string                    `json:"finished_at,omitempty"`
}

// SchedulerDTO reports the forced-checkout scheduler.
type SchedulerDTO struct {
	Enabled  bool                    `json:"enabled"`
	Spec     string                  `json:"spec"`
	NextRun  *string                 `json:"next_run,omitempty"`
	Settings attendance.CronSettings `json:"settings"`
}

// CreateLinkRequest starts a card-link handshake. Token is generated if empty.
type CreateLinkRequest struct {
	Token string `json:"token" validate:"omitempty,max=128"`
}

// UpdateLinkStatusRequest moves a link request to a new status.
type UpdateLinkStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=waiting opened linked done"`
}

// LinkRequestDTO represents a card-link request.
type LinkRequestDTO struct {
	Token     string `json:"token"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func (h *Handler) toEventDTO(ev attendance.Event) EventDTO {
	dto := EventDTO{
		ID:        string(ev.ID),
		UserID:    string(ev.UserID),
		CardID:    string(ev.CardID),
		Type:      string(ev.Type),
		Timestamp: h.Clock.In(ev.Timestamp).Format(time.RFC3339Nano),
		DateKey:   string(ev.DateKey),
	}
	if ev.MigratedAt != nil {
		s := h.Clock.In(*ev.MigratedAt).Format(time.RFC3339)
		dto.MigratedAt = &s
	}
	return dto
}

func toUserDTO(u attendance.User) UserDTO {
	return UserDTO{
		ID:             string(u.ID),
		DisplayName:    u.DisplayName,
		CardID:         string(u.CardID),
		TeamID:         string(u.TeamID),
		GradeCohort:    u.GradeCohort,
		Role:           string(u.Role),
		PresenceStatus: string(u.PresenceStatus),
	}
}

func (h *Handler) toCallLogDTO(entry attendance.CallLog) CallLogDTO {
	dto := CallLogDTO{
		ID:           entry.ID,
		InvocationID: entry.InvocationID,
		Trigger:      entry.Trigger,
		Status:       string(entry.Status),
		Result:       entry.Result,
		Message:      entry.Message,
		StartedAt:    h.Clock.In(entry.StartedAt).Format(time.RFC3339),
	}
	if entry.FinishedAt != nil {
		s := h.Clock.In(*entry.FinishedAt).Format(time.RFC3339)
		dto.FinishedAt = &s
	}
	return dto
}

func (h *Handler) toLinkDTO(r attendance.LinkRequest) LinkRequestDTO {
	return LinkRequestDTO{
		Token:     r.Token,
		Status:    string(r.Status),
		CreatedAt: h.Clock.In(r.CreatedAt).Format(time.RFC3339),
		UpdatedAt: h.Clock.In(r.UpdatedAt).Format(time.RFC3339),
	}
}

func toMonthlyStatsDTO(year int, month time.Month, days map[attendance.DateKey]attendance.DailyAggregate) MonthlyStatsDTO {
	dto := MonthlyStatsDTO{
		Year:    year,
		Month:   int(month),
		Days:    make([]attendance.DailyAggregate, 0, len(days)),
		Summary: presence.Summarize(days),
	}
	for _, agg := range days {
		dto.Days = append(dto.Days, agg)
	}
	sort.Slice(dto.Days, func(i, j int) bool { return dto.Days[i].DateKey < dto.Days[j].DateKey })
	return dto
}
