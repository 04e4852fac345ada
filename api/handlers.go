/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes the attendance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the domain packages.

ENDPOINTS:
  Attendance:
    POST   /api/attendance/checkin            Record a card tap
    GET    /api/attendance/events             Events in a date range (newest first)
    GET    /api/attendance/daily/{date}       Live aggregate for one day

  Stats:
    GET    /api/stats/monthly/{year}/{month}        Cached monthly aggregates
    GET    /api/stats/monthly/{year}/{month}/state  Cache state + fingerprint

  Forced checkout:
    GET    /api/cron/force-checkout           Windowed run (external cron)
    POST   /api/admin/force-checkout          Manual run (ignores the window)
    GET    /api/admin/call-logs               Recent call-log entries
    GET    /api/admin/cron-settings           Current window
    PUT    /api/admin/cron-settings           Save window
    GET    /api/admin/scheduler               In-process scheduler status

  Admin:
    POST   /api/admin/cache/{year}/{month}/invalidate
    POST   /api/admin/migrate                 Copy the legacy log
    POST   /api/admin/roster                  Import teams and users

  Reference data:
    GET    /api/users
    GET    /api/teams

  Card linking:
    POST   /api/links
    GET    /api/links/{token}
    PUT    /api/links/{token}/status
    GET    /api/links/{token}/events          Server-sent status updates

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Database access
  - One service per domain package, all sharing the same EventLog

ERROR HANDLING:
  Domain errors are mapped by writeDomainError:
  - 400: Validation errors, unparseable input, oversized filters
  - 404: Unknown users or link tokens
  - 409: Duplicate events, concurrent modification
  - 503: Storage unavailable
  - 500: Everything else

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  Put the admin routes behind the club's reverse proxy auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/checkin"
	"github.com/warp/attendance-engine/checkout"
	"github.com/warp/attendance-engine/factory"
	"github.com/warp/attendance-engine/migration"
	"github.com/warp/attendance-engine/monthly"
	"github.com/warp/attendance-engine/presence"
	"github.com/warp/attendance-engine/store/sqlite"
)

// MaxRangeDays bounds GET /api/attendance/events. Each day is one partition read.
const MaxRangeDays = 62

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Clock     attendance.BusinessClock
	Log       *attendance.EventLog
	Checkin   *checkin.Service
	Links     *checkin.Links
	Monthly   *monthly.Manager
	Runner    *checkout.Runner
	Scheduler *checkout.Scheduler
	Migration *migration.Tool
	Roster    *factory.RosterFactory
	Now       func() time.Time

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires every service onto one store and business clock.
func NewHandler(store *sqlite.Store, clock attendance.BusinessClock) *Handler {
	eventLog := attendance.NewEventLog(store, clock)
	reconciler := checkout.NewReconciler(eventLog, store)

	return &Handler{
		Store:     store,
		Clock:     clock,
		Log:       eventLog,
		Checkin:   checkin.NewService(eventLog, store),
		Links:     checkin.NewLinks(store),
		Monthly:   monthly.NewManager(eventLog, store, store, store),
		Runner:    checkout.NewRunner(reconciler, store, store),
		Migration: migration.NewTool(eventLog, store),
		Roster:    factory.NewRosterFactory(),
		Now:       time.Now,
		validate:  validator.New(),
	}
}

// SetClock replaces the time source of every service (tests, demos).
func (h *Handler) SetClock(now func() time.Time) {
	h.Now = now
	h.Checkin.Now = now
	h.Links.Now = now
	h.Monthly.Now = now
	h.Runner.Now = now
	h.Runner.Reconciler.Now = now
	h.Migration.Now = now
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// RecordCheckin records one card tap. Unregistered cards are a 200 with
// status "unregistered"; storage failures are a 503 with the retry message.
func (h *Handler) RecordCheckin(w http.ResponseWriter, r *http.Request) {
	var req CheckinRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	out, err := h.Checkin.Record(r.Context(), attendance.CardID(req.CardID))
	resp := CheckinResponse{Status: out.Status, Message: out.Message, SubMessage: out.SubMessage}
	if out.Event != nil {
		ev := h.toEventDTO(*out.Event)
		resp.Event = &ev
	}
	if out.User != nil {
		u := toUserDTO(*out.User)
		resp.User = &u
	}

	if err != nil {
		writeJSON(w, domainStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents returns events between from and to (inclusive, default today),
// optionally for one user, newest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	today := h.Clock.DateKeyOf(h.now())
	from, ok := h.dateParam(w, r.URL.Query().Get("from"), today)
	if !ok {
		return
	}
	to, ok := h.dateParam(w, r.URL.Query().Get("to"), from)
	if !ok {
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' is before 'from'", nil)
		return
	}
	// Sub saturates, so absurd ranges still fail here before any day is listed
	if n := int64(to.Date().Sub(from.Date())/(24*time.Hour)) + 1; n > MaxRangeDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Range too large: %d days (max %d)", n, MaxRangeDays), nil)
		return
	}

	var userID *attendance.UserID
	if id := r.URL.Query().Get("user_id"); id != "" {
		uid := attendance.UserID(id)
		userID = &uid
	}

	events, err := h.Log.RangeQuery(r.Context(), userID, from, to)
	if err != nil {
		writeDomainError(w, "Failed to load events", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = h.toEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDaily computes one day's aggregate live from the partition.
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	day, ok := h.dateParam(w, chi.URLParam(r, "date"), h.Clock.DateKeyOf(h.now()))
	if !ok {
		return
	}
	ctx := r.Context()

	events, err := h.Log.Partition(ctx, day, attendance.PartitionFilter{})
	if err != nil {
		writeDomainError(w, "Failed to load events", err)
		return
	}
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		writeDomainError(w, "Failed to list users", attendance.Unavailable("list users", err))
		return
	}
	teams, err := h.Store.ListTeams(ctx)
	if err != nil {
		writeDomainError(w, "Failed to list teams", attendance.Unavailable("list teams", err))
		return
	}

	writeJSON(w, http.StatusOK, presence.Aggregate(day, events, users, teams))
}

// =============================================================================
// STATS HANDLERS
// =============================================================================

// GetMonthlyStats returns every day of a month, oldest first, plus a summary.
func (h *Handler) GetMonthlyStats(w http.ResponseWriter, r *http.Request) {
	year, month, ok := monthParams(w, r)
	if !ok {
		return
	}

	days, err := h.Monthly.GetMonthlyStats(r.Context(), year, month)
	if err != nil {
		writeDomainError(w, "Failed to compute monthly stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toMonthlyStatsDTO(year, month, days))
}

// GetCacheState reports the cache lifecycle state of a month.
func (h *Handler) GetCacheState(w http.ResponseWriter, r *http.Request) {
	year, month, ok := monthParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	state, err := h.Monthly.State(ctx, year, month)
	if err != nil {
		writeDomainError(w, "Failed to read cache state", err)
		return
	}
	fp, err := h.Monthly.Fingerprint(ctx, year, month)
	if err != nil {
		writeDomainError(w, "Failed to fingerprint month", err)
		return
	}

	writeJSON(w, http.StatusOK, CacheStateDTO{Year: year, Month: int(month), State: state, Fingerprint: fp})
}

// InvalidateCache tombstones a month's cache entry.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	year, month, ok := monthParams(w, r)
	if !ok {
		return
	}

	if err := h.Monthly.Invalidate(r.Context(), year, month); err != nil {
		writeDomainError(w, "Failed to invalidate cache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// =============================================================================
// FORCED CHECKOUT HANDLERS
// =============================================================================

// CronForceCheckout is the endpoint an external cron calls. It honors the
// CronSettings window; outside it the response is a "skipped" entry.
func (h *Handler) CronForceCheckout(w http.ResponseWriter, r *http.Request) {
	h.runCheckout(w, r, checkout.TriggerCron)
}

// ManualForceCheckout runs the sweep regardless of the window.
func (h *Handler) ManualForceCheckout(w http.ResponseWriter, r *http.Request) {
	h.runCheckout(w, r, checkout.TriggerManual)
}

func (h *Handler) runCheckout(w http.ResponseWriter, r *http.Request, trigger checkout.Trigger) {
	entry, err := h.Runner.Run(r.Context(), trigger)

	var partial *attendance.PartialBatchFailure
	if err != nil && !errors.As(err, &partial) {
		writeDomainError(w, "Forced checkout failed", err)
		return
	}
	// Partial failures still report their counts; the entry status is "error".
	writeJSON(w, http.StatusOK, h.toCallLogDTO(entry))
}

// ListCallLogs returns recent call-log entries, newest first.
func (h *Handler) ListCallLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	logs, err := h.Runner.History(r.Context(), limit)
	if err != nil {
		writeDomainError(w, "Failed to list call logs", err)
		return
	}

	dtos := make([]CallLogDTO, len(logs))
	for i, entry := range logs {
		dtos[i] = h.toCallLogDTO(entry)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCronSettings returns the effective window.
func (h *Handler) GetCronSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Runner.EffectiveSettings(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to load cron settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateCronSettings saves a new window.
func (h *Handler) UpdateCronSettings(w http.ResponseWriter, r *http.Request) {
	var req attendance.CronSettings
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.Runner.UpdateSettings(r.Context(), req); err != nil {
		writeDomainError(w, "Failed to save cron settings", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetScheduler reports the in-process scheduler.
func (h *Handler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Runner.EffectiveSettings(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to load cron settings", err)
		return
	}

	dto := SchedulerDTO{Settings: settings}
	if h.Scheduler != nil {
		dto.Enabled = h.Scheduler.Enabled
		dto.Spec = h.Scheduler.Spec
		if next := h.Scheduler.NextRun(); !next.IsZero() {
			s := h.Clock.In(next).Format(time.RFC3339)
			dto.NextRun = &s
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Migrate copies the legacy log into partitions. A run with failed records
// still returns 200 with the report; the counts say what failed.
func (h *Handler) Migrate(w http.ResponseWriter, r *http.Request) {
	report, err := h.Migration.Run(r.Context())

	var partial *attendance.PartialBatchFailure
	if err != nil && !errors.As(err, &partial) {
		writeDomainError(w, "Migration failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ImportRoster parses a roster JSON body and writes it.
func (h *Handler) ImportRoster(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	roster, err := h.Roster.ParseRoster(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid roster", err)
		return
	}

	result, err := h.Roster.Import(r.Context(), roster, h.Store, h.Store)
	if err != nil {
		writeDomainError(w, "Failed to import roster", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// ListUsers returns all users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListTeams returns all teams.
func (h *Handler) ListTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.Store.ListTeams(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list teams", err)
		return
	}

	dtos := make([]TeamDTO, len(teams))
	for i, t := range teams {
		dtos[i] = TeamDTO{ID: string(t.ID), Name: t.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CARD LINK HANDLERS
// =============================================================================

// CreateLink starts a card-link handshake.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req CreateLinkRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	link, err := h.Links.CreateLinkRequest(r.Context(), req.Token)
	if err != nil {
		writeDomainError(w, "Failed to create link request", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toLinkDTO(link))
}

// GetLink returns a link request.
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.Links.GetLinkRequest(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, "Failed to get link request", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toLinkDTO(link))
}

// UpdateLinkStatus moves a link request to any status.
func (h *Handler) UpdateLinkStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateLinkStatusRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	link, err := h.Links.UpdateLinkRequestStatus(r.Context(), chi.URLParam(r, "token"), attendance.LinkStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to update link request", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toLinkDTO(link))
}

// WatchLink streams status changes as server-sent events until the request
// reaches "done" or the client goes away.
func (h *Handler) WatchLink(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	updates := make(chan attendance.LinkRequest, 16)
	stop, err := h.Links.WatchTokenStatus(r.Context(), chi.URLParam(r, "token"), func(req attendance.LinkRequest) {
		select {
		case updates <- req:
		default:
			// Slow client; the next update carries the latest state anyway.
		}
	})
	if err != nil {
		writeDomainError(w, "Failed to watch link request", err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case req := <-updates:
			data, err := sonic.Marshal(h.toLinkDTO(req))
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
			if req.Status == attendance.LinkDone {
				return
			}
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigDefault.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status code from the error taxonomy.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, domainStatus(err), message, err)
}

func domainStatus(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case attendance.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, attendance.ErrConcurrentModification), errors.Is(err, attendance.ErrDuplicateEvent):
		return http.StatusConflict
	case attendance.IsClientError(err), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 itself and returns false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// dateParam parses "YYYY-MM-DD" or "today"; empty yields def.
func (h *Handler) dateParam(w http.ResponseWriter, s string, def attendance.DateKey) (attendance.DateKey, bool) {
	switch s {
	case "":
		return def, true
	case "today":
		return h.Clock.DateKeyOf(h.now()), true
	}
	key, err := attendance.ParseDateKey(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (expected YYYY-MM-DD)", err)
		return "", false
	}
	return key, true
}

func monthParams(w http.ResponseWriter, r *http.Request) (int, time.Month, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 2000 || year > 9999 {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return 0, 0, false
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return 0, 0, false
	}
	return year, time.Month(month), true
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}
