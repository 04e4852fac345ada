/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of package attendance using
  SQLite. The same schema ports to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  attendance.Store:         Date-partitioned event log
  attendance.UserStore:     Users and their presence status
  attendance.TeamStore:     Teams
  attendance.CacheStore:    Monthly cache entries (tombstoned)
  attendance.CallLogStore:  Forced-checkout call log
  attendance.SettingsStore: CronSettings
  attendance.LinkStore:     Card-link requests
  attendance.LegacyStore:   Flat pre-partitioning log

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on events or call_logs
  - No DELETE statements on events or call_logs (Reset aside)
  - monthly_cache rows are tombstoned, never deleted

KEY TABLES:
  events:        Immutable log, partitioned by date_key
  users, teams:  Reference data
  monthly_cache: One row per (year, month), aggregates as JSON
  call_logs:     One row per call-log entry, insertion ordered
  settings:      Key/value JSON documents
  link_requests: Card-link handshake state
  legacy_events: The flat log migration reads from

INDEXES:
  - idx_events_partition_user: Guard counts and per-user partition reads
  - idx_events_partition_ts:   Newest-first partition reads (hot path)
  - idx_users_card:            Kiosk card lookup

TIMESTAMPS:
  Event timestamps are stored as unix nanoseconds so ordering inside a
  partition is exact. Reference data uses RFC3339Nano text.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Guards are checked inside the same
  SQL transaction that writes the batch.

USAGE:
  store, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  eventLog := attendance.NewEventLog(store, clock)

SEE ALSO:
  - ../../attendance/store.go: Interface definitions
  - ../../attendance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/attendance-engine/attendance"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only, partitioned by business date)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		card_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		date_key TEXT NOT NULL,
		migrated_at INTEGER,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_partition_user
		ON events(date_key, user_id);
	CREATE INDEX IF NOT EXISTS idx_events_partition_ts
		ON events(date_key, ts DESC, id DESC);

	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		card_id TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL DEFAULT '',
		grade_cohort INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT 'user',
		presence_status TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_card
		ON users(card_id) WHERE card_id != '';

	-- Teams
	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	-- Monthly cache (tombstoned, never deleted)
	CREATE TABLE IF NOT EXISTS monthly_cache (
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		aggregates_json TEXT NOT NULL,
		source_event_count INTEGER NOT NULL,
		source_content_hash TEXT NOT NULL,
		computed_at TEXT NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TEXT,
		PRIMARY KEY (year, month)
	);

	-- Forced-checkout call log (append-only)
	CREATE TABLE IF NOT EXISTS call_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		invocation_id TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL,
		result_json TEXT,
		message TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_call_logs_invocation
		ON call_logs(invocation_id);

	-- Settings (key/value JSON documents)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Card-link requests
	CREATE TABLE IF NOT EXISTS link_requests (
		token TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Legacy flat log (read by migration)
	CREATE TABLE IF NOT EXISTS legacy_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		card_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		timestamp_json TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// EVENT STORE (attendance.Store interface)
// =============================================================================

// Append adds one event to the log.
func (s *Store) Append(ctx context.Context, ev attendance.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendEvent(ctx, s.db, ev)
}

func (s *Store) appendEvent(ctx context.Context, db execer, ev attendance.Event) error {
	query := `
		INSERT INTO events (id, user_id, card_id, type, ts, date_key, migrated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var migratedAt sql.NullInt64
	if ev.MigratedAt != nil {
		migratedAt = sql.NullInt64{Int64: ev.MigratedAt.UnixNano(), Valid: true}
	}

	_, err := db.ExecContext(ctx, query,
		ev.ID, ev.UserID, ev.CardID, ev.Type,
		ev.Timestamp.UnixNano(), ev.DateKey, migratedAt,
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", attendance.ErrDuplicateEvent, ev.ID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// AppendBatch checks guards, then writes events and presence updates in one
// SQL transaction.
func (s *Store) AppendBatch(ctx context.Context, b attendance.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, g := range b.Guards {
		var got int
		err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM events WHERE date_key = ? AND user_id = ?",
			g.DateKey, g.UserID,
		).Scan(&got)
		if err != nil {
			return fmt.Errorf("failed to check guard: %w", err)
		}
		if got != g.ExpectedCount {
			return fmt.Errorf("%w: user %s on %s has %d events, expected %d",
				attendance.ErrConcurrentModification, g.UserID, g.DateKey, got, g.ExpectedCount)
		}
	}

	for _, ev := range b.Events {
		if err := s.appendEvent(ctx, sqlTx, ev); err != nil {
			return err
		}
	}

	now := formatTime(time.Now())
	for _, p := range b.Presence {
		res, err := sqlTx.ExecContext(ctx,
			"UPDATE users SET presence_status = ?, updated_at = ? WHERE id = ?",
			p.Status, now, p.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to update presence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("presence update for %s: %w", p.UserID, attendance.ErrUserNotFound)
		}
	}

	return sqlTx.Commit()
}

// LoadPartition returns one day's events, newest first.
func (s *Store) LoadPartition(ctx context.Context, key attendance.DateKey, filter attendance.PartitionFilter) ([]attendance.Event, error) {
	if len(filter.UserIDs) > attendance.MaxInFilter {
		return nil, attendance.ErrFilterTooLarge
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, card_id, type, ts, date_key, migrated_at
		FROM events
		WHERE date_key = ?`
	args := []any{key}

	if len(filter.UserIDs) > 0 {
		query += " AND user_id IN (" + placeholders(len(filter.UserIDs)) + ")"
		for _, id := range filter.UserIDs {
			args = append(args, id)
		}
	}
	if len(filter.Types) > 0 {
		query += " AND type IN (" + placeholders(len(filter.Types)) + ")"
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	query += " ORDER BY ts DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []attendance.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (attendance.Event, error) {
	var (
		ev         attendance.Event
		ts         int64
		migratedAt sql.NullInt64
	)

	err := rows.Scan(&ev.ID, &ev.UserID, &ev.CardID, &ev.Type, &ts, &ev.DateKey, &migratedAt)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Timestamp = time.Unix(0, ts).UTC()
	if migratedAt.Valid {
		t := time.Unix(0, migratedAt.Int64).UTC()
		ev.MigratedAt = &t
	}
	return ev, nil
}

// SummarizePartition counts a day's events without loading them.
func (s *Store) SummarizePartition(ctx context.Context, key attendance.DateKey) (attendance.PartitionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := attendance.PartitionSummary{DateKey: key}
	var latest sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0),
		       MAX(ts)
		FROM events WHERE date_key = ?`,
		attendance.EventEntry, key,
	).Scan(&summary.Total, &summary.Entries, &latest)
	if err != nil {
		return summary, fmt.Errorf("failed to summarize partition: %w", err)
	}

	if latest.Valid {
		summary.Latest = time.Unix(0, latest.Int64).UTC()
	}
	return summary, nil
}

// Exists checks if an event ID is already in the log.
func (s *Store) Exists(ctx context.Context, id attendance.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE id = ?",
		id,
	).Scan(&count)

	return count > 0, err
}

// EventCount returns the number of stored events.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = "id, display_name, card_id, team_id, grade_cohort, role, presence_status"

// SaveUser upserts a user. PresenceStatus is only written on insert; an
// existing row keeps its status, which changes only through AppendBatch.
func (s *Store) SaveUser(ctx context.Context, u attendance.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO users (id, display_name, card_id, team_id, grade_cohort, role, presence_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			card_id = excluded.card_id,
			team_id = excluded.team_id,
			grade_cohort = excluded.grade_cohort,
			role = excluded.role,
			updated_at = excluded.updated_at
	`

	role := u.Role
	if role == "" {
		role = attendance.RoleUser
	}
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.DisplayName, u.CardID, u.TeamID, u.GradeCohort, role, u.PresenceStatus,
		formatTime(time.Now()),
	)
	return err
}

// GetUser retrieves a user by ID, or nil.
func (s *Store) GetUser(ctx context.Context, id attendance.UserID) (*attendance.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getUser(ctx, s.db, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

// FindUserByCard retrieves the user holding a card, or nil.
func (s *Store) FindUserByCard(ctx context.Context, card attendance.CardID) (*attendance.User, error) {
	if card == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return getUser(ctx, s.db, "SELECT "+userColumns+" FROM users WHERE card_id = ? ORDER BY id LIMIT 1", card)
}

func getUser(ctx context.Context, db queryer, query string, arg any) (*attendance.User, error) {
	var u attendance.User
	err := db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.DisplayName, &u.CardID, &u.TeamID, &u.GradeCohort, &u.Role, &u.PresenceStatus,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]attendance.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []attendance.User{}
	for rows.Next() {
		var u attendance.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CardID, &u.TeamID, &u.GradeCohort, &u.Role, &u.PresenceStatus); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// TEAM STORE
// =============================================================================

// SaveTeam upserts a team.
func (s *Store) SaveTeam(ctx context.Context, t attendance.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		t.ID, t.Name,
	)
	return err
}

// ListTeams returns all teams ordered by ID.
func (s *Store) ListTeams(ctx context.Context) ([]attendance.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM teams ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := []attendance.Team{}
	for rows.Next() {
		var t attendance.Team
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// =============================================================================
// MONTHLY CACHE STORE
// =============================================================================

// GetMonthly retrieves the entry for a month, tombstoned or not, or nil.
func (s *Store) GetMonthly(ctx context.Context, year int, month time.Month) (*attendance.MonthlyCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry          attendance.MonthlyCacheEntry
		monthNum       int
		aggregatesJSON string
		computedAt     string
		deletedAt      sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT year, month, aggregates_json, source_event_count, source_content_hash,
		       computed_at, deleted, deleted_at
		FROM monthly_cache WHERE year = ? AND month = ?`,
		year, int(month),
	).Scan(&entry.Year, &monthNum, &aggregatesJSON, &entry.SourceEventCount,
		&entry.SourceContentHash, &computedAt, &entry.Deleted, &deletedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Month = time.Month(monthNum)
	if err := sonic.UnmarshalString(aggregatesJSON, &entry.DailyAggregates); err != nil {
		return nil, fmt.Errorf("failed to decode monthly cache %d-%02d: %w", year, month, err)
	}
	entry.ComputedAt = parseTime(computedAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		entry.DeletedAt = &t
	}
	return &entry, nil
}

// SaveMonthly upserts an entry and clears any tombstone.
func (s *Store) SaveMonthly(ctx context.Context, entry attendance.MonthlyCacheEntry) error {
	aggregatesJSON, err := sonic.MarshalString(entry.DailyAggregates)
	if err != nil {
		return fmt.Errorf("failed to encode monthly cache: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO monthly_cache (year, month, aggregates_json, source_event_count,
		                           source_content_hash, computed_at, deleted, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, NULL)
		ON CONFLICT(year, month) DO UPDATE SET
			aggregates_json = excluded.aggregates_json,
			source_event_count = excluded.source_event_count,
			source_content_hash = excluded.source_content_hash,
			computed_at = excluded.computed_at,
			deleted = FALSE,
			deleted_at = NULL
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.Year, int(entry.Month), aggregatesJSON, entry.SourceEventCount,
		entry.SourceContentHash, formatTime(entry.ComputedAt),
	)
	return err
}

// TombstoneMonthly marks an entry deleted. A missing entry is not an error.
func (s *Store) TombstoneMonthly(ctx context.Context, year int, month time.Month, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE monthly_cache SET deleted = TRUE, deleted_at = ? WHERE year = ? AND month = ?",
		formatTime(at), year, int(month),
	)
	return err
}

// =============================================================================
// CALL LOG STORE
// =============================================================================

// AppendCallLog adds one entry. Append-only.
func (s *Store) AppendCallLog(ctx context.Context, entry attendance.CallLog) error {
	var resultJSON sql.NullString
	if entry.Result != nil {
		encoded, err := sonic.MarshalString(entry.Result)
		if err != nil {
			return fmt.Errorf("failed to encode call result: %w", err)
		}
		resultJSON = sql.NullString{String: encoded, Valid: true}
	}

	var finishedAt sql.NullString
	if entry.FinishedAt != nil {
		finishedAt = sql.NullString{String: formatTime(*entry.FinishedAt), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, invocation_id, trigger_source, status, result_json, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InvocationID, entry.Trigger, entry.Status, resultJSON, entry.Message,
		formatTime(entry.StartedAt), finishedAt,
	)
	return err
}

// ListCallLogs returns the newest entries first. limit <= 0 returns all.
func (s *Store) ListCallLogs(ctx context.Context, limit int) ([]attendance.CallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, invocation_id, trigger_source, status, result_json, message, started_at, finished_at
		FROM call_logs ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []attendance.CallLog
	for rows.Next() {
		var (
			entry      attendance.CallLog
			resultJSON sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.InvocationID, &entry.Trigger, &entry.Status,
			&resultJSON, &entry.Message, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if resultJSON.Valid {
			var result attendance.CheckoutResult
			if err := sonic.UnmarshalString(resultJSON.String, &result); err != nil {
				return nil, fmt.Errorf("failed to decode call result %s: %w", entry.ID, err)
			}
			entry.Result = &result
		}
		entry.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			t := parseTime(finishedAt.String)
			entry.FinishedAt = &t
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// =============================================================================
// SETTINGS STORE
// =============================================================================

const cronSettingsKey = "cron_settings"

// GetCronSettings returns the saved settings, or nil.
func (s *Store) GetCronSettings(ctx context.Context) (*attendance.CronSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value_json FROM settings WHERE key = ?", cronSettingsKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings attendance.CronSettings
	if err := sonic.UnmarshalString(value, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode cron settings: %w", err)
	}
	return &settings, nil
}

// SaveCronSettings upserts the settings document.
func (s *Store) SaveCronSettings(ctx context.Context, settings attendance.CronSettings) error {
	value, err := sonic.MarshalString(settings)
	if err != nil {
		return fmt.Errorf("failed to encode cron settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at`,
		cronSettingsKey, value, formatTime(time.Now()),
	)
	return err
}

// =============================================================================
// LINK STORE
// =============================================================================

// SaveLinkRequest upserts a link request.
func (s *Store) SaveLinkRequest(ctx context.Context, r attendance.LinkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_requests (token, status, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		r.Token, r.Status, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return err
}

// GetLinkRequest retrieves a link request, or nil.
func (s *Store) GetLinkRequest(ctx context.Context, token string) (*attendance.LinkRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                    attendance.LinkRequest
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, status, created_at, updated_at FROM link_requests WHERE token = ?",
		token,
	).Scan(&r.Token, &r.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// LEGACY STORE
// =============================================================================

// AddLegacyRecord seeds the flat legacy log. The timestamp keeps its JSON
// shape: strings stay strings, numbers come back as float64, objects as maps.
func (s *Store) AddLegacyRecord(ctx context.Context, r attendance.LegacyRecord) error {
	ts, err := sonic.MarshalString(r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to encode legacy timestamp %s: %w", r.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO legacy_events (id, user_id, card_id, type, timestamp_json) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.UserID, r.CardID, r.Type, ts,
	)
	return err
}

// LoadLegacyRecords returns the legacy log in insertion order.
func (s *Store) LoadLegacyRecords(ctx context.Context) ([]attendance.LegacyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, card_id, type, timestamp_json FROM legacy_events ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []attendance.LegacyRecord
	for rows.Next() {
		var (
			r  attendance.LegacyRecord
			ts string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.CardID, &r.Type, &ts); err != nil {
			return nil, err
		}
		if err := sonic.UnmarshalString(ts, &r.Timestamp); err != nil {
			// Leave it undecodable; migration reports it as a failed record
			r.Timestamp = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"events", "users", "teams", "monthly_cache", "call_logs", "settings", "link_requests", "legacy_events"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
