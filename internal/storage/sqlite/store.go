// Package sqlite is the single-node RSVP store. Write transactions begin
// IMMEDIATE so concurrent admissions serialise on the database write lock; a
// lock that cannot be taken within the busy timeout surfaces as
// domain.ErrConflict.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/storage/sqlite/migrations"
)

type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return domain.Conflict(err)
		}
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		if isBusy(err) {
			return domain.Conflict(err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return domain.Conflict(err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PutEvent creates or replaces an event.
func (s *Store) PutEvent(ctx context.Context, e domain.Event) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
INSERT INTO events (id, title, max_capacity, current_rsvps) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = excluded.title,
	max_capacity = excluded.max_capacity,
	current_rsvps = excluded.current_rsvps`,
		e.ID, e.Title, nullInt(e.MaxCapacity), e.CurrentRSVPs,
	)
	if err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

// GetEventForUpdate reads the event. The IMMEDIATE transaction already holds
// the write lock, so no row lock is needed.
func (s *Store) GetEventForUpdate(ctx context.Context, eventID string) (domain.Event, error) {
	var (
		e      domain.Event
		maxCap sql.NullInt64
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, title, max_capacity, current_rsvps FROM events WHERE id = ?`, eventID,
	).Scan(&e.ID, &e.Title, &maxCap, &e.CurrentRSVPs)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	if maxCap.Valid {
		v := int(maxCap.Int64)
		e.MaxCapacity = &v
	}
	return e, nil
}

func (s *Store) FindRSVPBySubmitter(ctx context.Context, eventID, submitterID string) (*domain.RSVP, error) {
	row := s.conn(ctx).QueryRowContext(ctx, selectRSVP+` WHERE event_id = ? AND submitter_id = ?`, eventID, submitterID)
	rsvp, err := scanRSVP(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find rsvp by submitter: %w", err)
	}
	return &rsvp, nil
}

func (s *Store) CreateRSVP(ctx context.Context, rsvp domain.RSVP) error {
	attendees, err := json.Marshal(rsvp.Attendees)
	if err != nil {
		return fmt.Errorf("encode attendees: %w", err)
	}
	var submittedAt sql.NullInt64
	if rsvp.SubmittedAt != nil {
		submittedAt = sql.NullInt64{Int64: rsvp.SubmittedAt.UTC().UnixMilli(), Valid: true}
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
INSERT INTO rsvps (
	id, event_id, submitter_id, submitter_email, family_name, email, phone, attendees,
	dietary_restrictions, special_needs, notes, ip_hash, user_agent, submitted_at, status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rsvp.ID,
		rsvp.EventID,
		rsvp.SubmitterID,
		rsvp.SubmitterEmail,
		rsvp.FamilyName,
		rsvp.Email,
		rsvp.Phone,
		string(attendees),
		rsvp.DietaryRestrictions,
		rsvp.SpecialNeeds,
		rsvp.Notes,
		rsvp.IPHash,
		rsvp.UserAgent,
		submittedAt,
		string(rsvp.Status),
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return domain.ErrAlreadyRSVPed
		case isForeignKeyViolation(err):
			return domain.ErrEventNotFound
		case isBusy(err):
			return domain.Conflict(err)
		}
		return fmt.Errorf("create rsvp: %w", err)
	}
	return nil
}

func (s *Store) AddEventRSVPs(ctx context.Context, eventID string, delta int) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE events SET current_rsvps = current_rsvps + ? WHERE id = ?`, delta, eventID,
	)
	if err != nil {
		if isCheckViolation(err) {
			return domain.CapacityExceeded(0)
		}
		return fmt.Errorf("update event rsvps: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event rsvps: %w", err)
	}
	if n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s *Store) IncrementEventStats(ctx context.Context, eventID string, attendees int, at time.Time) (domain.EventStats, error) {
	var (
		st          domain.EventStats
		lastUpdated int64
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
INSERT INTO event_stats (event_id, rsvp_count, attendee_count, last_updated)
VALUES (?, 1, ?, ?)
ON CONFLICT (event_id) DO UPDATE SET
	rsvp_count = event_stats.rsvp_count + 1,
	attendee_count = event_stats.attendee_count + excluded.attendee_count,
	last_updated = excluded.last_updated
RETURNING event_id, rsvp_count, attendee_count, last_updated`,
		eventID, attendees, at.UTC().UnixMilli(),
	).Scan(&st.EventID, &st.RSVPCount, &st.AttendeeCount, &lastUpdated)
	if err != nil {
		return domain.EventStats{}, fmt.Errorf("upsert event stats: %w", err)
	}
	st.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	return st, nil
}

// ListRSVPsByEvent returns the event's RSVPs in storage order. Callers sort.
func (s *Store) ListRSVPsByEvent(ctx context.Context, eventID string) ([]domain.RSVP, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, selectRSVP+` WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list rsvps: %w", err)
	}
	defer rows.Close()

	var rsvps []domain.RSVP
	for rows.Next() {
		rsvp, err := scanRSVP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rsvp: %w", err)
		}
		rsvps = append(rsvps, rsvp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rsvps: %w", err)
	}
	return rsvps, nil
}

// Record writes an analytics record; duplicates by id are ignored.
func (s *Store) Record(ctx context.Context, rec domain.AnalyticsRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO analytics (id, type, event_id, attendee_count, rsvp_count, duration_ms, ip_hash, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Type,
		rec.EventID,
		rec.AttendeeCount,
		rec.RSVPCount,
		rec.Duration.Milliseconds(),
		rec.IPHash,
		rec.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

const selectRSVP = `
SELECT id, event_id, submitter_id, submitter_email, family_name, email, phone, attendees,
	dietary_restrictions, special_needs, notes, ip_hash, user_agent, submitted_at, status
FROM rsvps`

type scanner interface {
	Scan(dest ...any) error
}

func scanRSVP(row scanner) (domain.RSVP, error) {
	var (
		rsvp        domain.RSVP
		attendees   string
		submittedAt sql.NullInt64
		status      string
	)
	err := row.Scan(
		&rsvp.ID,
		&rsvp.EventID,
		&rsvp.SubmitterID,
		&rsvp.SubmitterEmail,
		&rsvp.FamilyName,
		&rsvp.Email,
		&rsvp.Phone,
		&attendees,
		&rsvp.DietaryRestrictions,
		&rsvp.SpecialNeeds,
		&rsvp.Notes,
		&rsvp.IPHash,
		&rsvp.UserAgent,
		&submittedAt,
		&status,
	)
	if err != nil {
		return domain.RSVP{}, err
	}
	if err := json.Unmarshal([]byte(attendees), &rsvp.Attendees); err != nil {
		return domain.RSVP{}, fmt.Errorf("decode attendees: %w", err)
	}
	if submittedAt.Valid {
		at := time.UnixMilli(submittedAt.Int64).UTC()
		rsvp.SubmittedAt = &at
	}
	rsvp.Status = domain.RSVPStatus(status)
	return rsvp, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func sqliteCode(err error) (int, bool) {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code(), true
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func isForeignKeyViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}

func isCheckViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3lib.SQLITE_CONSTRAINT_CHECK
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED including their extended codes.
func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	primary := code & 0xff
	return primary == sqlite3lib.SQLITE_BUSY || primary == sqlite3lib.SQLITE_LOCKED
}
