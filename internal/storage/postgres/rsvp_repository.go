package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

// RSVPRepository stores events, RSVPs and per-event stats.
type RSVPRepository struct {
	pool *pgxpool.Pool
}

func NewRSVPRepository(pool *pgxpool.Pool) *RSVPRepository {
	return &RSVPRepository{pool: pool}
}

func (r *RSVPRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *RSVPRepository) GetEventForUpdate(ctx context.Context, eventID string) (domain.Event, error) {
	const query = `SELECT id, title, max_capacity, current_rsvps FROM events WHERE id = $1 FOR UPDATE`
	var e domain.Event
	err := conn(ctx, r.pool).QueryRow(ctx, query, eventID).Scan(&e.ID, &e.Title, &e.MaxCapacity, &e.CurrentRSVPs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func (r *RSVPRepository) FindRSVPBySubmitter(ctx context.Context, eventID, submitterID string) (*domain.RSVP, error) {
	query := selectRSVP + ` WHERE event_id = $1 AND submitter_id = $2`
	rsvp, err := scanRSVP(conn(ctx, r.pool).QueryRow(ctx, query, eventID, submitterID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find rsvp by submitter: %w", err)
	}
	return &rsvp, nil
}

func (r *RSVPRepository) CreateRSVP(ctx context.Context, rsvp domain.RSVP) error {
	const stmt = `
INSERT INTO rsvps (
	id, event_id, submitter_id, submitter_email, family_name, email, phone, attendees,
	dietary_restrictions, special_needs, notes, ip_hash, user_agent, submitted_at, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	attendees, err := json.Marshal(rsvp.Attendees)
	if err != nil {
		return fmt.Errorf("encode attendees: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, stmt,
		rsvp.ID,
		rsvp.EventID,
		rsvp.SubmitterID,
		nullString(rsvp.SubmitterEmail),
		rsvp.FamilyName,
		rsvp.Email,
		nullString(rsvp.Phone),
		attendees,
		nullString(rsvp.DietaryRestrictions),
		nullString(rsvp.SpecialNeeds),
		nullString(rsvp.Notes),
		nullString(rsvp.IPHash),
		nullString(rsvp.UserAgent),
		rsvp.SubmittedAt,
		string(rsvp.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyRSVPed
		}
		if isForeignKeyViolation(err) {
			return domain.ErrEventNotFound
		}
		return fmt.Errorf("create rsvp: %w", err)
	}
	return nil
}

func (r *RSVPRepository) AddEventRSVPs(ctx context.Context, eventID string, delta int) error {
	const stmt = `UPDATE events SET current_rsvps = current_rsvps + $2 WHERE id = $1`

	tag, err := conn(ctx, r.pool).Exec(ctx, stmt, eventID, delta)
	if err != nil {
		if isCheckViolation(err) {
			return domain.CapacityExceeded(0)
		}
		return fmt.Errorf("update event rsvps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *RSVPRepository) IncrementEventStats(ctx context.Context, eventID string, attendees int, at time.Time) (domain.EventStats, error) {
	const stmt = `
INSERT INTO event_stats (event_id, rsvp_count, attendee_count, last_updated)
VALUES ($1, 1, $2, $3)
ON CONFLICT (event_id) DO UPDATE SET
	rsvp_count = event_stats.rsvp_count + 1,
	attendee_count = event_stats.attendee_count + EXCLUDED.attendee_count,
	last_updated = EXCLUDED.last_updated
RETURNING event_id, rsvp_count, attendee_count, last_updated`

	var s domain.EventStats
	err := conn(ctx, r.pool).QueryRow(ctx, stmt, eventID, attendees, at).Scan(&s.EventID, &s.RSVPCount, &s.AttendeeCount, &s.LastUpdated)
	if err != nil {
		return domain.EventStats{}, fmt.Errorf("upsert event stats: %w", err)
	}
	return s, nil
}

// ListRSVPsByEvent returns the event's RSVPs in storage order. Callers sort.
func (r *RSVPRepository) ListRSVPsByEvent(ctx context.Context, eventID string) ([]domain.RSVP, error) {
	query := selectRSVP + ` WHERE event_id = $1`
	rows, err := conn(ctx, r.pool).Query(ctx, query, eventID)
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
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate rsvps: %w", rows.Err())
	}
	return rsvps, nil
}

const selectRSVP = `
SELECT id, event_id, submitter_id, submitter_email, family_name, email, phone, attendees,
	dietary_restrictions, special_needs, notes, ip_hash, user_agent, submitted_at, status
FROM rsvps`

func scanRSVP(row pgx.Row) (domain.RSVP, error) {
	var (
		rsvp                                          domain.RSVP
		submitterEmail, phone, dietary, special, note *string
		ipHash, userAgent                             *string
		attendees                                     []byte
		status                                        string
	)
	err := row.Scan(
		&rsvp.ID,
		&rsvp.EventID,
		&rsvp.SubmitterID,
		&submitterEmail,
		&rsvp.FamilyName,
		&rsvp.Email,
		&phone,
		&attendees,
		&dietary,
		&special,
		&note,
		&ipHash,
		&userAgent,
		&rsvp.SubmittedAt,
		&status,
	)
	if err != nil {
		return domain.RSVP{}, err
	}
	if err := json.Unmarshal(attendees, &rsvp.Attendees); err != nil {
		return domain.RSVP{}, fmt.Errorf("decode attendees: %w", err)
	}
	rsvp.SubmitterEmail = derefString(submitterEmail)
	rsvp.Phone = derefString(phone)
	rsvp.DietaryRestrictions = derefString(dietary)
	rsvp.SpecialNeeds = derefString(special)
	rsvp.Notes = derefString(note)
	rsvp.IPHash = derefString(ipHash)
	rsvp.UserAgent = derefString(userAgent)
	rsvp.Status = domain.RSVPStatus(status)
	if rsvp.SubmittedAt != nil {
		utc := rsvp.SubmittedAt.UTC()
		rsvp.SubmittedAt = &utc
	}
	return rsvp, nil
}
