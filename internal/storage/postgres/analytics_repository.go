package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

// AnalyticsRepository is the Postgres audit sink.
type AnalyticsRepository struct {
	pool *pgxpool.Pool
}

func NewAnalyticsRepository(pool *pgxpool.Pool) *AnalyticsRepository {
	return &AnalyticsRepository{pool: pool}
}

// Record inserts rec. Re-recording the same id is a no-op so sink retries are safe.
func (r *AnalyticsRepository) Record(ctx context.Context, rec domain.AnalyticsRecord) error {
	const stmt = `
INSERT INTO analytics (id, type, event_id, attendee_count, rsvp_count, duration_ms, ip_hash, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`

	_, err := r.pool.Exec(ctx, stmt,
		rec.ID,
		rec.Type,
		rec.EventID,
		rec.AttendeeCount,
		rec.RSVPCount,
		rec.Duration.Milliseconds(),
		nullString(rec.IPHash),
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

func (r *AnalyticsRepository) CountByEvent(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analytics WHERE event_id = $1`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count analytics: %w", err)
	}
	return n, nil
}
