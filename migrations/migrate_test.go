package migrations_test

import (
	"context"
	"testing"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/testutil"
	"github.com/sfpack1703/pack-rsvp/services/api/migrations"
)

func TestApply_CreatesRSVPSchema(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS schema_migrations`); err != nil {
		t.Fatalf("drop schema_migrations: %v", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	for _, name := range []string{"0001_events_rsvps.sql", "0002_event_stats.sql", "0003_analytics.sql"} {
		var recorded bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&recorded); err != nil {
			t.Fatalf("check %s: %v", name, err)
		}
		if !recorded {
			t.Fatalf("expected %s to be recorded", name)
		}
	}
	for _, table := range []string{"events", "rsvps", "event_stats", "analytics"} {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if !exists {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestApply_IsIdempotent(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	var before int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&before); err != nil {
		t.Fatalf("count migrations: %v", err)
	}

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	var after int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&after); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if after != before {
		t.Fatalf("expected migration count unchanged, got %d vs %d", after, before)
	}
}

func TestApply_EnforcesCapacityAndUniqueness(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	testutil.TruncateAll(t, ctx, pool)

	if _, err := pool.Exec(ctx, `INSERT INTO events (id, max_capacity, current_rsvps) VALUES ('full', 2, 3)`); err == nil {
		t.Fatal("expected check constraint to reject current_rsvps above max_capacity")
	}

	if _, err := pool.Exec(ctx, `INSERT INTO events (id) VALUES ('E')`); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	insert := `INSERT INTO rsvps (id, event_id, submitter_id, family_name, email, attendees)
		VALUES ($1, 'E', 'U', 'Smith', 's@x.com', '[]'::jsonb)`
	if _, err := pool.Exec(ctx, insert, "r1"); err != nil {
		t.Fatalf("insert rsvp: %v", err)
	}
	if _, err := pool.Exec(ctx, insert, "r2"); err == nil {
		t.Fatal("expected unique (event_id, submitter_id) to reject a second rsvp")
	}
}
