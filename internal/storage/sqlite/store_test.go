package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "rsvp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func intPtr(v int) *int { return &v }

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rsvp.db")
	for i := 0; i < 2; i++ {
		store, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		var n int
		if err := store.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
			t.Fatalf("count migrations: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 recorded migration, got %d", n)
		}
		_ = store.Close()
	}
}

func TestStore_AdmissionRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutEvent(ctx, domain.Event{ID: "ev-1", Title: "Campout", MaxCapacity: intPtr(30), CurrentRSVPs: 4}); err != nil {
		t.Fatalf("put event: %v", err)
	}

	submitted := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	adult := false
	rsvp := domain.RSVP{
		ID:          "r1",
		EventID:     "ev-1",
		SubmitterID: "u1",
		FamilyName:  "Nguyen",
		Email:       "n@example.com",
		Phone:       "555-0100",
		Attendees: []domain.Attendee{
			{Name: "Linh", Age: 38},
			{Name: "Minh", Age: 7, Den: "Tiger", IsAdult: &adult},
		},
		SpecialNeeds: "none",
		SubmittedAt:  &submitted,
		Status:       domain.RSVPStatusConfirmed,
	}

	var stats domain.EventStats
	err := store.WithTx(ctx, func(txCtx context.Context) error {
		ev, err := store.GetEventForUpdate(txCtx, "ev-1")
		if err != nil {
			return err
		}
		if ev.MaxCapacity == nil || *ev.MaxCapacity != 30 || ev.CurrentRSVPs != 4 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		existing, err := store.FindRSVPBySubmitter(txCtx, "ev-1", "u1")
		if err != nil {
			return err
		}
		if existing != nil {
			t.Fatalf("expected no rsvp, got %+v", existing)
		}
		if err := store.CreateRSVP(txCtx, rsvp); err != nil {
			return err
		}
		if err := store.AddEventRSVPs(txCtx, "ev-1", len(rsvp.Attendees)); err != nil {
			return err
		}
		stats, err = store.IncrementEventStats(txCtx, "ev-1", len(rsvp.Attendees), submitted)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if stats.RSVPCount != 1 || stats.AttendeeCount != 2 || !stats.LastUpdated.Equal(submitted) {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	ev, err := store.GetEventForUpdate(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.CurrentRSVPs != 6 {
		t.Fatalf("expected 6, got %d", ev.CurrentRSVPs)
	}

	list, err := store.ListRSVPsByEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 rsvp, got %d", len(list))
	}
	got := list[0]
	if got.FamilyName != "Nguyen" || got.Phone != "555-0100" || got.SpecialNeeds != "none" {
		t.Fatalf("unexpected rsvp: %+v", got)
	}
	if len(got.Attendees) != 2 || got.Attendees[1].Den != "Tiger" || got.Attendees[1].IsAdult == nil || *got.Attendees[1].IsAdult {
		t.Fatalf("attendees not preserved: %+v", got.Attendees)
	}
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(submitted) {
		t.Fatalf("submittedAt mismatch: %v", got.SubmittedAt)
	}
}

func TestStore_RollbackOnError(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutEvent(ctx, domain.Event{ID: "ev-1"}); err != nil {
		t.Fatalf("put event: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(txCtx context.Context) error {
		if err := store.AddEventRSVPs(txCtx, "ev-1", 3); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	ev, _ := store.GetEventForUpdate(ctx, "ev-1")
	if ev.CurrentRSVPs != 0 {
		t.Fatalf("expected rollback, got %d", ev.CurrentRSVPs)
	}
}

func TestStore_ErrorMapping(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutEvent(ctx, domain.Event{ID: "ev-1", MaxCapacity: intPtr(2)}); err != nil {
		t.Fatalf("put event: %v", err)
	}

	base := domain.RSVP{ID: "r1", EventID: "ev-1", SubmitterID: "u1", FamilyName: "A", Email: "a@example.com", Status: domain.RSVPStatusConfirmed}
	if err := store.CreateRSVP(ctx, base); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := base
	dup.ID = "r2"
	if err := store.CreateRSVP(ctx, dup); err != domain.ErrAlreadyRSVPed {
		t.Fatalf("expected ErrAlreadyRSVPed, got %v", err)
	}

	orphan := base
	orphan.ID = "r3"
	orphan.EventID = "missing"
	if err := store.CreateRSVP(ctx, orphan); err != domain.ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	if _, err := store.GetEventForUpdate(ctx, "missing"); err != domain.ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if err := store.AddEventRSVPs(ctx, "missing", 1); err != domain.ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if err := store.AddEventRSVPs(ctx, "ev-1", 3); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestStore_ConcurrentTransactionsSerialise(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	if err := store.PutEvent(ctx, domain.Event{ID: "ev-1"}); err != nil {
		t.Fatalf("put event: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.WithTx(ctx, func(txCtx context.Context) error {
				if _, err := store.GetEventForUpdate(txCtx, "ev-1"); err != nil {
					return err
				}
				return store.AddEventRSVPs(txCtx, "ev-1", 1)
			})
		}()
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, domain.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	ev, _ := store.GetEventForUpdate(ctx, "ev-1")
	if ev.CurrentRSVPs != committed {
		t.Fatalf("expected %d, got %d", committed, ev.CurrentRSVPs)
	}
}

func TestStore_RecordAnalytics(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	rec := domain.AnalyticsRecord{
		ID:            "a1",
		Type:          domain.AnalyticsTypeRSVPSubmission,
		EventID:       "ev-1",
		AttendeeCount: 2,
		RSVPCount:     1,
		Duration:      40 * time.Millisecond,
		RecordedAt:    time.Now(),
	}
	for i := 0; i < 2; i++ {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	var n int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM analytics WHERE event_id = ?`, "ev-1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}
