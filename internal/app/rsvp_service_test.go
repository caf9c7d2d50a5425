package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/clock"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/ratelimit"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/storage/memory"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/validate"
)

var now = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type recordingAudit struct {
	mu      sync.Mutex
	records []domain.AnalyticsRecord
}

func (a *recordingAudit) Emit(rec domain.AnalyticsRecord) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return true
}

func (a *recordingAudit) all() []domain.AnalyticsRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AnalyticsRecord(nil), a.records...)
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string, int, time.Duration) bool { return true }

// untouchableRepo fails the test if admission reaches the datastore.
type untouchableRepo struct{ t *testing.T }

func (r untouchableRepo) WithTx(context.Context, func(context.Context) error) error {
	r.t.Fatal("datastore accessed")
	return nil
}
func (r untouchableRepo) GetEventForUpdate(context.Context, string) (domain.Event, error) {
	r.t.Fatal("datastore accessed")
	return domain.Event{}, nil
}
func (r untouchableRepo) FindRSVPBySubmitter(context.Context, string, string) (*domain.RSVP, error) {
	r.t.Fatal("datastore accessed")
	return nil, nil
}
func (r untouchableRepo) CreateRSVP(context.Context, domain.RSVP) error {
	r.t.Fatal("datastore accessed")
	return nil
}
func (r untouchableRepo) AddEventRSVPs(context.Context, string, int) error {
	r.t.Fatal("datastore accessed")
	return nil
}
func (r untouchableRepo) IncrementEventStats(context.Context, string, int, time.Time) (domain.EventStats, error) {
	r.t.Fatal("datastore accessed")
	return domain.EventStats{}, nil
}

// brokenRepo fails every transaction with an infrastructure error.
type brokenRepo struct {
	untouchableRepo
	err error
}

func (r brokenRepo) WithTx(context.Context, func(context.Context) error) error { return r.err }

func intPtr(v int) *int { return &v }

func attendees(n int) []domain.Attendee {
	out := make([]domain.Attendee, n)
	for i := range out {
		out[i] = domain.Attendee{Name: fmt.Sprintf("Scout %d", i+1), Age: 8}
	}
	return out
}

func submission(eventID string, n int) SubmitRSVPInput {
	return SubmitRSVPInput{
		Submission: validate.Submission{
			EventID:    eventID,
			FamilyName: "Smith",
			Email:      "smith@example.com",
			Attendees:  attendees(n),
			IPHash:     "ip-hash-1",
		},
		ClientIP: "203.0.113.7",
	}
}

func parent(id string) *domain.Principal {
	return &domain.Principal{UserID: id, Email: id + "@example.com", Role: domain.RoleParent}
}

func newService(repo AdmissionRepository, opts ...RSVPServiceOption) *RSVPService {
	return NewRSVPService(repo, allowAll{}, validate.New(), clock.NewFixed(now), zap.NewNop(), opts...)
}

func TestRSVPService_Submit(t *testing.T) {
	t.Parallel()

	t.Run("admits when capacity remains", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30), CurrentRSVPs: 25})
		audit := &recordingAudit{}
		svc := newService(store, WithAuditEmitter(audit))

		res, err := svc.Submit(context.Background(), parent("U"), submission("E", 4))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.RSVPID == "" {
			t.Fatal("expected rsvp id")
		}
		if res.NewRSVPCount != 1 {
			t.Fatalf("expected newRSVPCount 1, got %d", res.NewRSVPCount)
		}
		ev, _ := store.Event("E")
		if ev.CurrentRSVPs != 29 {
			t.Fatalf("expected 29, got %d", ev.CurrentRSVPs)
		}
		st, _ := store.Stats("E")
		if st.RSVPCount != 1 || st.AttendeeCount != 4 {
			t.Fatalf("unexpected stats: %+v", st)
		}

		stored, err := store.FindRSVPBySubmitter(context.Background(), "E", "U")
		if err != nil || stored == nil {
			t.Fatalf("expected stored rsvp, got %+v, %v", stored, err)
		}
		if stored.ID != res.RSVPID || stored.SubmitterEmail != "U@example.com" || stored.Status != domain.RSVPStatusConfirmed {
			t.Fatalf("unexpected stored rsvp: %+v", stored)
		}
		if stored.SubmittedAt == nil || !stored.SubmittedAt.Equal(now) {
			t.Fatalf("expected submittedAt %v, got %v", now, stored.SubmittedAt)
		}

		recs := audit.all()
		if len(recs) != 1 {
			t.Fatalf("expected 1 audit record, got %d", len(recs))
		}
		if recs[0].Type != domain.AnalyticsTypeRSVPSubmission || recs[0].EventID != "E" || recs[0].AttendeeCount != 4 || recs[0].IPHash != "ip-hash-1" {
			t.Fatalf("unexpected audit record: %+v", recs[0])
		}
	})

	t.Run("rejects when attendees exceed remaining capacity", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30), CurrentRSVPs: 28})
		audit := &recordingAudit{}
		svc := newService(store, WithAuditEmitter(audit))

		_, err := svc.Submit(context.Background(), parent("U"), submission("E", 4))
		if !errors.Is(err, domain.ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
		if err.Error() != "Event is at capacity. Only 2 spots remaining." {
			t.Fatalf("unexpected message %q", err.Error())
		}
		if domain.CodeOf(err).String() != "ResourceExhausted" {
			t.Fatalf("unexpected code %v", domain.CodeOf(err))
		}
		ev, _ := store.Event("E")
		if ev.CurrentRSVPs != 28 {
			t.Fatalf("expected unchanged count, got %d", ev.CurrentRSVPs)
		}
		if _, ok := store.Stats("E"); ok {
			t.Fatal("expected no stats on rejection")
		}
		if len(audit.all()) != 0 {
			t.Fatal("expected no audit record on rejection")
		}
	})

	t.Run("over-full event reports zero remaining", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(10), CurrentRSVPs: 12})
		svc := newService(store)

		_, err := svc.Submit(context.Background(), parent("U"), submission("E", 1))
		if err == nil || err.Error() != "Event is at capacity. Only 0 spots remaining." {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("fills exactly to capacity", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30), CurrentRSVPs: 26})
		svc := newService(store)

		if _, err := svc.Submit(context.Background(), parent("U"), submission("E", 4)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		ev, _ := store.Event("E")
		if ev.CurrentRSVPs != 30 {
			t.Fatalf("expected 30, got %d", ev.CurrentRSVPs)
		}
	})

	t.Run("unlimited event always admits", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", CurrentRSVPs: 500})
		svc := newService(store)

		if _, err := svc.Submit(context.Background(), parent("U"), submission("E", 20)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("rejects duplicate submitter", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30)})
		svc := newService(store)

		if _, err := svc.Submit(context.Background(), parent("U"), submission("E", 2)); err != nil {
			t.Fatalf("first submit: %v", err)
		}
		_, err := svc.Submit(context.Background(), parent("U"), submission("E", 2))
		if !errors.Is(err, domain.ErrAlreadyRSVPed) {
			t.Fatalf("expected ErrAlreadyRSVPed, got %v", err)
		}
		if err.Error() != "You already have an RSVP for this event" {
			t.Fatalf("unexpected message %q", err.Error())
		}
		ev, _ := store.Event("E")
		if ev.CurrentRSVPs != 2 {
			t.Fatalf("expected 2, got %d", ev.CurrentRSVPs)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		t.Parallel()

		svc := newService(memory.New())
		_, err := svc.Submit(context.Background(), parent("U"), submission("missing", 1))
		if !errors.Is(err, domain.ErrEventNotFound) {
			t.Fatalf("expected ErrEventNotFound, got %v", err)
		}
	})

	t.Run("requires principal", func(t *testing.T) {
		t.Parallel()

		svc := newService(untouchableRepo{t})
		_, err := svc.Submit(context.Background(), nil, submission("E", 1))
		if !errors.Is(err, domain.ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("invalid input never reaches the datastore", func(t *testing.T) {
		t.Parallel()

		svc := newService(untouchableRepo{t})
		_, err := svc.Submit(context.Background(), parent("U"), submission("E", 0))
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if err.Error() != "Must have 1-20 attendees" {
			t.Fatalf("unexpected message %q", err.Error())
		}
	})

	t.Run("infrastructure failure is hidden", func(t *testing.T) {
		t.Parallel()

		svc := newService(brokenRepo{err: errors.New("connection reset")})
		_, err := svc.Submit(context.Background(), parent("U"), submission("E", 1))
		if domain.CodeOf(err).String() != "Internal" {
			t.Fatalf("expected internal error, got %v", err)
		}
		if err.Error() != "Failed to submit RSVP" {
			t.Fatalf("unexpected message %q", err.Error())
		}
	})
}

func TestRSVPService_RateLimit(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(now)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(ratelimit.WithClock(clk)), zap.NewNop())
	store := memory.New()
	store.PutEvent(domain.Event{ID: "E"})
	svc := NewRSVPService(store, limiter, validate.New(), clk, zap.NewNop())

	for i := 1; i <= 5; i++ {
		if _, err := svc.Submit(context.Background(), parent(fmt.Sprintf("U%d", i)), submission("E", 1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := svc.Submit(context.Background(), parent("U6"), submission("E", 1))
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err.Error() != "Rate limit exceeded" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	other := submission("E", 1)
	other.Submission.IPHash = ""
	if _, err := svc.Submit(context.Background(), parent("U7"), other); err != nil {
		t.Fatalf("client ip identity should be limited separately: %v", err)
	}

	clk.Advance(time.Hour)
	if _, err := svc.Submit(context.Background(), parent("U8"), submission("E", 1)); err != nil {
		t.Fatalf("expected new window to admit, got %v", err)
	}
}

func TestRSVPService_RateLimitIgnoresIPHashPadding(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(now)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(ratelimit.WithClock(clk)), zap.NewNop())
	store := memory.New()
	store.PutEvent(domain.Event{ID: "E"})
	svc := NewRSVPService(store, limiter, validate.New(), clk, zap.NewNop(), WithRateLimit(1, time.Hour))

	if _, err := svc.Submit(context.Background(), parent("U1"), submission("E", 1)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	padded := submission("E", 1)
	padded.Submission.IPHash = "  ip-hash-1 "
	_, err := svc.Submit(context.Background(), parent("U2"), padded)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected padded ipHash to share the window, got %v", err)
	}
}

func TestRSVPService_RetriesConflicts(t *testing.T) {
	t.Parallel()

	var store *memory.Store
	interfered := 0
	store = memory.New(memory.WithBeforeCommit(func() {
		if interfered < 2 {
			interfered++
			store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30), CurrentRSVPs: 10})
		}
	}))
	store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30)})
	audit := &recordingAudit{}
	svc := newService(store, WithAuditEmitter(audit), WithRetryInterval(time.Millisecond))

	res, err := svc.Submit(context.Background(), parent("U"), submission("E", 3))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.NewRSVPCount != 1 {
		t.Fatalf("expected 1, got %d", res.NewRSVPCount)
	}
	ev, _ := store.Event("E")
	if ev.CurrentRSVPs != 13 {
		t.Fatalf("expected retry to see concurrent write, got %d", ev.CurrentRSVPs)
	}
	if len(audit.all()) != 1 {
		t.Fatalf("expected exactly one audit record, got %d", len(audit.all()))
	}
}

func TestRSVPService_UnavailableWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	var store *memory.Store
	commits := 0
	store = memory.New(memory.WithBeforeCommit(func() {
		commits++
		store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30)})
	}))
	store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(30)})
	audit := &recordingAudit{}
	svc := newService(store, WithAuditEmitter(audit), WithMaxAttempts(3), WithRetryInterval(time.Millisecond))

	_, err := svc.Submit(context.Background(), parent("U"), submission("E", 1))
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrAlreadyRSVPed) {
		t.Fatalf("exhaustion must not look like a business rejection: %v", err)
	}
	if commits != 3 {
		t.Fatalf("expected 3 attempts, got %d", commits)
	}
	rsvps, _ := store.ListRSVPsByEvent(context.Background(), "E")
	if len(rsvps) != 0 {
		t.Fatalf("expected no partial writes, got %d rsvps", len(rsvps))
	}
	if len(audit.all()) != 0 {
		t.Fatal("expected no audit record")
	}
}

func TestRSVPService_NoOverbookingUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		capacity = 10
		callers  = 40
	)
	store := memory.New()
	store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(capacity)})
	svc := newService(store, WithMaxAttempts(100), WithRetryInterval(time.Millisecond), WithAdmissionTimeout(10*time.Second))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
		other    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), parent(fmt.Sprintf("U%d", i)), submission("E", 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrCapacityExceeded):
				full++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	if len(other) != 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if admitted != capacity || full != callers-capacity {
		t.Fatalf("expected %d admitted and %d rejected, got %d and %d", capacity, callers-capacity, admitted, full)
	}
	ev, _ := store.Event("E")
	if ev.CurrentRSVPs != capacity {
		t.Fatalf("expected currentRSVPs %d, got %d", capacity, ev.CurrentRSVPs)
	}
	rsvps, _ := store.ListRSVPsByEvent(context.Background(), "E")
	if len(rsvps) != capacity {
		t.Fatalf("expected %d rsvps, got %d", capacity, len(rsvps))
	}
	st, _ := store.Stats("E")
	if st.RSVPCount != capacity || st.AttendeeCount != capacity {
		t.Fatalf("stats out of step: %+v", st)
	}
}

func TestRSVPService_DuplicateExclusivityUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.PutEvent(domain.Event{ID: "E", MaxCapacity: intPtr(100)})
	svc := newService(store, WithMaxAttempts(100), WithRetryInterval(time.Millisecond), WithAdmissionTimeout(10*time.Second))

	const callers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), parent("same-user"), submission("E", 2))
			if err != nil && !errors.Is(err, domain.ErrAlreadyRSVPed) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
	ev, _ := store.Event("E")
	if ev.CurrentRSVPs != 2 {
		t.Fatalf("expected 2, got %d", ev.CurrentRSVPs)
	}
}
