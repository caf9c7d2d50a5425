// Package memory is a process-local RSVP store with optimistic concurrency.
// Transactions buffer their writes and record the version of every key they
// read; commit fails with domain.ErrConflict if any of those keys moved.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

type Store struct {
	mu       sync.Mutex
	versions map[string]uint64
	seq      uint64

	events    map[string]domain.Event
	rsvps     map[string]domain.RSVP
	rsvpOrder []string
	stats     map[string]domain.EventStats
	analytics []domain.AnalyticsRecord

	beforeCommit func()
}

type Option func(*Store)

// WithBeforeCommit installs a hook that runs after a transaction's body and
// before its commit validation. Tests use it to force interleavings.
func WithBeforeCommit(fn func()) Option {
	return func(s *Store) {
		s.beforeCommit = fn
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		versions: make(map[string]uint64),
		events:   make(map[string]domain.Event),
		rsvps:    make(map[string]domain.RSVP),
		stats:    make(map[string]domain.EventStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutEvent creates or replaces an event.
func (s *Store) PutEvent(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	s.bump(eventKey(e.ID))
}

func (s *Store) Event(id string) (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *Store) Stats(eventID string) (domain.EventStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[eventID]
	return st, ok
}

type tx struct {
	reads       map[string]uint64
	rsvpWrites  []domain.RSVP
	eventDeltas map[string]int
	statsDeltas map[string]statsDelta
	statsAt     time.Time
}

type statsDelta struct {
	rsvps     int
	attendees int
}

type txKey struct{}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	t := &tx{
		reads:       make(map[string]uint64),
		eventDeltas: make(map[string]int),
		statsDeltas: make(map[string]statsDelta),
	}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, v := range t.reads {
		if s.versions[key] != v {
			return domain.Conflict(nil)
		}
	}
	for _, r := range t.rsvpWrites {
		if err := s.insertRSVPLocked(r); err != nil {
			// unreachable while the read set is validated
			return domain.Conflict(err)
		}
	}
	for id, delta := range t.eventDeltas {
		e := s.events[id]
		e.CurrentRSVPs += delta
		s.events[id] = e
		s.bump(eventKey(id))
	}
	for id, d := range t.statsDeltas {
		s.applyStatsLocked(id, d, t.statsAt)
	}
	return nil
}

func (s *Store) GetEventForUpdate(ctx context.Context, eventID string) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := txFromContext(ctx)
	if t != nil {
		t.observe(eventKey(eventID), s.versions[eventKey(eventID)])
	}
	e, ok := s.events[eventID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	if t != nil {
		e.CurrentRSVPs += t.eventDeltas[eventID]
	}
	return e, nil
}

func (s *Store) FindRSVPBySubmitter(ctx context.Context, eventID, submitterID string) (*domain.RSVP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rsvpKey(eventID, submitterID)
	t := txFromContext(ctx)
	if t != nil {
		t.observe(key, s.versions[key])
		for _, r := range t.rsvpWrites {
			if r.EventID == eventID && r.SubmitterID == submitterID {
				r := cloneRSVP(r)
				return &r, nil
			}
		}
	}
	r, ok := s.rsvps[key]
	if !ok {
		return nil, nil
	}
	r = cloneRSVP(r)
	return &r, nil
}

func (s *Store) CreateRSVP(ctx context.Context, rsvp domain.RSVP) error {
	rsvp = cloneRSVP(rsvp)
	if t := txFromContext(ctx); t != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := rsvpKey(rsvp.EventID, rsvp.SubmitterID)
		t.observe(key, s.versions[key])
		if _, ok := s.rsvps[key]; ok {
			return domain.ErrAlreadyRSVPed
		}
		for _, r := range t.rsvpWrites {
			if r.EventID == rsvp.EventID && r.SubmitterID == rsvp.SubmitterID {
				return domain.ErrAlreadyRSVPed
			}
		}
		t.rsvpWrites = append(t.rsvpWrites, rsvp)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRSVPLocked(rsvp)
}

func (s *Store) AddEventRSVPs(ctx context.Context, eventID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	if t := txFromContext(ctx); t != nil {
		t.observe(eventKey(eventID), s.versions[eventKey(eventID)])
		t.eventDeltas[eventID] += delta
		return nil
	}
	e.CurrentRSVPs += delta
	s.events[eventID] = e
	s.bump(eventKey(eventID))
	return nil
}

func (s *Store) IncrementEventStats(ctx context.Context, eventID string, attendees int, at time.Time) (domain.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := txFromContext(ctx)
	if t == nil {
		return s.applyStatsLocked(eventID, statsDelta{rsvps: 1, attendees: attendees}, at), nil
	}

	key := statsKey(eventID)
	t.observe(key, s.versions[key])
	d := t.statsDeltas[eventID]
	d.rsvps++
	d.attendees += attendees
	t.statsDeltas[eventID] = d
	t.statsAt = at

	st := s.stats[eventID]
	st.EventID = eventID
	st.RSVPCount += d.rsvps
	st.AttendeeCount += d.attendees
	st.LastUpdated = at
	return st, nil
}

// ListRSVPsByEvent returns the event's RSVPs in insertion order. Callers sort.
func (s *Store) ListRSVPsByEvent(_ context.Context, eventID string) ([]domain.RSVP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.RSVP
	for _, key := range s.rsvpOrder {
		r := s.rsvps[key]
		if r.EventID == eventID {
			out = append(out, cloneRSVP(r))
		}
	}
	return out, nil
}

// Record stores an analytics record in memory; it lets the store double as an
// audit sink in local runs.
func (s *Store) Record(_ context.Context, rec domain.AnalyticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.analytics {
		if existing.ID == rec.ID {
			return nil
		}
	}
	s.analytics = append(s.analytics, rec)
	return nil
}

func (s *Store) Analytics() []domain.AnalyticsRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AnalyticsRecord(nil), s.analytics...)
}

func (s *Store) insertRSVPLocked(r domain.RSVP) error {
	if _, ok := s.events[r.EventID]; !ok {
		return domain.ErrEventNotFound
	}
	key := rsvpKey(r.EventID, r.SubmitterID)
	if _, ok := s.rsvps[key]; ok {
		return domain.ErrAlreadyRSVPed
	}
	s.rsvps[key] = r
	s.rsvpOrder = append(s.rsvpOrder, key)
	s.bump(key)
	return nil
}

func (s *Store) applyStatsLocked(eventID string, d statsDelta, at time.Time) domain.EventStats {
	st := s.stats[eventID]
	st.EventID = eventID
	st.RSVPCount += d.rsvps
	st.AttendeeCount += d.attendees
	st.LastUpdated = at
	s.stats[eventID] = st
	s.bump(statsKey(eventID))
	return st
}

func (s *Store) bump(key string) {
	s.seq++
	s.versions[key] = s.seq
}

// observe remembers the first version seen for key.
func (t *tx) observe(key string, version uint64) {
	if _, ok := t.reads[key]; !ok {
		t.reads[key] = version
	}
}

func eventKey(id string) string { return "event/" + id }

func statsKey(id string) string { return "stats/" + id }

// rsvpKey length-prefixes the event id so that ids containing the separator
// cannot collide.
func rsvpKey(eventID, submitterID string) string {
	return "rsvp/" + strconv.Itoa(len(eventID)) + ":" + eventID + "/" + submitterID
}

func cloneRSVP(r domain.RSVP) domain.RSVP {
	r.Attendees = append([]domain.Attendee(nil), r.Attendees...)
	if r.SubmittedAt != nil {
		at := *r.SubmittedAt
		r.SubmittedAt = &at
	}
	return r
}
