package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

type seedEvent struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	MaxCapacity  *int   `json:"maxCapacity"`
	CurrentRSVPs int    `json:"currentRsvps"`
}

// LoadEvents reads a JSON array of events and puts each one. Events missing
// an id, or with negative counts, reject the whole file.
func (s *Store) LoadEvents(r io.Reader) (int, error) {
	var seed []seedEvent
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode events: %w", err)
	}
	for i, e := range seed {
		if e.ID == "" {
			return 0, fmt.Errorf("event %d: id is required", i)
		}
		if e.CurrentRSVPs < 0 || (e.MaxCapacity != nil && (*e.MaxCapacity < 0 || e.CurrentRSVPs > *e.MaxCapacity)) {
			return 0, fmt.Errorf("event %q: invalid capacity", e.ID)
		}
	}
	for _, e := range seed {
		s.PutEvent(domain.Event{ID: e.ID, Title: e.Title, MaxCapacity: e.MaxCapacity, CurrentRSVPs: e.CurrentRSVPs})
	}
	return len(seed), nil
}

// LoadEventsFile is LoadEvents over the file at path.
func (s *Store) LoadEventsFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.LoadEvents(f)
}
