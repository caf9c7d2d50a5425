package domain

import "time"

// Event is a pack event with optional capacity. It is created and edited by
// the admin tooling; the admission path only reads and increments it.
type Event struct {
	ID           string
	Title        string
	MaxCapacity  *int
	CurrentRSVPs int
}

// Remaining returns the spots left. bounded is false when the event has no
// capacity limit.
func (e Event) Remaining() (remaining int, bounded bool) {
	if e.MaxCapacity == nil {
		return 0, false
	}
	return *e.MaxCapacity - e.CurrentRSVPs, true
}

// EventStats is the per-event aggregate kept in step with accepted RSVPs.
type EventStats struct {
	EventID       string
	RSVPCount     int
	AttendeeCount int
	LastUpdated   time.Time
}
