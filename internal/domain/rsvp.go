package domain

import "time"

type RSVPStatus string

const (
	RSVPStatusConfirmed RSVPStatus = "confirmed"
	RSVPStatusPending   RSVPStatus = "pending"
)

// Attendee is one person on an RSVP. Attendees are persisted as an ordered
// JSON array, hence the tags.
type Attendee struct {
	Name    string `json:"name"`
	Age     int    `json:"age"`
	Den     string `json:"den,omitempty"`
	IsAdult *bool  `json:"isAdult,omitempty"`
}

// RSVP is a family's committed reservation. Optional text fields are empty
// when absent. SubmittedAt is nil on some legacy records.
type RSVP struct {
	ID                  string
	EventID             string
	SubmitterID         string
	SubmitterEmail      string
	FamilyName          string
	Email               string
	Phone               string
	Attendees           []Attendee
	DietaryRestrictions string
	SpecialNeeds        string
	Notes               string
	IPHash              string
	UserAgent           string
	SubmittedAt         *time.Time
	Status              RSVPStatus
}
