package domain

import "time"

const AnalyticsTypeRSVPSubmission = "rsvp_submission"

// AnalyticsRecord is the audit entry written after an admission commits.
type AnalyticsRecord struct {
	ID            string
	Type          string
	EventID       string
	AttendeeCount int
	RSVPCount     int
	Duration      time.Duration
	IPHash        string
	RecordedAt    time.Time
}
