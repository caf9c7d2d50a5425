package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/app"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/auth"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/validate"
)

const (
	msgSubmitted      = "RSVP submitted successfully"
	msgRosterRead     = "RSVP data retrieved successfully"
	msgInvalidBody    = "invalid request body"
	msgSubmitFailed   = "Failed to submit RSVP"
	msgRosterFailed   = "Failed to retrieve RSVP data"
	maxRequestBodyLen = 64 << 10
)

// RSVPSubmitter is the minimal interface needed to admit an RSVP.
type RSVPSubmitter interface {
	Submit(ctx context.Context, principal *domain.Principal, in app.SubmitRSVPInput) (app.SubmitRSVPResult, error)
}

// RosterReader is the minimal interface needed to read an event roster.
type RosterReader interface {
	GetRoster(ctx context.Context, principal *domain.Principal, eventID string) (app.Roster, error)
}

// HandleSubmitRSVP returns an HTTP handler for RSVP submissions.
func HandleSubmitRSVP(svc RSVPSubmitter, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRSVPRequest
		// Clients also send a timestamp; it is ignored in favour of server time.
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyLen)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, msgInvalidBody)
			return
		}

		res, err := svc.Submit(r.Context(), principalFrom(r), app.SubmitRSVPInput{
			Submission: req.submission(),
			ClientIP:   clientIP(r),
		})
		if err != nil {
			writeDomainError(w, logger, err, msgSubmitFailed)
			return
		}

		writeJSON(w, http.StatusOK, submitRSVPResponse{
			Success:      true,
			RSVPID:       res.RSVPID,
			NewRSVPCount: res.NewRSVPCount,
			Message:      msgSubmitted,
		})
	}
}

// HandleGetRSVPs serves GET /events/{eventId}/rsvps.
func HandleGetRSVPs(svc RosterReader, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeRoster(w, r, svc, logger, mux.Vars(r)["eventId"])
	}
}

// HandleQueryRSVPs serves POST /rsvps/query with an {"eventId"} body.
func HandleQueryRSVPs(svc RosterReader, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req rosterQueryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyLen)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, msgInvalidBody)
			return
		}
		writeRoster(w, r, svc, logger, req.EventID)
	}
}

func writeRoster(w http.ResponseWriter, r *http.Request, svc RosterReader, logger *zap.Logger, eventID string) {
	roster, err := svc.GetRoster(r.Context(), principalFrom(r), eventID)
	if err != nil {
		writeDomainError(w, logger, err, msgRosterFailed)
		return
	}

	out := make([]rsvpResponse, 0, len(roster.RSVPs))
	for _, rsvp := range roster.RSVPs {
		out = append(out, toRSVPResponse(rsvp))
	}
	writeJSON(w, http.StatusOK, rosterResponse{
		Success: true,
		EventID: roster.EventID,
		RSVPs:   out,
		Count:   roster.Count,
		Message: msgRosterRead,
	})
}

func principalFrom(r *http.Request) *domain.Principal {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return nil
	}
	return &p
}

type submitRSVPRequest struct {
	EventID             string            `json:"eventId"`
	FamilyName          string            `json:"familyName"`
	Email               string            `json:"email"`
	Phone               string            `json:"phone"`
	Attendees           []domain.Attendee `json:"attendees"`
	DietaryRestrictions string            `json:"dietaryRestrictions"`
	SpecialNeeds        string            `json:"specialNeeds"`
	Notes               string            `json:"notes"`
	IPHash              string            `json:"ipHash"`
	UserAgent           string            `json:"userAgent"`
}

func (r submitRSVPRequest) submission() validate.Submission {
	return validate.Submission{
		EventID:             r.EventID,
		FamilyName:          r.FamilyName,
		Email:               r.Email,
		Phone:               r.Phone,
		Attendees:           r.Attendees,
		DietaryRestrictions: r.DietaryRestrictions,
		SpecialNeeds:        r.SpecialNeeds,
		Notes:               r.Notes,
		IPHash:              r.IPHash,
		UserAgent:           r.UserAgent,
	}
}

type submitRSVPResponse struct {
	Success      bool   `json:"success"`
	RSVPID       string `json:"rsvpId"`
	NewRSVPCount int    `json:"newRSVPCount"`
	Message      string `json:"message"`
}

type rosterQueryRequest struct {
	EventID string `json:"eventId"`
}

type rosterResponse struct {
	Success bool           `json:"success"`
	EventID string         `json:"eventId"`
	RSVPs   []rsvpResponse `json:"rsvps"`
	Count   int            `json:"count"`
	Message string         `json:"message"`
}

type rsvpResponse struct {
	ID                  string            `json:"id"`
	EventID             string            `json:"eventId"`
	SubmitterID         string            `json:"userId"`
	SubmitterEmail      string            `json:"userEmail,omitempty"`
	FamilyName          string            `json:"familyName"`
	Email               string            `json:"email"`
	Phone               string            `json:"phone,omitempty"`
	Attendees           []domain.Attendee `json:"attendees"`
	DietaryRestrictions string            `json:"dietaryRestrictions,omitempty"`
	SpecialNeeds        string            `json:"specialNeeds,omitempty"`
	Notes               string            `json:"notes,omitempty"`
	SubmittedAt         *time.Time        `json:"submittedAt"`
	Status              string            `json:"status,omitempty"`
}

func toRSVPResponse(r domain.RSVP) rsvpResponse {
	attendees := r.Attendees
	if attendees == nil {
		attendees = []domain.Attendee{}
	}
	return rsvpResponse{
		ID:                  r.ID,
		EventID:             r.EventID,
		SubmitterID:         r.SubmitterID,
		SubmitterEmail:      r.SubmitterEmail,
		FamilyName:          r.FamilyName,
		Email:               r.Email,
		Phone:               r.Phone,
		Attendees:           attendees,
		DietaryRestrictions: r.DietaryRestrictions,
		SpecialNeeds:        r.SpecialNeeds,
		Notes:               r.Notes,
		SubmittedAt:         r.SubmittedAt,
		Status:              string(r.Status),
	}
}
