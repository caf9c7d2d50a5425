package app

import (
	"cmp"
	"context"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

// RosterRepository lists an event's RSVPs in no particular order.
type RosterRepository interface {
	ListRSVPsByEvent(ctx context.Context, eventID string) ([]domain.RSVP, error)
}

const msgRosterFailed = "Failed to retrieve RSVP data"

type RosterService struct {
	repo   RosterRepository
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRosterService(repo RosterRepository, logger *zap.Logger) *RosterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterService{
		repo:   repo,
		logger: logger.Named("roster"),
		tracer: otel.Tracer(tracerName),
	}
}

type Roster struct {
	EventID string
	RSVPs   []domain.RSVP
	Count   int
}

// GetRoster returns every RSVP for eventID, newest first. Only admins may
// read rosters.
func (s *RosterService) GetRoster(ctx context.Context, principal *domain.Principal, eventID string) (Roster, error) {
	ctx, span := s.tracer.Start(ctx, "rsvp.roster", trace.WithAttributes(attribute.String("rsvp.event_id", eventID)))
	defer span.End()

	if principal == nil || principal.UserID == "" {
		return Roster{}, domain.ErrUnauthenticated
	}
	if !principal.HasAdminPrivilege() {
		return Roster{}, domain.ErrPermissionDenied
	}
	if eventID == "" {
		return Roster{}, domain.ErrEventIDRequired
	}

	rsvps, err := s.repo.ListRSVPsByEvent(ctx, eventID)
	if err != nil {
		s.logger.Error("list rsvps failed", zap.String("event_id", eventID), zap.Error(err))
		span.RecordError(err)
		return Roster{}, domain.Internal(msgRosterFailed, err)
	}
	if rsvps == nil {
		rsvps = []domain.RSVP{}
	}
	SortNewestFirst(rsvps)

	span.SetAttributes(attribute.Int("rsvp.count", len(rsvps)))
	return Roster{EventID: eventID, RSVPs: rsvps, Count: len(rsvps)}, nil
}

// SortNewestFirst orders rsvps by submission time descending. Records without
// a timestamp come after every timestamped one; equal times fall back to id
// ascending.
func SortNewestFirst(rsvps []domain.RSVP) {
	slices.SortFunc(rsvps, func(a, b domain.RSVP) int {
		switch {
		case a.SubmittedAt == nil && b.SubmittedAt != nil:
			return 1
		case a.SubmittedAt != nil && b.SubmittedAt == nil:
			return -1
		case a.SubmittedAt != nil:
			if c := cmp.Compare(b.SubmittedAt.UnixMilli(), a.SubmittedAt.UnixMilli()); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
