package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/clock"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/ratelimit"
	"github.com/sfpack1703/pack-rsvp/services/api/internal/validate"
)

const tracerName = "github.com/sfpack1703/pack-rsvp/services/api/internal/app"

// AdmissionRepository is the transactional store behind RSVP admission.
// Optimistic-concurrency losses must surface as domain.ErrConflict.
type AdmissionRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetEventForUpdate(ctx context.Context, eventID string) (domain.Event, error)
	FindRSVPBySubmitter(ctx context.Context, eventID, submitterID string) (*domain.RSVP, error)
	CreateRSVP(ctx context.Context, rsvp domain.RSVP) error
	AddEventRSVPs(ctx context.Context, eventID string, delta int) error
	IncrementEventStats(ctx context.Context, eventID string, attendees int, at time.Time) (domain.EventStats, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

type AuditEmitter interface {
	Emit(rec domain.AnalyticsRecord) bool
}

const (
	rsvpEndpoint = "rsvp"

	defaultRateLimit        = 5
	defaultRateWindow       = time.Hour
	defaultMaxAttempts      = 5
	defaultAdmissionTimeout = 5 * time.Second

	msgSubmitFailed = "Failed to submit RSVP"
)

type RSVPService struct {
	repo      AdmissionRepository
	limiter   RateLimiter
	validator *validate.Validator
	audit     AuditEmitter
	clock     clock.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	rateLimit        int
	rateWindow       time.Duration
	maxAttempts      uint
	admissionTimeout time.Duration
	retryInterval    time.Duration
}

type RSVPServiceOption func(*RSVPService)

// WithRateLimit sets how many submissions one submitter may make per window.
func WithRateLimit(limit int, window time.Duration) RSVPServiceOption {
	return func(s *RSVPService) {
		if limit > 0 {
			s.rateLimit = limit
		}
		if window > 0 {
			s.rateWindow = window
		}
	}
}

// WithMaxAttempts bounds admission attempts, first one included.
func WithMaxAttempts(n uint) RSVPServiceOption {
	return func(s *RSVPService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithAdmissionTimeout(d time.Duration) RSVPServiceOption {
	return func(s *RSVPService) {
		if d > 0 {
			s.admissionTimeout = d
		}
	}
}

func WithRetryInterval(d time.Duration) RSVPServiceOption {
	return func(s *RSVPService) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

func WithAuditEmitter(e AuditEmitter) RSVPServiceOption {
	return func(s *RSVPService) {
		s.audit = e
	}
}

func NewRSVPService(repo AdmissionRepository, limiter RateLimiter, v *validate.Validator, clk clock.Clock, logger *zap.Logger, opts ...RSVPServiceOption) *RSVPService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &RSVPService{
		repo:             repo,
		limiter:          limiter,
		validator:        v,
		clock:            clk,
		logger:           logger.Named("rsvp"),
		tracer:           otel.Tracer(tracerName),
		rateLimit:        defaultRateLimit,
		rateWindow:       defaultRateWindow,
		maxAttempts:      defaultMaxAttempts,
		admissionTimeout: defaultAdmissionTimeout,
		retryInterval:    20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type SubmitRSVPInput struct {
	Submission validate.Submission
	// ClientIP identifies the submitter for throttling when the client sent
	// no ipHash.
	ClientIP string
}

type SubmitRSVPResult struct {
	RSVPID       string
	NewRSVPCount int
}

// Submit admits one RSVP. Checks run in order: authentication, rate limit,
// validation, then the capacity and uniqueness checks inside the admission
// transaction. The audit record is emitted only after a successful commit.
func (s *RSVPService) Submit(ctx context.Context, principal *domain.Principal, in SubmitRSVPInput) (SubmitRSVPResult, error) {
	ctx, span := s.tracer.Start(ctx, "rsvp.submit")
	defer span.End()

	if principal == nil || principal.UserID == "" {
		return SubmitRSVPResult{}, domain.ErrUnauthenticated
	}

	identity := strings.TrimSpace(in.Submission.IPHash)
	if identity == "" {
		identity = in.ClientIP
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, ratelimit.Key(identity, rsvpEndpoint), s.rateLimit, s.rateWindow) {
		span.SetAttributes(attribute.Bool("rsvp.rate_limited", true))
		return SubmitRSVPResult{}, domain.ErrRateLimited
	}

	sub, err := s.validator.Validate(in.Submission)
	if err != nil {
		return SubmitRSVPResult{}, err
	}
	span.SetAttributes(
		attribute.String("rsvp.event_id", sub.EventID),
		attribute.Int("rsvp.attendees", len(sub.Attendees)),
	)

	started := s.clock.Now()
	submittedAt := started.UTC()
	rsvp := domain.RSVP{
		ID:                  uuid.NewString(),
		EventID:             sub.EventID,
		SubmitterID:         principal.UserID,
		SubmitterEmail:      principal.Email,
		FamilyName:          sub.FamilyName,
		Email:               sub.Email,
		Phone:               sub.Phone,
		Attendees:           sub.Attendees,
		DietaryRestrictions: sub.DietaryRestrictions,
		SpecialNeeds:        sub.SpecialNeeds,
		Notes:               sub.Notes,
		IPHash:              sub.IPHash,
		UserAgent:           sub.UserAgent,
		SubmittedAt:         &submittedAt,
		Status:              domain.RSVPStatusConfirmed,
	}

	stats, attempts, err := s.admit(ctx, rsvp)
	span.SetAttributes(attribute.Int("rsvp.attempts", attempts))
	if err != nil {
		err = s.classify(err, rsvp, attempts)
		if domain.CodeOf(err) == domain.ErrInternal.Code || errors.Is(err, domain.ErrUnavailable) {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		return SubmitRSVPResult{}, err
	}

	if s.audit != nil {
		s.audit.Emit(domain.AnalyticsRecord{
			ID:            uuid.NewString(),
			Type:          domain.AnalyticsTypeRSVPSubmission,
			EventID:       rsvp.EventID,
			AttendeeCount: len(rsvp.Attendees),
			RSVPCount:     stats.RSVPCount,
			Duration:      s.clock.Now().Sub(started),
			IPHash:        rsvp.IPHash,
			RecordedAt:    s.clock.Now(),
		})
	}

	s.logger.Info("rsvp admitted",
		zap.String("rsvp_id", rsvp.ID),
		zap.String("event_id", rsvp.EventID),
		zap.Int("attendees", len(rsvp.Attendees)),
		zap.Int("attempts", attempts),
	)
	return SubmitRSVPResult{RSVPID: rsvp.ID, NewRSVPCount: stats.RSVPCount}, nil
}

// admit runs the admission transaction, retrying it from the top on
// concurrency conflicts. Business rejections end the loop immediately.
func (s *RSVPService) admit(ctx context.Context, rsvp domain.RSVP) (domain.EventStats, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.admissionTimeout)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.retryInterval
	expo.MaxInterval = 25 * s.retryInterval

	attempts := 0
	stats, err := backoff.Retry(ctx, func() (domain.EventStats, error) {
		attempts++
		stats, err := s.admitOnce(ctx, rsvp, attempts)
		if err == nil {
			return stats, nil
		}
		if errors.Is(err, domain.ErrConflict) {
			return domain.EventStats{}, err
		}
		return domain.EventStats{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithMaxElapsedTime(s.admissionTimeout),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return stats, attempts, err
}

func (s *RSVPService) admitOnce(ctx context.Context, rsvp domain.RSVP, attempt int) (domain.EventStats, error) {
	ctx, span := s.tracer.Start(ctx, "rsvp.admission.attempt",
		trace.WithAttributes(attribute.Int("rsvp.attempt", attempt)))
	defer span.End()

	attendees := len(rsvp.Attendees)
	var stats domain.EventStats

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		event, err := s.repo.GetEventForUpdate(txCtx, rsvp.EventID)
		if err != nil {
			return err
		}

		existing, err := s.repo.FindRSVPBySubmitter(txCtx, rsvp.EventID, rsvp.SubmitterID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrAlreadyRSVPed
		}

		if remaining, bounded := event.Remaining(); bounded && attendees > remaining {
			return domain.CapacityExceeded(remaining)
		}

		if err := s.repo.CreateRSVP(txCtx, rsvp); err != nil {
			return err
		}
		if err := s.repo.AddEventRSVPs(txCtx, rsvp.EventID, attendees); err != nil {
			return err
		}
		stats, err = s.repo.IncrementEventStats(txCtx, rsvp.EventID, attendees, *rsvp.SubmittedAt)
		return err
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("rsvp.conflict", errors.Is(err, domain.ErrConflict)))
		return domain.EventStats{}, err
	}
	return stats, nil
}

// classify turns a failed admission into the error returned to the caller.
// Business rejections pass through; exhausted retries become Unavailable;
// anything else is hidden behind a generic internal error.
func (s *RSVPService) classify(err error, rsvp domain.RSVP, attempts int) error {
	fields := []zap.Field{
		zap.String("event_id", rsvp.EventID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}
	switch {
	case domain.IsFinal(err):
		return err
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		s.logger.Warn("rsvp admission gave up", fields...)
		return domain.Unavailable(err)
	default:
		s.logger.Error("rsvp admission failed", fields...)
		return domain.Internal(msgSubmitFailed, err)
	}
}
