package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

// LogSink writes records to the structured log. Used when no datastore sink
// is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("analytics")}
}

func (s *LogSink) Record(_ context.Context, rec domain.AnalyticsRecord) error {
	s.logger.Info(rec.Type,
		zap.String("id", rec.ID),
		zap.String("event_id", rec.EventID),
		zap.Int("attendees", rec.AttendeeCount),
		zap.Int("rsvp_count", rec.RSVPCount),
		zap.Duration("duration", rec.Duration),
		zap.String("ip_hash", rec.IPHash),
		zap.Time("recorded_at", rec.RecordedAt),
	)
	return nil
}
