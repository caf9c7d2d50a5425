package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

const (
	defaultRedisPrefix = "analytics"
	defaultListLimit   = 1000
	dailyBucketTTL     = 35 * 24 * time.Hour
	seenTTL            = 7 * 24 * time.Hour
)

// RedisSink keeps running per-event and per-day counters plus a capped list
// of recent records for each event.
//
// Keys:
//
//	<prefix>:event:<eventId>            hash  rsvps, attendees
//	<prefix>:day:<yyyy-mm-dd>           hash  rsvps, attendees (expires)
//	<prefix>:recent:<eventId>           list  JSON records, newest first
//	<prefix>:seen:<id>                  string marker for idempotent retries
type RedisSink struct {
	rdb       redis.UniversalClient
	prefix    string
	listLimit int64
}

type RedisSinkOption func(*RedisSink)

func WithRedisPrefix(prefix string) RedisSinkOption {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithListLimit(n int64) RedisSinkOption {
	return func(s *RedisSink) {
		if n > 0 {
			s.listLimit = n
		}
	}
}

func NewRedisSink(rdb redis.UniversalClient, opts ...RedisSinkOption) *RedisSink {
	s := &RedisSink{rdb: rdb, prefix: defaultRedisPrefix, listLimit: defaultListLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type redisRecord struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EventID    string    `json:"eventId"`
	Attendees  int       `json:"attendees"`
	RSVPCount  int       `json:"rsvpCount"`
	DurationMS int64     `json:"durationMs"`
	IPHash     string    `json:"ipHash,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *RedisSink) Record(ctx context.Context, rec domain.AnalyticsRecord) error {
	payload, err := json.Marshal(redisRecord{
		ID:         rec.ID,
		Type:       rec.Type,
		EventID:    rec.EventID,
		Attendees:  rec.AttendeeCount,
		RSVPCount:  rec.RSVPCount,
		DurationMS: rec.Duration.Milliseconds(),
		IPHash:     rec.IPHash,
		Timestamp:  rec.RecordedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	fresh, err := s.rdb.SetNX(ctx, s.key("seen", rec.ID), 1, seenTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !fresh {
		return nil
	}

	eventKey := s.key("event", rec.EventID)
	dayKey := s.key("day", rec.RecordedAt.UTC().Format(time.DateOnly))
	recentKey := s.key("recent", rec.EventID)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, eventKey, "rsvps", 1)
		pipe.HIncrBy(ctx, eventKey, "attendees", int64(rec.AttendeeCount))
		pipe.HIncrBy(ctx, dayKey, "rsvps", 1)
		pipe.HIncrBy(ctx, dayKey, "attendees", int64(rec.AttendeeCount))
		pipe.Expire(ctx, dayKey, dailyBucketTTL)
		pipe.LPush(ctx, recentKey, payload)
		pipe.LTrim(ctx, recentKey, 0, s.listLimit-1)
		return nil
	})
	if err != nil {
		// let a retry write the counters
		_ = s.rdb.Del(ctx, s.key("seen", rec.ID)).Err()
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisSink) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}
