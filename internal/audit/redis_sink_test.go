package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/testutil"
)

func TestRedisSink_Integration(t *testing.T) {
	rdb := testutil.NewTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "test-analytics-" + uuid.NewString()
	sink := NewRedisSink(rdb, WithRedisPrefix(prefix), WithListLimit(2))
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := record(id)
		if err := sink.Record(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	// retried delivery of the same record is ignored
	if err := sink.Record(ctx, record("c")); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	counts, err := rdb.HGetAll(ctx, prefix+":event:ev-1").Result()
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if counts["rsvps"] != "3" || counts["attendees"] != "6" {
		t.Fatalf("unexpected counters: %v", counts)
	}

	ttl, err := rdb.TTL(ctx, prefix+":day:2026-01-01").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected day bucket to expire, got %v", ttl)
	}

	recent, err := rdb.LRange(ctx, prefix+":recent:ev-1", 0, -1).Result()
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected capped list of 2, got %d", len(recent))
	}
	var newest redisRecord
	if err := json.Unmarshal([]byte(recent[0]), &newest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if newest.ID != "c" || newest.Attendees != 2 {
		t.Fatalf("unexpected newest record: %+v", newest)
	}
}
