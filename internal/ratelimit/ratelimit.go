// Package ratelimit throttles submissions per submitter and endpoint using
// fixed-window counters kept in a pluggable Store.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// Store counts hits for a key within a fixed window. Incr returns the count
// after this hit; the first hit of a window returns 1 and opens the window.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter decides whether a submitter may call an endpoint right now.
type Limiter struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, logger: logger.Named("ratelimit")}
}

// Key builds the counter key for a submitter identity and endpoint. The
// identity is hashed so raw addresses never reach the store.
func Key(identity, endpoint string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:16]) + ":" + endpoint
}

// Allow records a hit for key and reports whether it is within limit.
// Store failures fail open: throttling is best effort and capacity is
// enforced by the admission transaction.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	if l == nil || l.store == nil || limit <= 0 {
		return true
	}
	count, err := l.store.Incr(ctx, key, window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("key", key),
			zap.Error(err))
		return true
	}
	return count <= int64(limit)
}
