// Package audit records admission outcomes after commit. Records are queued
// and written by background workers so the caller never waits on the sink;
// a record that cannot be written is logged and dropped.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/domain"
)

// Sink persists a single analytics record. Implementations should treat a
// repeated record id as a no-op.
type Sink interface {
	Record(ctx context.Context, rec domain.AnalyticsRecord) error
}

var ErrClosed = errors.New("audit: emitter closed")

const (
	defaultQueueSize     = 256
	defaultWorkers       = 2
	defaultRPS           = 50
	defaultMaxTries      = 3
	defaultRecordTimeout = 5 * time.Second
)

type Emitter struct {
	sink          Sink
	logger        *zap.Logger
	limiter       *rate.Limiter
	queue         chan domain.AnalyticsRecord
	workers       int
	maxTries      uint
	recordTimeout time.Duration
	retryInterval time.Duration

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Emitter)

func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queue = make(chan domain.AnalyticsRecord, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRate caps sink writes per second across all workers.
func WithRate(rps float64) Option {
	return func(e *Emitter) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithMaxTries bounds the attempts per record, first write included.
func WithMaxTries(n uint) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.maxTries = n
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

func WithRecordTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.recordTimeout = d
		}
	}
}

// NewEmitter starts the worker goroutines. Call Close to stop them.
func NewEmitter(sink Sink, logger *zap.Logger, opts ...Option) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Emitter{
		sink:          sink,
		logger:        logger.Named("audit"),
		limiter:       rate.NewLimiter(rate.Limit(defaultRPS), defaultRPS),
		queue:         make(chan domain.AnalyticsRecord, defaultQueueSize),
		workers:       defaultWorkers,
		maxTries:      defaultMaxTries,
		recordTimeout: defaultRecordTimeout,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.run()
	}
	return e
}

// Emit enqueues rec without blocking. It reports false when the record was
// dropped because the queue is full or the emitter is closed.
func (e *Emitter) Emit(rec domain.AnalyticsRecord) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.logger.Warn("dropping audit record, emitter closed", zap.String("event_id", rec.EventID))
		return false
	}
	select {
	case e.queue <- rec:
		return true
	default:
		e.logger.Warn("dropping audit record, queue full",
			zap.String("event_id", rec.EventID),
			zap.Int("queue_size", cap(e.queue)),
		)
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written.
// If ctx expires first, in-flight writes are cancelled and ctx's error is
// returned.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for rec := range e.queue {
		e.deliver(rec)
	}
}

func (e *Emitter) deliver(rec domain.AnalyticsRecord) {
	if err := e.limiter.Wait(e.ctx); err != nil {
		e.logger.Warn("audit record discarded", zap.String("id", rec.ID), zap.Error(err))
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.retryInterval
	expo.MaxInterval = 10 * e.retryInterval

	_, err := backoff.Retry(e.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(e.ctx, e.recordTimeout)
		defer cancel()
		return struct{}{}, e.sink.Record(ctx, rec)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(e.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("retrying audit record",
				zap.String("id", rec.ID),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		e.logger.Warn("audit record discarded",
			zap.String("id", rec.ID),
			zap.String("event_id", rec.EventID),
			zap.Error(err),
		)
	}
}
