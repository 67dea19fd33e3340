package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned when a job is shed because the limiter's
// pending queue is at capacity.
var ErrQueueFull = errors.New("rate limiter: queue full, job shed")

// TwelveData allows 610 requests/minute on the current plan; 10
// concurrent with 100ms spacing keeps a safe margin under that.
const (
	DefaultMaxConcurrent = 10
	DefaultMinInterval   = 100 * time.Millisecond
	DefaultHighWater     = 5000
	DefaultJobRetries    = 3
	DefaultBaseBackoff   = 1 * time.Second
)

// RateLimiterOptions configures a RateLimiter.
type RateLimiterOptions struct {
	MaxConcurrent int64
	MinInterval   time.Duration
	HighWater     int
	MaxRetries    int
	BaseBackoff   time.Duration
}

// DefaultRateLimiterOptions returns the upstream API tuning.
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		MaxConcurrent: DefaultMaxConcurrent,
		MinInterval:   DefaultMinInterval,
		HighWater:     DefaultHighWater,
		MaxRetries:    DefaultJobRetries,
		BaseBackoff:   DefaultBaseBackoff,
	}
}

// RateLimiter throttles outbound calls to the upstream market-data API:
// a concurrency cap, a minimum spacing between call starts, and a
// bounded pending queue past which submissions are shed rather than
// queued forever. Failed jobs are retried with exponential backoff.
type RateLimiter struct {
	sem     *semaphore.Weighted
	pending chan struct{}

	spacingMu sync.Mutex
	nextSlot  time.Time

	minInterval time.Duration
	maxRetries  int
	baseBackoff time.Duration
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultJobRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}

	return &RateLimiter{
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		pending:     make(chan struct{}, opts.HighWater),
		minInterval: opts.MinInterval,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
	}
}

// Schedule runs job under the limiter's constraints. Returns
// ErrQueueFull immediately when the pending queue is at capacity,
// the context error if cancelled while waiting, or the job's last
// error once retries are exhausted.
func (l *RateLimiter) Schedule(ctx context.Context, job func() error) error {
	select {
	case l.pending <- struct{}{}:
	default:
		return ErrQueueFull
	}
	defer func() { <-l.pending }()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	if err := l.waitForSlot(ctx); err != nil {
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = job(); err == nil {
			return nil
		}
		if attempt >= l.maxRetries {
			return err
		}

		backoff := l.baseBackoff << uint(attempt)
		log.Printf("Rate-limited job failed (retry %d in %v): %v", attempt+1, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// waitForSlot enforces the minimum spacing between call starts.
func (l *RateLimiter) waitForSlot(ctx context.Context) error {
	l.spacingMu.Lock()
	now := time.Now()
	var wait time.Duration
	if l.nextSlot.After(now) {
		wait = l.nextSlot.Sub(now)
		l.nextSlot = l.nextSlot.Add(l.minInterval)
	} else {
		l.nextSlot = now.Add(l.minInterval)
	}
	l.spacingMu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
