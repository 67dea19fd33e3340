package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		MaxConcurrent: 10,
		MinInterval:   time.Millisecond,
		HighWater:     100,
		MaxRetries:    3,
		BaseBackoff:   time.Millisecond,
	}
}

func TestRateLimiterRunsJob(t *testing.T) {
	l := NewRateLimiter(quickLimiterOptions())

	ran := false
	err := l.Schedule(context.Background(), func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRateLimiterShedsWhenQueueFull(t *testing.T) {
	opts := quickLimiterOptions()
	opts.MaxConcurrent = 1
	opts.HighWater = 1
	l := NewRateLimiter(opts)

	started := make(chan struct{})
	release := make(chan struct{})
	go l.Schedule(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The single queue slot is held by the running job; new work is
	// shed immediately instead of waiting.
	err := l.Schedule(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

func TestRateLimiterEnforcesMinimumSpacing(t *testing.T) {
	opts := quickLimiterOptions()
	opts.MinInterval = 30 * time.Millisecond
	l := NewRateLimiter(opts)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Schedule(context.Background(), func() error { return nil }))
	}

	// Three starts need at least two full spacing intervals.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRateLimiterRetriesWithBackoff(t *testing.T) {
	l := NewRateLimiter(quickLimiterOptions())

	var calls int32
	err := l.Schedule(context.Background(), func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimiterReturnsLastErrorAfterRetries(t *testing.T) {
	opts := quickLimiterOptions()
	opts.MaxRetries = 2
	l := NewRateLimiter(opts)

	var calls int32
	jobErr := errors.New("persistent failure")
	err := l.Schedule(context.Background(), func() error {
		atomic.AddInt32(&calls, 1)
		return jobErr
	})
	assert.ErrorIs(t, err, jobErr)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "initial attempt plus two retries")
}

func TestRateLimiterHonorsContextWhileWaiting(t *testing.T) {
	opts := quickLimiterOptions()
	opts.MaxConcurrent = 1
	l := NewRateLimiter(opts)

	started := make(chan struct{})
	release := make(chan struct{})
	go l.Schedule(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Schedule(ctx, func() error {
		t.Error("job must not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
