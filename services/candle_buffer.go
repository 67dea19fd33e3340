package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go_chart_stream/models"
)

// Default buffer tuning. Matches the volumes the upstream feed produces:
// a full batch is flushed immediately, everything else within 3 seconds.
const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 3 * time.Second
	DefaultMaxBufferSize = 10000
	DefaultMaxRetries    = 3
	DefaultRetryPause    = 1 * time.Second

	flushTimeout = 30 * time.Second
)

// CandleInserter persists a batch of candles, skipping duplicate keys.
type CandleInserter interface {
	BulkInsert(ctx context.Context, candles []models.Candle) (int64, error)
}

// DeadLetterSink records a batch that exhausted its retries.
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// BufferStats is a point-in-time snapshot of buffer counters.
type BufferStats struct {
	BufferSize      int       `json:"buffer_size"`
	TotalPushed     int64     `json:"total_pushed"`
	TotalFlushed    int64     `json:"total_flushed"`
	TotalFailed     int64     `json:"total_failed"`
	TotalDeadLetter int64     `json:"total_dead_lettered"`
	LastFlushTime   time.Time `json:"last_flush_time"`
	IsFlushing      bool      `json:"is_flushing"`
}

// BufferOptions configures a CandleBuffer.
type BufferOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBufferSize int
	MaxRetries    int
	RetryPause    time.Duration
}

// DefaultBufferOptions returns the production tuning.
func DefaultBufferOptions() BufferOptions {
	return BufferOptions{
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
		MaxBufferSize: DefaultMaxBufferSize,
		MaxRetries:    DefaultMaxRetries,
		RetryPause:    DefaultRetryPause,
	}
}

// retryableCandle tracks persistence attempts for a buffered candle.
// It never leaves the buffer: neither the store nor subscribers see it.
type retryableCandle struct {
	models.Candle
	RetryCount int `json:"retryCount"`
}

// CandleBuffer stages completed candles in memory and persists them in
// batches. Push is non-blocking and O(1); flushes collapse through an
// atomic try-lock so concurrent triggers never race. Failed batches are
// re-queued at the front of the buffer up to MaxRetries, then dead-
// lettered. A background flusher bounds worst-case latency; it is
// stopped at shutdown and never waited on.
type CandleBuffer struct {
	store CandleInserter
	sink  DeadLetterSink
	opts  BufferOptions

	mu     sync.Mutex
	buffer []retryableCandle

	totalPushed     int64
	totalFlushed    int64
	totalFailed     int64
	totalDeadLetter int64
	lastFlushTime   time.Time

	isFlushing   atomic.Bool
	shuttingDown atomic.Bool
	stopFlusher  chan struct{}
	shutdownOnce sync.Once
}

// NewCandleBuffer creates a buffer and starts its background flusher.
func NewCandleBuffer(store CandleInserter, sink DeadLetterSink, opts BufferOptions) *CandleBuffer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = DefaultRetryPause
	}

	b := &CandleBuffer{
		store:       store,
		sink:        sink,
		opts:        opts,
		buffer:      make([]retryableCandle, 0, opts.BatchSize),
		stopFlusher: make(chan struct{}),
	}

	go b.runFlusher()

	log.Printf("CandleBuffer initialized: batchSize=%d flushInterval=%v maxBuffer=%d maxRetries=%d",
		opts.BatchSize, opts.FlushInterval, opts.MaxBufferSize, opts.MaxRetries)
	return b
}

// Push appends one candle. Returns false and drops the candle when the
// buffer is full or the buffer is shutting down. The category tag is
// resolved here, once, so loosely-tagged candles never travel further.
func (b *CandleBuffer) Push(candle models.Candle) bool {
	if b.shuttingDown.Load() {
		log.Println("Push rejected during shutdown")
		return false
	}

	if !candle.Category.Valid() {
		candle.Category = models.CategoryFromSymbol(candle.Symbol)
	}

	b.mu.Lock()
	if len(b.buffer) >= b.opts.MaxBufferSize {
		b.totalFailed++
		size := len(b.buffer)
		b.mu.Unlock()
		log.Printf("Buffer overflow - candle dropped: current=%d max=%d", size, b.opts.MaxBufferSize)
		return false
	}

	b.buffer = append(b.buffer, retryableCandle{Candle: candle})
	b.totalPushed++
	size := len(b.buffer)
	b.mu.Unlock()

	// Batch threshold reached: drain here, synchronously, so candles
	// pushed after this one land in the next batch; only the store
	// write runs in the background.
	if size >= b.opts.BatchSize {
		if batch := b.tryDrain(); batch != nil {
			go b.persist(batch)
		}
	}

	return true
}

// PushMany pushes each candle and returns the number accepted.
func (b *CandleBuffer) PushMany(candles []models.Candle) int {
	pushed := 0
	for _, c := range candles {
		if b.Push(c) {
			pushed++
		}
	}
	return pushed
}

// Flush drains the buffer and persists its contents in one bulk insert.
// A no-op when a flush is already in progress or the buffer is empty.
// Returns the number of candles handed to the store on success.
func (b *CandleBuffer) Flush() int {
	batch := b.tryDrain()
	if batch == nil {
		return 0
	}
	return b.persist(batch)
}

// tryDrain acquires the flush flag and removes the current buffer
// contents. Returns nil when a flush is already in progress or the
// buffer is empty; a non-nil batch carries the flag, which persist
// releases. Candles pushed after the drain land in the next flush.
func (b *CandleBuffer) tryDrain() []retryableCandle {
	if !b.isFlushing.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		b.isFlushing.Store(false)
		return nil
	}
	batch := b.buffer
	b.buffer = make([]retryableCandle, 0, b.opts.BatchSize)
	b.mu.Unlock()
	return batch
}

// persist writes one drained batch and releases the flush flag.
func (b *CandleBuffer) persist(batch []retryableCandle) int {
	defer b.isFlushing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	candles := make([]models.Candle, len(batch))
	for i, rc := range batch {
		candles[i] = rc.Candle
	}

	start := time.Now()
	if _, err := b.store.BulkInsert(ctx, candles); err != nil {
		log.Printf("DB flush failed: %v", err)
		b.handleFailedBatch(ctx, batch, err)
		return 0
	}

	b.mu.Lock()
	b.totalFlushed += int64(len(batch))
	b.lastFlushTime = time.Now()
	b.mu.Unlock()

	log.Printf("Flush completed: count=%d elapsed=%v", len(batch), time.Since(start))
	return len(batch)
}

// handleFailedBatch splits a failed batch into candles that still have
// retries left and candles bound for the dead-letter store. Retryable
// candles go back to the FRONT of the buffer so they are persisted
// before newer data; the buffer then pauses briefly to avoid hammering
// a degraded store.
func (b *CandleBuffer) handleFailedBatch(ctx context.Context, batch []retryableCandle, cause error) {
	var toRetry, toDeadLetter []retryableCandle
	for _, rc := range batch {
		rc.RetryCount++
		if rc.RetryCount <= b.opts.MaxRetries {
			toRetry = append(toRetry, rc)
		} else {
			toDeadLetter = append(toDeadLetter, rc)
			log.Printf("Candle discarded after max retries: symbol=%s time=%s",
				rc.Symbol, time.Unix(rc.StartTime, 0).UTC().Format(time.RFC3339))
		}
	}

	if len(toDeadLetter) > 0 {
		b.sendToDeadLetter(ctx, toDeadLetter, cause)
		b.mu.Lock()
		b.totalDeadLetter += int64(len(toDeadLetter))
		b.mu.Unlock()
	}

	if len(toRetry) > 0 {
		log.Printf("Candles queued for retry: count=%d", len(toRetry))
		b.mu.Lock()
		b.buffer = append(toRetry, b.buffer...)
		b.totalFailed += int64(len(toRetry))
		b.mu.Unlock()

		// Keep the flush flag held through the pause so no other flush
		// hits the store until the backoff elapses.
		time.Sleep(b.opts.RetryPause)
	}
}

// sendToDeadLetter writes one dead-letter record for the whole batch.
// If even that write fails, the batch is logged at highest severity as
// a last resort; this is the only path that can lose data.
func (b *CandleBuffer) sendToDeadLetter(ctx context.Context, candles []retryableCandle, cause error) {
	data, err := json.Marshal(candles)
	if err != nil {
		data = []byte("[]")
	}

	dl := &models.DeadLetter{
		Module: "candle_buffer",
		Action: "flush_failed",
		Data:   string(data),
		Reason: cause.Error(),
	}

	if err := b.sink.SaveDeadLetter(ctx, dl); err != nil {
		log.Printf("CRITICAL: failed to save dead letter, data lost: cause=%v sinkErr=%v batch=%s",
			cause, err, string(data))
		return
	}

	log.Printf("Dead letter saved: count=%d", len(candles))
}

// ForceFlush drains the buffer completely, waiting out any in-flight
// flush and repeating until nothing remains. Repetition matters: a
// concurrent flush that fails re-queues its retried candles, and a
// single pass could observe the flag mid-handoff and drain nothing.
// Used during shutdown; terminates because failing candles leave via
// the dead-letter path. Returns the number of candles persisted.
func (b *CandleBuffer) ForceFlush() int {
	total := 0
	for {
		if b.isFlushing.Load() {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		batch := b.tryDrain()
		if batch == nil {
			if b.Size() == 0 && !b.isFlushing.Load() {
				return total
			}
			continue
		}
		total += b.persist(batch)
	}
}

// runFlusher triggers a flush on a fixed interval regardless of batch
// size, bounding ingestion-to-durability latency under low tick volume.
// The goroutine exits when Shutdown closes stopFlusher and is never
// joined; housekeeping must not keep the process alive.
func (b *CandleBuffer) runFlusher() {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopFlusher:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Shutdown stops accepting pushes, cancels the flusher and drains the
// remaining candles. Idempotent: repeated calls are no-ops.
func (b *CandleBuffer) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shuttingDown.Store(true)
		close(b.stopFlusher)

		remaining := b.Size()
		if remaining > 0 {
			log.Printf("Flushing remaining data before shutdown: remaining=%d", remaining)
		}
		b.ForceFlush()

		stats := b.GetStats()
		log.Printf("CandleBuffer shutdown complete: pushed=%d flushed=%d failed=%d deadLettered=%d",
			stats.TotalPushed, stats.TotalFlushed, stats.TotalFailed, stats.TotalDeadLetter)
	})
}

// GetStats returns a snapshot of the buffer counters.
func (b *CandleBuffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		BufferSize:      len(b.buffer),
		TotalPushed:     b.totalPushed,
		TotalFlushed:    b.totalFlushed,
		TotalFailed:     b.totalFailed,
		TotalDeadLetter: b.totalDeadLetter,
		LastFlushTime:   b.lastFlushTime,
		IsFlushing:      b.isFlushing.Load(),
	}
}

// Size returns the number of buffered candles.
func (b *CandleBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
