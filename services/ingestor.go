package services

import (
	"log"
	"sync"
	"time"

	"go_chart_stream/models"
)

// Ingestor is the live ingestion path: every tick is broadcast
// immediately, folded into the per-symbol candle maker, and each
// completed candle is staged in the write buffer and broadcast.
// Higher-timeframe aggregation is the database's job; the ingestor
// only ever produces one-minute candles.
//
// Handle runs on the feed's read loop; assembly and buffering are
// synchronous in-memory work, so the loop is never suspended on I/O.
type Ingestor struct {
	buffer *CandleBuffer
	pubsub PubSub

	mu     sync.Mutex
	makers map[string]*CandleMaker
}

// NewIngestor wires the buffer and pubsub into a tick handler.
func NewIngestor(buffer *CandleBuffer, pubsub PubSub) *Ingestor {
	return &Ingestor{
		buffer: buffer,
		pubsub: pubsub,
		makers: make(map[string]*CandleMaker),
	}
}

// HandleTick processes one validated price tick.
func (i *Ingestor) HandleTick(symbol string, price float64, timestamp int64) {
	i.pubsub.Publish(TickMessage(symbol, price, timestamp))

	i.mu.Lock()
	maker, ok := i.makers[symbol]
	if !ok {
		maker = NewCandleMaker()
		i.makers[symbol] = maker
	}
	completed := maker.Update(symbol, price, 0, timestamp)
	i.mu.Unlock()

	if completed == nil {
		return
	}

	i.buffer.Push(*completed)
	i.pubsub.Publish(CandleMessage("1m", completed))
	log.Printf("1m candle completed: symbol=%s time=%s",
		symbol, time.Unix(completed.StartTime, 0).UTC().Format(time.RFC3339))
}

// CurrentCandle exposes the open candle for a symbol, nil when none.
func (i *Ingestor) CurrentCandle(symbol string) *models.Candle {
	i.mu.Lock()
	defer i.mu.Unlock()
	maker, ok := i.makers[symbol]
	if !ok {
		return nil
	}
	return maker.CurrentCandle()
}
