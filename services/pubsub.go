package services

import (
	"log"
	"sync"

	"go_chart_stream/models"
)

// pubSubChannel is the single logical channel all market messages
// travel on, both in-process and across the Redis relay.
const pubSubChannel = "market_stream"

// PubSubMessage is the outbound message schema: a raw price tick or a
// completed candle.
type PubSubMessage struct {
	Type      string         `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Price     float64        `json:"price,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Timeframe string         `json:"timeframe,omitempty"`
	Candle    *models.Candle `json:"candle,omitempty"`
}

// TickMessage builds a tick message.
func TickMessage(symbol string, price float64, timestamp int64) PubSubMessage {
	return PubSubMessage{Type: "tick", Symbol: symbol, Price: price, Timestamp: timestamp}
}

// CandleMessage builds a completed-candle message.
func CandleMessage(timeframe string, candle *models.Candle) PubSubMessage {
	return PubSubMessage{Type: "candle", Timeframe: timeframe, Candle: candle}
}

// PubSub decouples "a tick/candle was produced" from "deliver it to
// connected clients". Publish never blocks the caller on delivery and
// never surfaces delivery failures; delivery is at-most-once,
// best-effort. Exactly one implementation is chosen at startup.
type PubSub interface {
	Publish(msg PubSubMessage)
	Subscribe(callback func(PubSubMessage))
	Close() error
}

// MemoryPubSub is the single-process implementation: an in-memory
// dispatch loop with no network hops. Valid only when one server
// instance handles all clients.
type MemoryPubSub struct {
	mu        sync.RWMutex
	callbacks []func(PubSubMessage)

	queue     chan PubSubMessage
	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryPubSub creates the bus and starts its dispatcher.
func NewMemoryPubSub() *MemoryPubSub {
	p := &MemoryPubSub{
		queue: make(chan PubSubMessage, 1024),
		done:  make(chan struct{}),
	}
	go p.dispatch()
	log.Println("PubSub: memory mode active (single server)")
	return p
}

// Publish enqueues the message for dispatch. When the queue is full
// the message is dropped; a missed broadcast must never stall the
// ingestion path.
func (p *MemoryPubSub) Publish(msg PubSubMessage) {
	select {
	case p.queue <- msg:
	case <-p.done:
	default:
	}
}

// Subscribe registers a callback invoked once per published message.
func (p *MemoryPubSub) Subscribe(callback func(PubSubMessage)) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, callback)
	p.mu.Unlock()
}

func (p *MemoryPubSub) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			p.mu.RLock()
			callbacks := p.callbacks
			p.mu.RUnlock()
			for _, cb := range callbacks {
				cb(msg)
			}
		}
	}
}

// Close stops the dispatcher.
func (p *MemoryPubSub) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
