package services

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// feedReconnectDelay is the fixed delay before re-dialing a dropped
// upstream connection. Retries are indefinite.
const feedReconnectDelay = 5 * time.Second

// TickHandler receives one validated price tick. timestamp is epoch
// seconds.
type TickHandler func(symbol string, price float64, timestamp int64)

type subscribeMessage struct {
	Action string          `json:"action"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Symbols string `json:"symbols"`
}

type priceEvent struct {
	Event     string  `json:"event"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// TickFeed maintains the websocket connection to the upstream quote
// stream: it subscribes to the configured symbols on connect, forwards
// price events to the handler, and reconnects after a fixed delay on
// any disconnect, forever, until the context is cancelled.
type TickFeed struct {
	url     string
	symbols []string
	handler TickHandler
}

// NewTickFeed creates a feed for the given websocket URL (API key
// included) and symbol set.
func NewTickFeed(wsURL string, symbols []string, handler TickHandler) *TickFeed {
	return &TickFeed{
		url:     wsURL,
		symbols: symbols,
		handler: handler,
	}
}

// Run connects and pumps messages until ctx is cancelled. Intended to
// be run in its own goroutine from the composition root.
func (f *TickFeed) Run(ctx context.Context) {
	for {
		f.connectAndRead(ctx)

		select {
		case <-ctx.Done():
			log.Println("Tick feed stopped")
			return
		case <-time.After(feedReconnectDelay):
			log.Printf("Tick feed reconnecting after %v...", feedReconnectDelay)
		}
	}
}

func (f *TickFeed) connectAndRead(ctx context.Context) {
	log.Println("Tick feed connecting...")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		log.Printf("Tick feed dial failed: %v", err)
		return
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sub := subscribeMessage{
		Action: "subscribe",
		Params: subscribeParams{Symbols: strings.Join(f.symbols, ",")},
	}
	if err := conn.WriteJSON(sub); err != nil {
		log.Printf("Tick feed subscribe failed: %v", err)
		return
	}
	log.Printf("Tick feed connected, subscribed to %d symbols", len(f.symbols))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Tick feed connection closed: %v", err)
			}
			return
		}
		f.handleMessage(data)
	}
}

// handleMessage parses one inbound frame. Non-price events and
// malformed ticks (missing fields, non-finite prices) are dropped here
// so downstream candle assembly never sees them.
func (f *TickFeed) handleMessage(data []byte) {
	var event priceEvent
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("Tick feed message parse error: %v", err)
		return
	}

	if event.Event != "price" || event.Symbol == "" || event.Timestamp == 0 {
		return
	}
	if math.IsNaN(event.Price) || math.IsInf(event.Price, 0) || event.Price == 0 {
		return
	}

	f.handler(event.Symbol, event.Price, event.Timestamp)
}
