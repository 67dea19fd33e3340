package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedTick struct {
	symbol    string
	price     float64
	timestamp int64
}

func feedWithRecorder() (*TickFeed, *[]recordedTick) {
	var ticks []recordedTick
	feed := NewTickFeed("ws://unused", []string{"SPY"}, func(symbol string, price float64, timestamp int64) {
		ticks = append(ticks, recordedTick{symbol, price, timestamp})
	})
	return feed, &ticks
}

func TestFeedForwardsPriceEvents(t *testing.T) {
	feed, ticks := feedWithRecorder()

	feed.handleMessage([]byte(`{"event":"price","symbol":"SPY","price":500.5,"timestamp":1700000000}`))

	require.Len(t, *ticks, 1)
	got := (*ticks)[0]
	assert.Equal(t, "SPY", got.symbol)
	assert.Equal(t, 500.5, got.price)
	assert.Equal(t, int64(1700000000), got.timestamp)
}

func TestFeedIgnoresNonPriceEvents(t *testing.T) {
	feed, ticks := feedWithRecorder()

	feed.handleMessage([]byte(`{"event":"subscribe-status","status":"ok"}`))
	feed.handleMessage([]byte(`{"event":"heartbeat"}`))

	assert.Empty(t, *ticks)
}

func TestFeedDropsMalformedTicks(t *testing.T) {
	feed, ticks := feedWithRecorder()

	// Missing symbol, missing timestamp, zero price.
	feed.handleMessage([]byte(`{"event":"price","price":500,"timestamp":1700000000}`))
	feed.handleMessage([]byte(`{"event":"price","symbol":"SPY","price":500}`))
	feed.handleMessage([]byte(`{"event":"price","symbol":"SPY","price":0,"timestamp":1700000000}`))

	// Unparseable frame.
	feed.handleMessage([]byte(`not json`))

	assert.Empty(t, *ticks)
}
