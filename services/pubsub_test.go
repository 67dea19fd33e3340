package services

import (
	"testing"
	"time"

	"go_chart_stream/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSubDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryPubSub()
	defer bus.Close()

	received := make(chan PubSubMessage, 2)
	bus.Subscribe(func(msg PubSubMessage) { received <- msg })
	bus.Subscribe(func(msg PubSubMessage) { received <- msg })

	bus.Publish(TickMessage("SPY", 500.5, 1700000000))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, "tick", msg.Type)
			assert.Equal(t, "SPY", msg.Symbol)
			assert.Equal(t, 500.5, msg.Price)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the message")
		}
	}
}

func TestMemoryPubSubCandleMessage(t *testing.T) {
	bus := NewMemoryPubSub()
	defer bus.Close()

	received := make(chan PubSubMessage, 1)
	bus.Subscribe(func(msg PubSubMessage) { received <- msg })

	candle := &models.Candle{Symbol: "BTC/USD", StartTime: 60, Close: 50100}
	bus.Publish(CandleMessage("1m", candle))

	select {
	case msg := <-received:
		assert.Equal(t, "candle", msg.Type)
		assert.Equal(t, "1m", msg.Timeframe)
		require.NotNil(t, msg.Candle)
		assert.Equal(t, "BTC/USD", msg.Candle.Symbol)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the candle")
	}
}

func TestMemoryPubSubPublishAfterCloseIsSafe(t *testing.T) {
	bus := NewMemoryPubSub()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	// Messages after close are silently discarded.
	bus.Publish(TickMessage("SPY", 1, 1))
}
