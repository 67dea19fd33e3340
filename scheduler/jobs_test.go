package scheduler

import (
	"context"
	"errors"
	"testing"

	"go_chart_stream/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	candles map[string]*models.Candle
	errs    map[string]error
	calls   []string
}

func (f *fakePoller) LatestCandle(ctx context.Context, symbol string) (*models.Candle, error) {
	f.calls = append(f.calls, symbol)
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.candles[symbol], nil
}

type fakeBufferSink struct {
	pushed []models.Candle
}

func (f *fakeBufferSink) Push(candle models.Candle) bool {
	f.pushed = append(f.pushed, candle)
	return true
}

func TestPollSymbolStagesLatestCandle(t *testing.T) {
	poller := &fakePoller{
		candles: map[string]*models.Candle{
			"XAU/USD": {Symbol: "XAU/USD", StartTime: 60, Close: 2050},
		},
	}
	sink := &fakeBufferSink{}
	s := NewScheduler(poller, sink, nil, nil)

	err := s.pollSymbol(context.Background(), PollingSymbol{"XAU/USD", models.CategoryMetal})
	require.NoError(t, err)

	require.Len(t, sink.pushed, 1)
	assert.Equal(t, "XAU/USD", sink.pushed[0].Symbol)
	assert.Equal(t, models.CategoryMetal, sink.pushed[0].Category, "category comes from the symbol list, not the API")
}

func TestPollSymbolNoDataIsNotAnError(t *testing.T) {
	poller := &fakePoller{candles: map[string]*models.Candle{}}
	sink := &fakeBufferSink{}
	s := NewScheduler(poller, sink, nil, nil)

	err := s.pollSymbol(context.Background(), PollingSymbol{"USO", models.CategoryCommodity})
	require.NoError(t, err)
	assert.Empty(t, sink.pushed)
}

func TestPollAllSymbolsIsolatesFailures(t *testing.T) {
	poller := &fakePoller{
		candles: map[string]*models.Candle{
			"XAG/USD": {Symbol: "XAG/USD", StartTime: 60, Close: 23},
		},
		errs: map[string]error{"XAU/USD": errors.New("api down")},
	}
	sink := &fakeBufferSink{}
	s := NewScheduler(poller, sink, nil, []PollingSymbol{
		{"XAU/USD", models.CategoryMetal},
		{"XAG/USD", models.CategoryMetal},
	})

	s.pollAllSymbols()

	// Both symbols polled; the failure did not stop the cycle.
	assert.Equal(t, []string{"XAU/USD", "XAG/USD"}, poller.calls)
	require.Len(t, sink.pushed, 1)
	assert.Equal(t, "XAG/USD", sink.pushed[0].Symbol)
}

func TestNewSchedulerDefaultsSymbolList(t *testing.T) {
	s := NewScheduler(&fakePoller{}, &fakeBufferSink{}, nil, nil)
	assert.Equal(t, DefaultPollingSymbols, s.symbols)

	custom := []PollingSymbol{{"USO", models.CategoryCommodity}}
	s = NewScheduler(&fakePoller{}, &fakeBufferSink{}, nil, custom)
	assert.Equal(t, custom, s.symbols)
}
