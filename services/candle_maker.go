package services

import (
	"go_chart_stream/models"
)

// CandleIntervalSeconds is the base candle bucket length. Higher
// timeframes are aggregated by the database, not by this service.
const CandleIntervalSeconds int64 = 60

// CandleMaker folds a stream of price ticks into one-minute candles
// for a single instrument. It holds at most one open candle at a time
// and emits the previous candle when a tick crosses into a new bucket.
//
// Volume only accumulates over ticks observed while the process is
// running; minutes missed during downtime are recovered by SyncService.
type CandleMaker struct {
	current *models.Candle
}

// NewCandleMaker returns a maker with no open candle.
func NewCandleMaker() *CandleMaker {
	return &CandleMaker{}
}

// Update applies one tick and returns the completed candle when the
// tick opens a new minute bucket, or nil while the bucket is still open.
// timestamp is epoch seconds. Callers are responsible for filtering
// malformed inputs; Update performs no validation and no I/O.
func (m *CandleMaker) Update(symbol string, price, volume float64, timestamp int64) *models.Candle {
	bucketStart := timestamp / CandleIntervalSeconds * CandleIntervalSeconds

	// New bucket: close out the previous candle, open a fresh one.
	if m.current == nil || m.current.StartTime != bucketStart {
		completed := m.current
		m.current = &models.Candle{
			Symbol:    symbol,
			StartTime: bucketStart,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    volume,
		}
		return completed
	}

	if price > m.current.High {
		m.current.High = price
	}
	if price < m.current.Low {
		m.current.Low = price
	}
	m.current.Close = price
	m.current.Volume += volume

	return nil
}

// CurrentCandle returns the open candle, or nil if no tick has arrived.
func (m *CandleMaker) CurrentCandle() *models.Candle {
	return m.current
}

// Reset discards the open candle.
func (m *CandleMaker) Reset() {
	m.current = nil
}
