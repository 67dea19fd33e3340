package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go_chart_stream/models"

	"github.com/shopspring/decimal"
)

const (
	twelveDataBaseURL = "https://api.twelvedata.com"
	timeSeriesLayout  = "2006-01-02 15:04:05"
)

// CandleFetcher is the backfill/polling contract against the upstream
// time-series REST API.
type CandleFetcher interface {
	TimeSeries(ctx context.Context, q TimeSeriesQuery) ([]models.Candle, error)
	LatestCandle(ctx context.Context, symbol string) (*models.Candle, error)
}

// TimeSeriesQuery describes one time_series request.
type TimeSeriesQuery struct {
	Symbol     string
	Start      time.Time // zero value omits the bound
	End        time.Time
	OutputSize int
	Descending bool
}

type timeSeriesResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Values  []timeSeriesValue `json:"values"`
}

// The API returns every numeric field as a string.
type timeSeriesValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// TwelveDataClient fetches one-minute candles from the TwelveData REST
// API. Every request goes through the shared rate limiter.
type TwelveDataClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
}

// NewTwelveDataClient creates a client using the shared limiter.
func NewTwelveDataClient(apiKey string, limiter *RateLimiter) *TwelveDataClient {
	return &TwelveDataClient{
		apiKey:     apiKey,
		baseURL:    twelveDataBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
	}
}

// TimeSeries fetches one-minute candles for the query range. An error
// status in the response body is returned as an error so callers can
// short-circuit that instrument without failing the batch.
func (c *TwelveDataClient) TimeSeries(ctx context.Context, q TimeSeriesQuery) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("interval", "1min")
	params.Set("apikey", c.apiKey)
	params.Set("timezone", "UTC")
	if !q.Start.IsZero() {
		params.Set("start_date", q.Start.UTC().Format(timeSeriesLayout))
	}
	if !q.End.IsZero() {
		params.Set("end_date", q.End.UTC().Format(timeSeriesLayout))
	}
	if q.OutputSize > 0 {
		params.Set("outputsize", strconv.Itoa(q.OutputSize))
	}
	if q.Descending {
		params.Set("order", "DESC")
	} else {
		params.Set("order", "ASC")
	}

	var body timeSeriesResponse
	err := c.limiter.Schedule(ctx, func() error {
		return c.get(ctx, "/time_series", params, &body)
	})
	if err != nil {
		return nil, err
	}

	if body.Status == "error" {
		return nil, fmt.Errorf("twelvedata time_series error for %s: %s", q.Symbol, body.Message)
	}

	candles := make([]models.Candle, 0, len(body.Values))
	for _, v := range body.Values {
		candle, err := v.candle(q.Symbol)
		if err != nil {
			log.Printf("Skipping malformed candle value: symbol=%s datetime=%q err=%v", q.Symbol, v.Datetime, err)
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// LatestCandle fetches the single most recent one-minute candle.
func (c *TwelveDataClient) LatestCandle(ctx context.Context, symbol string) (*models.Candle, error) {
	candles, err := c.TimeSeries(ctx, TimeSeriesQuery{
		Symbol:     symbol,
		OutputSize: 1,
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}
	return &candles[0], nil
}

func (c *TwelveDataClient) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twelvedata request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("twelvedata response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("twelvedata returned HTTP %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("twelvedata response decode failed: %w", err)
	}
	return nil
}

// candle parses one API value. OHLC strings are parsed through decimal
// to avoid locale/format surprises before being stored as float64; a
// missing volume (common for forex) is treated as zero.
func (v timeSeriesValue) candle(symbol string) (models.Candle, error) {
	ts, err := time.ParseInLocation(timeSeriesLayout, v.Datetime, time.UTC)
	if err != nil {
		return models.Candle{}, fmt.Errorf("bad datetime: %w", err)
	}

	open, err := decimal.NewFromString(v.Open)
	if err != nil {
		return models.Candle{}, fmt.Errorf("bad open: %w", err)
	}
	high, err := decimal.NewFromString(v.High)
	if err != nil {
		return models.Candle{}, fmt.Errorf("bad high: %w", err)
	}
	low, err := decimal.NewFromString(v.Low)
	if err != nil {
		return models.Candle{}, fmt.Errorf("bad low: %w", err)
	}
	closePrice, err := decimal.NewFromString(v.Close)
	if err != nil {
		return models.Candle{}, fmt.Errorf("bad close: %w", err)
	}

	volume := decimal.Zero
	if v.Volume != "" {
		if parsed, err := decimal.NewFromString(v.Volume); err == nil {
			volume = parsed
		}
	}

	return models.Candle{
		Symbol:    symbol,
		StartTime: ts.Truncate(time.Minute).Unix(),
		Open:      open.InexactFloat64(),
		High:      high.InexactFloat64(),
		Low:       low.InexactFloat64(),
		Close:     closePrice.InexactFloat64(),
		Volume:    volume.InexactFloat64(),
	}, nil
}
