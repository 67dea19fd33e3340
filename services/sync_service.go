package services

import (
	"context"
	"log"
	"time"

	"go_chart_stream/models"

	"golang.org/x/sync/errgroup"
)

// At most this many instruments reconcile concurrently, keeping
// startup traffic inside the upstream API's rate budget.
const defaultSyncConcurrency = 2

// backfillWindow caps one backfill request; the API returns at most
// this many rows per call.
const backfillOutputSize = 5000

// BackfillStore is the slice of the durable-store contract the
// reconciler needs.
type BackfillStore interface {
	LastN(ctx context.Context, symbol string, n int) ([]models.Candle, error)
	BulkInsert(ctx context.Context, candles []models.Candle) (int64, error)
}

// SyncService runs once at process start and repairs candle gaps left
// by downtime. For each instrument it inspects the last TWO persisted
// candles: the newest one bounds the trailing gap up to now, and the
// spacing between the two exposes a gap that predates the newest candle
// (one tick arriving right after a restart would otherwise mask a long
// outage). Missing ranges are fetched from the rate-limited REST API
// and bulk-inserted with duplicate-key skipping.
type SyncService struct {
	store    BackfillStore
	fetcher  CandleFetcher
	interval time.Duration

	maxConcurrency int
	now            func() time.Time
}

// NewSyncService creates a reconciler over the store and REST client.
func NewSyncService(store BackfillStore, fetcher CandleFetcher) *SyncService {
	return &SyncService{
		store:          store,
		fetcher:        fetcher,
		interval:       time.Duration(CandleIntervalSeconds) * time.Second,
		maxConcurrency: defaultSyncConcurrency,
		now:            time.Now,
	}
}

// SyncAll reconciles every symbol. Symbols are independent: one
// failure is logged and never blocks or fails the others.
func (s *SyncService) SyncAll(ctx context.Context, symbols []string) {
	log.Printf("Starting data sync check for %d symbols...", len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for _, symbol := range symbols {
		g.Go(func() error {
			if err := s.syncSymbol(ctx, symbol); err != nil {
				log.Printf("Sync failed for %s: %v", symbol, err)
			}
			return nil
		})
	}
	g.Wait()

	log.Println("Data sync completed. Ready for realtime streaming.")
}

func (s *SyncService) syncSymbol(ctx context.Context, symbol string) error {
	last, err := s.store.LastN(ctx, symbol, 2)
	if err != nil {
		return err
	}

	if len(last) == 0 {
		// Full historical seeding is a separate operation, not a gap repair.
		log.Printf("No existing data for %s (new symbol), initial seeding required", symbol)
		return nil
	}

	latest := time.Unix(last[0].StartTime, 0).UTC()
	now := s.now().UTC()

	// Trailing gap: nothing persisted for two or more intervals.
	if now.Sub(latest) >= 2*s.interval {
		if err := s.backfill(ctx, symbol, latest.Add(s.interval), now); err != nil {
			return err
		}
	} else {
		log.Printf("Data is up to date for %s", symbol)
	}

	// Gap hiding behind the newest candle, bounded where it begins.
	if len(last) == 2 {
		previous := time.Unix(last[1].StartTime, 0).UTC()
		if latest.Sub(previous) >= 2*s.interval {
			if err := s.backfill(ctx, symbol, previous.Add(s.interval), latest); err != nil {
				return err
			}
		}
	}

	return nil
}

// backfill fetches [from, to) and bulk-inserts the result. A window
// ending in the future is clamped to now; an empty or inverted window
// after clamping is skipped silently.
func (s *SyncService) backfill(ctx context.Context, symbol string, from, to time.Time) error {
	if now := s.now().UTC(); to.After(now) {
		to = now
	}
	if !from.Before(to) {
		return nil
	}

	log.Printf("Data gap detected for %s, recovering %s ~ %s",
		symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))

	candles, err := s.fetcher.TimeSeries(ctx, TimeSeriesQuery{
		Symbol:     symbol,
		Start:      from,
		End:        to,
		OutputSize: backfillOutputSize,
	})
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		log.Printf("No data to recover for %s (market closed, etc.)", symbol)
		return nil
	}

	category := models.CategoryFromSymbol(symbol)
	for i := range candles {
		candles[i].Category = category
	}

	inserted, err := s.store.BulkInsert(ctx, candles)
	if err != nil {
		return err
	}

	log.Printf("Candles recovered for %s: fetched=%d inserted=%d", symbol, len(candles), inserted)
	return nil
}
