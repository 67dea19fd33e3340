package scheduler

import (
	"context"
	"log"
	"time"

	"go_chart_stream/models"

	"github.com/go-co-op/gocron"
)

// The cycle runs at second :05 of every minute, giving the exchange
// aggregation a moment to settle before the just-closed minute is
// fetched.
const pollCronExpr = "5 * * * * *"

// pollCycleTimeout bounds one full polling cycle; the next cycle
// starts a minute later regardless.
const pollCycleTimeout = 50 * time.Second

// PollingSymbol pairs a polled instrument with its storage category.
type PollingSymbol struct {
	Symbol   string
	Category models.Category
}

// DefaultPollingSymbols lists the instruments collected by polling:
// symbols the websocket feed does not stream.
var DefaultPollingSymbols = []PollingSymbol{
	// FX crosses
	{"USD/KRW", models.CategoryForex},
	{"EUR/KRW", models.CategoryForex},
	{"JPY/KRW", models.CategoryForex},
	{"CNY/KRW", models.CategoryForex},
	{"HKD/KRW", models.CategoryForex},

	// Metals
	{"XAU/USD", models.CategoryMetal},
	{"XAG/USD", models.CategoryMetal},
	{"XPT/USD", models.CategoryMetal},
	{"XPD/USD", models.CategoryMetal},
	{"CPER", models.CategoryMetal},

	// Energy ETFs
	{"USO", models.CategoryCommodity},
	{"BNO", models.CategoryCommodity},
	{"UNG", models.CategoryCommodity},
	{"UGA", models.CategoryCommodity},
	{"DBE", models.CategoryCommodity},
}

// candlePoller fetches the latest candle for one symbol.
type candlePoller interface {
	LatestCandle(ctx context.Context, symbol string) (*models.Candle, error)
}

// candleSink accepts completed candles for persistence.
type candleSink interface {
	Push(candle models.Candle) bool
}

// sentimentRefresher runs the startup one-shot sentiment refresh.
type sentimentRefresher interface {
	RefreshAll(ctx context.Context)
}

// Scheduler runs the per-minute polling job.
type Scheduler struct {
	cron      *gocron.Scheduler
	fetcher   candlePoller
	sink      candleSink
	sentiment sentimentRefresher
	symbols   []PollingSymbol
}

// NewScheduler creates a scheduler. sentiment may be nil when no
// sentiment store is configured.
func NewScheduler(fetcher candlePoller, sink candleSink, sentiment sentimentRefresher, symbols []PollingSymbol) *Scheduler {
	if len(symbols) == 0 {
		symbols = DefaultPollingSymbols
	}
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		fetcher:   fetcher,
		sink:      sink,
		sentiment: sentiment,
		symbols:   symbols,
	}
}

// Start registers the jobs and runs the scheduler asynchronously.
func (s *Scheduler) Start() {
	log.Printf("Starting polling scheduler: symbols=%d", len(s.symbols))

	s.cron.CronWithSeconds(pollCronExpr).Do(func() {
		s.pollAllSymbols()
	})

	// Sentiment gauges barely move intraday; refresh once at startup.
	if s.sentiment != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
			defer cancel()
			s.sentiment.RefreshAll(ctx)
		}()
	}

	s.cron.StartAsync()
	log.Println("Scheduler started (runs at :05 every minute)")
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

// pollAllSymbols runs one polling cycle. Symbols are independent: one
// failure is logged and the cycle moves on.
func (s *Scheduler) pollAllSymbols() {
	ctx, cancel := context.WithTimeout(context.Background(), pollCycleTimeout)
	defer cancel()

	for _, ps := range s.symbols {
		if err := s.pollSymbol(ctx, ps); err != nil {
			log.Printf("Polling failed for %s: %v", ps.Symbol, err)
		}
	}
}

// pollSymbol fetches the latest candle for one symbol and stages it in
// the buffer.
func (s *Scheduler) pollSymbol(ctx context.Context, ps PollingSymbol) error {
	candle, err := s.fetcher.LatestCandle(ctx, ps.Symbol)
	if err != nil {
		return err
	}
	if candle == nil {
		log.Printf("No data from polling for %s", ps.Symbol)
		return nil
	}

	candle.Category = ps.Category
	s.sink.Push(*candle)
	return nil
}
