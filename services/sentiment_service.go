package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo database and collection for sentiment snapshots.
const (
	sentimentDBName     = "chart_stream"
	sentimentCollection = "sentiment_indices"

	cryptoFearGreedURL = "https://api.alternative.me/fng/?limit=1"
	stockFearGreedURL  = "https://production.dataviz.cnn.io/index/fearandgreed/graphdata"
)

// SentimentIndex is one snapshot of a market-wide sentiment gauge.
// These change slowly, so they are refreshed once at startup rather
// than polled.
type SentimentIndex struct {
	Name      string    `bson:"_id" json:"name"`
	Value     float64   `bson:"value" json:"value"`
	Rating    string    `bson:"rating" json:"rating"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// SentimentStore persists sentiment snapshots in MongoDB.
type SentimentStore struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewSentimentStore connects to MongoDB and verifies with a ping.
func NewSentimentStore(ctx context.Context, uri string) (*SentimentStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	log.Println("MongoDB connected for sentiment indices")
	return &SentimentStore{
		client:   client,
		database: client.Database(sentimentDBName),
	}, nil
}

// Save upserts one snapshot keyed by index name.
func (s *SentimentStore) Save(ctx context.Context, index SentimentIndex) error {
	collection := s.database.Collection(sentimentCollection)
	opts := options.Replace().SetUpsert(true)
	_, err := collection.ReplaceOne(ctx, bson.M{"_id": index.Name}, index, opts)
	if err != nil {
		return fmt.Errorf("failed to save sentiment index %s: %w", index.Name, err)
	}
	return nil
}

// Close disconnects the client.
func (s *SentimentStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SentimentService fetches the two slowly-changing sentiment gauges
// (crypto Fear & Greed, stock Fear & Greed) and stores snapshots.
type SentimentService struct {
	store      *SentimentStore
	httpClient *http.Client
}

// NewSentimentService creates the service over a connected store.
func NewSentimentService(store *SentimentStore) *SentimentService {
	return &SentimentService{
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// RefreshAll fetches and stores both indices. Best effort: each index
// is fetched independently and failures are only logged.
func (s *SentimentService) RefreshAll(ctx context.Context) {
	log.Println("Refreshing sentiment indices...")

	if index, err := s.fetchCryptoFearGreed(ctx); err != nil {
		log.Printf("Crypto Fear & Greed refresh failed: %v", err)
	} else if err := s.store.Save(ctx, index); err != nil {
		log.Printf("Crypto Fear & Greed save failed: %v", err)
	}

	if index, err := s.fetchStockFearGreed(ctx); err != nil {
		log.Printf("Stock Fear & Greed refresh failed: %v", err)
	} else if err := s.store.Save(ctx, index); err != nil {
		log.Printf("Stock Fear & Greed save failed: %v", err)
	}

	log.Println("Sentiment index refresh done")
}

func (s *SentimentService) fetchCryptoFearGreed(ctx context.Context) (SentimentIndex, error) {
	var body struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, cryptoFearGreedURL, &body); err != nil {
		return SentimentIndex{}, err
	}
	if len(body.Data) == 0 {
		return SentimentIndex{}, fmt.Errorf("empty fear & greed response")
	}

	value, err := strconv.ParseFloat(body.Data[0].Value, 64)
	if err != nil {
		return SentimentIndex{}, fmt.Errorf("bad fear & greed value: %w", err)
	}

	return SentimentIndex{
		Name:      "crypto_fear_greed",
		Value:     value,
		Rating:    body.Data[0].Classification,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *SentimentService) fetchStockFearGreed(ctx context.Context) (SentimentIndex, error) {
	var body struct {
		FearAndGreed struct {
			Score  float64 `json:"score"`
			Rating string  `json:"rating"`
		} `json:"fear_and_greed"`
	}
	if err := s.getJSON(ctx, stockFearGreedURL, &body); err != nil {
		return SentimentIndex{}, err
	}

	return SentimentIndex{
		Name:      "stock_fear_greed",
		Value:     body.FearAndGreed.Score,
		Rating:    body.FearAndGreed.Rating,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (s *SentimentService) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	// CNN blocks requests without a browser-ish user agent.
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; chart-stream/1.0)")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	return json.Unmarshal(data, out)
}
