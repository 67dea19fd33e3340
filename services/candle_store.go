package services

import (
	"context"
	"fmt"
	"time"

	"go_chart_stream/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CandleStore is the durable store contract for one-minute candles and
// dead-letter records, backed by postgres. All inserts skip duplicate
// (symbol, time) keys so overlapping backfills and live writes collide
// harmlessly.
type CandleStore struct {
	db *gorm.DB
}

// NewCandleStore creates a store on top of an open gorm connection.
func NewCandleStore(db *gorm.DB) *CandleStore {
	return &CandleStore{db: db}
}

// BulkInsert writes candles in one statement, skipping rows whose
// (symbol, time) key already exists. Returns the number of rows
// actually inserted.
func (s *CandleStore) BulkInsert(ctx context.Context, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	rows := make([]models.Candle1m, len(candles))
	for i, c := range candles {
		rows[i] = c.Row()
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LastN returns the most recent n candles for a symbol, newest first.
func (s *CandleStore) LastN(ctx context.Context, symbol string, n int) ([]models.Candle, error) {
	var rows []models.Candle1m
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("time DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("last %d candles for %s: %w", n, symbol, err)
	}

	candles := make([]models.Candle, len(rows))
	for i, r := range rows {
		candles[i] = r.Candle()
	}
	return candles, nil
}

// Range returns candles with from <= time < to, oldest first.
func (s *CandleStore) Range(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	var rows []models.Candle1m
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND time >= ? AND time < ?", symbol, from, to).
		Order("time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("range query for %s: %w", symbol, err)
	}

	candles := make([]models.Candle, len(rows))
	for i, r := range rows {
		candles[i] = r.Candle()
	}
	return candles, nil
}

// SaveDeadLetter appends one dead-letter record.
func (s *CandleStore) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if err := s.db.WithContext(ctx).Create(dl).Error; err != nil {
		return fmt.Errorf("dead letter insert failed: %w", err)
	}
	return nil
}
