package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Category classifies an instrument for storage partitioning.
// The set is closed; anything unknown resolves to CategoryStock.
type Category string

const (
	CategoryStock     Category = "stock"
	CategoryCrypto    Category = "crypto"
	CategoryForex     Category = "forex"
	CategoryMetal     Category = "metal"
	CategoryCommodity Category = "commodity"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryStock, CategoryCrypto, CategoryForex, CategoryMetal, CategoryCommodity:
		return true
	}
	return false
}

// CategoryFromSymbol derives a category from the exchange symbol.
// Used as the default when upstream data carries no category tag.
func CategoryFromSymbol(symbol string) Category {
	if strings.Contains(symbol, "BTC") || strings.Contains(symbol, "ETH") {
		return CategoryCrypto
	}
	for _, m := range []string{"XAU", "XAG", "XPT", "XPD"} {
		if strings.Contains(symbol, m) {
			return CategoryMetal
		}
	}
	for _, e := range []string{"USO", "BNO", "UNG", "UGA", "DBE", "CL", "NG", "CPER"} {
		if strings.Contains(symbol, e) {
			return CategoryCommodity
		}
	}
	if strings.Contains(symbol, "/") {
		return CategoryForex
	}
	return CategoryStock
}

// Candle is one OHLCV record for one instrument over one minute.
// StartTime is epoch seconds aligned to the minute boundary.
type Candle struct {
	Symbol    string   `json:"symbol"`
	StartTime int64    `json:"startTime"`
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    float64  `json:"volume"`
	Category  Category `json:"category,omitempty"`
}

// Row converts the candle to its database representation.
func (c Candle) Row() Candle1m {
	category := c.Category
	if !category.Valid() {
		category = CategoryFromSymbol(c.Symbol)
	}
	return Candle1m{
		Symbol:   c.Symbol,
		Time:     time.Unix(c.StartTime, 0).UTC(),
		Open:     c.Open,
		High:     c.High,
		Low:      c.Low,
		Close:    c.Close,
		Volume:   c.Volume,
		Category: string(category),
	}
}

// Candle1m is the persisted one-minute candle. (symbol, time) is the
// unique key; higher timeframes are continuous aggregates maintained
// by the database, never written by the application.
type Candle1m struct {
	Symbol   string    `gorm:"primaryKey;size:32" json:"symbol"`
	Time     time.Time `gorm:"primaryKey" json:"time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Category string    `gorm:"size:16;index" json:"category"`
}

// TableName overrides the gorm default.
func (Candle1m) TableName() string {
	return "candle_1m"
}

// Candle converts the row back to its wire representation.
func (r Candle1m) Candle() Candle {
	return Candle{
		Symbol:    r.Symbol,
		StartTime: r.Time.Unix(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Category:  Category(r.Category),
	}
}

// DeadLetter is an append-only record of a candle batch that exhausted
// its persistence retries. Written once, consumed only by manual
// inspection; the ingestion path never reads it back.
type DeadLetter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Module    string    `gorm:"size:64" json:"module"`
	Action    string    `gorm:"size:64" json:"action"`
	Data      string    `gorm:"type:jsonb" json:"data"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the gorm default.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// MigrateMarketModels runs database migrations for market data models.
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Candle1m{},
		&DeadLetter{},
	)
}
