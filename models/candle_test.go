package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategoryFromSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		want   Category
	}{
		{"BTC/USD", CategoryCrypto},
		{"ETH/USD", CategoryCrypto},
		{"XAU/USD", CategoryMetal},
		{"XAG/USD", CategoryMetal},
		{"CPER", CategoryCommodity},
		{"USO", CategoryCommodity},
		{"UNG", CategoryCommodity},
		{"USD/KRW", CategoryForex},
		{"EUR/KRW", CategoryForex},
		{"SPY", CategoryStock},
		{"QQQ", CategoryStock},
		{"", CategoryStock},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CategoryFromSymbol(tc.symbol), "symbol %q", tc.symbol)
	}
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryCrypto.Valid())
	assert.True(t, CategoryStock.Valid())
	assert.False(t, Category("bond").Valid())
	assert.False(t, Category("").Valid())
}

func TestCandleRowRoundTrip(t *testing.T) {
	c := Candle{
		Symbol:    "SPY",
		StartTime: 1700000040,
		Open:      500.1,
		High:      500.5,
		Low:       499.9,
		Close:     500.2,
		Volume:    12345,
		Category:  CategoryStock,
	}

	row := c.Row()
	assert.Equal(t, time.Unix(1700000040, 0).UTC(), row.Time)
	assert.Equal(t, "stock", row.Category)
	assert.Equal(t, c, row.Candle())
}

func TestCandleRowDerivesMissingCategory(t *testing.T) {
	row := Candle{Symbol: "BTC/USD", StartTime: 60}.Row()
	assert.Equal(t, "crypto", row.Category)

	// Unknown categories are replaced, never persisted.
	row = Candle{Symbol: "SPY", StartTime: 60, Category: "bond"}.Row()
	assert.Equal(t, "stock", row.Category)
}
