package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketState holds the last observed price of a single market.
type MarketState struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	LastUpdate time.Time       `json:"last_update"`
}
