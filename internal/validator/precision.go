package validator

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolRules is the exchange's precision and size policy for one pair.
type SymbolRules struct {
	WireSymbol    string
	BaseAsset     string
	QuoteAsset    string
	PriceDecimals int32
	QtyDecimals   int32
	MinQty        decimal.Decimal
	MaxQty        decimal.Decimal // zero means unbounded
}

// PrecisionTable maps a symbol to its rules.
type PrecisionTable map[string]SymbolRules

// Lookup returns the rules for symbol, filling in derived defaults.
func (t PrecisionTable) Lookup(symbol string) (SymbolRules, bool) {
	r, ok := t[symbol]
	if !ok {
		return SymbolRules{}, false
	}
	if r.WireSymbol == "" {
		r.WireSymbol = symbol
	}
	if r.BaseAsset == "" || r.QuoteAsset == "" {
		base, quote, _ := strings.Cut(symbol, "/")
		if r.BaseAsset == "" {
			r.BaseAsset = base
		}
		if r.QuoteAsset == "" {
			r.QuoteAsset = quote
		}
	}
	return r, true
}
