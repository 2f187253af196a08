// Package validator normalizes order parameters against per-symbol precision
// rules before anything is sent to the exchange. It has no side effects.
package validator

import (
	"strings"

	"crypto_link/internal/domain"

	"github.com/shopspring/decimal"
)

// Validator checks and truncates order requests.
type Validator struct {
	table PrecisionTable
}

// New creates a validator over a precision table.
func New(table PrecisionTable) *Validator {
	return &Validator{table: table}
}

// Rules exposes the rules for a symbol.
func (v *Validator) Rules(symbol string) (SymbolRules, bool) {
	return v.table.Lookup(symbol)
}

// checkState is threaded through the pipeline.
type checkState struct {
	req   domain.OrderRequest
	rules SymbolRules
	out   domain.NormalizedOrder
}

type step func(v *Validator, s *checkState) error

// pipeline runs in order and stops at the first failure.
var pipeline = []step{
	checkSymbol,
	checkSide,
	checkKind,
	checkQuantity,
	checkPrice,
	checkTrigger,
	truncate,
	checkBounds,
}

// Normalize validates req and returns it truncated to the symbol's precision.
func (v *Validator) Normalize(req domain.OrderRequest) (domain.NormalizedOrder, error) {
	s := &checkState{req: req}
	for _, fn := range pipeline {
		if err := fn(v, s); err != nil {
			return domain.NormalizedOrder{}, err
		}
	}
	return s.out, nil
}

func invalid(field, reason string) error {
	return &domain.ValidationError{Field: field, Reason: reason}
}

func checkSymbol(v *Validator, s *checkState) error {
	rules, ok := v.table.Lookup(s.req.Symbol)
	if !ok {
		return invalid("symbol", "unknown symbol "+s.req.Symbol)
	}
	s.rules = rules
	s.out.Symbol = s.req.Symbol
	s.out.WireSymbol = rules.WireSymbol
	s.out.BaseAsset = rules.BaseAsset
	s.out.QuoteAsset = rules.QuoteAsset
	return nil
}

func checkSide(_ *Validator, s *checkState) error {
	side := domain.Side(strings.ToLower(string(s.req.Side)))
	if side != domain.SideBuy && side != domain.SideSell {
		return invalid("side", "must be buy or sell")
	}
	s.out.Side = side
	return nil
}

func checkKind(_ *Validator, s *checkState) error {
	kind := domain.Kind(strings.ToLower(string(s.req.Kind)))
	if !kind.Valid() {
		return invalid("kind", "unsupported order kind "+string(s.req.Kind))
	}
	s.out.Kind = kind
	return nil
}

func checkQuantity(_ *Validator, s *checkState) error {
	qty, err := parsePositive(s.req.Quantity)
	if err != nil {
		return invalid("quantity", err.Error())
	}
	s.out.Quantity = qty
	return nil
}

func checkPrice(_ *Validator, s *checkState) error {
	if strings.TrimSpace(s.req.Price) == "" {
		if s.out.Kind.RequiresPrice() {
			return invalid("price", "required for "+string(s.out.Kind)+" orders")
		}
		return nil
	}
	price, err := parsePositive(s.req.Price)
	if err != nil {
		return invalid("price", err.Error())
	}
	s.out.Price = price
	return nil
}

func checkTrigger(_ *Validator, s *checkState) error {
	if !s.out.Kind.RequiresTrigger() {
		return nil
	}
	if strings.TrimSpace(s.req.TriggerPrice) == "" {
		return invalid("trigger_price", "required for "+string(s.out.Kind)+" orders")
	}
	trigger, err := parsePositive(s.req.TriggerPrice)
	if err != nil {
		return invalid("trigger_price", err.Error())
	}
	s.out.TriggerPrice = trigger
	return nil
}

// truncate never rounds up.
func truncate(_ *Validator, s *checkState) error {
	s.out.Quantity = s.out.Quantity.Truncate(s.rules.QtyDecimals)
	if !s.out.Price.IsZero() {
		s.out.Price = s.out.Price.Truncate(s.rules.PriceDecimals)
		if !s.out.Price.IsPositive() {
			return invalid("price", "below price precision")
		}
	}
	if !s.out.TriggerPrice.IsZero() {
		s.out.TriggerPrice = s.out.TriggerPrice.Truncate(s.rules.PriceDecimals)
		if !s.out.TriggerPrice.IsPositive() {
			return invalid("trigger_price", "below price precision")
		}
	}
	return nil
}

func checkBounds(_ *Validator, s *checkState) error {
	qty := s.out.Quantity
	if !qty.IsPositive() || qty.LessThan(s.rules.MinQty) {
		return invalid("quantity", "below minimum "+s.rules.MinQty.String())
	}
	if s.rules.MaxQty.IsPositive() && qty.GreaterThan(s.rules.MaxQty) {
		return invalid("quantity", "above maximum "+s.rules.MaxQty.String())
	}
	return nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

func parsePositive(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, parseError("missing value")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, parseError("not a number: " + raw)
	}
	if !v.IsPositive() {
		return decimal.Zero, parseError("must be positive")
	}
	return v, nil
}
