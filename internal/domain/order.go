package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind is the order type as understood by the exchange.
type Kind string

const (
	KindMarket          Kind = "market"
	KindLimit           Kind = "limit"
	KindIOC             Kind = "ioc" // limit, immediate-or-cancel
	KindStopLoss        Kind = "stop-loss"
	KindTakeProfit      Kind = "take-profit"
	KindStopLossLimit   Kind = "stop-loss-limit"
	KindTakeProfitLimit Kind = "take-profit-limit"
)

// RequiresPrice reports whether the kind belongs to the limit family.
func (k Kind) RequiresPrice() bool {
	switch k {
	case KindLimit, KindIOC, KindStopLossLimit, KindTakeProfitLimit:
		return true
	}
	return false
}

// RequiresTrigger reports whether the kind is conditional.
func (k Kind) RequiresTrigger() bool {
	switch k {
	case KindStopLoss, KindTakeProfit, KindStopLossLimit, KindTakeProfitLimit:
		return true
	}
	return false
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMarket, KindLimit, KindIOC, KindStopLoss, KindTakeProfit, KindStopLossLimit, KindTakeProfitLimit:
		return true
	}
	return false
}

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusRejected  Status = "REJECTED"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderRequest is what callers hand to the engine. Numeric fields are kept as
// strings so that parsing failures surface as validation errors.
type OrderRequest struct {
	Symbol       string
	Side         Side
	Kind         Kind
	Quantity     string
	Price        string // empty for market orders
	TriggerPrice string // stop-loss / take-profit only
}

// NormalizedOrder is an OrderRequest after precision truncation and bounds checks.
type NormalizedOrder struct {
	Symbol       string
	WireSymbol   string
	BaseAsset    string
	QuoteAsset   string
	Side         Side
	Kind         Kind
	Quantity     decimal.Decimal
	Price        decimal.Decimal // zero when absent
	TriggerPrice decimal.Decimal // zero when absent
}

// Order represents one exchange order.
// Filled never decreases and never exceeds Quantity.
type Order struct {
	ID           string          `json:"id"`          // local correlation id
	ExchangeID   string          `json:"exchange_id"` // empty until acknowledged
	Symbol       string          `json:"symbol"`
	WireSymbol   string          `json:"wire_symbol"`
	Side         Side            `json:"side"`
	Kind         Kind            `json:"kind"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Status       Status          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Fees         decimal.Decimal `json:"fees"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ClosedAt     time.Time       `json:"closed_at,omitempty"`
}

// NewOrder creates a PENDING order from a normalized request.
func NewOrder(id string, n NormalizedOrder, now time.Time) *Order {
	return &Order{
		ID:           id,
		Symbol:       n.Symbol,
		WireSymbol:   n.WireSymbol,
		Side:         n.Side,
		Kind:         n.Kind,
		Quantity:     n.Quantity,
		Price:        n.Price,
		TriggerPrice: n.TriggerPrice,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Remaining returns max(0, Quantity - Filled).
func (o *Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// MarkOpen moves a PENDING order to OPEN once the exchange acknowledged it.
func (o *Order) MarkOpen(exchangeID string, now time.Time) {
	if o.Status.IsTerminal() {
		return
	}
	if exchangeID != "" {
		o.ExchangeID = exchangeID
	}
	if o.Status == StatusPending {
		o.Status = StatusOpen
	}
	o.UpdatedAt = now
}

// ApplyFill folds one execution into the order and returns the quantity that
// was actually applied. Fills beyond the requested quantity are clamped.
func (o *Order) ApplyFill(qty, price, fee decimal.Decimal, now time.Time) decimal.Decimal {
	if o.Status.IsTerminal() || !qty.IsPositive() {
		return decimal.Zero
	}
	rem := o.Remaining()
	if qty.GreaterThan(rem) {
		qty = rem
	}
	if qty.IsZero() {
		return decimal.Zero
	}

	notional := o.AvgPrice.Mul(o.Filled).Add(price.Mul(qty))
	o.Filled = o.Filled.Add(qty)
	o.AvgPrice = notional.Div(o.Filled)
	o.Fees = o.Fees.Add(fee)
	o.UpdatedAt = now

	if o.Remaining().IsZero() {
		o.finish(StatusFilled, "", now)
	} else {
		o.Status = StatusPartial
	}
	return qty
}

// SyncCumulative adopts an exchange-reported cumulative fill when it is ahead
// of what the order has seen. Used when a status snapshot outruns trade events.
func (o *Order) SyncCumulative(cumQty, avgPrice decimal.Decimal, now time.Time) decimal.Decimal {
	if o.Status.IsTerminal() || !cumQty.GreaterThan(o.Filled) {
		return decimal.Zero
	}
	if cumQty.GreaterThan(o.Quantity) {
		cumQty = o.Quantity
	}
	delta := cumQty.Sub(o.Filled)
	o.Filled = cumQty
	if avgPrice.IsPositive() {
		o.AvgPrice = avgPrice
	}
	o.UpdatedAt = now
	if o.Remaining().IsZero() {
		o.finish(StatusFilled, "", now)
	} else {
		o.Status = StatusPartial
	}
	return delta
}

// Finish moves the order to a terminal status. No-op when already terminal.
func (o *Order) Finish(status Status, reason string, now time.Time) bool {
	if o.Status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	o.finish(status, reason, now)
	return true
}

func (o *Order) finish(status Status, reason string, now time.Time) {
	o.Status = status
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = now
	o.ClosedAt = now
}

// View returns a copy safe to hand to callers.
func (o *Order) View() OrderView {
	v := OrderView{
		ID:         o.ID,
		ExchangeID: o.ExchangeID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Kind:       o.Kind,
		Status:     o.Status,
		Quantity:   o.Quantity,
		Price:      o.Price,
		Filled:     o.Filled,
		Remaining:  o.Remaining(),
		Fees:       o.Fees,
		Reason:     o.Reason,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
	if o.Filled.IsPositive() {
		avg := o.AvgPrice
		v.AvgPrice = &avg
	}
	return v
}

// OrderView is a read-only snapshot of an order.
type OrderView struct {
	ID              string
	ExchangeID      string
	Symbol          string
	Side            Side
	Kind            Kind
	Status          Status
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Filled          decimal.Decimal
	Remaining       decimal.Decimal
	AvgPrice        *decimal.Decimal // nil until something filled
	Fees            decimal.Decimal
	Reason          string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderHandle is returned by a successful placement.
type OrderHandle struct {
	ID         string
	ExchangeID string
	Transport  string
	Order      NormalizedOrder
}
