package event

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Type defines the type of event.
type Type uint16

const (
	EvMarketUpdate Type = iota + 1
	EvOrderStatus
	EvExecution
)

func (t Type) String() string {
	switch t {
	case EvMarketUpdate:
		return "market_update"
	case EvOrderStatus:
		return "order_status"
	case EvExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Event is the interface for all inbound exchange facts.
type Event interface {
	GetSeq() uint64
	GetTs() time.Time
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64    `json:"seq"`
	Ts  time.Time `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64   { return e.Seq }
func (e BaseEvent) GetTs() time.Time { return e.Ts }

// NextSeq generates the next sequence number atomically.
func NextSeq(ptr *uint64) uint64 {
	return atomic.AddUint64(ptr, 1)
}

// MarketUpdateEvent represents a price change in the market.
type MarketUpdateEvent struct {
	BaseEvent
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (e MarketUpdateEvent) GetType() Type { return EvMarketUpdate }

// ExecutionEvent is one trade reported by the exchange against an order.
// It is never mutated after creation.
type ExecutionEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"cl_ord_id"`
	ExecID        string          `json:"exec_id"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	FeeAsset      string          `json:"fee_asset,omitempty"`
	Maker         bool            `json:"maker"`
}

func (e ExecutionEvent) GetType() Type { return EvExecution }

// OrderState is the exchange's view of an order carried by status updates.
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
	OrderStateExpired  OrderState = "expired"
	OrderStateRejected OrderState = "rejected"
)

// OrderStatusEvent represents an order status change.
type OrderStatusEvent struct {
	BaseEvent
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"cl_ord_id"`
	State         OrderState      `json:"state"`
	Reason        string          `json:"reason,omitempty"`
	CumQty        decimal.Decimal `json:"cum_qty"`   // zero when not reported
	AvgPrice      decimal.Decimal `json:"avg_price"` // zero when not reported
}

func (e OrderStatusEvent) GetType() Type { return EvOrderStatus }
