package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTransportUnavailable is returned by a transport that cannot take calls
// right now (for example a disconnected stream).
var ErrTransportUnavailable = errors.New("transport unavailable")

// Transport is one way of talking to the exchange: the streaming channel or
// the request/response API.
type Transport interface {
	Name() string
	Available() bool
	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceAck, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	QueryOrder(ctx context.Context, ref OrderRef) (OrderReport, error)
}

// PlaceRequest is a normalized order tagged with its local correlation id.
type PlaceRequest struct {
	ClientOrderID string
	Order         NormalizedOrder
}

// PlaceAck is the exchange acknowledgement of a placement.
type PlaceAck struct {
	ExchangeID string
	Transport  string // name of the transport that succeeded
}

// OrderRef identifies an order on the exchange. Either field may be empty.
type OrderRef struct {
	ExchangeID    string
	ClientOrderID string
}

// OrderReport is the exchange's view of an order returned by QueryOrder.
type OrderReport struct {
	Ref      OrderRef
	Status   Status
	CumQty   decimal.Decimal
	AvgPrice decimal.Decimal
	Fees     decimal.Decimal
	Reason   string
}

// BalanceProvider is the balance/portfolio collaborator consulted before
// placement. The engine never owns balance state.
type BalanceProvider interface {
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}
