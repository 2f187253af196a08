package kraken

import (
	"encoding/json"
	"strings"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"

	"github.com/shopspring/decimal"
)

const (
	MainnetRestURL = "https://api.kraken.com"
	PublicWSURL    = "wss://ws.kraken.com/v2"
	PrivateWSURL   = "wss://ws-auth.kraken.com/v2"
)

// REST

type restResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	Txid []string `json:"txid"`
}

type cancelResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

type orderInfo struct {
	ClOrdID string          `json:"cl_ord_id"`
	Status  string          `json:"status"`
	Reason  *string         `json:"reason"`
	Vol     decimal.Decimal `json:"vol"`
	VolExec decimal.Decimal `json:"vol_exec"`
	Price   decimal.Decimal `json:"price"` // average execution price
	Fee     decimal.Decimal `json:"fee"`
}

type openOrdersResult struct {
	Open map[string]orderInfo `json:"open"`
}

type balanceEx struct {
	Balance   decimal.Decimal `json:"balance"`
	HoldTrade decimal.Decimal `json:"hold_trade"`
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int    `json:"expires"`
}

// WS v2

type wsRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ReqID  int64  `json:"req_id,omitempty"`
}

// wsMessage covers both method responses and channel pushes.
type wsMessage struct {
	Method  string          `json:"method"`
	ReqID   int64           `json:"req_id"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Result  json.RawMessage `json:"result"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type subscribeParams struct {
	Channel    string   `json:"channel"`
	Symbol     []string `json:"symbol,omitempty"`
	Token      string   `json:"token,omitempty"`
	SnapOrders *bool    `json:"snap_orders,omitempty"`
	SnapTrades *bool    `json:"snap_trades,omitempty"`
}

type triggerParams struct {
	Reference string      `json:"reference"`
	Price     json.Number `json:"price"`
}

type addOrderParams struct {
	OrderType   string         `json:"order_type"`
	Side        string         `json:"side"`
	OrderQty    json.Number    `json:"order_qty"`
	Symbol      string         `json:"symbol"`
	LimitPrice  json.Number    `json:"limit_price,omitempty"`
	TimeInForce string         `json:"time_in_force,omitempty"`
	Triggers    *triggerParams `json:"triggers,omitempty"`
	ClOrdID     string         `json:"cl_ord_id,omitempty"`
	Token       string         `json:"token"`
}

type cancelOrderParams struct {
	OrderID []string `json:"order_id,omitempty"`
	ClOrdID []string `json:"cl_ord_id,omitempty"`
	Token   string   `json:"token"`
}

type addOrderAck struct {
	OrderID string `json:"order_id"`
	ClOrdID string `json:"cl_ord_id"`
}

type execFee struct {
	Asset string          `json:"asset"`
	Qty   decimal.Decimal `json:"qty"`
}

type execReport struct {
	ExecType     string          `json:"exec_type"`
	OrderID      string          `json:"order_id"`
	ClOrdID      string          `json:"cl_ord_id"`
	ExecID       string          `json:"exec_id"`
	OrderStatus  string          `json:"order_status"`
	LastQty      decimal.Decimal `json:"last_qty"`
	LastPrice    decimal.Decimal `json:"last_price"`
	CumQty       decimal.Decimal `json:"cum_qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	Fees         []execFee       `json:"fees"`
	LiquidityInd string          `json:"liquidity_ind"`
	Reason       string          `json:"reason"`
	Timestamp    string          `json:"timestamp"`
}

type tickerData struct {
	Symbol string          `json:"symbol"`
	Last   decimal.Decimal `json:"last"`
}

// orderType maps a kind to Kraken's order type and time in force.
func orderType(k domain.Kind) (string, string) {
	if k == domain.KindIOC {
		return "limit", "ioc"
	}
	return string(k), ""
}

// restPair converts a WS v2 symbol ("BTC/USD") to the REST pair name.
func restPair(wire string) string {
	base, quote, ok := strings.Cut(wire, "/")
	if !ok {
		return wire
	}
	if base == "BTC" {
		base = "XBT"
	}
	return base + quote
}

// assetKeys lists the names Kraken may report an asset under.
func assetKeys(asset string) []string {
	keys := []string{asset}
	if asset == "BTC" {
		asset = "XBT"
		keys = append(keys, asset)
	}
	return append(keys, "X"+asset, "Z"+asset)
}

// restStatus maps a REST order record to a domain status.
func restStatus(info orderInfo) domain.Status {
	switch info.Status {
	case "pending", "open":
		if info.VolExec.IsPositive() {
			return domain.StatusPartial
		}
		return domain.StatusOpen
	case "closed":
		if info.VolExec.GreaterThanOrEqual(info.Vol) {
			return domain.StatusFilled
		}
		return domain.StatusCancelled
	case "canceled":
		return domain.StatusCancelled
	case "expired":
		return domain.StatusExpired
	}
	return domain.StatusOpen
}

// streamState maps a WS v2 order_status.
func streamState(s string) (event.OrderState, bool) {
	switch s {
	case "pending_new", "new", "partially_filled":
		return event.OrderStateOpen, true
	case "filled":
		return event.OrderStateFilled, true
	case "canceled":
		return event.OrderStateCanceled, true
	case "expired":
		return event.OrderStateExpired, true
	}
	return "", false
}

func number(d decimal.Decimal) json.Number {
	if d.IsZero() {
		return ""
	}
	return json.Number(d.String())
}
