package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/infra"

	"github.com/shopspring/decimal"
)

// TokenSource returns a fresh token for the authenticated WS endpoint.
type TokenSource func(ctx context.Context) (string, error)

// StreamConfig configures the private WS v2 stream.
type StreamConfig struct {
	URL   string
	Token TokenSource
}

// Stream is the WS v2 order transport. It places and cancels orders over the
// authenticated connection and forwards execution reports to the sink.
type Stream struct {
	base   *infra.BaseWSWorker
	url    string
	tokens TokenSource
	sink   chan<- event.Event
	seq    uint64
	now    func() time.Time

	mu      sync.Mutex
	token   string
	nextReq int64
	pending map[int64]chan wsMessage
}

// NewStream creates a stream. Start must be called to connect.
func NewStream(cfg StreamConfig, sink chan<- event.Event) *Stream {
	if cfg.URL == "" {
		cfg.URL = PrivateWSURL
	}
	s := &Stream{
		url:     cfg.URL,
		tokens:  cfg.Token,
		sink:    sink,
		now:     time.Now,
		pending: make(map[int64]chan wsMessage),
	}
	s.base = infra.NewBaseWSWorker(s)
	return s
}

func (s *Stream) Start(ctx context.Context) { s.base.Start(ctx) }
func (s *Stream) Stop()                     { s.base.Stop() }

func (s *Stream) ID() string      { return "KRAKEN_PRIVATE" }
func (s *Stream) Name() string    { return "stream" }
func (s *Stream) Available() bool { return s.base.Connected() }

// URL fetches a new token before every dial.
func (s *Stream) URL(ctx context.Context) (string, error) {
	if s.tokens == nil {
		return "", errors.New("kraken: no websocket token source")
	}
	token, err := s.tokens(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return s.url, nil
}

func (s *Stream) OnConnect(ctx context.Context, w *infra.BaseWSWorker) error {
	snapOrders, snapTrades := true, false
	return w.WriteJSON(wsRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:    "executions",
			Token:      s.currentToken(),
			SnapOrders: &snapOrders,
			SnapTrades: &snapTrades,
		},
	})
}

func (s *Stream) OnPing(ctx context.Context, w *infra.BaseWSWorker) error {
	return w.WriteJSON(wsRequest{Method: "ping"})
}

// OnDisconnect fails every call still waiting for a response.
func (s *Stream) OnDisconnect(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan wsMessage)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (s *Stream) OnMessage(ctx context.Context, msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		slog.Warn("Kraken WS undecodable message", slog.Any("error", err))
		return
	}

	switch {
	case m.ReqID != 0:
		s.resolve(m)
	case m.Method == "subscribe" && m.Success != nil && !*m.Success:
		slog.Error("Kraken executions subscription failed", slog.String("error", m.Error))
	case m.Channel == "executions":
		s.handleExecutions(ctx, m)
	}
}

func (s *Stream) resolve(m wsMessage) {
	s.mu.Lock()
	ch, ok := s.pending[m.ReqID]
	delete(s.pending, m.ReqID)
	s.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (s *Stream) handleExecutions(ctx context.Context, m wsMessage) {
	var reports []execReport
	if err := json.Unmarshal(m.Data, &reports); err != nil {
		slog.Warn("Kraken executions decode failed", slog.Any("error", err))
		return
	}
	for _, r := range reports {
		if ev := s.convert(m.Type, r); ev != nil {
			s.emit(ctx, ev)
		}
	}
}

// convert turns one execution report into an engine event. Snapshot entries
// and non-trade reports become status events.
func (s *Stream) convert(msgType string, r execReport) event.Event {
	ts := s.now()
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		ts = t
	}
	base := event.BaseEvent{Seq: event.NextSeq(&s.seq), Ts: ts}

	if msgType != "snapshot" && r.ExecType == "trade" {
		fee, asset := decimal.Zero, ""
		for _, f := range r.Fees {
			fee = fee.Add(f.Qty)
			asset = f.Asset
		}
		return &event.ExecutionEvent{
			BaseEvent:     base,
			OrderID:       r.OrderID,
			ClientOrderID: r.ClOrdID,
			ExecID:        r.ExecID,
			Qty:           r.LastQty,
			Price:         r.LastPrice,
			Fee:           fee,
			FeeAsset:      asset,
			Maker:         r.LiquidityInd == "m",
		}
	}

	status := r.OrderStatus
	if msgType != "snapshot" {
		switch r.ExecType {
		case "new", "filled", "canceled", "expired":
			status = r.ExecType
		case "status", "restated":
		default:
			return nil
		}
	}
	state, ok := streamState(status)
	if !ok {
		return nil
	}
	return &event.OrderStatusEvent{
		BaseEvent:     base,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClOrdID,
		State:         state,
		Reason:        r.Reason,
		CumQty:        r.CumQty,
		AvgPrice:      r.AvgPrice,
	}
}

// emit blocks until the engine takes the event. Executions are never dropped.
func (s *Stream) emit(ctx context.Context, ev event.Event) {
	select {
	case s.sink <- ev:
	case <-ctx.Done():
	}
}

// PlaceOrder sends add_order and waits for the response.
func (s *Stream) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	n := req.Order
	typ, tif := orderType(n.Kind)
	p := addOrderParams{
		OrderType:   typ,
		Side:        string(n.Side),
		OrderQty:    number(n.Quantity),
		Symbol:      n.WireSymbol,
		TimeInForce: tif,
		ClOrdID:     req.ClientOrderID,
		Token:       s.currentToken(),
	}
	if n.Kind.RequiresPrice() {
		p.LimitPrice = number(n.Price)
	}
	if n.Kind.RequiresTrigger() {
		p.Triggers = &triggerParams{Reference: "last", Price: number(n.TriggerPrice)}
	}

	res, err := s.call(ctx, "add_order", p)
	if err != nil {
		return domain.PlaceAck{}, err
	}
	var ack addOrderAck
	if err := json.Unmarshal(res, &ack); err != nil {
		return domain.PlaceAck{}, fmt.Errorf("kraken: add_order: decode result: %w", err)
	}
	return domain.PlaceAck{ExchangeID: ack.OrderID, Transport: s.Name()}, nil
}

// CancelOrder sends cancel_order by order id, or by cl_ord_id before the
// exchange id is known.
func (s *Stream) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	p := cancelOrderParams{Token: s.currentToken()}
	switch {
	case ref.ExchangeID != "":
		p.OrderID = []string{ref.ExchangeID}
	case ref.ClientOrderID != "":
		p.ClOrdID = []string{ref.ClientOrderID}
	default:
		return fmt.Errorf("kraken: cancel: %w: empty order reference", domain.ErrNotFound)
	}
	_, err := s.call(ctx, "cancel_order", p)
	return err
}

// QueryOrder is not offered by the stream. The failover router falls
// through to REST.
func (s *Stream) QueryOrder(context.Context, domain.OrderRef) (domain.OrderReport, error) {
	return domain.OrderReport{}, fmt.Errorf("kraken stream: query: %w", domain.ErrTransportUnavailable)
}

func (s *Stream) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !s.base.Connected() {
		return nil, domain.ErrTransportUnavailable
	}

	ch := make(chan wsMessage, 1)
	s.mu.Lock()
	s.nextReq++
	id := s.nextReq
	s.pending[id] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	if err := s.base.WriteJSON(wsRequest{Method: method, Params: params, ReqID: id}); err != nil {
		forget()
		return nil, fmt.Errorf("kraken: %s: %w", method, errors.Join(domain.ErrTransportUnavailable, err))
	}

	select {
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case m, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("kraken: %s: connection lost: %w", method, domain.ErrTransportUnavailable)
		}
		if m.Success == nil || !*m.Success {
			return nil, &APIError{Messages: []string{m.Error}}
		}
		return m.Result, nil
	}
}

func (s *Stream) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
