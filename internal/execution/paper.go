package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"

	"github.com/shopspring/decimal"
)

// PaperVenue simulates an exchange with virtual balances. Orders fill in full
// against the last observed market price and the resulting execution and
// status events are delivered to the sink like a real stream would.
type PaperVenue struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	holds    map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder // by exchange id
	byClient map[string]string
	feeRate  decimal.Decimal
	nextID   int
	nextExec int
	clock    func() time.Time

	emitMu   sync.Mutex
	sink     chan<- event.Event
	evSeq    uint64
	stopped  chan struct{}
	stopOnce sync.Once
}

type paperOrder struct {
	ref       domain.OrderRef
	order     domain.NormalizedOrder
	status    domain.Status
	triggered bool
	hold      decimal.Decimal
	holdAsset string
	filled    decimal.Decimal
	avgPrice  decimal.Decimal
	fees      decimal.Decimal
}

// NewPaperVenue creates a paper venue funded with the given balances.
func NewPaperVenue(balances map[string]decimal.Decimal, feeRate decimal.Decimal) *PaperVenue {
	b := make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &PaperVenue{
		balances: b,
		holds:    make(map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
		feeRate:  feeRate,
		clock:    time.Now,
		stopped:  make(chan struct{}),
	}
}

// SetSink sets where simulated exchange events are delivered.
func (p *PaperVenue) SetSink(sink chan<- event.Event) {
	p.emitMu.Lock()
	p.sink = sink
	p.emitMu.Unlock()
}

// Close stops event delivery.
func (p *PaperVenue) Close() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

func (p *PaperVenue) Name() string    { return "paper" }
func (p *PaperVenue) Available() bool { return true }

// AvailableBalance implements domain.BalanceProvider.
func (p *PaperVenue) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset].Sub(p.holds[asset]), nil
}

// Balance returns the total (held included) balance of asset.
func (p *PaperVenue) Balance(asset string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset]
}

// UpdatePrice records a market price and fills resting orders that became
// executable.
func (p *PaperVenue) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	var evs []event.Event
	for _, o := range p.orders {
		if o.order.Symbol == symbol && !o.status.IsTerminal() {
			evs = append(evs, p.evaluate(o, price)...)
		}
	}
	p.emitLocked(evs)
}

func (p *PaperVenue) PlaceOrder(_ context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	p.mu.Lock()

	n := req.Order
	last, hasPrice := p.prices[n.Symbol]
	ref := n.Price
	if ref.IsZero() {
		ref = n.TriggerPrice
	}
	if ref.IsZero() {
		if !hasPrice {
			p.mu.Unlock()
			return domain.PlaceAck{}, fmt.Errorf("paper: no market price for %s", n.Symbol)
		}
		ref = last
	}

	asset, need := n.QuoteAsset, n.Quantity.Mul(ref).Mul(decimal.NewFromInt(1).Add(p.feeRate))
	if n.Side == domain.SideSell {
		asset, need = n.BaseAsset, n.Quantity
	}
	if avail := p.balances[asset].Sub(p.holds[asset]); avail.LessThan(need) {
		p.mu.Unlock()
		return domain.PlaceAck{}, &domain.InsufficientBalanceError{Asset: asset, Required: need, Available: avail}
	}

	p.nextID++
	id := fmt.Sprintf("PAPER-%06d", p.nextID)
	o := &paperOrder{
		ref:       domain.OrderRef{ExchangeID: id, ClientOrderID: req.ClientOrderID},
		order:     n,
		status:    domain.StatusOpen,
		hold:      need,
		holdAsset: asset,
	}
	p.holds[asset] = p.holds[asset].Add(need)
	p.orders[id] = o
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = id
	}

	slog.Info("PAPER EXECUTION: Order Accepted",
		slog.String("id", id),
		slog.String("symbol", n.Symbol),
		slog.String("side", string(n.Side)),
		slog.String("kind", string(n.Kind)),
		slog.String("qty", n.Quantity.String()))

	var evs []event.Event
	if hasPrice {
		evs = p.evaluate(o, last)
	}
	p.emitLocked(evs)
	return domain.PlaceAck{ExchangeID: id}, nil
}

func (p *PaperVenue) CancelOrder(_ context.Context, ref domain.OrderRef) error {
	p.mu.Lock()
	o, ok := p.lookup(ref)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper: %w: %s", domain.ErrNotFound, ref.ExchangeID)
	}
	if o.status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("paper: %w: %s", domain.ErrOrderTerminal, o.ref.ExchangeID)
	}
	evs := []event.Event{p.close(o, domain.StatusCancelled, event.OrderStateCanceled, "user requested")}
	slog.Info("PAPER EXECUTION: Order Canceled", slog.String("id", o.ref.ExchangeID))
	p.emitLocked(evs)
	return nil
}

func (p *PaperVenue) QueryOrder(_ context.Context, ref domain.OrderRef) (domain.OrderReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.lookup(ref)
	if !ok {
		return domain.OrderReport{}, fmt.Errorf("paper: %w: %s", domain.ErrNotFound, ref.ExchangeID)
	}
	status := o.status
	if status == domain.StatusOpen && o.filled.IsPositive() {
		status = domain.StatusPartial
	}
	return domain.OrderReport{
		Ref:      o.ref,
		Status:   status,
		CumQty:   o.filled,
		AvgPrice: o.avgPrice,
		Fees:     o.fees,
	}, nil
}

func (p *PaperVenue) lookup(ref domain.OrderRef) (*paperOrder, bool) {
	if o, ok := p.orders[ref.ExchangeID]; ok {
		return o, true
	}
	if id, ok := p.byClient[ref.ClientOrderID]; ok {
		o, ok := p.orders[id]
		return o, ok
	}
	return nil, false
}

// evaluate must be called with p.mu held.
func (p *PaperVenue) evaluate(o *paperOrder, last decimal.Decimal) []event.Event {
	n := o.order
	if n.Kind.RequiresTrigger() && !o.triggered {
		if !triggerHit(n, last) {
			return nil
		}
		o.triggered = true
	}

	switch n.Kind {
	case domain.KindMarket, domain.KindStopLoss, domain.KindTakeProfit:
		return p.fill(o, last)
	}

	marketable := (n.Side == domain.SideBuy && last.LessThanOrEqual(n.Price)) ||
		(n.Side == domain.SideSell && last.GreaterThanOrEqual(n.Price))
	switch {
	case marketable:
		return p.fill(o, n.Price)
	case n.Kind == domain.KindIOC:
		return []event.Event{p.close(o, domain.StatusCancelled, event.OrderStateCanceled, "ioc not marketable")}
	}
	return nil
}

func triggerHit(n domain.NormalizedOrder, last decimal.Decimal) bool {
	stop := n.Kind == domain.KindStopLoss || n.Kind == domain.KindStopLossLimit
	buy := n.Side == domain.SideBuy
	if stop == buy {
		return last.GreaterThanOrEqual(n.TriggerPrice)
	}
	return last.LessThanOrEqual(n.TriggerPrice)
}

// fill executes the remaining quantity at price. Caller holds p.mu.
func (p *PaperVenue) fill(o *paperOrder, price decimal.Decimal) []event.Event {
	n := o.order
	qty := n.Quantity.Sub(o.filled)
	notional := qty.Mul(price)
	fee := notional.Mul(p.feeRate)

	p.releaseHold(o)
	if n.Side == domain.SideBuy {
		p.balances[n.QuoteAsset] = p.balances[n.QuoteAsset].Sub(notional).Sub(fee)
		p.balances[n.BaseAsset] = p.balances[n.BaseAsset].Add(qty)
	} else {
		p.balances[n.BaseAsset] = p.balances[n.BaseAsset].Sub(qty)
		p.balances[n.QuoteAsset] = p.balances[n.QuoteAsset].Add(notional).Sub(fee)
	}

	o.filled = n.Quantity
	o.avgPrice = price
	o.fees = o.fees.Add(fee)
	o.status = domain.StatusFilled

	p.nextExec++
	now := p.clock()
	slog.Info("PAPER EXECUTION: Order Filled",
		slog.String("id", o.ref.ExchangeID),
		slog.String("symbol", n.Symbol),
		slog.String("price", price.String()),
		slog.String("qty", qty.String()))

	return []event.Event{
		&event.ExecutionEvent{
			BaseEvent:     event.BaseEvent{Ts: now},
			OrderID:       o.ref.ExchangeID,
			ClientOrderID: o.ref.ClientOrderID,
			ExecID:        fmt.Sprintf("PAPER-T%08d", p.nextExec),
			Qty:           qty,
			Price:         price,
			Fee:           fee,
			FeeAsset:      n.QuoteAsset,
		},
		&event.OrderStatusEvent{
			BaseEvent:     event.BaseEvent{Ts: now},
			OrderID:       o.ref.ExchangeID,
			ClientOrderID: o.ref.ClientOrderID,
			State:         event.OrderStateFilled,
			CumQty:        o.filled,
			AvgPrice:      price,
		},
	}
}

// close ends an unfilled order. Caller holds p.mu.
func (p *PaperVenue) close(o *paperOrder, status domain.Status, state event.OrderState, reason string) event.Event {
	p.releaseHold(o)
	o.status = status
	return &event.OrderStatusEvent{
		BaseEvent:     event.BaseEvent{Ts: p.clock()},
		OrderID:       o.ref.ExchangeID,
		ClientOrderID: o.ref.ClientOrderID,
		State:         state,
		Reason:        reason,
		CumQty:        o.filled,
		AvgPrice:      o.avgPrice,
	}
}

func (p *PaperVenue) releaseHold(o *paperOrder) {
	if o.hold.IsZero() {
		return
	}
	p.holds[o.holdAsset] = p.holds[o.holdAsset].Sub(o.hold)
	o.hold = decimal.Zero
}

// emitLocked hands evs to the sink in order and releases p.mu. Holding emitMu
// across the hand-off keeps events of concurrent calls from interleaving.
func (p *PaperVenue) emitLocked(evs []event.Event) {
	p.emitMu.Lock()
	p.mu.Unlock()
	defer p.emitMu.Unlock()

	if p.sink == nil {
		return
	}
	for _, ev := range evs {
		switch e := ev.(type) {
		case *event.ExecutionEvent:
			e.Seq = event.NextSeq(&p.evSeq)
		case *event.OrderStatusEvent:
			e.Seq = event.NextSeq(&p.evSeq)
		}
		select {
		case p.sink <- ev:
		case <-p.stopped:
			return
		}
	}
}
