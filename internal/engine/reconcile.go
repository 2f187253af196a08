package engine

import (
	"context"
	"log/slog"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"

	"github.com/shopspring/decimal"
)

// transition returns the journal entry for a status change of o, if any.
func transition(o *domain.Order, from domain.Status) []storage.Transition {
	if o.Status == from {
		return nil
	}
	return []storage.Transition{{OrderID: o.ID, From: from, To: o.Status, Reason: o.Reason, Ts: o.UpdatedAt}}
}

// bindExchangeID records the exchange id of t the first time it is seen.
// Caller holds mu.
func (e *Engine) bindExchangeID(t *tracked, exchangeID string) {
	if exchangeID == "" || t.order.ExchangeID != "" {
		return
	}
	t.order.ExchangeID = exchangeID
	e.byExchange[exchangeID] = t.order.ID
}

func (e *Engine) handleExecution(ctx context.Context, ev *event.ExecutionEvent) {
	if ev.ExecID == "" {
		slog.Warn("Execution without exec id dropped", slog.String("order_id", ev.OrderID))
		return
	}
	if e.deps.Journal != nil {
		seen, err := e.deps.Journal.HasExecution(ctx, ev.ExecID)
		if err != nil {
			slog.Warn("Execution journal lookup failed", slog.String("exec_id", ev.ExecID), slog.Any("error", err))
		}
		if seen {
			slog.Debug("Duplicate execution skipped", slog.String("exec_id", ev.ExecID))
			return
		}
	}

	e.mu.Lock()
	t, ok := e.lookup(ev.ClientOrderID, ev.OrderID)
	if !ok {
		e.mu.Unlock()
		slog.Warn("Execution for unknown order",
			slog.String("exchange_id", ev.OrderID),
			slog.String("cl_ord_id", ev.ClientOrderID),
			slog.String("exec_id", ev.ExecID))
		return
	}
	if _, dup := t.seenExec[ev.ExecID]; dup {
		e.mu.Unlock()
		return
	}
	t.seenExec[ev.ExecID] = struct{}{}

	o := t.order
	e.bindExchangeID(t, ev.OrderID)
	from := o.Status
	applied := o.ApplyFill(ev.Qty, ev.Price, ev.Fee, e.now())
	if applied.LessThan(ev.Qty) {
		slog.Warn("Execution quantity clamped",
			slog.String("order_id", o.ID),
			slog.String("qty", ev.Qty.String()),
			slog.String("applied", applied.String()))
	}
	fee := decimal.Zero
	if applied.IsPositive() {
		fee = ev.Fee
		e.deps.Metrics.Filled(o.Symbol)
	}
	e.persist(t, applied, ev.Price, fee)
	trs := transition(o, from)
	orderID := o.ID
	e.mu.Unlock()

	if e.deps.Journal != nil {
		if _, err := e.deps.Journal.RecordExecution(ctx, orderID, *ev, applied); err != nil {
			slog.Warn("Failed to journal execution", slog.String("exec_id", ev.ExecID), slog.Any("error", err))
		}
	}
	e.journal(ctx, trs)
}

func (e *Engine) handleStatus(ctx context.Context, ev *event.OrderStatusEvent) {
	e.mu.Lock()
	t, ok := e.lookup(ev.ClientOrderID, ev.OrderID)
	if !ok {
		e.mu.Unlock()
		slog.Debug("Status for unknown order",
			slog.String("exchange_id", ev.OrderID),
			slog.String("state", string(ev.State)))
		return
	}
	trs := e.applyReport(t, domain.OrderReport{
		Ref:      domain.OrderRef{ExchangeID: ev.OrderID, ClientOrderID: ev.ClientOrderID},
		Status:   statusOf(ev.State),
		CumQty:   ev.CumQty,
		AvgPrice: ev.AvgPrice,
		Reason:   ev.Reason,
	})
	e.mu.Unlock()
	e.journal(ctx, trs)
}

func statusOf(s event.OrderState) domain.Status {
	switch s {
	case event.OrderStateFilled:
		return domain.StatusFilled
	case event.OrderStateCanceled:
		return domain.StatusCancelled
	case event.OrderStateExpired:
		return domain.StatusExpired
	case event.OrderStateRejected:
		return domain.StatusRejected
	default:
		return domain.StatusOpen
	}
}

// applyReport folds an exchange view of the order into t. Cumulative
// quantities ahead of the seen executions are adopted and booked into the
// position at the reported average price. Caller holds mu.
func (e *Engine) applyReport(t *tracked, r domain.OrderReport) []storage.Transition {
	o := t.order
	now := e.now()
	e.bindExchangeID(t, r.Ref.ExchangeID)
	from := o.Status

	cum := r.CumQty
	if r.Status == domain.StatusFilled && cum.LessThan(o.Quantity) {
		cum = o.Quantity
	}
	price := r.AvgPrice
	if price.IsZero() {
		price = o.AvgPrice
	}
	if price.IsZero() {
		price = o.Price
	}
	delta := o.SyncCumulative(cum, price, now)
	if delta.IsPositive() {
		e.deps.Metrics.Filled(o.Symbol)
	}

	switch r.Status {
	case domain.StatusOpen, domain.StatusPartial:
		o.MarkOpen(r.Ref.ExchangeID, now)
	case domain.StatusExpired, domain.StatusRejected:
		o.Finish(r.Status, nonEmpty(r.Reason, string(r.Status)), now)
	}

	e.persist(t, delta, price, decimal.Zero)
	trs := transition(o, from)
	if r.Status == domain.StatusCancelled && !t.final {
		trs = append(trs, e.beginSettle(t, nonEmpty(r.Reason, "cancelled by exchange"))...)
	}
	return trs
}

// persist books qty into the position, then archives t when terminal or
// stores its current state otherwise. Caller holds mu.
func (e *Engine) persist(t *tracked, qty, price, fee decimal.Decimal) {
	o := t.order
	if qty.IsPositive() {
		e.deps.Store.Mutate(func(doc *state.Document) {
			doc.Position(o.Symbol).ApplyFill(o.Side, qty, price, fee)
		})
	}
	if o.Status.IsTerminal() {
		e.finalize(t)
		return
	}
	e.deps.Store.Mutate(func(doc *state.Document) {
		e.persistOrder(doc, o)
		doc.RefreshRisk(len(e.active), e.openNotional())
	})
}

func (e *Engine) handleMarket(ev *event.MarketUpdateEvent) {
	if !ev.Price.IsPositive() {
		return
	}
	e.mu.Lock()
	e.lastPrice[ev.Symbol] = ev.Price
	e.mu.Unlock()

	ts := ev.Ts
	if ts.IsZero() {
		ts = e.now()
	}
	e.deps.Store.Mutate(func(doc *state.Document) {
		doc.MarketSnapshot[ev.Symbol] = domain.MarketState{Symbol: ev.Symbol, Price: ev.Price, LastUpdate: ts}
	})
}

// finalize archives a terminal order. Caller holds mu.
func (e *Engine) finalize(t *tracked) {
	if t.final {
		return
	}
	t.final = true
	t.watchdog.Stop()
	if t.settle != nil {
		t.settle.Stop()
	}

	o := t.order
	delete(e.active, o.ID)
	if o.ExchangeID != "" {
		delete(e.byExchange, o.ExchangeID)
	}
	evicted := e.history.add(o)

	e.deps.Store.Mutate(func(doc *state.Document) {
		e.persistOrder(doc, o)
		for _, id := range evicted {
			delete(doc.Orders, id)
		}
		doc.RecordClose(o)
		doc.RefreshRisk(len(e.active), e.openNotional())
	})
	close(t.done)

	e.deps.Metrics.Closed(o.Symbol, o.Status)
	e.deps.Metrics.Active(len(e.active))

	slog.Info("Order closed",
		slog.String("order_id", o.ID),
		slog.String("status", string(o.Status)),
		slog.String("filled", o.Filled.String()),
		slog.String("reason", o.Reason))
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
