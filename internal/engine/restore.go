package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"crypto_link/internal/domain"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"

	"github.com/shopspring/decimal"
)

// Restore rebuilds the registry from the state document after a restart and
// reconciles every restored order with the exchange. It should run after the
// store is loaded and before Run. It returns the number of restored orders.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	var open, closed []*domain.Order
	prices := make(map[string]domain.MarketState)
	e.deps.Store.View(func(doc *state.Document) {
		for _, o := range doc.Orders {
			cp := *o
			if o.Status.IsTerminal() {
				closed = append(closed, &cp)
			} else {
				open = append(open, &cp)
			}
		}
		for sym, m := range doc.MarketSnapshot {
			prices[sym] = m
		}
	})
	slices.SortFunc(closed, func(a, b *domain.Order) int { return a.ClosedAt.Compare(b.ClosedAt) })

	now := e.now()
	restored := make([]*tracked, 0, len(open))

	e.mu.Lock()
	for sym, m := range prices {
		if m.Price.IsPositive() {
			e.lastPrice[sym] = m.Price
		}
	}
	var evicted []string
	for _, o := range closed {
		evicted = append(evicted, e.history.add(o)...)
	}
	if len(evicted) > 0 {
		e.deps.Store.Mutate(func(doc *state.Document) {
			for _, id := range evicted {
				delete(doc.Orders, id)
			}
		})
	}
	for _, o := range open {
		if _, ok := e.active[o.ID]; ok {
			continue
		}
		t := &tracked{
			order:    o,
			acked:    make(chan struct{}),
			done:     make(chan struct{}),
			seenExec: make(map[string]struct{}),
		}
		close(t.acked)
		e.active[o.ID] = t
		if o.ExchangeID != "" {
			e.byExchange[o.ExchangeID] = o.ID
		}
		e.armWatchdog(t, e.cfg.OrderTimeout-now.Sub(o.CreatedAt))
		restored = append(restored, t)
	}
	e.deps.Metrics.Active(len(e.active))
	e.mu.Unlock()

	if len(restored) > 0 {
		slog.Info("Restored active orders", slog.Int("count", len(restored)))
	}

	var errs []error
	for _, t := range restored {
		if err := e.reconcile(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return len(restored), errors.Join(errs...)
}

// reconcile queries the exchange for t and applies the answer. Orders the
// exchange never acknowledged are rejected.
func (e *Engine) reconcile(ctx context.Context, t *tracked) error {
	e.mu.Lock()
	ref := domain.OrderRef{ExchangeID: t.order.ExchangeID, ClientOrderID: t.order.ID}
	e.mu.Unlock()

	rep, err := e.deps.Transport.QueryOrder(ctx, ref)

	var trs []storage.Transition
	switch {
	case errors.Is(err, domain.ErrNotFound):
		e.mu.Lock()
		if t.order.Status == domain.StatusPending {
			from := t.order.Status
			t.order.Finish(domain.StatusRejected, "not found on exchange after restart", e.now())
			e.persist(t, decimal.Zero, decimal.Zero, decimal.Zero)
			trs = transition(t.order, from)
		}
		e.mu.Unlock()
		if trs == nil {
			slog.Warn("Restored order unknown to exchange", slog.String("order_id", ref.ClientOrderID))
		}
	case err != nil:
		slog.Warn("Restored order could not be reconciled",
			slog.String("order_id", ref.ClientOrderID),
			slog.Any("error", err))
		return err
	default:
		e.mu.Lock()
		if !t.final {
			trs = e.applyReport(t, rep)
		}
		e.mu.Unlock()
	}
	e.journal(ctx, trs)
	return nil
}
