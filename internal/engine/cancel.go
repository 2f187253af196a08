package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/ratelimit"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"
)

type cancelOpts struct {
	reason        string
	bypassLimiter bool
}

// CancelOrder requests cancellation of an active order. A true result means
// the exchange accepted the cancel; the order turns CANCELLED once the settle
// window has passed, unless late fills complete it first.
func (e *Engine) CancelOrder(ctx context.Context, id string) (bool, error) {
	return e.cancel(ctx, id, cancelOpts{reason: "cancelled by user"})
}

func (e *Engine) cancel(ctx context.Context, id string, opts cancelOpts) (bool, error) {
	e.mu.Lock()
	t, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return false, e.inactiveErr(id)
	}

	// Placement may still be in flight.
	select {
	case <-t.acked:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	e.mu.Lock()
	if err := t.cancellable(); err != nil || t.cancelRequested {
		e.mu.Unlock()
		return err == nil, err
	}
	symbol := t.order.Symbol
	e.mu.Unlock()

	if !opts.bypassLimiter {
		if d := e.deps.Limiter.Admit(symbol, true); !d.Allowed {
			e.deps.Metrics.Rejected(symbol, "rate_limited")
			return false, &domain.RateLimitedError{Symbol: symbol, RetryAfter: d.RetryAfter}
		}
	}

	e.mu.Lock()
	if err := t.cancellable(); err != nil || t.cancelRequested {
		e.mu.Unlock()
		return err == nil, err
	}
	t.cancelRequested = true
	t.watchdog.Stop()
	ref := domain.OrderRef{ExchangeID: t.order.ExchangeID, ClientOrderID: t.order.ID}
	age := e.now().Sub(t.order.CreatedAt)
	e.mu.Unlock()

	err := e.deps.Transport.CancelOrder(ctx, ref)
	e.deps.Limiter.Outcome(symbol, err == nil)

	if err != nil {
		e.mu.Lock()
		t.cancelRequested = false
		if !t.final {
			e.armWatchdog(t, e.cfg.OrderTimeout)
		}
		e.mu.Unlock()
		slog.Error("Order cancel failed",
			slog.String("order_id", id),
			slog.String("reason", opts.reason),
			slog.Any("error", err))
		return false, err
	}

	e.deps.Limiter.Record(symbol, ratelimit.CancelPenalty(age))

	e.mu.Lock()
	trs := e.beginSettle(t, opts.reason)
	e.mu.Unlock()
	e.journal(ctx, trs)

	slog.Info("Order cancel accepted",
		slog.String("order_id", id),
		slog.String("reason", opts.reason),
		slog.Duration("age", age))
	return true, nil
}

// cancellable reports why t can no longer be cancelled. Caller holds mu.
func (t *tracked) cancellable() error {
	if t.lost {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, t.order.ID)
	}
	if t.final || t.order.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, t.order.ID, t.order.Status)
	}
	return nil
}

// inactiveErr distinguishes closed orders from unknown ids.
func (e *Engine) inactiveErr(id string) error {
	e.mu.Lock()
	o, ok := e.history.get(id)
	e.mu.Unlock()
	if ok {
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, id, o.Status)
	}

	var status domain.Status
	e.deps.Store.View(func(doc *state.Document) {
		if o, ok := doc.Orders[id]; ok {
			status = o.Status
		}
	})
	if status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrOrderTerminal, id, status)
	}
	return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

// beginSettle starts the window after a confirmed cancel during which late
// fills still apply. Caller holds mu.
func (e *Engine) beginSettle(t *tracked, reason string) []storage.Transition {
	t.cancelRequested = true
	t.watchdog.Stop()
	if t.final {
		return nil
	}
	if t.settle == nil {
		t.settle = time.AfterFunc(e.cfg.CancelSettle, func() { e.finishSettle(t, reason) })
	}
	return nil
}

func (e *Engine) finishSettle(t *tracked, reason string) {
	select {
	case <-e.closed:
		return
	default:
	}
	e.mu.Lock()
	trs := e.settle(t, reason)
	e.mu.Unlock()
	e.journal(context.Background(), trs)
}

// settle closes t as CANCELLED unless fills completed it. Caller holds mu.
func (e *Engine) settle(t *tracked, reason string) []storage.Transition {
	if t.final {
		return nil
	}
	from := t.order.Status
	t.order.Finish(domain.StatusCancelled, reason, e.now())
	trs := transition(t.order, from)
	e.finalize(t)
	return trs
}

// ModifyOrder replaces an active order with a new price and/or quantity.
// Empty arguments keep the current price and the remaining quantity. The
// replacement is validated before the original is cancelled; if the original
// fills in the meantime no replacement is placed.
func (e *Engine) ModifyOrder(ctx context.Context, id, newPrice, newQty string) (domain.OrderHandle, error) {
	e.mu.Lock()
	t, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return domain.OrderHandle{}, e.inactiveErr(id)
	}
	req := replacement(t.order, newPrice, newQty)
	e.mu.Unlock()

	if _, err := e.deps.Validator.Normalize(req); err != nil {
		return domain.OrderHandle{}, err
	}

	if _, err := e.cancel(ctx, id, cancelOpts{reason: "replaced"}); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("modify %s: %w", id, err)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return domain.OrderHandle{}, ctx.Err()
	}

	e.mu.Lock()
	status := t.order.Status
	if newQty == "" {
		req.Quantity = t.order.Remaining().String()
	}
	e.mu.Unlock()

	if status != domain.StatusCancelled {
		return domain.OrderHandle{}, fmt.Errorf("modify %s: %w: ended %s", id, domain.ErrOrderTerminal, status)
	}

	h, err := e.PlaceOrder(ctx, req)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("Replacement rejected after partial fill",
				slog.String("order_id", id),
				slog.String("qty", req.Quantity))
		}
		return domain.OrderHandle{}, fmt.Errorf("modify %s: %w", id, err)
	}
	slog.Info("Order replaced",
		slog.String("old_id", id),
		slog.String("new_id", h.ID))
	return h, nil
}

func replacement(o *domain.Order, newPrice, newQty string) domain.OrderRequest {
	req := domain.OrderRequest{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Kind:     o.Kind,
		Quantity: newQty,
		Price:    newPrice,
	}
	if req.Quantity == "" {
		req.Quantity = o.Remaining().String()
	}
	if req.Price == "" && !o.Price.IsZero() {
		req.Price = o.Price.String()
	}
	if !o.TriggerPrice.IsZero() {
		req.TriggerPrice = o.TriggerPrice.String()
	}
	return req
}
