package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crypto_link/internal/domain"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// placeWeight is the rate budget cost of one accepted order.
const placeWeight = 1.0

// precondition is one placement check. Checks run in order and stop at the
// first failure; none of them has side effects.
type precondition func(ctx context.Context, e *Engine, n domain.NormalizedOrder) (reason string, err error)

var preconditions = []precondition{
	checkCooldown,
	checkActiveCap,
	checkBalance,
}

func checkCooldown(_ context.Context, e *Engine, n domain.NormalizedOrder) (string, error) {
	if e.deps.Cooldowns == nil {
		return "", nil
	}
	if d, blocked := e.deps.Cooldowns.Cooldown(n.Symbol, n.Side); blocked {
		return "cooldown", fmt.Errorf("%w: %s %s for %s", domain.ErrCooldown, n.Symbol, n.Side, d)
	}
	return "", nil
}

func checkActiveCap(_ context.Context, e *Engine, _ domain.NormalizedOrder) (string, error) {
	e.mu.Lock()
	n := len(e.active)
	e.mu.Unlock()
	if n >= e.cfg.MaxActiveOrders {
		return "max_active", fmt.Errorf("%w (%d)", domain.ErrTooManyOrders, e.cfg.MaxActiveOrders)
	}
	return "", nil
}

// checkBalance asks the balance collaborator for the asset the order spends.
// Market buys use the last market price as reference and are not checked
// while no price has been observed.
func checkBalance(ctx context.Context, e *Engine, n domain.NormalizedOrder) (string, error) {
	if e.deps.Balances == nil {
		return "", nil
	}

	asset, need := n.BaseAsset, n.Quantity
	if n.Side == domain.SideBuy {
		ref := n.Price
		if ref.IsZero() {
			ref = n.TriggerPrice
		}
		if ref.IsZero() {
			ref, _ = e.referencePrice(n.Symbol)
		}
		if ref.IsZero() {
			slog.Debug("No reference price, skipping balance check", slog.String("symbol", n.Symbol))
			return "", nil
		}
		asset, need = n.QuoteAsset, n.Quantity.Mul(ref)
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	avail, err := e.deps.Balances.AvailableBalance(callCtx, asset)
	if err != nil {
		return "balance", fmt.Errorf("balance check for %s: %w", asset, err)
	}
	if avail.LessThan(need) {
		return "balance", &domain.InsufficientBalanceError{Asset: asset, Required: need, Available: avail}
	}
	return "", nil
}

// PlaceOrder validates, admits and submits an order. Validation, precondition
// and rate limit failures return before any network call or state change.
// When every transport fails the order is not tracked.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	n, err := e.deps.Validator.Normalize(req)
	if err != nil {
		e.deps.Metrics.Rejected(req.Symbol, "validation")
		return domain.OrderHandle{}, err
	}

	for _, check := range preconditions {
		if reason, err := check(ctx, e, n); err != nil {
			e.deps.Metrics.Rejected(n.Symbol, reason)
			return domain.OrderHandle{}, err
		}
	}

	if d := e.deps.Limiter.Admit(n.Symbol, false); !d.Allowed {
		e.deps.Metrics.Rejected(n.Symbol, "rate_limited")
		return domain.OrderHandle{}, &domain.RateLimitedError{Symbol: n.Symbol, RetryAfter: d.RetryAfter}
	}

	t, err := e.register(n)
	if err != nil {
		e.deps.Metrics.Rejected(n.Symbol, "max_active")
		return domain.OrderHandle{}, err
	}
	id := t.order.ID

	ack, err := e.deps.Transport.PlaceOrder(ctx, domain.PlaceRequest{ClientOrderID: id, Order: n})
	e.deps.Limiter.Outcome(n.Symbol, err == nil)

	if err != nil {
		e.drop(t)
		e.deps.Metrics.Rejected(n.Symbol, "transport")
		slog.Error("Order placement failed",
			slog.String("order_id", id),
			slog.String("symbol", n.Symbol),
			slog.Any("error", err))
		var terr *domain.TransportError
		if !errors.As(err, &terr) {
			err = &domain.TransportError{Op: "place", Attempts: []domain.TransportAttempt{{Transport: e.deps.Transport.Name(), Err: err}}}
		}
		return domain.OrderHandle{}, err
	}

	e.deps.Limiter.Record(n.Symbol, placeWeight)
	trs := e.accept(t, ack)
	e.journal(ctx, trs)
	e.deps.Metrics.Placed(n.Symbol, ack.Transport)

	slog.Info("Order placed",
		slog.String("order_id", id),
		slog.String("exchange_id", ack.ExchangeID),
		slog.String("transport", ack.Transport),
		slog.String("symbol", n.Symbol),
		slog.String("side", string(n.Side)),
		slog.String("qty", n.Quantity.String()))

	return domain.OrderHandle{
		ID:         id,
		ExchangeID: ack.ExchangeID,
		Transport:  ack.Transport,
		Order:      n,
	}, nil
}

// register adds a PENDING order to the in-memory registry so that events and
// cancels racing the acknowledgement can find it. Nothing is persisted yet.
func (e *Engine) register(n domain.NormalizedOrder) (*tracked, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.active) >= e.cfg.MaxActiveOrders {
		return nil, fmt.Errorf("%w (%d)", domain.ErrTooManyOrders, e.cfg.MaxActiveOrders)
	}
	t := &tracked{
		order:    domain.NewOrder(uuid.NewString(), n, e.now()),
		acked:    make(chan struct{}),
		done:     make(chan struct{}),
		seenExec: make(map[string]struct{}),
	}
	e.active[t.order.ID] = t
	e.deps.Metrics.Active(len(e.active))
	return t, nil
}

// drop forgets an order whose placement failed everywhere.
func (e *Engine) drop(t *tracked) {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(t.acked)
	if t.final {
		return
	}
	delete(e.active, t.order.ID)
	t.lost = true
	t.final = true
	close(t.done)
	e.deps.Metrics.Active(len(e.active))
}

// accept moves the order to OPEN, persists it and arms its watchdog.
// Events processed before the acknowledgement may already have closed it.
func (e *Engine) accept(t *tracked, ack domain.PlaceAck) []storage.Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := t.order
	t.transport = ack.Transport
	close(t.acked)
	if t.final {
		return nil
	}

	from := o.Status
	o.MarkOpen(ack.ExchangeID, e.now())
	if o.ExchangeID != "" {
		e.byExchange[o.ExchangeID] = o.ID
	}
	e.deps.Store.Mutate(func(doc *state.Document) {
		e.persistOrder(doc, o)
		doc.RefreshRisk(len(e.active), e.openNotional())
	})
	if !t.cancelRequested {
		e.armWatchdog(t, e.cfg.OrderTimeout)
	}
	return transition(o, from)
}

// referencePrice returns the last observed market price of symbol.
func (e *Engine) referencePrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.lastPrice[symbol]
	return p, ok
}
