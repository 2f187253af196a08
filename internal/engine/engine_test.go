package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/execution"
	"crypto_link/internal/ratelimit"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"
	"crypto_link/internal/validator"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	eng     *Engine
	ws      *execution.MockVenue
	rest    *execution.MockVenue
	store   *state.Store
	journal *storage.Journal
	limiter *ratelimit.Limiter
}

type option func(*Config, *Deps)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	dir := t.TempDir()

	j, err := storage.OpenJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	h := &harness{
		ws:      execution.NewMockVenue("ws"),
		rest:    execution.NewMockVenue("rest"),
		store:   state.NewStore(state.Options{Path: filepath.Join(dir, "state.json")}),
		journal: j,
		limiter: ratelimit.NewLimiter(ratelimit.DefaultConfig(ratelimit.TierStarter)),
	}
	cfg := Config{}
	deps := Deps{
		Validator: validator.New(validator.PrecisionTable{
			"XBT/USD": {PriceDecimals: 1, QtyDecimals: 8, MinQty: decimal.RequireFromString("0.0001")},
		}),
		Limiter:   h.limiter,
		Transport: execution.NewFailover(h.ws, h.rest),
		Store:     h.store,
		Journal:   j,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.limiter = deps.Limiter

	h.eng, err = New(cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go h.eng.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.eng.Close()
	})
	return h
}

func limit(qty, price string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol: "XBT/USD", Side: domain.SideBuy, Kind: domain.KindLimit,
		Quantity: qty, Price: price,
	}
}

func (h *harness) fill(clientID, execID, qty, price string) {
	h.eng.Inbox() <- &event.ExecutionEvent{
		ClientOrderID: clientID,
		ExecID:        execID,
		Qty:           decimal.RequireFromString(qty),
		Price:         decimal.RequireFromString(price),
		Fee:           decimal.RequireFromString("0.01"),
	}
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) domain.OrderView {
	t.Helper()
	var v domain.OrderView
	require.Eventually(t, func() bool {
		var err error
		v, err = h.eng.GetOrderStatus(id)
		return err == nil && v.Status == want
	}, waitFor, 5*time.Millisecond, "order %s never reached %s (last %s)", id, want, v.Status)
	return v
}

func TestPlaceOrder_TwoFillsComplete(t *testing.T) {
	h := newHarness(t)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("10", "100"))
	require.NoError(t, err)
	assert.Equal(t, "ws", hd.Transport)
	assert.Equal(t, "ws-1", hd.ExchangeID)

	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, v.Status)
	assert.Nil(t, v.AvgPrice)

	h.fill(hd.ID, "e1", "4", "100")
	v = h.waitStatus(t, hd.ID, domain.StatusPartial)
	assert.True(t, v.Remaining.Equal(decimal.NewFromInt(6)))

	h.fill(hd.ID, "e2", "6", "100")
	v = h.waitStatus(t, hd.ID, domain.StatusFilled)
	require.NotNil(t, v.AvgPrice)
	assert.True(t, v.AvgPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, v.Remaining.IsZero())
	assert.True(t, v.Fees.Equal(decimal.RequireFromString("0.02")))

	assert.Empty(t, h.eng.ActiveOrders())
	hist := h.eng.RecentHistory(10)
	require.Len(t, hist, 1)
	assert.Equal(t, hd.ID, hist[0].ID)

	h.store.View(func(doc *state.Document) {
		assert.Equal(t, domain.StatusFilled, doc.Orders[hd.ID].Status)
		assert.True(t, doc.Positions["XBT/USD"].Qty.Equal(decimal.NewFromInt(10)))
		assert.EqualValues(t, 1, doc.Performance.Filled)
		assert.Equal(t, 0, doc.Risk.ActiveOrders)
	})

	execs, err := h.journal.Executions(context.Background(), hd.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	trs, err := h.journal.Transitions(context.Background(), hd.ID)
	require.NoError(t, err)
	require.Len(t, trs, 3)
	assert.Equal(t, domain.StatusOpen, trs[0].To)
	assert.Equal(t, domain.StatusFilled, trs[2].To)
}

func TestPlaceOrder_DuplicateExecutionIgnored(t *testing.T) {
	h := newHarness(t)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("10", "100"))
	require.NoError(t, err)

	h.fill(hd.ID, "e1", "4", "100")
	h.fill(hd.ID, "e1", "4", "100")
	h.waitStatus(t, hd.ID, domain.StatusPartial)

	// the worker is sequential: once the market update is visible both
	// executions have been handled
	h.eng.Inbox() <- &event.MarketUpdateEvent{Symbol: "XBT/USD", Price: decimal.NewFromInt(101)}
	require.Eventually(t, func() bool {
		var ok bool
		h.store.View(func(doc *state.Document) { _, ok = doc.MarketSnapshot["XBT/USD"] })
		return ok
	}, waitFor, 5*time.Millisecond)

	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.True(t, v.Filled.Equal(decimal.NewFromInt(4)))
}

func TestPlaceOrder_OverfillIsClamped(t *testing.T) {
	h := newHarness(t)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	h.fill(hd.ID, "e1", "3", "100")
	v := h.waitStatus(t, hd.ID, domain.StatusFilled)
	assert.True(t, v.Filled.Equal(decimal.NewFromInt(1)))
}

func TestPlaceOrder_ValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.PlaceOrder(context.Background(), limit("-1", "100"))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "quantity", verr.Field)

	assert.Empty(t, h.ws.Placed())
	assert.Empty(t, h.eng.ActiveOrders())
	assert.Zero(t, h.limiter.Usage("XBT/USD"))
}

func TestPlaceOrder_RateLimited(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		cfg := ratelimit.DefaultConfig(ratelimit.Tier{Name: "tiny", Threshold: 1, DecayPerSecond: 0.001})
		cfg.FactorMin, cfg.FactorMax = 1, 1
		d.Limiter = ratelimit.NewLimiter(cfg)
	})

	_, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	_, err = h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	var rerr *domain.RateLimitedError
	require.ErrorAs(t, err, &rerr)
	assert.Positive(t, rerr.RetryAfter)
	assert.Len(t, h.ws.Placed(), 1)
	assert.Len(t, h.eng.ActiveOrders(), 1)
}

func TestPlaceOrder_Preconditions(t *testing.T) {
	t.Run("active cap", func(t *testing.T) {
		h := newHarness(t, func(c *Config, _ *Deps) { c.MaxActiveOrders = 1 })
		_, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		require.NoError(t, err)
		_, err = h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		assert.ErrorIs(t, err, domain.ErrTooManyOrders)
	})

	t.Run("cooldown", func(t *testing.T) {
		h := newHarness(t, func(_ *Config, d *Deps) { d.Cooldowns = blockAll{} })
		_, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		assert.ErrorIs(t, err, domain.ErrCooldown)
		assert.Empty(t, h.ws.Placed())
	})

	t.Run("balance", func(t *testing.T) {
		h := newHarness(t, func(_ *Config, d *Deps) {
			d.Balances = fixedBalance{"USD": decimal.NewFromInt(50)}
		})
		_, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		var berr *domain.InsufficientBalanceError
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, "USD", berr.Asset)
		assert.True(t, berr.Required.Equal(decimal.NewFromInt(100)))
		assert.Empty(t, h.ws.Placed())
	})
}

func TestPlaceOrder_BothTransportsFail(t *testing.T) {
	h := newHarness(t)
	h.ws.FailPlace(errors.New("socket closed"))
	h.rest.FailPlace(errors.New("503"))

	_, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Len(t, terr.Attempts, 2)

	assert.Empty(t, h.eng.ActiveOrders())
	h.store.View(func(doc *state.Document) { assert.Empty(t, doc.Orders) })
}

func TestPlaceOrder_FallsBackToRest(t *testing.T) {
	h := newHarness(t)
	h.ws.SetAvailable(false)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)
	assert.Equal(t, "rest", hd.Transport)
}

func TestPlaceOrder_SilentStreamFallsBackToRest(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Transport.(*execution.Failover).WithAttemptTimeout(50 * time.Millisecond)
	})
	h.ws.OnPlace(func(ctx context.Context, _ domain.PlaceRequest) (domain.PlaceAck, error) {
		<-ctx.Done()
		return domain.PlaceAck{}, ctx.Err()
	})

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)
	assert.Equal(t, "rest", hd.Transport)
	assert.Len(t, h.rest.Placed(), 1)
}

func TestCancelOrder_SettlesToCancelled(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.CancelSettle = 20 * time.Millisecond })

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	ok, err := h.eng.CancelOrder(context.Background(), hd.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, h.ws.Cancels(), 1)
	assert.Equal(t, hd.ExchangeID, h.ws.Cancels()[0].ExchangeID)

	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.True(t, v.CancelRequested)

	h.waitStatus(t, hd.ID, domain.StatusCancelled)

	_, err = h.eng.CancelOrder(context.Background(), hd.ID)
	assert.ErrorIs(t, err, domain.ErrOrderTerminal)
	_, err = h.eng.CancelOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelOrder_LateFillDuringSettle(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.CancelSettle = 200 * time.Millisecond })

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)
	_, err = h.eng.CancelOrder(context.Background(), hd.ID)
	require.NoError(t, err)

	h.fill(hd.ID, "late", "1", "100")
	h.waitStatus(t, hd.ID, domain.StatusFilled)

	time.Sleep(250 * time.Millisecond)
	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, v.Status)
}

func TestCancelOrder_ZeroSettleStillAppliesInFlightFill(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.CancelSettle = 0 })
	assert.Equal(t, MinCancelSettle, h.eng.cfg.CancelSettle)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	ok, err := h.eng.CancelOrder(context.Background(), hd.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.fill(hd.ID, "in-flight", "1", "100")

	v := h.waitStatus(t, hd.ID, domain.StatusFilled)
	assert.True(t, v.Filled.Equal(decimal.NewFromInt(1)))
}

func TestCancelOrder_FailureKeepsOrderActive(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.OrderTimeout = time.Hour })
	h.ws.FailCancel(errors.New("ws down"))
	h.rest.FailCancel(errors.New("rest down"))

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	ok, err := h.eng.CancelOrder(context.Background(), hd.ID)
	assert.False(t, ok)
	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)

	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, v.Status)
	assert.False(t, v.CancelRequested)

	h.eng.mu.Lock()
	assert.NotNil(t, h.eng.active[hd.ID].watchdog)
	h.eng.mu.Unlock()
}

func TestCancelOrder_WaitsForPlacementAck(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.ws.OnPlace(func(ctx context.Context, _ domain.PlaceRequest) (domain.PlaceAck, error) {
		<-release
		return domain.PlaceAck{ExchangeID: "slow-1"}, nil
	})

	placed := make(chan domain.OrderHandle, 1)
	go func() {
		hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		assert.NoError(t, err)
		placed <- hd
	}()

	var id string
	require.Eventually(t, func() bool {
		active := h.eng.ActiveOrders()
		if len(active) == 1 {
			id = active[0].ID
			return active[0].Status == domain.StatusPending
		}
		return false
	}, waitFor, time.Millisecond)

	cancelled := make(chan error, 1)
	go func() {
		_, err := h.eng.CancelOrder(context.Background(), id)
		cancelled <- err
	}()

	select {
	case err := <-cancelled:
		t.Fatalf("cancel returned before ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, h.ws.Cancels())

	close(release)
	<-placed
	require.NoError(t, <-cancelled)
	require.Len(t, h.ws.Cancels(), 1)
	assert.Equal(t, "slow-1", h.ws.Cancels()[0].ExchangeID)
	h.waitStatus(t, id, domain.StatusCancelled)
}

func TestWatchdog_CancelsStaleOrder(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.OrderTimeout = 30 * time.Millisecond })

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	v := h.waitStatus(t, hd.ID, domain.StatusCancelled)
	assert.Equal(t, domain.ErrTimeoutExpired.Error(), v.Reason)
	assert.Len(t, h.ws.Cancels(), 1)
}

func TestWatchdog_NotRearmedAfterClose(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.OrderTimeout = time.Hour })
	h.ws.FailCancel(errors.New("ws down"))
	h.rest.FailCancel(errors.New("http 503"))

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	h.eng.mu.Lock()
	armed := h.eng.active[hd.ID].watchdog
	h.eng.mu.Unlock()
	require.NotNil(t, armed)

	h.eng.Close()
	_, err = h.eng.CancelOrder(context.Background(), hd.ID)
	require.Error(t, err)

	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	tr := h.eng.active[hd.ID]
	assert.False(t, tr.cancelRequested)
	assert.Same(t, armed, tr.watchdog, "a closed engine starts no new watchdog")
}

func TestWatchdog_ConcurrentFillWins(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.OrderTimeout = 20 * time.Millisecond
		c.CancelSettle = 200 * time.Millisecond
	})
	h.ws.OnCancel(func(_ context.Context, ref domain.OrderRef) error {
		h.fill(ref.ClientOrderID, "race", "1", "100")
		return nil
	})

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)

	h.waitStatus(t, hd.ID, domain.StatusFilled)
	time.Sleep(250 * time.Millisecond)
	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, v.Status)
}

func TestStatusEvents(t *testing.T) {
	cases := []struct {
		state event.OrderState
		want  domain.Status
	}{
		{event.OrderStateExpired, domain.StatusExpired},
		{event.OrderStateRejected, domain.StatusRejected},
		{event.OrderStateCanceled, domain.StatusCancelled},
		{event.OrderStateFilled, domain.StatusFilled},
	}
	for _, c := range cases {
		t.Run(string(c.state), func(t *testing.T) {
			h := newHarness(t)
			hd, err := h.eng.PlaceOrder(context.Background(), limit("2", "100"))
			require.NoError(t, err)

			h.eng.Inbox() <- &event.OrderStatusEvent{OrderID: hd.ExchangeID, State: c.state}
			v := h.waitStatus(t, hd.ID, c.want)
			if c.want == domain.StatusFilled {
				assert.True(t, v.Filled.Equal(decimal.NewFromInt(2)))
				h.store.View(func(doc *state.Document) {
					assert.True(t, doc.Positions["XBT/USD"].Qty.Equal(decimal.NewFromInt(2)))
				})
			}
		})
	}
}

func TestModifyOrder_ReplacesOrder(t *testing.T) {
	h := newHarness(t)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("10", "100"))
	require.NoError(t, err)

	nh, err := h.eng.ModifyOrder(context.Background(), hd.ID, "101.05", "")
	require.NoError(t, err)
	assert.NotEqual(t, hd.ID, nh.ID)
	assert.True(t, nh.Order.Price.Equal(decimal.RequireFromString("101")))
	assert.True(t, nh.Order.Quantity.Equal(decimal.NewFromInt(10)))

	old, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, old.Status)
	assert.Len(t, h.ws.Placed(), 2)
}

func TestModifyOrder_InvalidReplacementKeepsOriginal(t *testing.T) {
	h := newHarness(t)

	hd, err := h.eng.PlaceOrder(context.Background(), limit("10", "100"))
	require.NoError(t, err)

	_, err = h.eng.ModifyOrder(context.Background(), hd.ID, "abc", "")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, h.ws.Cancels())

	v, err := h.eng.GetOrderStatus(hd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, v.Status)
}

func TestModifyOrder_FilledOriginalIsNotReplaced(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.CancelSettle = 100 * time.Millisecond })
	h.ws.OnCancel(func(_ context.Context, ref domain.OrderRef) error {
		h.fill(ref.ClientOrderID, "race", "10", "100")
		return nil
	})

	hd, err := h.eng.PlaceOrder(context.Background(), limit("10", "100"))
	require.NoError(t, err)

	_, err = h.eng.ModifyOrder(context.Background(), hd.ID, "", "5")
	assert.ErrorIs(t, err, domain.ErrOrderTerminal)
	assert.Len(t, h.ws.Placed(), 1)
}

func TestHistory_PrunesPersistedOrders(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.HistoryLimit = 2 })

	var ids []string
	for i := 0; i < 3; i++ {
		hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
		require.NoError(t, err)
		h.fill(hd.ID, fmt.Sprintf("e%d", i), "1", "100")
		h.waitStatus(t, hd.ID, domain.StatusFilled)
		ids = append(ids, hd.ID)
		time.Sleep(2 * time.Millisecond)
	}

	hist := h.eng.RecentHistory(5)
	require.Len(t, hist, 2)
	assert.Equal(t, ids[2], hist[0].ID)
	assert.Equal(t, ids[1], hist[1].ID)

	h.store.View(func(doc *state.Document) {
		assert.NotContains(t, doc.Orders, ids[0])
		assert.Contains(t, doc.Orders, ids[2])
	})
	_, err := h.eng.GetOrderStatus(ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestore_ReconcilesPersistedOrders(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.OrderTimeout = time.Hour })
	now := time.Now()
	n := domain.NormalizedOrder{
		Symbol: "XBT/USD", Side: domain.SideBuy, Kind: domain.KindLimit,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
	}

	filled := domain.NewOrder("filled", n, now)
	filled.MarkOpen("x-1", now)
	pending := domain.NewOrder("pending", n, now)
	open := domain.NewOrder("open", n, now)
	open.MarkOpen("x-3", now)

	h.store.Mutate(func(doc *state.Document) {
		for _, o := range []*domain.Order{filled, pending, open} {
			doc.Orders[o.ID] = o
		}
	})
	h.ws.SetReport("x-1", domain.OrderReport{Status: domain.StatusFilled, CumQty: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(99)})
	h.ws.SetReport("x-3", domain.OrderReport{Status: domain.StatusOpen, CumQty: decimal.NewFromInt(3), AvgPrice: decimal.NewFromInt(100)})

	n2, err := h.eng.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n2)

	v, err := h.eng.GetOrderStatus("filled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, v.Status)

	v, err = h.eng.GetOrderStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, v.Status)

	v, err = h.eng.GetOrderStatus("open")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, v.Status)
	assert.True(t, v.Filled.Equal(decimal.NewFromInt(3)))

	active := h.eng.ActiveOrders()
	require.Len(t, active, 1)
	assert.Equal(t, "open", active[0].ID)

	// events for restored orders are matched by exchange id
	h.eng.Inbox() <- &event.ExecutionEvent{OrderID: "x-3", ExecID: "r1", Qty: decimal.NewFromInt(7), Price: decimal.NewFromInt(100)}
	h.waitStatus(t, "open", domain.StatusFilled)
}

func TestRun_ChangeCallbackPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	var once sync.Once
	h.store.OnChange(func(state.Metadata) {
		once.Do(func() { panic("boom") })
	})

	h.eng.Inbox() <- &event.MarketUpdateEvent{Symbol: "XBT/USD", Price: decimal.NewFromInt(100)}
	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)
	h.fill(hd.ID, "e1", "1", "100")
	h.waitStatus(t, hd.ID, domain.StatusFilled)
}

func TestRun_ChangeCallbackMayQueryEngine(t *testing.T) {
	h := newHarness(t)
	var id atomic.Value
	id.Store("")
	var queried atomic.Int32
	h.store.OnChange(func(state.Metadata) {
		if _, err := h.eng.GetOrderStatus(id.Load().(string)); err == nil {
			queried.Add(1)
		}
	})

	hd, err := h.eng.PlaceOrder(context.Background(), limit("1", "100"))
	require.NoError(t, err)
	id.Store(hd.ID)
	h.fill(hd.ID, "e1", "1", "100")
	h.waitStatus(t, hd.ID, domain.StatusFilled)

	h.store.WaitCallbacks()
	assert.Positive(t, queried.Load())
}

type blockAll struct{}

func (blockAll) Cooldown(string, domain.Side) (time.Duration, bool) { return time.Minute, true }

type fixedBalance map[string]decimal.Decimal

func (b fixedBalance) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	return b[asset], nil
}
