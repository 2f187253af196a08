// Package engine is the order execution engine. It owns the active order
// registry, places and cancels orders through a transport, and reconciles
// streamed exchange events into order state, positions and history.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/ratelimit"
	"crypto_link/internal/state"
	"crypto_link/internal/storage"
	"crypto_link/internal/validator"

	"github.com/shopspring/decimal"
)

// CooldownChecker is consulted before placement. A true result blocks the
// symbol and side for the returned duration.
type CooldownChecker interface {
	Cooldown(symbol string, side domain.Side) (time.Duration, bool)
}

// Metrics receives engine counters. All methods must be cheap.
type Metrics interface {
	Placed(symbol, transport string)
	Rejected(symbol, reason string)
	Filled(symbol string)
	Closed(symbol string, status domain.Status)
	Active(n int)
}

type noopMetrics struct{}

func (noopMetrics) Placed(string, string)        {}
func (noopMetrics) Rejected(string, string)      {}
func (noopMetrics) Filled(string)                {}
func (noopMetrics) Closed(string, domain.Status) {}
func (noopMetrics) Active(int)                   {}

// MinCancelSettle is the shortest settle window. A fill already in flight when
// the exchange confirms a cancel must still find the order active.
const MinCancelSettle = 100 * time.Millisecond

// Config holds engine limits and timings.
type Config struct {
	MaxActiveOrders int
	OrderTimeout    time.Duration // watchdog deadline, 0 disables
	CallTimeout     time.Duration // per balance lookup
	CancelSettle    time.Duration // late fills still apply during this window
	HistoryLimit    int
	InboxSize       int
	Inbox           chan event.Event // optional, created with InboxSize when nil
	Clock           func() time.Time
}

func (c *Config) normalize() {
	if c.MaxActiveOrders <= 0 {
		c.MaxActiveOrders = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.CancelSettle < MinCancelSettle {
		c.CancelSettle = MinCancelSettle
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Deps are the engine collaborators. Journal, Balances, Cooldowns and
// Metrics are optional. Transport bounds its own attempts, see
// execution.Failover.
type Deps struct {
	Validator *validator.Validator
	Limiter   *ratelimit.Limiter
	Transport domain.Transport
	Store     *state.Store
	Journal   *storage.Journal
	Balances  domain.BalanceProvider
	Cooldowns CooldownChecker
	Metrics   Metrics
}

// Engine places, tracks and reconciles orders.
// The registry and the state document are only changed under mu, and no
// network I/O happens while it is held. Lock order: mu, then the store lock.
type Engine struct {
	cfg  Config
	deps Deps

	inbox chan event.Event

	mu         sync.Mutex
	active     map[string]*tracked // local id
	byExchange map[string]string   // exchange id -> local id
	history    *history
	lastPrice  map[string]decimal.Decimal

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// tracked is an active order and its bookkeeping. Guarded by Engine.mu.
type tracked struct {
	order     *domain.Order
	transport string

	acked chan struct{} // closed once placement resolved
	done  chan struct{} // closed once terminal
	lost  bool          // placement failed on every transport
	final bool          // archived

	watchdog        *watchdog
	cancelRequested bool
	settle          *time.Timer
	seenExec        map[string]struct{}
}

// New creates an engine. Run must be started for events to be processed.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Validator == nil || deps.Limiter == nil || deps.Transport == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine: validator, limiter, transport and store are required")
	}
	cfg.normalize()
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	inbox := cfg.Inbox
	if inbox == nil {
		inbox = make(chan event.Event, cfg.InboxSize)
	}
	return &Engine{
		cfg:        cfg,
		deps:       deps,
		inbox:      inbox,
		active:     make(map[string]*tracked),
		byExchange: make(map[string]string),
		history:    newHistory(cfg.HistoryLimit),
		lastPrice:  make(map[string]decimal.Decimal),
		closed:     make(chan struct{}),
	}, nil
}

// Inbox returns the event channel. Stream workers send events here.
func (e *Engine) Inbox() chan<- event.Event {
	return e.inbox
}

// Run processes inbound events one at a time until ctx ends. It must run in
// a single goroutine so that events of an order apply in arrival order.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine event worker started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine event worker stopping...")
			return
		case ev := <-e.inbox:
			e.process(ctx, ev)
		}
	}
}

func (e *Engine) process(ctx context.Context, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED",
				slog.Any("panic", r),
				slog.String("event", ev.GetType().String()))
		}
	}()

	switch ev := ev.(type) {
	case *event.ExecutionEvent:
		e.handleExecution(ctx, ev)
	case *event.OrderStatusEvent:
		e.handleStatus(ctx, ev)
	case *event.MarketUpdateEvent:
		e.handleMarket(ev)
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

// GetOrderStatus returns a snapshot of an active, archived or persisted order.
func (e *Engine) GetOrderStatus(id string) (domain.OrderView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.active[id]; ok {
		v := t.order.View()
		v.CancelRequested = t.cancelRequested
		return v, nil
	}
	if o, ok := e.history.get(id); ok {
		return o.View(), nil
	}

	var (
		v     domain.OrderView
		found bool
	)
	e.deps.Store.View(func(doc *state.Document) {
		if o, ok := doc.Orders[id]; ok {
			v, found = o.View(), true
		}
	})
	if !found {
		return domain.OrderView{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return v, nil
}

// ActiveOrders returns views of every non-terminal order.
func (e *Engine) ActiveOrders() []domain.OrderView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderView, 0, len(e.active))
	for _, t := range e.active {
		v := t.order.View()
		v.CancelRequested = t.cancelRequested
		out = append(out, v)
	}
	return out
}

// RecentHistory returns up to n closed orders, most recently closed first.
func (e *Engine) RecentHistory(n int) []domain.OrderView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.recent(n)
}

// Close stops watchdogs and settle timers. Active orders stay active on the
// exchange and in the persisted document.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for _, t := range e.active {
			if t.settle != nil {
				t.settle.Stop()
			}
		}
		e.mu.Unlock()
		e.wg.Wait()
		slog.Info("Engine closed")
	})
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock()
}

// lookup finds an active order by local or exchange id. Caller holds mu.
func (e *Engine) lookup(clientID, exchangeID string) (*tracked, bool) {
	if t, ok := e.active[clientID]; ok && clientID != "" {
		return t, true
	}
	if id, ok := e.byExchange[exchangeID]; ok && exchangeID != "" {
		t, ok := e.active[id]
		return t, ok
	}
	return nil, false
}

// callCtx bounds a balance lookup.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// journal writes transitions outside of mu. Failures are logged only.
func (e *Engine) journal(ctx context.Context, trs []storage.Transition) {
	if e.deps.Journal == nil {
		return
	}
	for _, tr := range trs {
		if err := e.deps.Journal.RecordTransition(ctx, tr); err != nil {
			slog.Warn("Failed to journal order transition",
				slog.String("order_id", tr.OrderID),
				slog.Any("error", err))
		}
	}
}

// openNotional is the quote value of every active remaining quantity.
// Caller holds mu.
func (e *Engine) openNotional() decimal.Decimal {
	total := decimal.Zero
	for _, t := range e.active {
		price := t.order.Price
		if price.IsZero() {
			price = e.lastPrice[t.order.Symbol]
		}
		total = total.Add(t.order.Remaining().Mul(price))
	}
	return total
}

// persistOrder copies o into the document. Caller holds mu.
func (e *Engine) persistOrder(doc *state.Document, o *domain.Order) {
	cp := *o
	doc.Orders[o.ID] = &cp
}
