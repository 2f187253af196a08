package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crypto_link/internal/domain"
)

// watchdog is a cancellable per-order deadline.
type watchdog struct {
	stop chan struct{}
	once sync.Once
}

func (w *watchdog) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() { close(w.stop) })
}

// armWatchdog (re)starts the deadline of t. Caller holds mu. Close takes mu
// before waiting on wg, so no watchdog starts once closed is observed here.
func (e *Engine) armWatchdog(t *tracked, d time.Duration) {
	if e.cfg.OrderTimeout <= 0 {
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}
	t.watchdog.Stop()
	if d < 0 {
		d = 0
	}
	w := &watchdog{stop: make(chan struct{})}
	t.watchdog = w
	id := t.order.ID

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			e.onTimeout(id)
		case <-w.stop:
		case <-e.closed:
		}
	}()
}

// onTimeout issues a best-effort cancel for an order that outlived its
// deadline. Fills already on their way still apply.
func (e *Engine) onTimeout(id string) {
	e.mu.Lock()
	t, ok := e.active[id]
	if !ok || t.order.Status.IsTerminal() || t.cancelRequested {
		e.mu.Unlock()
		return
	}
	status := t.order.Status
	e.mu.Unlock()

	slog.Warn("Order watchdog fired, cancelling",
		slog.String("order_id", id),
		slog.String("status", string(status)),
		slog.Any("reason", domain.ErrTimeoutExpired))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := e.cancel(ctx, id, cancelOpts{reason: domain.ErrTimeoutExpired.Error(), bypassLimiter: true}); err != nil {
		slog.Error("Watchdog cancel failed",
			slog.String("order_id", id),
			slog.Any("error", err))
	}
}
