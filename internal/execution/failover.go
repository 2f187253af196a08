package execution

import (
	"context"
	"log/slog"
	"time"

	"crypto_link/internal/domain"
)

// DefaultAttemptTimeout bounds a single transport attempt.
const DefaultAttemptTimeout = 10 * time.Second

// Failover routes calls to the streaming transport when it is available and
// retries once through the other transport on failure. Every attempt gets its
// own deadline.
type Failover struct {
	stream   domain.Transport
	fallback domain.Transport
	attempt  time.Duration
}

// NewFailover combines a streaming and a request/response transport.
// Either may be nil.
func NewFailover(stream, fallback domain.Transport) *Failover {
	return &Failover{stream: stream, fallback: fallback, attempt: DefaultAttemptTimeout}
}

// WithAttemptTimeout sets the per-attempt deadline. d <= 0 bounds attempts
// by the caller's context only.
func (f *Failover) WithAttemptTimeout(d time.Duration) *Failover {
	f.attempt = d
	return f
}

func (f *Failover) Name() string { return "failover" }

// Available reports whether any transport can take calls.
func (f *Failover) Available() bool {
	for _, t := range f.route() {
		if t.Available() {
			return true
		}
	}
	return false
}

// route returns the transports in the order they should be tried.
func (f *Failover) route() []domain.Transport {
	var out []domain.Transport
	switch {
	case f.stream != nil && f.stream.Available():
		out = append(out, f.stream)
		if f.fallback != nil {
			out = append(out, f.fallback)
		}
	default:
		if f.fallback != nil {
			out = append(out, f.fallback)
		}
		if f.stream != nil {
			out = append(out, f.stream)
		}
	}
	return out
}

func (f *Failover) try(ctx context.Context, op string, call func(context.Context, domain.Transport) error) (string, error) {
	terr := &domain.TransportError{Op: op}
	for i, t := range f.route() {
		if ctx.Err() != nil {
			terr.Attempts = append(terr.Attempts, domain.TransportAttempt{Transport: t.Name(), Err: ctx.Err()})
			break
		}
		if !t.Available() {
			terr.Attempts = append(terr.Attempts, domain.TransportAttempt{Transport: t.Name(), Err: domain.ErrTransportUnavailable})
			continue
		}
		err := f.attemptCall(ctx, t, call)
		if err == nil {
			return t.Name(), nil
		}
		terr.Attempts = append(terr.Attempts, domain.TransportAttempt{Transport: t.Name(), Err: err})
		if i == 0 {
			slog.Warn("Transport call failed, trying fallback",
				slog.String("op", op),
				slog.String("transport", t.Name()),
				slog.Any("error", err))
		}
	}
	if len(terr.Attempts) == 0 {
		terr.Attempts = append(terr.Attempts, domain.TransportAttempt{Transport: "none", Err: domain.ErrTransportUnavailable})
	}
	return "", terr
}

func (f *Failover) attemptCall(ctx context.Context, t domain.Transport, call func(context.Context, domain.Transport) error) error {
	if f.attempt <= 0 {
		return call(ctx, t)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, f.attempt)
	defer cancel()
	return call(attemptCtx, t)
}

// PlaceOrder submits req. Both transports failing yields *domain.TransportError.
func (f *Failover) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	var ack domain.PlaceAck
	name, err := f.try(ctx, "place", func(ctx context.Context, t domain.Transport) error {
		var err error
		ack, err = t.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return domain.PlaceAck{}, err
	}
	ack.Transport = name
	return ack, nil
}

// CancelOrder cancels ref through the preferred transport, then the other.
func (f *Failover) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	_, err := f.try(ctx, "cancel", func(ctx context.Context, t domain.Transport) error {
		return t.CancelOrder(ctx, ref)
	})
	return err
}

// QueryOrder asks the exchange for the current state of ref.
func (f *Failover) QueryOrder(ctx context.Context, ref domain.OrderRef) (domain.OrderReport, error) {
	var rep domain.OrderReport
	_, err := f.try(ctx, "query", func(ctx context.Context, t domain.Transport) error {
		var err error
		rep, err = t.QueryOrder(ctx, ref)
		return err
	})
	return rep, err
}
