package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/infra"
	"crypto_link/internal/infra/kraken"

	"github.com/shopspring/decimal"
)

// ErrRealMoneyNotConfirmed guards REAL mode.
var ErrRealMoneyNotConfirmed = errors.New("SAFETY_GUARD: Real trading requires 'CONFIRM_REAL_MONEY=true' environment variable")

// Venue is everything the engine needs to trade in one mode.
type Venue struct {
	Transport domain.Transport
	Balances  domain.BalanceProvider
	Paper     *PaperVenue // nil in REAL mode

	workers []worker
	closers []func()
}

type worker interface {
	Start(ctx context.Context)
	Stop()
}

// Start connects the stream workers.
func (v *Venue) Start(ctx context.Context) {
	for _, w := range v.workers {
		w.Start(ctx)
	}
}

// Stop disconnects workers and releases credentials.
func (v *Venue) Stop() {
	for _, w := range v.workers {
		w.Stop()
	}
	for _, c := range v.closers {
		c()
	}
}

// Factory builds the venue for the configured trading mode.
type Factory struct {
	config *infra.Config

	// OnBreakerChange is passed to the REST circuit breaker.
	OnBreakerChange func(name string, from, to infra.BreakerState)
}

// NewFactory creates a new factory
func NewFactory(cfg *infra.Config) *Factory {
	return &Factory{config: cfg}
}

// Build returns the venue for the configured mode. Exchange events are
// delivered to sink.
func (f *Factory) Build(sink chan<- event.Event) (*Venue, error) {
	mode := f.config.Trading.Mode
	slog.Info("Initializing Execution System", slog.String("mode", mode))

	switch mode {
	case infra.ModePaper:
		return f.paper(sink, nil)

	case infra.ModeDemo:
		slog.Info("🔒 Connecting to Kraken DEMO (validate only)")
		client, err := f.client()
		if err != nil {
			return nil, err
		}
		v, err := f.paper(sink, client.ValidateOrder)
		if err != nil {
			return nil, err
		}
		v.closers = append(v.closers, client.Close)
		return v, nil

	case infra.ModeReal:
		if os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			slog.Error(ErrRealMoneyNotConfirmed.Error())
			return nil, ErrRealMoneyNotConfirmed
		}
		slog.Warn("🚨🚨🚨 Connecting to Kraken REAL 🚨🚨🚨")
		return f.real(sink)

	default:
		return nil, fmt.Errorf("unknown execution mode: %s", mode)
	}
}

func (f *Factory) paper(sink chan<- event.Event, check func(context.Context, domain.PlaceRequest) error) (*Venue, error) {
	p := f.config.Trading.Paper
	balances := make(map[string]decimal.Decimal, len(p.Balances))
	for asset, s := range p.Balances {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("paper balance %s: %w", asset, err)
		}
		balances[asset] = d
	}
	fee, err := decimal.NewFromString(p.FeeRate)
	if err != nil {
		return nil, fmt.Errorf("paper fee rate: %w", err)
	}

	venue := NewPaperVenue(balances, fee)
	venue.SetSink(sink)

	feed := kraken.NewTickerFeed(f.config.API.Kraken.WSURL, f.wireSymbols(), sink)
	feed.OnPrice = venue.UpdatePrice

	var transport domain.Transport = venue
	if check != nil {
		transport = &Validated{Transport: venue, Check: check}
	}
	return &Venue{
		Transport: f.failover(transport, nil),
		Balances:  venue,
		Paper:     venue,
		workers:   []worker{feed},
		closers:   []func(){venue.Close},
	}, nil
}

func (f *Factory) real(sink chan<- event.Event) (*Venue, error) {
	client, err := f.client()
	if err != nil {
		return nil, err
	}
	stream := kraken.NewStream(kraken.StreamConfig{
		URL:   f.config.API.Kraken.AuthWSURL,
		Token: client.WebSocketToken,
	}, sink)
	feed := kraken.NewTickerFeed(f.config.API.Kraken.WSURL, f.wireSymbols(), sink)

	return &Venue{
		Transport: f.failover(stream, client),
		Balances:  client,
		workers:   []worker{stream, feed},
		closers:   []func(){client.Close},
	}, nil
}

func (f *Factory) failover(stream, fallback domain.Transport) *Failover {
	fo := NewFailover(stream, fallback)
	if d := f.config.Trading.CallTimeout; d > 0 {
		fo.WithAttemptTimeout(d)
	}
	return fo
}

func (f *Factory) client() (*kraken.Client, error) {
	k := f.config.API.Kraken
	bc := infra.DefaultCircuitBreakerConfig("kraken-rest")
	bc.IsFailure = kraken.IsOutage
	bc.OnStateChange = f.OnBreakerChange

	return kraken.NewClient(kraken.ClientConfig{
		BaseURL:   k.RestURL,
		APIKey:    k.APIKey,
		APISecret: k.APISecret,
		UserAgent: infra.UserAgent(f.config.App.Version),
		Timeout:   f.config.Trading.CallTimeout,
		Breaker:   infra.NewCircuitBreaker(bc),
	})
}

func (f *Factory) wireSymbols() map[string]string {
	out := make(map[string]string, len(f.config.Trading.Symbols))
	for sym, sc := range f.config.Trading.Symbols {
		wire := sc.Wire
		if wire == "" {
			wire = sym
		}
		out[sym] = wire
	}
	return out
}

// Validated runs Check before every placement on Transport.
type Validated struct {
	domain.Transport
	Check func(ctx context.Context, req domain.PlaceRequest) error
}

func (v *Validated) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	if err := v.Check(ctx, req); err != nil {
		return domain.PlaceAck{}, fmt.Errorf("exchange validation: %w", err)
	}
	return v.Transport.PlaceOrder(ctx, req)
}
