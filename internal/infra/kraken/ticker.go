package kraken

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"crypto_link/internal/event"
	"crypto_link/internal/infra"

	"github.com/shopspring/decimal"
)

// TickerFeed subscribes to the public ticker channel and forwards last
// prices as market updates.
type TickerFeed struct {
	base    *infra.BaseWSWorker
	url     string
	wire    []string
	symbols map[string]string // wire -> local
	sink    chan<- event.Event
	seq     uint64

	// OnPrice, when set, sees every price before it is queued.
	OnPrice func(symbol string, price decimal.Decimal)
}

// NewTickerFeed creates a feed for symbols (local symbol -> wire symbol).
func NewTickerFeed(url string, symbols map[string]string, sink chan<- event.Event) *TickerFeed {
	if url == "" {
		url = PublicWSURL
	}
	f := &TickerFeed{
		url:     url,
		symbols: make(map[string]string, len(symbols)),
		sink:    sink,
	}
	for local, wire := range symbols {
		f.symbols[wire] = local
		f.wire = append(f.wire, wire)
	}
	sort.Strings(f.wire)
	f.base = infra.NewBaseWSWorker(f)
	return f
}

func (f *TickerFeed) Start(ctx context.Context) { f.base.Start(ctx) }
func (f *TickerFeed) Stop()                     { f.base.Stop() }

func (f *TickerFeed) ID() string                          { return "KRAKEN_TICKER" }
func (f *TickerFeed) URL(context.Context) (string, error) { return f.url, nil }
func (f *TickerFeed) OnDisconnect(error)                  {}

func (f *TickerFeed) OnConnect(ctx context.Context, w *infra.BaseWSWorker) error {
	return w.WriteJSON(wsRequest{
		Method: "subscribe",
		Params: subscribeParams{Channel: "ticker", Symbol: f.wire},
	})
}

func (f *TickerFeed) OnPing(ctx context.Context, w *infra.BaseWSWorker) error {
	return w.WriteJSON(wsRequest{Method: "ping"})
}

func (f *TickerFeed) OnMessage(ctx context.Context, msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil || m.Channel != "ticker" {
		return
	}
	var data []tickerData
	if err := json.Unmarshal(m.Data, &data); err != nil {
		slog.Warn("Kraken ticker decode failed", slog.Any("error", err))
		return
	}

	for _, d := range data {
		symbol, ok := f.symbols[d.Symbol]
		if !ok || !d.Last.IsPositive() {
			continue
		}
		if f.OnPrice != nil {
			f.OnPrice(symbol, d.Last)
		}

		ev := &event.MarketUpdateEvent{
			BaseEvent: event.BaseEvent{Seq: event.NextSeq(&f.seq), Ts: time.Now()},
			Symbol:    symbol,
			Price:     d.Last,
		}
		select {
		case f.sink <- ev:
		default:
			slog.Warn("Kraken ticker inbox full, dropping update", slog.String("symbol", symbol))
		}
	}
}
