// Package state owns the persisted trading document: positions, orders,
// aggregates and metadata. It loads, migrates, backs up and flushes the
// document to a single JSON file.
package state

import (
	"fmt"
	"time"

	"crypto_link/internal/domain"

	"github.com/shopspring/decimal"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = "2.0"

// Document is the whole persisted state.
type Document struct {
	Positions      map[string]*domain.Position   `json:"positions"`
	Orders         map[string]*domain.Order      `json:"orders"`
	Performance    Performance                   `json:"performance"`
	Risk           Risk                          `json:"risk"`
	MarketSnapshot map[string]domain.MarketState `json:"market_snapshot"`
	Metadata       Metadata                      `json:"metadata"`
}

// Performance aggregates closed orders.
type Performance struct {
	TotalOrders int64           `json:"total_orders"`
	Filled      int64           `json:"filled"`
	Cancelled   int64           `json:"cancelled"`
	Expired     int64           `json:"expired"`
	Rejected    int64           `json:"rejected"`
	Volume      decimal.Decimal `json:"volume"` // quote notional
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Risk tracks open exposure and drawdown of realized PnL.
type Risk struct {
	ActiveOrders int             `json:"active_orders"`
	OpenNotional decimal.Decimal `json:"open_notional"`
	PeakPnL      decimal.Decimal `json:"peak_pnl"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
}

// Metadata describes the document itself.
type Metadata struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdateCount uint64    `json:"update_count"`
	LastBackup  string    `json:"last_backup,omitempty"`
}

// NewDocument returns an empty document at the current version.
func NewDocument(now time.Time) *Document {
	return &Document{
		Positions:      make(map[string]*domain.Position),
		Orders:         make(map[string]*domain.Order),
		MarketSnapshot: make(map[string]domain.MarketState),
		Metadata: Metadata{
			Version:   CurrentVersion,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// fillDefaults replaces nil containers left by older or hand-edited files.
func (d *Document) fillDefaults() {
	if d.Positions == nil {
		d.Positions = make(map[string]*domain.Position)
	}
	if d.Orders == nil {
		d.Orders = make(map[string]*domain.Order)
	}
	if d.MarketSnapshot == nil {
		d.MarketSnapshot = make(map[string]domain.MarketState)
	}
}

// Position returns the position for symbol, creating it if needed.
func (d *Document) Position(symbol string) *domain.Position {
	p, ok := d.Positions[symbol]
	if !ok {
		p = &domain.Position{Symbol: symbol}
		d.Positions[symbol] = p
	}
	return p
}

// RecordClose folds a terminal order into the performance aggregates.
func (d *Document) RecordClose(o *domain.Order) {
	perf := &d.Performance
	perf.TotalOrders++
	switch o.Status {
	case domain.StatusFilled:
		perf.Filled++
	case domain.StatusCancelled:
		perf.Cancelled++
	case domain.StatusExpired:
		perf.Expired++
	case domain.StatusRejected:
		perf.Rejected++
	}
	perf.Volume = perf.Volume.Add(o.Filled.Mul(o.AvgPrice))
	perf.Fees = perf.Fees.Add(o.Fees)
}

// RefreshRisk recomputes realized PnL, drawdown and open exposure.
func (d *Document) RefreshRisk(active int, openNotional decimal.Decimal) {
	pnl := decimal.Zero
	for _, p := range d.Positions {
		pnl = pnl.Add(p.RealizedPnL)
	}
	d.Performance.RealizedPnL = pnl

	r := &d.Risk
	r.ActiveOrders = active
	r.OpenNotional = openNotional
	if pnl.GreaterThan(r.PeakPnL) {
		r.PeakPnL = pnl
	}
	if dd := r.PeakPnL.Sub(pnl); dd.GreaterThan(r.MaxDrawdown) {
		r.MaxDrawdown = dd
	}
}

var requiredSections = []string{"positions", "orders", "performance", "metadata"}

// checkIntegrity validates the raw document before it is decoded.
func checkIntegrity(raw map[string]any, known func(string) bool) error {
	for _, name := range requiredSections {
		v, ok := raw[name]
		if !ok {
			return fmt.Errorf("%w: missing section %q", domain.ErrStateCorruption, name)
		}
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("%w: section %q is %T, want object", domain.ErrStateCorruption, name, v)
		}
	}

	meta := raw["metadata"].(map[string]any)
	version, ok := meta["version"].(string)
	if !ok || version == "" {
		return fmt.Errorf("%w: metadata.version missing", domain.ErrStateCorruption)
	}
	if !known(version) {
		return fmt.Errorf("%w: unknown version %q", domain.ErrStateCorruption, version)
	}
	return nil
}
