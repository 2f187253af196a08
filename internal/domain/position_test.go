package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPosition_Direction(t *testing.T) {
	long := &Position{Symbol: "XBT/USD", Qty: d("0.5")}
	if !long.IsLong() || long.IsShort() {
		t.Error("expected long position")
	}

	short := &Position{Symbol: "XBT/USD", Qty: d("-0.5")}
	if !short.IsShort() || short.IsLong() {
		t.Error("expected short position")
	}
}

func TestPosition_ApplyFill(t *testing.T) {
	p := &Position{Symbol: "XBT/USD"}

	p.ApplyFill(SideBuy, d("1"), d("100"), d("0.1"))
	p.ApplyFill(SideBuy, d("1"), d("200"), d("0.1"))
	if !p.Qty.Equal(d("2")) || !p.AvgEntryPrice.Equal(d("150")) {
		t.Fatalf("after buys: qty=%s avg=%s", p.Qty, p.AvgEntryPrice)
	}

	p.ApplyFill(SideSell, d("1"), d("170"), d("0.1"))
	if !p.RealizedPnL.Equal(d("20")) {
		t.Errorf("expected realized 20, got %s", p.RealizedPnL)
	}
	if !p.AvgEntryPrice.Equal(d("150")) {
		t.Errorf("partial close must keep entry, got %s", p.AvgEntryPrice)
	}

	// Flip to short
	p.ApplyFill(SideSell, d("3"), d("160"), decimal.Zero)
	if !p.Qty.Equal(d("-2")) || !p.AvgEntryPrice.Equal(d("160")) {
		t.Errorf("after flip: qty=%s avg=%s", p.Qty, p.AvgEntryPrice)
	}
	if !p.Fees.Equal(d("0.3")) {
		t.Errorf("expected fees 0.3, got %s", p.Fees)
	}
}
