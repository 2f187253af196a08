package domain

import "github.com/shopspring/decimal"

// Position represents the net holding built up from fills on one symbol.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"` // Positive for Long, Negative for Short.
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Qty.IsPositive()
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.Qty.IsNegative()
}

// ApplyFill updates the position with a fill of qty at price.
// Reducing fills realize PnL against the average entry; flips reset the entry.
func (p *Position) ApplyFill(side Side, qty, price, fee decimal.Decimal) {
	signed := qty
	if side == SideSell {
		signed = qty.Neg()
	}
	p.Fees = p.Fees.Add(fee)

	switch {
	case p.Qty.IsZero() || p.Qty.Sign() == signed.Sign():
		total := p.Qty.Add(signed)
		cost := p.AvgEntryPrice.Mul(p.Qty.Abs()).Add(price.Mul(qty))
		p.AvgEntryPrice = cost.Div(total.Abs())
		p.Qty = total
	default:
		closing := decimal.Min(qty, p.Qty.Abs())
		pnl := price.Sub(p.AvgEntryPrice).Mul(closing)
		if p.IsShort() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Qty = p.Qty.Add(signed)
		switch {
		case p.Qty.IsZero():
			p.AvgEntryPrice = decimal.Zero
		case p.Qty.Sign() == signed.Sign():
			p.AvgEntryPrice = price
		}
	}
}
