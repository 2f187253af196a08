package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"crypto_link/internal/domain"
	"crypto_link/internal/infra"
	"crypto_link/internal/ratelimit"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paperConfig = `
app:
  name: crypto-link
  version: test
trading:
  mode: paper
  tier: intermediate
  order_timeout: 0s
  symbols:
    XBT/USD: {wire: BTC/USD, price_decimals: 1, qty_decimals: 8, min_qty: "0.0001"}
  paper:
    balances: {USD: "100000", XBT: "1"}
api:
  kraken:
    ws_url: ws://127.0.0.1:1/v2
state:
  dir: %s
  debounce: 10ms
logging:
  level: error
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := []byte(fmt.Sprintf(paperConfig, filepath.Join(dir, "data")))
	require.NoError(t, os.WriteFile(path, doc, 0o600))
	t.Setenv("CRYPTO_CONFIG", path)
	return dir
}

func TestBootstrap_RestartKeepsActiveOrders(t *testing.T) {
	dir := writeConfig(t)

	b := NewBootstrap()
	require.NoError(t, b.Initialize())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Run(ctx))

	h, err := b.Engine.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "XBT/USD", Side: domain.SideBuy, Kind: domain.KindLimit,
		Quantity: "0.01", Price: "50000",
	})
	require.NoError(t, err)
	assert.Equal(t, "paper", h.Transport)

	avail, err := b.Venue.Balances.AvailableBalance(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, avail.LessThan(decimal.NewFromInt(100000)), "paper venue holds the order amount")

	cancel()
	b.Shutdown()
	assert.FileExists(t, filepath.Join(dir, "data", "state.json"))
	assert.FileExists(t, filepath.Join(dir, "data", "journal.db"))

	b2 := NewBootstrap()
	require.NoError(t, b2.Initialize())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer func() {
		cancel2()
		b2.Shutdown()
	}()
	require.NoError(t, b2.Run(ctx2))

	v, err := b2.Engine.GetOrderStatus(h.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, v.Status)
	assert.Len(t, b2.Engine.ActiveOrders(), 1)
}

func TestBootstrap_SecondInstanceRefused(t *testing.T) {
	writeConfig(t)

	b := NewBootstrap()
	require.NoError(t, b.Initialize())
	defer b.Shutdown()

	assert.Error(t, NewBootstrap().Initialize())
}

func TestNewLimiter(t *testing.T) {
	cfg := &infra.Config{}
	cfg.Trading.Tier = "pro"
	off := false
	cfg.RateLimit.Predictive = &off
	cfg.RateLimit.FactorMax = 1.1

	l, err := newLimiter(cfg)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.TierPro, l.Tier())

	cfg.Trading.Tier = "platinum"
	_, err = newLimiter(cfg)
	assert.Error(t, err)
}

func TestPrecisionTable(t *testing.T) {
	table, err := precisionTable(map[string]infra.SymbolConfig{
		"XBT/USD": {Wire: "BTC/USD", PriceDecimals: 1, QtyDecimals: 8, MinQty: "0.0001"},
	})
	require.NoError(t, err)
	r, ok := table.Lookup("XBT/USD")
	require.True(t, ok)
	assert.Equal(t, "BTC/USD", r.WireSymbol)
	assert.Equal(t, "XBT", r.BaseAsset)
	assert.True(t, r.MinQty.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, r.MaxQty.IsZero())

	_, err = precisionTable(map[string]infra.SymbolConfig{"XBT/USD": {MaxQty: "many"}})
	assert.Error(t, err)
}
