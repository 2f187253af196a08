package execution

import (
	"context"
	"errors"
	"testing"

	"crypto_link/internal/domain"
	"crypto_link/internal/event"
	"crypto_link/internal/infra"
	"crypto_link/internal/infra/kraken"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ domain.Transport = (*kraken.Client)(nil)
var _ domain.Transport = (*kraken.Stream)(nil)
var _ domain.BalanceProvider = (*kraken.Client)(nil)
var _ domain.Transport = (*Validated)(nil)

func testConfig(mode string) *infra.Config {
	cfg := &infra.Config{}
	cfg.Trading.Mode = mode
	cfg.Trading.Symbols = map[string]infra.SymbolConfig{"XBT/USD": {Wire: "BTC/USD"}}
	cfg.Trading.Paper.Balances = map[string]string{"USD": "10000"}
	cfg.Trading.Paper.FeeRate = "0.0026"
	cfg.API.Kraken.APIKey = "key"
	cfg.API.Kraken.APISecret = "c2VjcmV0"
	return cfg
}

func TestFactory_Paper(t *testing.T) {
	v, err := NewFactory(testConfig(infra.ModePaper)).Build(make(chan event.Event, 1))
	require.NoError(t, err)
	defer v.Stop()

	require.NotNil(t, v.Paper)
	assert.Same(t, v.Paper, v.Balances)
	bal, err := v.Balances.AvailableBalance(context.Background(), "USD")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10000)))
}

func TestFactory_PaperBadBalance(t *testing.T) {
	cfg := testConfig(infra.ModePaper)
	cfg.Trading.Paper.Balances["XBT"] = "lots"
	_, err := NewFactory(cfg).Build(nil)
	assert.Error(t, err)
}

func TestFactory_Demo(t *testing.T) {
	v, err := NewFactory(testConfig(infra.ModeDemo)).Build(make(chan event.Event, 1))
	require.NoError(t, err)
	defer v.Stop()
	assert.NotNil(t, v.Paper)
}

func TestFactory_RealNeedsConfirmation(t *testing.T) {
	t.Setenv("CONFIRM_REAL_MONEY", "")
	_, err := NewFactory(testConfig(infra.ModeReal)).Build(nil)
	assert.ErrorIs(t, err, ErrRealMoneyNotConfirmed)

	t.Setenv("CONFIRM_REAL_MONEY", "true")
	v, err := NewFactory(testConfig(infra.ModeReal)).Build(make(chan event.Event, 1))
	require.NoError(t, err)
	assert.Nil(t, v.Paper)
	assert.IsType(t, &kraken.Client{}, v.Balances)
	v.Stop()
}

func TestFactory_UnknownMode(t *testing.T) {
	_, err := NewFactory(testConfig("LIVE")).Build(nil)
	assert.Error(t, err)
}

func TestValidated_CheckGatesPlacement(t *testing.T) {
	inner := NewMockVenue("paper")
	reject := errors.New("EOrder:Insufficient funds")
	v := &Validated{Transport: inner, Check: func(context.Context, domain.PlaceRequest) error { return reject }}

	_, err := v.PlaceOrder(context.Background(), placeReq())
	assert.ErrorIs(t, err, reject)
	assert.Empty(t, inner.Placed())

	v.Check = func(context.Context, domain.PlaceRequest) error { return nil }
	_, err = v.PlaceOrder(context.Background(), placeReq())
	require.NoError(t, err)
	assert.Len(t, inner.Placed(), 1)
	assert.Equal(t, "paper", v.Name())
}
