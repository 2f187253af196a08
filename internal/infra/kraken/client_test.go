package kraken

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"crypto_link/internal/domain"
	"crypto_link/internal/infra"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRoundTripper allows us to mock HTTP responses
type MockRoundTripper struct {
	Func func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.Func(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, fn func(path string, form url.Values) *http.Response) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		APIKey:    "test-key",
		APISecret: "c2VjcmV0",
		Limiter:   infra.NewRateLimiter(100, 1000),
	})
	require.NoError(t, err)

	c.httpClient.Transport = &MockRoundTripper{
		Func: func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, "test-key", req.Header.Get("API-Key"))
			assert.NotEmpty(t, req.Header.Get("API-Sign"))
			assert.Contains(t, req.Header.Get("User-Agent"), infra.AppName)

			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			form, err := url.ParseQuery(string(body))
			require.NoError(t, err)
			assert.NotEmpty(t, form.Get("nonce"))
			return fn(req.URL.Path, form), nil
		},
	}
	return c
}

func placeRequest(kind domain.Kind) domain.PlaceRequest {
	return domain.PlaceRequest{
		ClientOrderID: "6f1c2d3e-0000-4000-8000-000000000001",
		Order: domain.NormalizedOrder{
			Symbol:       "XBT/USD",
			WireSymbol:   "BTC/USD",
			Side:         domain.SideBuy,
			Kind:         kind,
			Quantity:     decimal.RequireFromString("1.25"),
			Price:        decimal.RequireFromString("37500"),
			TriggerPrice: decimal.RequireFromString("37000"),
		},
	}
}

func TestClient_PlaceOrder(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/AddOrder", path)
		assert.Equal(t, "XBTUSD", form.Get("pair"))
		assert.Equal(t, "buy", form.Get("type"))
		assert.Equal(t, "limit", form.Get("ordertype"))
		assert.Equal(t, "37500", form.Get("price"))
		assert.Equal(t, "1.25", form.Get("volume"))
		assert.Equal(t, "6f1c2d3e-0000-4000-8000-000000000001", form.Get("cl_ord_id"))
		assert.Empty(t, form.Get("validate"))
		return jsonResponse(200, `{"error":[],"result":{"descr":{"order":"buy 1.25 XBTUSD @ limit 37500"},"txid":["OUF4EM-FRGI2-MQMWZD"]}}`)
	})

	ack, err := c.PlaceOrder(context.Background(), placeRequest(domain.KindLimit))
	require.NoError(t, err)
	assert.Equal(t, "OUF4EM-FRGI2-MQMWZD", ack.ExchangeID)
	assert.Equal(t, "rest", ack.Transport)
}

func TestAddOrderForm(t *testing.T) {
	cases := []struct {
		kind      domain.Kind
		ordertype string
		price     string
		price2    string
		tif       string
	}{
		{domain.KindMarket, "market", "", "", ""},
		{domain.KindIOC, "limit", "37500", "", "IOC"},
		{domain.KindStopLoss, "stop-loss", "37000", "", ""},
		{domain.KindTakeProfitLimit, "take-profit-limit", "37000", "37500", ""},
	}
	for _, c := range cases {
		t.Run(string(c.kind), func(t *testing.T) {
			form := addOrderForm(placeRequest(c.kind), true)
			assert.Equal(t, c.ordertype, form.Get("ordertype"))
			assert.Equal(t, c.price, form.Get("price"))
			assert.Equal(t, c.price2, form.Get("price2"))
			assert.Equal(t, c.tif, form.Get("timeinforce"))
			assert.Equal(t, "true", form.Get("validate"))
		})
	}
}

func TestClient_CancelUnknownOrder(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/CancelOrder", path)
		assert.Equal(t, "OXXX", form.Get("txid"))
		return jsonResponse(200, `{"error":["EOrder:Unknown order"]}`)
	})

	err := c.CancelOrder(context.Background(), domain.OrderRef{ExchangeID: "OXXX"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var api *APIError
	assert.ErrorAs(t, err, &api)
}

func TestClient_CancelByClientID(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "abc", form.Get("cl_ord_id"))
		assert.Empty(t, form.Get("txid"))
		return jsonResponse(200, `{"error":[],"result":{"count":1}}`)
	})
	assert.NoError(t, c.CancelOrder(context.Background(), domain.OrderRef{ClientOrderID: "abc"}))
}

func TestClient_QueryOrder(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/QueryOrders", path)
		return jsonResponse(200, `{"error":[],"result":{"OABC":{"cl_ord_id":"cl-1","status":"closed","vol":"1.25","vol_exec":"1.25","price":"37480.5","fee":"0.8"}}}`)
	})

	rep, err := c.QueryOrder(context.Background(), domain.OrderRef{ExchangeID: "OABC"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, rep.Status)
	assert.Equal(t, "cl-1", rep.Ref.ClientOrderID)
	assert.True(t, rep.CumQty.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, rep.AvgPrice.Equal(decimal.RequireFromString("37480.5")))
}

func TestClient_QueryByClientIDNotOpen(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/OpenOrders", path)
		assert.Equal(t, "cl-9", form.Get("cl_ord_id"))
		return jsonResponse(200, `{"error":[],"result":{"open":{}}}`)
	})

	_, err := c.QueryOrder(context.Background(), domain.OrderRef{ClientOrderID: "cl-9"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestStatus(t *testing.T) {
	d := decimal.RequireFromString
	cases := []struct {
		info orderInfo
		want domain.Status
	}{
		{orderInfo{Status: "open", Vol: d("2")}, domain.StatusOpen},
		{orderInfo{Status: "open", Vol: d("2"), VolExec: d("1")}, domain.StatusPartial},
		{orderInfo{Status: "closed", Vol: d("2"), VolExec: d("2")}, domain.StatusFilled},
		{orderInfo{Status: "closed", Vol: d("2"), VolExec: d("1")}, domain.StatusCancelled},
		{orderInfo{Status: "canceled", Vol: d("2")}, domain.StatusCancelled},
		{orderInfo{Status: "expired", Vol: d("2")}, domain.StatusExpired},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, restStatus(c.info), "%+v", c.info)
	}
}

func TestClient_AvailableBalance(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/BalanceEx", path)
		return jsonResponse(200, `{"error":[],"result":{"XXBT":{"balance":"1.5","hold_trade":"0.5"},"ZUSD":{"balance":"1000","hold_trade":"0"}}}`)
	})

	btc, err := c.AvailableBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, btc.Equal(decimal.NewFromInt(1)), btc.String())

	usd, err := c.AvailableBalance(context.Background(), "USD")
	require.NoError(t, err)
	assert.True(t, usd.Equal(decimal.NewFromInt(1000)))

	eth, err := c.AvailableBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, eth.IsZero())
}

func TestClient_WebSocketToken(t *testing.T) {
	c := newTestClient(t, func(path string, form url.Values) *http.Response {
		assert.Equal(t, "/0/private/GetWebSocketsToken", path)
		return jsonResponse(200, `{"error":[],"result":{"token":"tok-1","expires":900}}`)
	})

	token, err := c.WebSocketToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestClient_BreakerOpensOnOutageOnly(t *testing.T) {
	status := 200
	c := newTestClient(t, func(string, url.Values) *http.Response {
		if status != 200 {
			return jsonResponse(status, "bad gateway")
		}
		return jsonResponse(200, `{"error":["EOrder:Insufficient funds"]}`)
	})

	// exchange rejections never open the breaker
	for i := 0; i < 10; i++ {
		_, err := c.PlaceOrder(context.Background(), placeRequest(domain.KindMarket))
		require.Error(t, err)
	}
	assert.True(t, c.Available())

	status = 502
	for i := 0; i < 5; i++ {
		_, _ = c.PlaceOrder(context.Background(), placeRequest(domain.KindMarket))
	}
	assert.False(t, c.Available())

	_, err := c.PlaceOrder(context.Background(), placeRequest(domain.KindMarket))
	assert.True(t, errors.Is(err, infra.ErrCircuitOpen), "got %v", err)
}

func TestClient_NonceIsStrictlyIncreasing(t *testing.T) {
	c, err := NewClient(ClientConfig{APIKey: "k", APISecret: "c2VjcmV0"})
	require.NoError(t, err)

	prev, err := strconv.ParseInt(c.nextNonce(), 10, 64)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		n, err := strconv.ParseInt(c.nextNonce(), 10, 64)
		require.NoError(t, err)
		require.Greater(t, n, prev)
		prev = n
	}
}
