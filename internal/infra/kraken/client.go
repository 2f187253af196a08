package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/infra"

	"github.com/shopspring/decimal"
)

// APIError is a non-empty error array returned by Kraken.
type APIError struct {
	Messages []string
}

func (e *APIError) Error() string {
	return "kraken: " + strings.Join(e.Messages, ", ")
}

// Unwrap maps unknown-order replies to domain.ErrNotFound.
func (e *APIError) Unwrap() error {
	for _, m := range e.Messages {
		if strings.Contains(m, "Unknown order") {
			return domain.ErrNotFound
		}
	}
	return nil
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	UserAgent string
	Timeout   time.Duration

	// Optional. Defaults: a breaker named "kraken-rest" and 1 call/s with a
	// burst of 5.
	Breaker *infra.CircuitBreaker
	Limiter *infra.RateLimiter
}

// Client is the Kraken REST transport and balance provider.
type Client struct {
	baseURL    string
	userAgent  string
	signer     *Signer
	httpClient *http.Client
	breaker    *infra.CircuitBreaker
	limiter    *infra.RateLimiter

	nonceMu   sync.Mutex
	lastNonce int64
}

// NewClient creates a REST client.
func NewClient(cfg ClientConfig) (*Client, error) {
	signer, err := NewSigner(cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = MainnetRestURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = infra.UserAgent("")
	}
	if cfg.Breaker == nil {
		bc := infra.DefaultCircuitBreakerConfig("kraken-rest")
		bc.IsFailure = IsOutage
		cfg.Breaker = infra.NewCircuitBreaker(bc)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = infra.NewRateLimiter(5, 1)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cfg.Breaker,
		limiter:    cfg.Limiter,
	}, nil
}

// IsOutage reports whether err says something about the endpoint rather than
// the request. Exchange rejections and cancellations are not outages.
func IsOutage(err error) bool {
	var api *APIError
	if errors.As(err, &api) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Close wipes the credentials.
func (c *Client) Close() {
	c.signer.Wipe()
}

func (c *Client) Name() string { return "rest" }

// Available is false while the breaker is open.
func (c *Client) Available() bool {
	return c.breaker.GetState() != infra.StateOpen
}

// PlaceOrder submits an order through AddOrder.
func (c *Client) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	var res addOrderResult
	if err := c.private(ctx, "/0/private/AddOrder", addOrderForm(req, false), &res); err != nil {
		return domain.PlaceAck{}, err
	}
	if len(res.Txid) == 0 {
		return domain.PlaceAck{}, fmt.Errorf("kraken: AddOrder returned no txid")
	}
	slog.Debug("Kraken order added",
		slog.String("txid", res.Txid[0]),
		slog.String("descr", res.Descr.Order))
	return domain.PlaceAck{ExchangeID: res.Txid[0], Transport: c.Name()}, nil
}

// ValidateOrder asks Kraken to check an order without placing it.
func (c *Client) ValidateOrder(ctx context.Context, req domain.PlaceRequest) error {
	var res addOrderResult
	return c.private(ctx, "/0/private/AddOrder", addOrderForm(req, true), &res)
}

func addOrderForm(req domain.PlaceRequest, validate bool) url.Values {
	n := req.Order
	typ, tif := orderType(n.Kind)

	form := url.Values{}
	form.Set("pair", restPair(n.WireSymbol))
	form.Set("type", string(n.Side))
	form.Set("ordertype", typ)
	form.Set("volume", n.Quantity.String())
	switch {
	case n.Kind.RequiresTrigger() && n.Kind.RequiresPrice():
		form.Set("price", n.TriggerPrice.String())
		form.Set("price2", n.Price.String())
	case n.Kind.RequiresTrigger():
		form.Set("price", n.TriggerPrice.String())
	case n.Kind.RequiresPrice():
		form.Set("price", n.Price.String())
	}
	if tif != "" {
		form.Set("timeinforce", strings.ToUpper(tif))
	}
	if req.ClientOrderID != "" {
		form.Set("cl_ord_id", req.ClientOrderID)
	}
	if validate {
		form.Set("validate", "true")
	}
	return form
}

// CancelOrder cancels by txid, or by cl_ord_id before the txid is known.
func (c *Client) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	form := url.Values{}
	switch {
	case ref.ExchangeID != "":
		form.Set("txid", ref.ExchangeID)
	case ref.ClientOrderID != "":
		form.Set("cl_ord_id", ref.ClientOrderID)
	default:
		return fmt.Errorf("kraken: cancel: %w: empty order reference", domain.ErrNotFound)
	}

	var res cancelResult
	if err := c.private(ctx, "/0/private/CancelOrder", form, &res); err != nil {
		return err
	}
	if res.Count == 0 && !res.Pending {
		return fmt.Errorf("kraken: cancel %s: %w", refString(ref), domain.ErrNotFound)
	}
	return nil
}

// QueryOrder reads an order by txid. Without a txid only open orders can be
// found, through their cl_ord_id.
func (c *Client) QueryOrder(ctx context.Context, ref domain.OrderRef) (domain.OrderReport, error) {
	var orders map[string]orderInfo
	switch {
	case ref.ExchangeID != "":
		form := url.Values{"txid": {ref.ExchangeID}}
		if err := c.private(ctx, "/0/private/QueryOrders", form, &orders); err != nil {
			return domain.OrderReport{}, err
		}
	case ref.ClientOrderID != "":
		var res openOrdersResult
		form := url.Values{"cl_ord_id": {ref.ClientOrderID}}
		if err := c.private(ctx, "/0/private/OpenOrders", form, &res); err != nil {
			return domain.OrderReport{}, err
		}
		orders = res.Open
	}

	for txid, info := range orders {
		if ref.ExchangeID != "" && txid != ref.ExchangeID {
			continue
		}
		rep := domain.OrderReport{
			Ref:      domain.OrderRef{ExchangeID: txid, ClientOrderID: info.ClOrdID},
			Status:   restStatus(info),
			CumQty:   info.VolExec,
			AvgPrice: info.Price,
			Fees:     info.Fee,
		}
		if info.Reason != nil {
			rep.Reason = *info.Reason
		}
		return rep, nil
	}
	return domain.OrderReport{}, fmt.Errorf("kraken: query %s: %w", refString(ref), domain.ErrNotFound)
}

// AvailableBalance returns balance minus amounts held by open orders.
func (c *Client) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var res map[string]balanceEx
	if err := c.private(ctx, "/0/private/BalanceEx", url.Values{}, &res); err != nil {
		return decimal.Zero, err
	}
	for _, k := range assetKeys(asset) {
		if b, ok := res[k]; ok {
			return b.Balance.Sub(b.HoldTrade), nil
		}
	}
	return decimal.Zero, nil
}

// WebSocketToken fetches a token for the authenticated WS endpoint.
func (c *Client) WebSocketToken(ctx context.Context) (string, error) {
	var res wsTokenResult
	if err := c.private(ctx, "/0/private/GetWebSocketsToken", url.Values{}, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", fmt.Errorf("kraken: empty websocket token")
	}
	return res.Token, nil
}

func (c *Client) private(ctx context.Context, path string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.breaker.Execute(func() error {
		return c.do(ctx, path, form, out)
	})
}

func (c *Client) do(ctx context.Context, path string, form url.Values, out any) error {
	nonce := c.nextNonce()
	form.Set("nonce", nonce)
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range c.signer.Headers(path, nonce, body) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kraken: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("kraken: %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kraken: %s: http %d", path, resp.StatusCode)
	}

	var env restResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("kraken: %s: decode: %w", path, err)
	}
	if len(env.Error) > 0 {
		return &APIError{Messages: env.Error}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("kraken: %s: decode result: %w", path, err)
	}
	return nil
}

// nextNonce returns a strictly increasing millisecond-based nonce.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

func refString(ref domain.OrderRef) string {
	if ref.ExchangeID != "" {
		return ref.ExchangeID
	}
	return ref.ClientOrderID
}
