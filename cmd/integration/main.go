package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"crypto_link/internal/domain"
	"crypto_link/internal/infra"
	"crypto_link/internal/infra/kraken"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Smoke test against the live Kraken REST API. Without -live the order is
// only validated by the exchange.
func main() {
	live := flag.Bool("live", false, "really place and cancel the order (needs CONFIRM_REAL_MONEY=true)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	slog.Info("🚀 Starting Kraken Integration Test...")

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	if *live && os.Getenv("CONFIRM_REAL_MONEY") != "true" {
		slog.Error("❌ -live requires CONFIRM_REAL_MONEY=true")
		os.Exit(1)
	}

	k := cfg.API.Kraken
	client, err := kraken.NewClient(kraken.ClientConfig{
		BaseURL:   k.RestURL,
		APIKey:    k.APIKey,
		APISecret: k.APISecret,
		UserAgent: infra.UserAgent(cfg.App.Version),
	})
	if err != nil {
		slog.Error("❌ Failed to create client", "error", err)
		os.Exit(1)
	}
	// Ensure Client wipes its internal keys on exit
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	usd, err := client.AvailableBalance(ctx, "USD")
	if err != nil {
		slog.Error("❌ Balance query failed", "error", err)
		os.Exit(1)
	}
	slog.Info("STEP 1: Balance", "USD", usd.String())

	// Limit buy far below the market so it never fills
	req := domain.PlaceRequest{
		ClientOrderID: uuid.NewString(),
		Order: domain.NormalizedOrder{
			Symbol:     "XBT/USD",
			WireSymbol: "BTC/USD",
			Side:       domain.SideBuy,
			Kind:       domain.KindLimit,
			Quantity:   decimal.RequireFromString("0.0001"),
			Price:      decimal.NewFromInt(10_000),
		},
	}

	if !*live {
		if err := client.ValidateOrder(ctx, req); err != nil {
			slog.Error("❌ ValidateOrder Failed", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Order validated by Kraken")
		slog.Info("🎉 Integration Test Passed!")
		return
	}

	slog.Info("STEP 2: Placing Order...", "cl_ord_id", req.ClientOrderID, "price", "$10,000")
	ack, err := client.PlaceOrder(ctx, req)
	if err != nil {
		slog.Error("❌ PlaceOrder Failed", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Order Placed Successfully", "txid", ack.ExchangeID)

	time.Sleep(2 * time.Second)

	rep, err := client.QueryOrder(ctx, domain.OrderRef{ExchangeID: ack.ExchangeID})
	if err != nil {
		slog.Error("❌ QueryOrder Failed", "error", err)
	} else {
		slog.Info("STEP 3: Order status", "status", rep.Status, "filled", rep.CumQty.String())
	}

	slog.Info("STEP 4: Canceling Order...", "txid", ack.ExchangeID)
	if err := client.CancelOrder(ctx, domain.OrderRef{ExchangeID: ack.ExchangeID}); err != nil {
		slog.Error("❌ CancelOrder Failed", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Order Canceled Successfully")
	slog.Info("🎉 Integration Test Passed!")
}
