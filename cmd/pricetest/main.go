package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"crypto_link/internal/event"
	"crypto_link/internal/infra"
	"crypto_link/internal/infra/kraken"
)

// Prints the first ticker price of every configured symbol from the public
// Kraken WS v2 feed.
func main() {
	fmt.Println("=== Crypto Link Kraken Price Fetcher ===")
	fmt.Println()

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		fmt.Println("❌ config:", err)
		os.Exit(1)
	}

	symbols := make(map[string]string, len(cfg.Trading.Symbols))
	for sym, sc := range cfg.Trading.Symbols {
		symbols[sym] = sc.Wire
		if sc.Wire == "" {
			symbols[sym] = sym
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sink := make(chan event.Event, 64)
	feed := kraken.NewTickerFeed(cfg.API.Kraken.WSURL, symbols, sink)
	feed.Start(ctx)
	defer feed.Stop()

	prices := make(map[string]string, len(symbols))
	for len(prices) < len(symbols) {
		select {
		case <-ctx.Done():
			fmt.Println("⏱️ timed out waiting for prices")
			report(prices)
			os.Exit(1)
		case ev := <-sink:
			if mu, ok := ev.(*event.MarketUpdateEvent); ok {
				prices[mu.Symbol] = mu.Price.String()
			}
		}
	}
	report(prices)
	fmt.Println("✅ All prices parsed as decimals, no float64 involved!")
}

func report(prices map[string]string) {
	names := make([]string, 0, len(prices))
	for sym := range prices {
		names = append(names, sym)
	}
	sort.Strings(names)
	for _, sym := range names {
		fmt.Printf("📊 %-10s %s\n", sym, prices[sym])
	}
	fmt.Println()
}
