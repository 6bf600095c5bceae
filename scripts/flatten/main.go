// flatten - Close every open position with market orders
//
// Usage:
//
//	go run ./scripts/flatten -config config.yaml          # paper accounts
//	go run ./scripts/flatten -config config.yaml -live    # required for live mode
//
// This tool will:
// 1. Cancel all working orders
// 2. Place market close orders for every open position
// 3. Report the per-symbol outcome
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	live := flag.Bool("live", false, "Allow flattening a live account")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.IsPaperTrading() && !*live {
		log.Fatalf("❌ Config is in live mode; pass -live to flatten a real account")
	}

	var brk broker.Broker
	switch cfg.Broker.Provider {
	case "tradier":
		brk = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.APIEndpoint)
	default:
		brk = broker.NewAlpacaClient(cfg.Broker.APIKey, cfg.Broker.APISecret,
			cfg.Broker.APIEndpoint, cfg.Broker.DataEndpoint)
	}

	fmt.Println("💥 FLATTEN ALL POSITIONS - MARKET ORDERS 💥")
	fmt.Printf("Mode: %s, broker: %s\n\n", cfg.Environment.Mode, cfg.Broker.Provider)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	positions, err := brk.GetPositions(ctx)
	if err != nil {
		log.Fatalf("Failed to get positions: %v", err)
	}
	if len(positions) == 0 {
		fmt.Println("✅ Account is already flat - nothing to do")
		return
	}

	fmt.Printf("Found %d positions to close:\n", len(positions))
	for i, pos := range positions {
		fmt.Printf("  %d. %s: %.0f shares, market value $%.2f, unrealized $%+.2f\n",
			i+1, pos.Symbol, pos.Qty, pos.MarketValue, pos.UnrealizedPL)
	}
	fmt.Println()

	fmt.Println("🔍 Cancelling working orders and submitting market closes...")
	results, err := brk.CloseAllPositions(ctx, true)
	if err != nil {
		log.Fatalf("Flatten failed: %v", err)
	}

	failed := 0
	for _, res := range results {
		switch {
		case res.Error != "":
			failed++
			fmt.Printf("❌ %s: %s (%s)\n", res.Symbol, res.Status, res.Error)
		case res.OrderID != "":
			fmt.Printf("✅ %s: close order %s (%s)\n", res.Symbol, res.OrderID, res.Status)
		default:
			fmt.Printf("✅ %s: %s\n", res.Symbol, res.Status)
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("⚠️  %d close(s) failed - check the account before the next session\n", failed)
		return
	}
	fmt.Println("🎯 All close orders submitted")
}
