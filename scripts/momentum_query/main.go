// momentum_query - Inspect the momentum cache from the command line
//
// Usage:
//
//	go run ./scripts/momentum_query -config config.yaml                  # latest scan
//	go run ./scripts/momentum_query -date 2025-11-07                     # one scan date
//	go run ./scripts/momentum_query -symbol NVDA -limit 10               # archive history
//	go run ./scripts/momentum_query -direction loser -top 5              # archive leaders
//
// Queries run against the live cache file; the daemon can keep running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/config"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/momentum"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	scanDate := flag.String("date", "", "Scan date YYYY-MM-DD (default: latest)")
	symbol := flag.String("symbol", "", "Show archived appearances of one symbol")
	direction := flag.String("direction", "", "Archive leaders: gainer | loser")
	top := flag.Int("top", 10, "Row limit for archive leaders")
	limit := flag.Int("limit", 20, "Row limit for symbol history")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := momentum.Open(cfg.StateRoot())
	if err != nil {
		log.Fatalf("Failed to open momentum cache: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case *symbol != "":
		showHistory(ctx, store, *symbol, *limit)
	case *direction != "":
		showLeaders(ctx, store, *direction, *top)
	default:
		showScan(ctx, store, *scanDate)
	}
}

func showScan(ctx context.Context, store *momentum.Store, scanDate string) {
	if scanDate == "" {
		latest, err := store.LatestScanDate(ctx)
		if errors.Is(err, momentum.ErrNoScan) {
			fmt.Println("Momentum cache is empty - no scans recorded")
			return
		}
		if err != nil {
			log.Fatalf("Failed to find latest scan: %v", err)
		}
		scanDate = latest
	}

	watchlist, err := store.Watchlist(ctx, scanDate)
	if err != nil {
		log.Fatalf("Failed to read watchlist: %v", err)
	}
	if len(watchlist) == 0 {
		fmt.Printf("No watchlist for %s\n", scanDate)
		return
	}

	regime, err := store.RegimeFor(ctx, scanDate)
	if err != nil {
		log.Fatalf("Failed to read regime: %v", err)
	}
	stats, err := store.StatsFor(ctx, scanDate)
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}

	fmt.Printf("📊 Scan %s - regime %s (SPY %+.2f%%, QQQ %+.2f%%)\n",
		scanDate, regime.Regime, regime.SpyChangePct, regime.QqqChangePct)
	fmt.Printf("Scanned %d symbols, %d gainers / %d losers, scan took %.1fs\n\n",
		stats.TotalScanned, stats.GainersCount, stats.LosersCount, stats.ScanDurationSec)

	fmt.Printf("%-4s %-8s %-7s %10s %10s %12s %8s\n",
		"RANK", "SYMBOL", "DIR", "OPEN", "CLOSE", "VOLUME", "CHG%")
	for _, e := range watchlist {
		fmt.Printf("%-4d %-8s %-7s %10.2f %10.2f %12d %+8.2f\n",
			e.Rank, e.Symbol, e.Direction, e.Open, e.Close, e.Volume, e.ChangePct)
	}
}

func showHistory(ctx context.Context, store *momentum.Store, symbol string, limit int) {
	entries, err := store.History(ctx, symbol, limit)
	if err != nil {
		log.Fatalf("Failed to read history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Printf("No archived appearances for %s\n", symbol)
		return
	}

	fmt.Printf("📈 %s - %d archived watchlist appearances\n\n", symbol, len(entries))
	fmt.Printf("%-12s %-7s %-4s %10s %8s\n", "DATE", "DIR", "RANK", "CLOSE", "CHG%")
	for _, e := range entries {
		fmt.Printf("%-12s %-7s %-4d %10.2f %+8.2f\n",
			e.ScanDate, e.Direction, e.Rank, e.Close, e.ChangePct)
	}
}

func showLeaders(ctx context.Context, store *momentum.Store, direction string, top int) {
	dir := models.Direction(direction)
	if dir != models.DirectionGainer && dir != models.DirectionLoser {
		log.Fatalf("Unknown direction %q: use gainer or loser", direction)
	}

	entries, err := store.TopRanked(ctx, dir, 10, top)
	if err != nil {
		log.Fatalf("Failed to read leaders: %v", err)
	}
	if len(entries) == 0 {
		fmt.Printf("No archived top-10 %ss\n", direction)
		return
	}

	fmt.Printf("🏆 Archived top-10 %ss, strongest first\n\n", direction)
	fmt.Printf("%-12s %-8s %-4s %10s %8s\n", "DATE", "SYMBOL", "RANK", "CLOSE", "CHG%")
	for _, e := range entries {
		fmt.Printf("%-12s %-8s %-4d %10.2f %+8.2f\n",
			e.ScanDate, e.Symbol, e.Rank, e.Close, e.ChangePct)
	}
}
