// riskstate - Inspect or reset the monthly risk ledger
//
// Usage:
//
//	go run ./scripts/riskstate -config config.yaml          # dump the ledger
//	go run ./scripts/riskstate -config config.yaml -reset   # archive and clear it
//
// Resetting moves the ledger aside rather than deleting it; the daemon
// rebuilds a fresh month from the next equity snapshot.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/config"
	"github.com/eddiefleurent/stamford_momentum/internal/risk"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	reset := flag.Bool("reset", false, "Archive the current ledger and start fresh")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ledgerPath := filepath.Join(cfg.StateRoot(), "risk_state.json")
	store := risk.NewStore(ledgerPath)

	state, err := store.Load()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("No risk ledger at %s - nothing recorded yet\n", ledgerPath)
		return
	}
	if err != nil {
		log.Fatalf("Failed to read ledger: %v", err)
	}

	fmt.Printf("📒 Risk ledger: %s\n\n", ledgerPath)
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render ledger: %v", err)
	}
	fmt.Println(string(out))

	fmt.Println()
	fmt.Printf("Month:          %s\n", state.Month)
	fmt.Printf("High water:     $%.2f\n", state.HighWaterMark)
	fmt.Printf("Last equity:    $%.2f\n", state.LastEquity)
	fmt.Printf("Drawdown:       %.2f%%\n", state.Drawdown())
	if state.Suspended {
		fmt.Printf("⛔ SUSPENDED:    %s", state.SuspendReason)
		if state.SuspendedAt != nil {
			fmt.Printf(" since %s", state.SuspendedAt.Format(time.RFC3339))
		}
		fmt.Println()
	} else {
		fmt.Println("✅ Trading enabled")
	}
	fmt.Printf("Recent trades:  %d\n", len(state.RecentTrades))

	if !*reset {
		return
	}

	backup := fmt.Sprintf("%s.%s.bak", ledgerPath, time.Now().Format("20060102-150405"))
	if err := os.Rename(ledgerPath, backup); err != nil {
		log.Fatalf("Failed to archive ledger: %v", err)
	}
	fmt.Printf("\n📄 Ledger archived to %s\n", backup)
	fmt.Println("✅ Reset complete - the daemon starts a fresh month on its next equity check")
}
