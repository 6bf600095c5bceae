package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/eddiefleurent/stamford_momentum/internal/agent"
	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/clock"
	"github.com/eddiefleurent/stamford_momentum/internal/config"
	"github.com/eddiefleurent/stamford_momentum/internal/journal"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/momentum"
	"github.com/eddiefleurent/stamford_momentum/internal/retry"
	"github.com/eddiefleurent/stamford_momentum/internal/risk"
	"github.com/eddiefleurent/stamford_momentum/internal/scanner"
	"github.com/eddiefleurent/stamford_momentum/internal/tools"
	"github.com/joho/godotenv"
)

// Process exit codes. A service manager restarts on the fatal code.
const (
	exitOK    = 0
	exitInit  = 1
	exitFatal = 2
)

// maxConsecutiveFailures is the cycle-failure count that aborts the
// process.
const maxConsecutiveFailures = 3

// sleepChunk bounds one cooperative wait so a shutdown signal is
// observed within a minute even during overnight sleeps.
const sleepChunk = 60 * time.Second

// errFatalCycleFailures marks the three-strikes exit path.
var errFatalCycleFailures = errors.New("consecutive cycle failures")

// riskStateFile is the governor's ledger under the state root.
const riskStateFile = "risk_state.json"

// Bot owns every long-lived collaborator of the daemon plus the
// orchestrator latches that survive across cycles.
type Bot struct {
	config       *config.Config
	broker       broker.Broker
	classifier   *clock.Classifier
	governor     *risk.Governor
	store        *momentum.Store
	scanner      *scanner.Scanner
	journal      *journal.Journal
	reasoner     agent.Reasoner
	reconciler   *Reconciler
	systemPrompt string
	retryCfg     retry.Config
	logger       *log.Logger
	stop         chan struct{}
	now          func() time.Time

	// Orchestrator state. Only the orchestrator goroutine touches these.
	cycleID     uint64 // last persisted cycle
	scanDate    string // exchange date of the last completed scan attempt
	eodFlatDate string // exchange date of the last forced flat
	scanMinute  int    // scan_time as minute-of-day
	watchlist   []models.WatchlistEntry
	regime      *models.MarketRegime
	failures    int // consecutive cycle failures
}

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Best-effort .env load so ${VAR} expansion in the YAML sees local
	// secrets during development.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return exitInit
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)

	logger.Printf("Starting momentum daemon in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	bot, err := newBot(cfg, logger)
	if err != nil {
		logger.Printf("Failed to initialize: %v", err)
		return exitInit
	}
	defer bot.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping bot...")
		close(bot.stop)
		cancel()
	}()

	if err := bot.Run(ctx); err != nil {
		logger.Printf("Bot error: %v", err)
		if errors.Is(err, errFatalCycleFailures) {
			return exitFatal
		}
		return exitInit
	}

	logger.Println("Bot stopped cleanly")
	return exitOK
}

// newBot wires the daemon's collaborators from config. Everything it
// opens is released by Close.
func newBot(cfg *config.Config, logger *log.Logger) (*Bot, error) {
	loc := cfg.Location()

	var base broker.Broker
	switch cfg.Broker.Provider {
	case "tradier":
		base = broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.Broker.APIEndpoint)
	default:
		base = broker.NewAlpacaClient(cfg.Broker.APIKey, cfg.Broker.APISecret,
			cfg.Broker.APIEndpoint, cfg.Broker.DataEndpoint)
	}
	brk := broker.NewCircuitBreakerBroker(base)

	classifier, err := clock.NewClassifier(clock.Policy{
		Location:        loc,
		EODFlatTime:     cfg.Schedule.EODFlatTime,
		TradePreMarket:  cfg.Schedule.Sessions.PreMarket,
		TradeRegular:    cfg.Schedule.Sessions.Regular,
		TradePostMarket: cfg.Schedule.Sessions.PostMarket,
	}, brk)
	if err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}

	scanClock, err := time.ParseInLocation("15:04", cfg.Schedule.ScanTime, loc)
	if err != nil {
		return nil, fmt.Errorf("scan time: %w", err)
	}

	governor, err := risk.NewGovernor(
		risk.NewStore(filepath.Join(cfg.StateRoot(), riskStateFile)),
		risk.Limits{
			MonthlyDrawdownPct:  cfg.Risk.MonthlyLimitPct,
			PerTradeRiskPct:     cfg.Risk.PerTradeRiskPct,
			PerTradeValueCapPct: cfg.Risk.PerTradeValueCapPct,
		},
		loc, logger)
	if err != nil {
		return nil, fmt.Errorf("risk governor: %w", err)
	}

	store, err := momentum.Open(cfg.StateRoot())
	if err != nil {
		return nil, fmt.Errorf("momentum store: %w", err)
	}

	scn, err := scanner.New(brk, store, cfg.Scanner, loc, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("scanner: %w", err)
	}

	jrnl, err := journal.New(cfg.Storage.LogPath, cfg.Storage.Signature, loc)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	reasoner, err := agent.NewReasoner(&agent.ClientConfig{
		Provider:    agent.Provider(cfg.Agent.Provider),
		APIKey:      cfg.Agent.APIKey,
		Model:       cfg.Agent.Model,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
		MaxRetries:  cfg.Agent.MaxRetries,
	}, logger)
	if err != nil {
		store.Close()
		jrnl.Close()
		return nil, fmt.Errorf("reasoner: %w", err)
	}

	prompt, err := loadSystemPrompt(cfg.Agent.SystemPromptPath)
	if err != nil {
		store.Close()
		jrnl.Close()
		return nil, err
	}

	retryCfg := retry.DefaultConfig
	retryCfg.MaxRetries = cfg.Agent.MaxRetries

	bot := &Bot{
		config:       cfg,
		broker:       brk,
		classifier:   classifier,
		governor:     governor,
		store:        store,
		scanner:      scn,
		journal:      jrnl,
		reasoner:     reasoner,
		systemPrompt: prompt,
		retryCfg:     retryCfg,
		logger:       logger,
		stop:         make(chan struct{}),
		now:          time.Now,
		scanMinute:   scanClock.Hour()*60 + scanClock.Minute(),
	}
	bot.reconciler = NewReconciler(brk, governor, logger)
	return bot, nil
}

// loadSystemPrompt reads the strategy prompt resource. An empty path
// leaves the agent on its built-in prompt.
func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided prompt path
	if err != nil {
		return "", fmt.Errorf("reading system prompt: %w", err)
	}
	return string(data), nil
}

// Close releases the bot's persistent handles.
func (b *Bot) Close() {
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.logger.Printf("Warning: closing momentum store: %v", err)
		}
	}
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			b.logger.Printf("Warning: closing journal: %v", err)
		}
	}
}

// Run verifies the tool surface, reconciles startup state, then drives
// the orchestrator loop until shutdown or the failure cap.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Println("Verifying tool capabilities...")
	probe, err := tools.New(b.broker, b.retryCfg, b.logger, nil)
	if err != nil {
		return fmt.Errorf("startup toolset: %w", err)
	}
	if err := probe.Probe(ctx); err != nil {
		return fmt.Errorf("startup probe: %w", err)
	}

	if acct, err := retry.Do(ctx, b.logger, "startup account check",
		func(c context.Context) (*broker.Account, error) { return b.broker.GetAccount(c) }); err == nil {
		b.logger.Printf("Connected to broker. Account equity: $%.2f", acct.Equity)
	}

	b.reconciler.Reconcile(ctx)

	cycle := NewTradingCycle(b)
	for {
		if b.stopping(ctx) {
			b.logger.Println("Stop observed, draining")
			return nil
		}

		res := cycle.Run(ctx)
		if res.err != nil {
			b.failures++
			b.logger.Printf("Cycle failure %d/%d: %v", b.failures, maxConsecutiveFailures, res.err)
			if b.failures >= maxConsecutiveFailures {
				b.logger.Printf("FATAL_CYCLE_FAILURES: %d consecutive cycle failures", b.failures)
				return fmt.Errorf("%w: %v", errFatalCycleFailures, res.err)
			}
		} else {
			b.failures = 0
		}

		if !res.wake.IsZero() {
			b.sleepUntil(ctx, res.wake, res.reason)
			if !b.stopping(ctx) {
				// Morning check: catch anything the EOD flat missed
				b.reconciler.Reconcile(ctx)
			}
			continue
		}
		b.sleepFor(ctx, res.sleep)
	}
}

// stopping reports whether shutdown has been requested.
func (b *Bot) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-b.stop:
		return true
	default:
		return false
	}
}

// sleepFor waits d in bounded chunks, returning early on shutdown.
func (b *Bot) sleepFor(ctx context.Context, d time.Duration) {
	for d > 0 {
		chunk := min(d, sleepChunk)
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		d -= chunk
	}
}

// sleepUntil is the long-sleep path for closed sessions.
func (b *Bot) sleepUntil(ctx context.Context, wake time.Time, reason string) {
	d := wake.Sub(b.now())
	if d <= 0 {
		return
	}
	b.logger.Printf("Sleeping %s (%s), wake at %s",
		d.Round(time.Second), reason,
		wake.In(b.classifier.Location()).Format("2006-01-02 15:04:05 MST"))
	b.sleepFor(ctx, d)
}
