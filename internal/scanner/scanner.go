// Package scanner builds the daily pre-market watchlist: prior-day
// movers from a symbol universe, filtered, ranked, decorated with
// technical indicators, and written to the momentum cache. It runs at
// most once per exchange-local date.
package scanner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/config"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/momentum"
	"github.com/eddiefleurent/stamford_momentum/internal/retry"
	"github.com/eddiefleurent/stamford_momentum/internal/tools"
	"github.com/eddiefleurent/stamford_momentum/internal/util"
)

const (
	// moverLookbackDays covers weekends and long holiday gaps when
	// hunting for the prior completed trading day.
	moverLookbackDays = 7
	// indicatorLookbackDays gives the indicator window enough daily bars
	// for 20-period averages with slack for non-trading days.
	indicatorLookbackDays = 90
	indicatorWindow       = 20
	// barBatchSize caps symbols per multi-symbol bar request.
	barBatchSize = 100
)

// Index symbols used for the market regime.
const (
	regimeSymbolSPY = "SPY"
	regimeSymbolQQQ = "QQQ"
)

// Scanner fetches, filters, and ranks the daily movers.
type Scanner struct {
	broker broker.Broker
	store  *momentum.Store
	cfg    config.ScannerConfig
	loc    *time.Location
	logger *log.Logger

	warnedMarketCap bool
}

// New builds a scanner. The broker should already carry whatever
// circuit-breaker wrapping the daemon uses.
func New(b broker.Broker, store *momentum.Store, cfg config.ScannerConfig, loc *time.Location, logger *log.Logger) (*Scanner, error) {
	if b == nil {
		return nil, fmt.Errorf("scanner requires a broker")
	}
	if store == nil {
		return nil, fmt.Errorf("scanner requires a momentum store")
	}
	if loc == nil {
		return nil, fmt.Errorf("scanner requires an exchange location")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TopGainers <= 0 {
		cfg.TopGainers = 50
	}
	if cfg.TopLosers <= 0 {
		cfg.TopLosers = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Scanner{broker: b, store: store, cfg: cfg, loc: loc, logger: logger}, nil
}

// Run executes one scan for scanDate (exchange-local YYYY-MM-DD) and
// persists the result. Per-symbol failures are counted and skipped; the
// returned report says whether the scan produced a usable watchlist.
// The error return covers failures that leave the hot cache untouched.
func (s *Scanner) Run(ctx context.Context, scanDate string) (*models.ScanReport, error) {
	started := time.Now()

	dayStart, err := time.ParseInLocation("2006-01-02", scanDate, s.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid scan date %q: %w", scanDate, err)
	}

	symbols, err := s.universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve scan universe: %w", err)
	}
	if s.cfg.MinMarketCap > 0 && !s.warnedMarketCap {
		s.logger.Printf("Warning: min_market_cap filter is configured but the data feed carries no fundamentals; filter skipped")
		s.warnedMarketCap = true
	}
	s.logger.Printf("Scanning %d symbols for %s", len(symbols), scanDate)

	lastBars, fetchErrors := s.fetchLastBars(ctx, symbols, dayStart)

	candidates := s.filterCandidates(scanDate, lastBars)
	gainers, losers := rankMovers(candidates, s.cfg.TopGainers, s.cfg.TopLosers)
	selected := append(append([]models.WatchlistEntry{}, gainers...), losers...)

	s.attachIndicators(ctx, selected, dayStart)

	regime := s.deriveRegime(ctx, scanDate, dayStart)

	report := &models.ScanReport{
		ScanDate:   scanDate,
		StartedAt:  started.UTC(),
		Regime:     regime,
		Watchlist:  selected,
		Successful: len(gainers) > 0 && len(losers) > 0,
	}
	report.Stats = buildStats(scanDate, len(symbols), s.cfg.MinVolume, lastBars, candidates, gainers, losers, fetchErrors)
	report.Duration = time.Since(started)
	report.Stats.ScanDurationSec = report.Duration.Seconds()

	if err := s.store.SaveScan(ctx, report); err != nil {
		return report, fmt.Errorf("save scan for %s: %w", scanDate, err)
	}

	if purged, err := s.store.PurgeStale(ctx, scanDate); err != nil {
		s.logger.Printf("Warning: hot cache purge failed: %v", err)
	} else if purged > 0 {
		s.logger.Printf("Purged %d hot cache rows older than %d days", purged, momentum.RetainDays)
	}

	// The hot cache write stands regardless of archive health; a failed
	// archive catches up on the next scan.
	if archived, err := s.store.Archive(ctx, scanDate, time.Now()); err != nil {
		s.logger.Printf("Warning: ARCHIVE_FAILED for %s: %v", scanDate, err)
		s.logger.Printf("METRIC: archive_failed=1")
	} else {
		s.logger.Printf("Archived %d watchlist rows for %s", archived, scanDate)
	}

	s.logger.Printf("Scan %s complete: %d gainers, %d losers, %d fetch errors in %.1fs",
		scanDate, len(gainers), len(losers), fetchErrors, report.Stats.ScanDurationSec)
	return report, nil
}

// universe returns the configured symbol list, or every plain tradable
// asset from the broker feed.
func (s *Scanner) universe(ctx context.Context) ([]string, error) {
	if len(s.cfg.Universe) > 0 {
		out := make([]string, 0, len(s.cfg.Universe))
		seen := make(map[string]bool, len(s.cfg.Universe))
		for _, sym := range s.cfg.Universe {
			if sym == "" || seen[sym] {
				continue
			}
			seen[sym] = true
			out = append(out, sym)
		}
		return out, nil
	}

	assets, err := retry.Do(ctx, s.logger, "list assets", func(c context.Context) ([]broker.Asset, error) {
		return s.broker.ListAssets(c)
	})
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable || !plainSymbol(a.Symbol) {
			continue
		}
		symbols = append(symbols, a.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// plainSymbol rejects warrants, units, and preferred-share suffixes the
// scanner has no business ranking.
func plainSymbol(sym string) bool {
	if sym == "" || len(sym) > 5 {
		return false
	}
	for _, r := range sym {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// fetchLastBars pulls daily bars in bounded-concurrency batches and
// keeps each symbol's last completed bar before dayStart. The returned
// count is symbols that yielded no bar, including whole failed batches.
func (s *Scanner) fetchLastBars(ctx context.Context, symbols []string, dayStart time.Time) (map[string]broker.Bar, int) {
	from := dayStart.AddDate(0, 0, -moverLookbackDays)

	var mu sync.Mutex
	lastBars := make(map[string]broker.Bar, len(symbols))
	fetchErrors := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(symbols); start += barBatchSize {
		batch := symbols[start:min(start+barBatchSize, len(symbols))]
		g.Go(func() error {
			bars, err := retry.Do(gctx, s.logger, "get daily bars", func(c context.Context) (map[string][]broker.Bar, error) {
				return s.broker.GetDailyBars(c, batch, from, dayStart)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Cancellation aborts the whole scan; a bad batch only
				// costs its symbols.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Printf("Warning: bar fetch failed for %d symbols: %v", len(batch), err)
				fetchErrors += len(batch)
				return nil
			}
			for _, sym := range batch {
				bar, ok := lastBarBefore(bars[sym], dayStart)
				if !ok {
					fetchErrors++
					continue
				}
				lastBars[sym] = bar
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Printf("Warning: bar fetch interrupted: %v", err)
	}
	return lastBars, fetchErrors
}

// lastBarBefore returns the newest bar strictly before cutoff.
func lastBarBefore(bars []broker.Bar, cutoff time.Time) (broker.Bar, bool) {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Ts.Before(cutoff) {
			return bars[i], true
		}
	}
	return broker.Bar{}, false
}

// filterCandidates applies the quality filters and builds unranked
// entries from each surviving symbol's prior-day bar.
func (s *Scanner) filterCandidates(scanDate string, lastBars map[string]broker.Bar) []models.WatchlistEntry {
	candidates := make([]models.WatchlistEntry, 0, len(lastBars))
	for sym, bar := range lastBars {
		if bar.Close < s.cfg.MinPrice {
			continue
		}
		if bar.Volume < s.cfg.MinVolume {
			continue
		}
		candidates = append(candidates, models.NewWatchlistEntry(scanDate, sym, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume))
	}
	return candidates
}

// rankMovers selects and ranks the top positive and negative movers.
// Ties break on symbol so reruns over the same inputs are identical.
func rankMovers(candidates []models.WatchlistEntry, topGainers, topLosers int) (gainers, losers []models.WatchlistEntry) {
	for _, c := range candidates {
		switch {
		case c.ChangePct > 0:
			gainers = append(gainers, c)
		case c.ChangePct < 0:
			losers = append(losers, c)
		}
	}

	sort.Slice(gainers, func(i, j int) bool {
		if gainers[i].ChangePct != gainers[j].ChangePct {
			return gainers[i].ChangePct > gainers[j].ChangePct
		}
		return gainers[i].Symbol < gainers[j].Symbol
	})
	sort.Slice(losers, func(i, j int) bool {
		if losers[i].ChangePct != losers[j].ChangePct {
			return losers[i].ChangePct < losers[j].ChangePct
		}
		return losers[i].Symbol < losers[j].Symbol
	})

	if len(gainers) > topGainers {
		gainers = gainers[:topGainers]
	}
	if len(losers) > topLosers {
		losers = losers[:topLosers]
	}
	for i := range gainers {
		gainers[i].Rank = i + 1
	}
	for i := range losers {
		losers[i].Rank = i + 1
	}
	return gainers, losers
}

// attachIndicators decorates selected entries in place with the opaque
// indicator blob. Missing history leaves Indicators nil, never fails
// the scan.
func (s *Scanner) attachIndicators(ctx context.Context, selected []models.WatchlistEntry, dayStart time.Time) {
	if len(selected) == 0 {
		return
	}
	from := dayStart.AddDate(0, 0, -indicatorLookbackDays)

	symbols := make([]string, len(selected))
	index := make(map[string][]int, len(selected))
	for i, e := range selected {
		symbols[i] = e.Symbol
		index[e.Symbol] = append(index[e.Symbol], i)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(symbols); start += barBatchSize {
		batch := symbols[start:min(start+barBatchSize, len(symbols))]
		g.Go(func() error {
			bars, err := retry.Do(gctx, s.logger, "get indicator bars", func(c context.Context) (map[string][]broker.Bar, error) {
				return s.broker.GetDailyBars(c, batch, from, dayStart)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Printf("Warning: indicator fetch failed for %d symbols: %v", len(batch), err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, sym := range batch {
				history := historyBefore(bars[sym], dayStart)
				if len(history) == 0 {
					continue
				}
				blob, err := tools.IndicatorBlob(history, indicatorWindow)
				if err != nil {
					continue
				}
				for _, i := range index[sym] {
					selected[i].Indicators = blob
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Printf("Warning: indicator fetch interrupted: %v", err)
	}
}

// historyBefore trims bars to those strictly before cutoff.
func historyBefore(bars []broker.Bar, cutoff time.Time) []broker.Bar {
	end := len(bars)
	for end > 0 && !bars[end-1].Ts.Before(cutoff) {
		end--
	}
	return bars[:end]
}

// deriveRegime fetches SPY and QQQ prior-day moves. Missing index data
// degrades to zero change, which classifies as neutral.
func (s *Scanner) deriveRegime(ctx context.Context, scanDate string, dayStart time.Time) models.MarketRegime {
	from := dayStart.AddDate(0, 0, -moverLookbackDays)
	bars, err := retry.Do(ctx, s.logger, "get index bars", func(c context.Context) (map[string][]broker.Bar, error) {
		return s.broker.GetDailyBars(c, []string{regimeSymbolSPY, regimeSymbolQQQ}, from, dayStart)
	})
	if err != nil {
		s.logger.Printf("Warning: index bar fetch failed, regime defaults to neutral: %v", err)
		return models.DeriveRegime(scanDate, 0, 0)
	}

	change := func(sym string) float64 {
		bar, ok := lastBarBefore(bars[sym], dayStart)
		if !ok {
			s.logger.Printf("Warning: no prior-day bar for %s, treating as flat", sym)
			return 0
		}
		return util.ChangePct(bar.Open, bar.Close)
	}
	return models.DeriveRegime(scanDate, change(regimeSymbolSPY), change(regimeSymbolQQQ))
}

// buildStats aggregates the per-scan counters persisted alongside the
// watchlist.
func buildStats(scanDate string, totalScanned int, minVolume int64, lastBars map[string]broker.Bar, candidates, gainers, losers []models.WatchlistEntry, fetchErrors int) models.ScanStats {
	stats := models.ScanStats{
		ScanDate:     scanDate,
		TotalScanned: totalScanned,
		GainersCount: len(gainers),
		LosersCount:  len(losers),
		FetchErrors:  fetchErrors,
	}
	for _, bar := range lastBars {
		if bar.Volume >= minVolume {
			stats.HighVolumeCount++
		}
	}
	var sum float64
	for _, c := range candidates {
		sum += c.ChangePct
		if c.ChangePct > stats.MaxGainPct {
			stats.MaxGainPct = c.ChangePct
		}
		if c.ChangePct < stats.MaxLossPct {
			stats.MaxLossPct = c.ChangePct
		}
	}
	if len(candidates) > 0 {
		stats.AvgChangePct = sum / float64(len(candidates))
	}
	return stats
}
