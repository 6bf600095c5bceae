package momentum

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// The COALESCE subselect keeps the original archived_at across
// re-archives; the expression is evaluated before REPLACE discards the
// conflicting row.
const upsertMoverSQL = `
INSERT OR REPLACE INTO daily_movers (scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score, archived_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
        COALESCE((SELECT archived_at FROM daily_movers WHERE scan_date = ? AND symbol = ?), ?),
        ?)`

// Archive copies the hot-cache rows for scanDate into the historical
// archive under upsert semantics. Re-archiving a date updates rows in
// place and never produces duplicates. The hot cache is not modified;
// a failed archive leaves it intact for a retry on the next scan.
func (s *Store) Archive(ctx context.Context, scanDate string, now time.Time) (int64, error) {
	entries, err := s.Watchlist(ctx, scanDate)
	if err != nil {
		return 0, err
	}
	regime, err := s.RegimeFor(ctx, scanDate)
	if err != nil {
		return 0, err
	}
	stats, err := s.StatsFor(ctx, scanDate)
	if err != nil {
		return 0, err
	}

	ts := now.UTC().Format(time.RFC3339)

	tx, err := s.archive.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning archive write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertMoverSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing archive upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			scanDate, e.Symbol, string(e.Direction), e.Rank,
			e.Open, e.High, e.Low, e.Close, e.Volume,
			e.ChangePct, indicatorsValue(e.Indicators), e.MomentumScore,
			scanDate, e.Symbol, ts, ts,
		); err != nil {
			return 0, fmt.Errorf("archiving mover %s: %w", e.Symbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO market_regime (scan_date, regime, spy_change_pct, qqq_change_pct, market_score, archived_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, COALESCE((SELECT archived_at FROM market_regime WHERE scan_date = ?), ?), ?)`,
		scanDate, string(regime.Regime), regime.SpyChangePct, regime.QqqChangePct, regime.MarketScore,
		scanDate, ts, ts,
	); err != nil {
		return 0, fmt.Errorf("archiving regime: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO scan_stats (scan_date, total_scanned, high_volume_count, gainers_count, losers_count,
		 avg_change_pct, max_gain_pct, max_loss_pct, fetch_errors, scan_duration_sec, archived_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT archived_at FROM scan_stats WHERE scan_date = ?), ?), ?)`,
		scanDate, stats.TotalScanned, stats.HighVolumeCount, stats.GainersCount, stats.LosersCount,
		stats.AvgChangePct, stats.MaxGainPct, stats.MaxLossPct, stats.FetchErrors, stats.ScanDurationSec,
		scanDate, ts, ts,
	); err != nil {
		return 0, fmt.Errorf("archiving stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing archive write: %w", err)
	}
	return int64(len(entries)), nil
}

// History returns the archived appearances of symbol, newest first.
// A symbol with no history yields an empty slice, not an error.
func (s *Store) History(ctx context.Context, symbol string, limit int) ([]models.WatchlistEntry, error) {
	if limit <= 0 {
		limit = RetainDays
	}
	rows, err := s.archive.QueryContext(ctx,
		"SELECT "+moverColumns+" FROM daily_movers WHERE symbol = ? ORDER BY scan_date DESC LIMIT ?",
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", symbol, err)
	}
	defer rows.Close()

	var entries []models.WatchlistEntry
	for rows.Next() {
		e, err := scanMover(rows)
		if err != nil {
			return nil, fmt.Errorf("reading history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return entries, nil
}

// TopRanked returns archived entries at or above the given rank on one
// side of the book, newest dates first. Rank 1 is the strongest mover.
func (s *Store) TopRanked(ctx context.Context, direction models.Direction, maxRank, limit int) ([]models.WatchlistEntry, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
	if maxRank <= 0 {
		maxRank = 1
	}
	if limit <= 0 {
		limit = RetainDays
	}
	rows, err := s.archive.QueryContext(ctx,
		"SELECT "+moverColumns+" FROM daily_movers WHERE direction = ? AND rank <= ? ORDER BY scan_date DESC, rank LIMIT ?",
		string(direction), maxRank, limit)
	if err != nil {
		return nil, fmt.Errorf("querying top ranked %s: %w", direction, err)
	}
	defer rows.Close()

	var entries []models.WatchlistEntry
	for rows.Next() {
		e, err := scanMover(rows)
		if err != nil {
			return nil, fmt.Errorf("reading ranked row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ranked rows: %w", err)
	}
	return entries, nil
}

// ArchiveCount reports how many mover rows the archive holds for
// scanDate.
func (s *Store) ArchiveCount(ctx context.Context, scanDate string) (int64, error) {
	var n int64
	if err := s.archive.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM daily_movers WHERE scan_date = ?", scanDate).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting archive rows for %s: %w", scanDate, err)
	}
	return n, nil
}
