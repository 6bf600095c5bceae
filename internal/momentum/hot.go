package momentum

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

// moverColumns is the shared SELECT list for watchlist rows. Hot and
// archive use the same core layout, so one scanner covers both.
const moverColumns = `scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score`

const insertMoverSQL = `
INSERT INTO daily_movers (scan_date, symbol, direction, rank, open, high, low, close, volume, change_pct, indicators, momentum_score)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveScan replaces the hot-cache rows for the report's scan date in one
// transaction: delete the date, batch insert the watchlist, then the
// regime and stats rows. Re-running the same date overwrites cleanly.
func (s *Store) SaveScan(ctx context.Context, report *models.ScanReport) error {
	if report == nil {
		return fmt.Errorf("scan report cannot be nil")
	}
	if report.ScanDate == "" {
		return fmt.Errorf("scan report has no scan date")
	}

	tx, err := s.hot.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning scan write: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"daily_movers", "market_regime", "scan_stats"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE scan_date = ?", report.ScanDate); err != nil {
			return fmt.Errorf("clearing %s for %s: %w", table, report.ScanDate, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertMoverSQL)
	if err != nil {
		return fmt.Errorf("preparing mover insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range report.Watchlist {
		if _, err := stmt.ExecContext(ctx,
			report.ScanDate, e.Symbol, string(e.Direction), e.Rank,
			e.Open, e.High, e.Low, e.Close, e.Volume,
			e.ChangePct, indicatorsValue(e.Indicators), e.MomentumScore,
		); err != nil {
			return fmt.Errorf("inserting mover %s: %w", e.Symbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO market_regime (scan_date, regime, spy_change_pct, qqq_change_pct, market_score)
		 VALUES (?, ?, ?, ?, ?)`,
		report.ScanDate, string(report.Regime.Regime),
		report.Regime.SpyChangePct, report.Regime.QqqChangePct, report.Regime.MarketScore,
	); err != nil {
		return fmt.Errorf("inserting regime: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scan_stats (scan_date, total_scanned, high_volume_count, gainers_count, losers_count,
		 avg_change_pct, max_gain_pct, max_loss_pct, fetch_errors, scan_duration_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ScanDate, report.Stats.TotalScanned, report.Stats.HighVolumeCount,
		report.Stats.GainersCount, report.Stats.LosersCount, report.Stats.AvgChangePct,
		report.Stats.MaxGainPct, report.Stats.MaxLossPct, report.Stats.FetchErrors,
		report.Stats.ScanDurationSec,
	); err != nil {
		return fmt.Errorf("inserting stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scan write: %w", err)
	}
	return nil
}

// PurgeStale removes hot-cache rows older than the retention window,
// measured back from scanDate. Returns the number of mover rows dropped.
// The archive is never touched.
func (s *Store) PurgeStale(ctx context.Context, scanDate string) (int64, error) {
	day, err := time.Parse("2006-01-02", scanDate)
	if err != nil {
		return 0, fmt.Errorf("parsing scan date %q: %w", scanDate, err)
	}
	cutoff := day.AddDate(0, 0, -RetainDays).Format("2006-01-02")

	res, err := s.hot.ExecContext(ctx, "DELETE FROM daily_movers WHERE scan_date < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging daily_movers: %w", err)
	}
	purged, _ := res.RowsAffected()

	for _, table := range []string{"market_regime", "scan_stats"} {
		if _, err := s.hot.ExecContext(ctx, "DELETE FROM "+table+" WHERE scan_date < ?", cutoff); err != nil {
			return purged, fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return purged, nil
}

// Watchlist returns the cached entries for scanDate, gainers first, each
// side ordered by rank. Returns ErrNoScan when the date has no rows.
func (s *Store) Watchlist(ctx context.Context, scanDate string) ([]models.WatchlistEntry, error) {
	// 'gainer' sorts before 'loser', so ordering by direction keeps the
	// gainer block first.
	rows, err := s.hot.QueryContext(ctx,
		"SELECT "+moverColumns+" FROM daily_movers WHERE scan_date = ? ORDER BY direction, rank",
		scanDate)
	if err != nil {
		return nil, fmt.Errorf("querying watchlist for %s: %w", scanDate, err)
	}
	defer rows.Close()

	var entries []models.WatchlistEntry
	for rows.Next() {
		e, err := scanMover(rows)
		if err != nil {
			return nil, fmt.Errorf("reading watchlist row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating watchlist: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("watchlist for %s: %w", scanDate, ErrNoScan)
	}
	return entries, nil
}

// RegimeFor returns the market regime recorded for scanDate.
func (s *Store) RegimeFor(ctx context.Context, scanDate string) (models.MarketRegime, error) {
	var (
		r      models.MarketRegime
		regime string
	)
	err := s.hot.QueryRowContext(ctx,
		"SELECT scan_date, regime, spy_change_pct, qqq_change_pct, market_score FROM market_regime WHERE scan_date = ?",
		scanDate).Scan(&r.ScanDate, &regime, &r.SpyChangePct, &r.QqqChangePct, &r.MarketScore)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MarketRegime{}, fmt.Errorf("regime for %s: %w", scanDate, ErrNoScan)
	}
	if err != nil {
		return models.MarketRegime{}, fmt.Errorf("querying regime for %s: %w", scanDate, err)
	}
	r.Regime = models.Regime(regime)
	return r, nil
}

// StatsFor returns the scan statistics recorded for scanDate.
func (s *Store) StatsFor(ctx context.Context, scanDate string) (models.ScanStats, error) {
	var st models.ScanStats
	err := s.hot.QueryRowContext(ctx,
		`SELECT scan_date, total_scanned, high_volume_count, gainers_count, losers_count,
		 avg_change_pct, max_gain_pct, max_loss_pct, fetch_errors, scan_duration_sec
		 FROM scan_stats WHERE scan_date = ?`,
		scanDate).Scan(&st.ScanDate, &st.TotalScanned, &st.HighVolumeCount,
		&st.GainersCount, &st.LosersCount, &st.AvgChangePct,
		&st.MaxGainPct, &st.MaxLossPct, &st.FetchErrors, &st.ScanDurationSec)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScanStats{}, fmt.Errorf("stats for %s: %w", scanDate, ErrNoScan)
	}
	if err != nil {
		return models.ScanStats{}, fmt.Errorf("querying stats for %s: %w", scanDate, err)
	}
	return st, nil
}

// HasScan reports whether the hot cache holds any rows for scanDate. The
// orchestrator uses this as its once-per-day scan latch across restarts.
func (s *Store) HasScan(ctx context.Context, scanDate string) (bool, error) {
	var one int
	err := s.hot.QueryRowContext(ctx,
		"SELECT 1 FROM daily_movers WHERE scan_date = ? LIMIT 1", scanDate).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking scan for %s: %w", scanDate, err)
	}
	return true, nil
}

// LatestScanDate returns the most recent scan date in the hot cache,
// or ErrNoScan when the cache is empty. Used for stale-cache fallback.
func (s *Store) LatestScanDate(ctx context.Context) (string, error) {
	var latest sql.NullString
	if err := s.hot.QueryRowContext(ctx, "SELECT MAX(scan_date) FROM daily_movers").Scan(&latest); err != nil {
		return "", fmt.Errorf("querying latest scan date: %w", err)
	}
	if !latest.Valid {
		return "", ErrNoScan
	}
	return latest.String, nil
}

// LatestScanDateBefore returns the most recent scan date strictly before
// scanDate, or ErrNoScan when none exists. The orchestrator uses this to
// fall back past a same-day scan that produced no usable movers.
func (s *Store) LatestScanDateBefore(ctx context.Context, scanDate string) (string, error) {
	var latest sql.NullString
	if err := s.hot.QueryRowContext(ctx,
		"SELECT MAX(scan_date) FROM daily_movers WHERE scan_date < ?", scanDate).Scan(&latest); err != nil {
		return "", fmt.Errorf("querying latest scan date before %s: %w", scanDate, err)
	}
	if !latest.Valid {
		return "", ErrNoScan
	}
	return latest.String, nil
}

// rowScanner lets scanMover work over both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMover(row rowScanner) (models.WatchlistEntry, error) {
	var (
		e          models.WatchlistEntry
		direction  string
		indicators sql.NullString
	)
	if err := row.Scan(&e.ScanDate, &e.Symbol, &direction, &e.Rank,
		&e.Open, &e.High, &e.Low, &e.Close, &e.Volume,
		&e.ChangePct, &indicators, &e.MomentumScore); err != nil {
		return models.WatchlistEntry{}, err
	}
	e.Direction = models.Direction(direction)
	if indicators.Valid && indicators.String != "" {
		e.Indicators = json.RawMessage(indicators.String)
	}
	return e, nil
}

// indicatorsValue maps an empty blob to NULL so SELECTs round-trip the
// absence instead of an empty string.
func indicatorsValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
