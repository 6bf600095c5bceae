// Package momentum persists scan results in two SQLite databases: a hot
// cache holding the recent working set the intraday tools read from, and
// a historical archive that keeps every scan ever produced.
//
// The hot cache is rewritten destructively per scan date and trimmed to a
// 30-day window. The archive is append-only: rows are upserted on
// (scan_date, symbol) and never purged, so re-archiving a date updates in
// place without duplicates.
package momentum

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// HotDBName is the hot cache file under the state root.
	HotDBName = "momentum_cache.db"
	// ArchiveDBName is the historical archive file under the state root.
	ArchiveDBName = "momentum_history.db"

	// RetainDays bounds the hot cache window. Rows older than this are
	// purged after each scan write; the archive keeps them forever.
	RetainDays = 30
)

// Store wraps the two databases. The scanner is the only writer; the
// agent tools read concurrently, which WAL mode supports.
type Store struct {
	hot     *sql.DB
	archive *sql.DB
}

// hotSchema is the working-set layout. daily_movers is keyed on
// (scan_date, symbol); regime and stats are one row per scan date.
const hotSchema = `
CREATE TABLE IF NOT EXISTS daily_movers (
	scan_date      TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	direction      TEXT    NOT NULL,
	rank           INTEGER NOT NULL,
	open           REAL    NOT NULL,
	high           REAL    NOT NULL,
	low            REAL    NOT NULL,
	close          REAL    NOT NULL,
	volume         INTEGER NOT NULL,
	change_pct     REAL    NOT NULL,
	indicators     TEXT,
	momentum_score REAL    NOT NULL,
	PRIMARY KEY (scan_date, symbol)
);

CREATE TABLE IF NOT EXISTS market_regime (
	scan_date      TEXT PRIMARY KEY,
	regime         TEXT NOT NULL,
	spy_change_pct REAL NOT NULL,
	qqq_change_pct REAL NOT NULL,
	market_score   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_stats (
	scan_date         TEXT PRIMARY KEY,
	total_scanned     INTEGER NOT NULL,
	high_volume_count INTEGER NOT NULL,
	gainers_count     INTEGER NOT NULL,
	losers_count      INTEGER NOT NULL,
	avg_change_pct    REAL NOT NULL,
	max_gain_pct      REAL NOT NULL,
	max_loss_pct      REAL NOT NULL,
	fetch_errors      INTEGER NOT NULL,
	scan_duration_sec REAL NOT NULL
);
`

// archiveSchema mirrors the hot layout plus archival timestamps.
// archived_at records the first time a row landed, updated_at the most
// recent upsert.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS daily_movers (
	scan_date      TEXT    NOT NULL,
	symbol         TEXT    NOT NULL,
	direction      TEXT    NOT NULL,
	rank           INTEGER NOT NULL,
	open           REAL    NOT NULL,
	high           REAL    NOT NULL,
	low            REAL    NOT NULL,
	close          REAL    NOT NULL,
	volume         INTEGER NOT NULL,
	change_pct     REAL    NOT NULL,
	indicators     TEXT,
	momentum_score REAL    NOT NULL,
	archived_at    TEXT    NOT NULL,
	updated_at     TEXT    NOT NULL,
	PRIMARY KEY (scan_date, symbol)
);

CREATE INDEX IF NOT EXISTS idx_movers_scan_date ON daily_movers(scan_date);
CREATE INDEX IF NOT EXISTS idx_movers_symbol ON daily_movers(symbol);
CREATE INDEX IF NOT EXISTS idx_movers_symbol_date ON daily_movers(symbol, scan_date);
CREATE INDEX IF NOT EXISTS idx_movers_direction_rank ON daily_movers(direction, rank);

CREATE TABLE IF NOT EXISTS market_regime (
	scan_date      TEXT PRIMARY KEY,
	regime         TEXT NOT NULL,
	spy_change_pct REAL NOT NULL,
	qqq_change_pct REAL NOT NULL,
	market_score   REAL NOT NULL,
	archived_at    TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_stats (
	scan_date         TEXT PRIMARY KEY,
	total_scanned     INTEGER NOT NULL,
	high_volume_count INTEGER NOT NULL,
	gainers_count     INTEGER NOT NULL,
	losers_count      INTEGER NOT NULL,
	avg_change_pct    REAL NOT NULL,
	max_gain_pct      REAL NOT NULL,
	max_loss_pct      REAL NOT NULL,
	fetch_errors      INTEGER NOT NULL,
	scan_duration_sec REAL NOT NULL,
	archived_at       TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);
`

// Open opens (creating if needed) both databases under dir and applies
// the schema. The caller owns the returned store and must Close it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("momentum store dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating momentum store dir: %w", err)
	}

	hot, err := openDB(filepath.Join(dir, HotDBName), hotSchema)
	if err != nil {
		return nil, fmt.Errorf("opening hot cache: %w", err)
	}
	archive, err := openDB(filepath.Join(dir, ArchiveDBName), archiveSchema)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return &Store{hot: hot, archive: archive}, nil
}

func openDB(path, schema string) (*sql.DB, error) {
	// WAL lets tool reads proceed while the scanner writes;
	// busy_timeout covers the brief lock handoff.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

// Close releases both database handles.
func (s *Store) Close() error {
	var firstErr error
	if err := s.hot.Close(); err != nil {
		firstErr = fmt.Errorf("closing hot cache: %w", err)
	}
	if err := s.archive.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing archive: %w", err)
	}
	return firstErr
}
