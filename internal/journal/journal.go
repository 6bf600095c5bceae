// Package journal is the persistent JSONL sink. Records are partitioned
// by exchange-local date into two trees under {root}/{signature}:
// operational events under log/{date}/log.jsonl and trade records under
// trades/{date}/trades.jsonl. Files are append-only and never rotated
// in-process; operators rotate externally.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

const (
	logSubtree   = "log"
	logFilename  = "log.jsonl"
	tradeSubtree = "trades"
	tradeFile    = "trades.jsonl"
)

// Journal appends structured records to date-partitioned JSONL files.
// Directories are created lazily on first append for a date; nothing is
// touched at construction time.
type Journal struct {
	root      string
	loc       *time.Location
	formatter *logrus.JSONFormatter

	mu     sync.Mutex
	events sink
	trades sink
}

// sink tracks the open file for one subtree's current date.
type sink struct {
	dir      string
	filename string
	file     *os.File
	date     string
}

// New prepares a journal rooted at {root}/{signature}. Dates are
// rendered in loc, which should be the exchange location.
func New(root, signature string, loc *time.Location) (*Journal, error) {
	if root == "" {
		return nil, fmt.Errorf("journal root cannot be empty")
	}
	if signature == "" {
		return nil, fmt.Errorf("journal signature cannot be empty")
	}
	if loc == nil {
		return nil, fmt.Errorf("journal location cannot be nil")
	}
	base := filepath.Join(root, signature)
	return &Journal{
		root:      base,
		loc:       loc,
		formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		events:    sink{dir: filepath.Join(base, logSubtree), filename: logFilename},
		trades:    sink{dir: filepath.Join(base, tradeSubtree), filename: tradeFile},
	}, nil
}

// Root returns the {root}/{signature} base directory.
func (j *Journal) Root() string {
	return j.root
}

// Event appends one informational record to the log tree.
func (j *Journal) Event(at time.Time, msg string, fields logrus.Fields) error {
	return j.append(&j.events, at, logrus.InfoLevel, msg, fields)
}

// Warning appends one warning record to the log tree.
func (j *Journal) Warning(at time.Time, msg string, fields logrus.Fields) error {
	return j.append(&j.events, at, logrus.WarnLevel, msg, fields)
}

// Cycle appends a completed cycle record to the log tree. The partition
// date comes from the cycle's end time.
func (j *Journal) Cycle(rec *models.CycleRecord) error {
	if rec == nil {
		return fmt.Errorf("cycle record cannot be nil")
	}
	fields := logrus.Fields{"kind": "cycle", "cycle": rec}
	return j.append(&j.events, rec.EndedAt, logrus.InfoLevel, "cycle complete", fields)
}

// Trade appends one closed round trip to the trade tree.
func (j *Journal) Trade(at time.Time, trade models.TradeResult) error {
	fields := logrus.Fields{"kind": "trade", "trade": trade}
	return j.append(&j.trades, at, logrus.InfoLevel, "trade closed", fields)
}

// OrderEvent appends one order observation to the trade tree.
func (j *Journal) OrderEvent(at time.Time, ev models.OrderEvent) error {
	fields := logrus.Fields{"kind": "order", "order": ev}
	return j.append(&j.trades, at, logrus.InfoLevel, "order update", fields)
}

// Close syncs and closes any open day files. The journal stays usable;
// a later append reopens lazily.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for _, s := range []*sink{&j.events, &j.trades} {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// append formats the entry with the JSON formatter and writes it
// directly; going through a logrus.Logger would swallow write errors.
func (j *Journal) append(s *sink, at time.Time, level logrus.Level, msg string, fields logrus.Fields) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	local := at.In(j.loc)
	if err := s.rollTo(local.Format("2006-01-02")); err != nil {
		return err
	}

	entry := &logrus.Entry{
		Time:    local,
		Level:   level,
		Message: msg,
		Data:    fields,
	}
	line, err := j.formatter.Format(entry)
	if err != nil {
		return fmt.Errorf("formatting journal record: %w", err)
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", s.path(), err)
	}
	return nil
}

func (s *sink) path() string {
	return filepath.Join(s.dir, s.date, s.filename)
}

// rollTo ensures the file for date is open, closing the previous day's
// handle with a sync first.
func (s *sink) rollTo(date string) error {
	if s.file != nil && s.date == date {
		return nil
	}
	if err := s.close(); err != nil {
		return err
	}

	dir := filepath.Join(s.dir, date)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating journal dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, s.filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	s.file = f
	s.date = date
	return nil
}

func (s *sink) close() error {
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	s.date = ""
	if syncErr != nil {
		return fmt.Errorf("syncing journal file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing journal file: %w", closeErr)
	}
	return nil
}
