package models

import (
	"encoding/json"
	"math"
	"time"
)

// Direction classifies a watchlist entry by the sign of its prior-day move.
type Direction string

const (
	// DirectionGainer marks a symbol that closed above its open.
	DirectionGainer Direction = "gainer"
	// DirectionLoser marks a symbol that closed below its open.
	DirectionLoser Direction = "loser"
)

// Valid returns true if the Direction is one of the defined constants
func (d Direction) Valid() bool {
	switch d {
	case DirectionGainer, DirectionLoser:
		return true
	default:
		return false
	}
}

// WatchlistEntry is one ranked symbol produced by a pre-market scan.
// Entries are unique per (ScanDate, Symbol).
type WatchlistEntry struct {
	ScanDate      string          `json:"scan_date"` // exchange-local YYYY-MM-DD
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Rank          int             `json:"rank"` // 1..N within direction
	Open          float64         `json:"open"`
	High          float64         `json:"high"`
	Low           float64         `json:"low"`
	Close         float64         `json:"close"`
	Volume        int64           `json:"volume"`
	ChangePct     float64         `json:"change_pct"`
	Indicators    json.RawMessage `json:"indicators,omitempty"` // opaque technical blob
	MomentumScore float64         `json:"momentum_score"`
}

// NewWatchlistEntry derives the ranked-entry fields from prior-day OHLCV.
// Rank is assigned later, once the full set is sorted.
func NewWatchlistEntry(scanDate, symbol string, open, high, low, closePx float64, volume int64) WatchlistEntry {
	changePct := 0.0
	if open != 0 {
		changePct = (closePx - open) / open * 100
	}
	dir := DirectionGainer
	if changePct < 0 {
		dir = DirectionLoser
	}
	return WatchlistEntry{
		ScanDate:      scanDate,
		Symbol:        symbol,
		Direction:     dir,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePx,
		Volume:        volume,
		ChangePct:     changePct,
		MomentumScore: math.Abs(changePct),
	}
}

// Regime is the coarse daily market label derived from index movers.
type Regime string

const (
	// RegimeBullish means both tracked indices moved up beyond the threshold.
	RegimeBullish Regime = "bullish"
	// RegimeBearish means both tracked indices moved down beyond the threshold.
	RegimeBearish Regime = "bearish"
	// RegimeNeutral covers every other combination.
	RegimeNeutral Regime = "neutral"
)

// Valid returns true if the Regime is one of the defined constants
func (r Regime) Valid() bool {
	switch r {
	case RegimeBullish, RegimeBearish, RegimeNeutral:
		return true
	default:
		return false
	}
}

// regimeThresholdPct is the index move, in percent, past which the day
// stops counting as neutral.
const regimeThresholdPct = 0.5

// MarketRegime captures the index-derived market label for one scan date.
type MarketRegime struct {
	ScanDate     string  `json:"scan_date"`
	Regime       Regime  `json:"regime"`
	SpyChangePct float64 `json:"spy_change_pct"`
	QqqChangePct float64 `json:"qqq_change_pct"`
	MarketScore  float64 `json:"market_score"`
}

// DeriveRegime classifies the day from SPY and QQQ change percentages.
func DeriveRegime(scanDate string, spyPct, qqqPct float64) MarketRegime {
	regime := RegimeNeutral
	switch {
	case spyPct > regimeThresholdPct && qqqPct > regimeThresholdPct:
		regime = RegimeBullish
	case spyPct < -regimeThresholdPct && qqqPct < -regimeThresholdPct:
		regime = RegimeBearish
	}
	return MarketRegime{
		ScanDate:     scanDate,
		Regime:       regime,
		SpyChangePct: spyPct,
		QqqChangePct: qqqPct,
		MarketScore:  (spyPct + qqqPct) / 2,
	}
}

// ScanStats summarizes one scan run, one row per scan date.
type ScanStats struct {
	ScanDate        string  `json:"scan_date"`
	TotalScanned    int     `json:"total_scanned"`
	HighVolumeCount int     `json:"high_volume_count"`
	GainersCount    int     `json:"gainers_count"`
	LosersCount     int     `json:"losers_count"`
	AvgChangePct    float64 `json:"avg_change_pct"`
	MaxGainPct      float64 `json:"max_gain_pct"`
	MaxLossPct      float64 `json:"max_loss_pct"`
	FetchErrors     int     `json:"fetch_errors"`
	ScanDurationSec float64 `json:"scan_duration_seconds"`
}

// ScanReport is what the scanner hands back to the orchestrator.
type ScanReport struct {
	ScanDate   string           `json:"scan_date"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Stats      ScanStats        `json:"stats"`
	Regime     MarketRegime     `json:"regime"`
	Watchlist  []WatchlistEntry `json:"watchlist"`
	Successful bool             `json:"successful"` // at least one gainer and one loser
}
