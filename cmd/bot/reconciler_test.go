package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
	"github.com/eddiefleurent/stamford_momentum/internal/models"
	"github.com/eddiefleurent/stamford_momentum/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T) *risk.Governor {
	t.Helper()
	gov, err := risk.NewGovernor(
		risk.NewStore(filepath.Join(t.TempDir(), "risk_state.json")),
		risk.Limits{MonthlyDrawdownPct: 6, PerTradeRiskPct: 1, PerTradeValueCapPct: 10},
		mustLoadNY(t), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return gov
}

func TestReconcile_FetchErrorReturnsNothing(t *testing.T) {
	mb := NewMockBroker()
	mb.On("GetPositions", mock.Anything).Return(nil, errors.New("connection refused"))

	r := NewReconciler(mb, newTestGovernor(t), log.New(io.Discard, "", 0))
	assert.Nil(t, r.Reconcile(context.Background()))
}

func TestReconcile_FlatAccount(t *testing.T) {
	mb := NewMockBroker()
	mb.On("GetPositions", mock.Anything).Return([]broker.Position{}, nil)

	var buf bytes.Buffer
	r := NewReconciler(mb, newTestGovernor(t), log.New(&buf, "", 0))

	assert.Nil(t, r.Reconcile(context.Background()))
	assert.Contains(t, buf.String(), "account is flat")
}

func TestReconcile_OvernightPositionsClassified(t *testing.T) {
	mb := NewMockBroker()
	mb.On("GetPositions", mock.Anything).Return([]broker.Position{
		{Symbol: "NVDA", Qty: 10, UnrealizedPL: -42.5},
		{Symbol: "MSFT", Qty: 5, UnrealizedPL: 12.0},
	}, nil)

	gov := newTestGovernor(t)
	require.NoError(t, gov.RecordTrade(models.TradeResult{
		Symbol:   "NVDA",
		Side:     "buy",
		Qty:      10,
		PnL:      -10,
		ClosedAt: time.Now(),
	}))

	var buf bytes.Buffer
	r := NewReconciler(mb, gov, log.New(&buf, "", 0))
	got := r.Reconcile(context.Background())

	require.Len(t, got, 2)
	out := buf.String()
	assert.Contains(t, out, "OVERNIGHT POSITIONS DETECTED: 2")
	assert.Contains(t, out, "NVDA position traded recently")
	assert.Contains(t, out, "MSFT position has no recent bot trade")
	assert.Contains(t, out, "METRIC: reconcile_open_positions=2")
}

func TestReconcile_BannerLogsOnce(t *testing.T) {
	mb := NewMockBroker()
	mb.On("GetPositions", mock.Anything).Return([]broker.Position{{Symbol: "NVDA", Qty: 10}}, nil)

	var buf bytes.Buffer
	r := NewReconciler(mb, newTestGovernor(t), log.New(&buf, "", 0))
	r.Reconcile(context.Background())
	r.Reconcile(context.Background())

	assert.Equal(t, 1, strings.Count(buf.String(), "OVERNIGHT POSITIONS DETECTED"))
}
