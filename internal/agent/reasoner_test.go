package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/models"
)

func TestNewReasoner_ProviderDispatch(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *ClientConfig
		wantName string
		wantErr  bool
	}{
		{
			name:     "openai",
			cfg:      &ClientConfig{Provider: ProviderOpenAI, APIKey: "sk-test", Model: "gpt-4o"},
			wantName: "openai",
		},
		{
			name:     "anthropic",
			cfg:      &ClientConfig{Provider: ProviderAnthropic, APIKey: "sk-ant-test", Model: "claude-sonnet-4-0"},
			wantName: "anthropic",
		},
		{
			name:     "explicit noop",
			cfg:      &ClientConfig{Provider: ProviderNoop},
			wantName: "noop",
		},
		{
			name:     "empty provider falls back to noop",
			cfg:      &ClientConfig{},
			wantName: "noop",
		},
		{
			name:     "nil config falls back to noop",
			cfg:      nil,
			wantName: "noop",
		},
		{
			name:    "unknown provider",
			cfg:     &ClientConfig{Provider: "bard"},
			wantErr: true,
		},
		{
			name:    "openai without key",
			cfg:     &ClientConfig{Provider: ProviderOpenAI, Model: "gpt-4o"},
			wantErr: true,
		},
		{
			name:    "anthropic without model",
			cfg:     &ClientConfig{Provider: ProviderAnthropic, APIKey: "sk-ant-test"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReasoner(tt.cfg, log.New(&bytes.Buffer{}, "", 0))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewReasoner() error = %v", err)
			}
			if r.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", r.Name(), tt.wantName)
			}
		})
	}
}

func TestNewReasoner_WarnsOnEmptyProvider(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewReasoner(&ClientConfig{}, log.New(&buf, "", 0)); err != nil {
		t.Fatalf("NewReasoner() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Warning: no reasoner provider configured") {
		t.Errorf("missing fallback warning, log:\n%s", buf.String())
	}
}

func TestNoopReasoner_AlwaysEndsCycle(t *testing.T) {
	r := NewNoopReasoner()
	d, err := r.Decide(context.Background(), &Transcript{})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(d.ToolCalls) != 1 || d.ToolCalls[0].Name != "end_cycle" {
		t.Fatalf("ToolCalls = %+v, want single end_cycle", d.ToolCalls)
	}
	if d.Stop {
		t.Error("noop decision should end via the tool, not a bare stop")
	}
	if !json.Valid(d.ToolCalls[0].Args) {
		t.Errorf("end_cycle args are not valid JSON: %s", d.ToolCalls[0].Args)
	}
}

func TestBuildCyclePrompt(t *testing.T) {
	regime := models.DeriveRegime("2025-06-03", 0.8, 0.9)
	input := CycleInput{
		CorrelationID: "cyc-42",
		Session:       "REGULAR",
		LocalTime:     time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC),
		Regime:        &regime,
		Risk: RiskSnapshot{
			Equity:        98000,
			HighWaterMark: 104000,
			DrawdownPct:   5.77,
		},
		Watchlist: []models.WatchlistEntry{
			{Symbol: "NVDA", Direction: models.DirectionGainer, Rank: 1, ChangePct: 10.0, Close: 110, Volume: 1200000},
			{Symbol: "INTC", Direction: models.DirectionLoser, Rank: 1, ChangePct: -7.5, Close: 37, Volume: 900000},
		},
	}

	prompt := BuildCyclePrompt(input)
	for _, want := range []string{
		"cyc-42",
		"Session: REGULAR",
		"bullish",
		"SPY +0.80%",
		"trading allowed",
		"drawdown 5.77%",
		"NVDA gainer rank 1: +10.00%",
		"INTC loser rank 1: -7.50%",
		"end_cycle",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildCyclePrompt_SuspendedAndEmpty(t *testing.T) {
	input := CycleInput{
		CorrelationID: "cyc-43",
		Session:       "REGULAR",
		LocalTime:     time.Date(2025, 6, 3, 10, 30, 0, 0, time.UTC),
		Risk: RiskSnapshot{
			Suspended:     true,
			SuspendReason: "MONTHLY_DRAWDOWN",
			Equity:        94000,
			HighWaterMark: 104000,
			DrawdownPct:   9.6,
		},
	}

	prompt := BuildCyclePrompt(input)
	if !strings.Contains(prompt, "SUSPENDED (MONTHLY_DRAWDOWN)") {
		t.Errorf("prompt missing suspension notice:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Market regime: unknown") {
		t.Errorf("prompt missing unknown-regime line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Watchlist: empty") {
		t.Errorf("prompt missing empty watchlist line:\n%s", prompt)
	}
}

func TestSystemPrompt_Fallback(t *testing.T) {
	if got := systemPrompt(CycleInput{}); got != DefaultSystemPrompt {
		t.Error("empty input should fall back to the default system prompt")
	}
	if got := systemPrompt(CycleInput{SystemPrompt: "  \n"}); got != DefaultSystemPrompt {
		t.Error("whitespace-only prompt should fall back to the default")
	}
	if got := systemPrompt(CycleInput{SystemPrompt: "trade carefully"}); got != "trade carefully" {
		t.Errorf("systemPrompt() = %q, want the configured prompt", got)
	}
}
