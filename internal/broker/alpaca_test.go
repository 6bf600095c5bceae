package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

func TestNewAlpacaClient(t *testing.T) {
	client := NewAlpacaClient("key", "secret", "https://paper-api.alpaca.markets", "")
	if client == nil {
		t.Fatal("NewAlpacaClient returned nil")
	}
	if client.tradeClient == nil {
		t.Error("trade client not initialized")
	}
	if client.mdClient == nil {
		t.Error("market data client not initialized")
	}
}

func TestCallCtx_ReturnsResult(t *testing.T) {
	got, err := callCtx(context.Background(), func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("callCtx returned error: %v", err)
	}
	if got != 42 {
		t.Errorf("callCtx = %d, want 42", got)
	}
}

func TestCallCtx_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	_, err := callCtx(context.Background(), func() (int, error) {
		return 0, want
	})
	if !errors.Is(err, want) {
		t.Errorf("callCtx error = %v, want %v", err, want)
	}
}

func TestCallCtx_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := callCtx(ctx, func() (int, error) {
			<-release
			return 1, nil
		})
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("callCtx error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callCtx did not return after context cancellation")
	}
}

func TestDerefDecimal(t *testing.T) {
	if got := derefDecimal(nil); got != 0 {
		t.Errorf("derefDecimal(nil) = %v, want 0", got)
	}
	d := decimal.NewFromFloat(123.45)
	if got := derefDecimal(&d); got != 123.45 {
		t.Errorf("derefDecimal(123.45) = %v, want 123.45", got)
	}
}

func TestTranslateErr(t *testing.T) {
	if err := translateErr("op", nil); err != nil {
		t.Errorf("translateErr(nil) = %v, want nil", err)
	}

	apiErr := &alpaca.APIError{StatusCode: 403, Message: "forbidden"}
	err := translateErr("get account", apiErr)
	if err == nil {
		t.Fatal("translateErr returned nil for API error")
	}
	var mapped *APIError
	if !errors.As(err, &mapped) {
		t.Fatalf("translated error %v does not wrap *APIError", err)
	}
	if mapped.Status != 403 {
		t.Errorf("mapped status = %d, want 403", mapped.Status)
	}
	if mapped.Body != "forbidden" {
		t.Errorf("mapped body = %q, want %q", mapped.Body, "forbidden")
	}

	plain := errors.New("connection reset")
	err = translateErr("get positions", plain)
	if !errors.Is(err, plain) {
		t.Errorf("translateErr did not wrap the original error: %v", err)
	}
	if errors.As(err, &mapped) && mapped.Status == 403 {
		t.Error("plain error should not carry API status")
	}
}

func TestConvertOrder(t *testing.T) {
	if got := convertOrder(nil); got != nil {
		t.Errorf("convertOrder(nil) = %v, want nil", got)
	}

	qty := decimal.NewFromInt(10)
	avg := decimal.NewFromFloat(187.25)
	limit := decimal.NewFromFloat(188.00)
	created := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	o := convertOrder(&alpaca.Order{
		ID:             "abc-123",
		ClientOrderID:  "stamford-xyz",
		Symbol:         "AAPL",
		Side:           alpaca.Buy,
		Type:           alpaca.Limit,
		Qty:            &qty,
		FilledQty:      decimal.NewFromInt(10),
		FilledAvgPrice: &avg,
		LimitPrice:     &limit,
		Status:         "filled",
		CreatedAt:      created,
	})

	if o.ID != "abc-123" {
		t.Errorf("ID = %q, want abc-123", o.ID)
	}
	if o.ClientOrderID != "stamford-xyz" {
		t.Errorf("ClientOrderID = %q, want stamford-xyz", o.ClientOrderID)
	}
	if o.Side != "buy" || o.Type != "limit" {
		t.Errorf("side/type = %q/%q, want buy/limit", o.Side, o.Type)
	}
	if o.Qty != 10 {
		t.Errorf("Qty = %v, want 10", o.Qty)
	}
	if o.FilledQty != 10 {
		t.Errorf("FilledQty = %v, want 10", o.FilledQty)
	}
	if o.FilledAvgPx != 187.25 {
		t.Errorf("FilledAvgPx = %v, want 187.25", o.FilledAvgPx)
	}
	if o.LimitPrice != 188.00 {
		t.Errorf("LimitPrice = %v, want 188.00", o.LimitPrice)
	}
	if !o.Filled() {
		t.Error("Filled() = false for filled order")
	}
	if !o.SubmittedAt.Equal(created) {
		t.Errorf("SubmittedAt = %v, want %v", o.SubmittedAt, created)
	}
}
