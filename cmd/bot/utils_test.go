package main

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"long id truncated", "0123456789abcdef", "01234567"},
		{"exactly eight", "01234567", "01234567"},
		{"short id unchanged", "abc", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shortID(tt.id); got != tt.want {
				t.Errorf("shortID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestGenerateCorrelationID(t *testing.T) {
	id := generateCorrelationID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("correlation ID %q is not a UUID: %v", id, err)
	}
	if id == generateCorrelationID() {
		t.Error("correlation IDs should not repeat")
	}
}

func TestClientOrderID_Format(t *testing.T) {
	id := clientOrderID(7, "NVDA", "buy", "2025-11-07")
	if !strings.HasPrefix(id, "c7-") {
		t.Errorf("id %q should carry the cycle prefix", id)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		t.Fatalf("id %q should have three segments, got %d", id, len(parts))
	}
	if len(parts[1]) != 8 {
		t.Errorf("hash segment %q should be 8 hex chars", parts[1])
	}
	if len(parts[2]) != 4 {
		t.Errorf("nonce segment %q should be 4 hex chars", parts[2])
	}
	if len(id) > 48 {
		t.Errorf("id %q exceeds the 48 character broker limit", id)
	}
}

func TestClientOrderID_HashPinsIntent(t *testing.T) {
	base := func(s string) string { return s[:strings.LastIndex(s, "-")] }

	a := clientOrderID(7, "NVDA", "buy", "2025-11-07")
	if base(a) != base(clientOrderID(7, "NVDA", "buy", "2025-11-07")) {
		t.Errorf("same intent should share a hash base, got %q", a)
	}
	if base(a) == base(clientOrderID(7, "NVDA", "sell", "2025-11-07")) {
		t.Error("different side should change the hash")
	}
	if base(a) == base(clientOrderID(8, "NVDA", "buy", "2025-11-07")) {
		t.Error("different cycle should change the hash")
	}
	if base(a) == base(clientOrderID(7, "NVDA", "buy", "2025-11-08")) {
		t.Error("different date should change the hash")
	}

	distinct := false
	for i := 0; i < 5; i++ {
		if clientOrderID(7, "NVDA", "buy", "2025-11-07") != a {
			distinct = true
			break
		}
	}
	if !distinct {
		t.Error("nonce should keep repeated submissions distinct")
	}
}

func TestClientOrderID_LargeCycleStaysWithinLimit(t *testing.T) {
	id := clientOrderID(18446744073709551615, "GOOGL", "sell", "2025-12-31")
	if len(id) > 48 {
		t.Errorf("id %q exceeds the 48 character broker limit", id)
	}
}
