package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// generateCorrelationID mints the ID that ties one cycle's journal
// records together.
func generateCorrelationID() string {
	return uuid.New().String()
}

// clientOrderID derives the client order ID for one submission. The hash
// pins (cycle, symbol, side, date) so re-submissions of the same intent
// collide at the broker; the nonce keeps deliberate repeats within a
// cycle distinct. Always well under the broker's 48-char limit.
func clientOrderID(cycleID uint64, symbol, side, date string) string {
	canonical := fmt.Sprintf("%d-%s-%s-%s", cycleID, symbol, side, date)
	hash := sha256.Sum256([]byte(canonical))
	base := fmt.Sprintf("c%d-%s", cycleID, hex.EncodeToString(hash[:])[:8])

	// 4-hex nonce from crypto/rand with a time-based fallback
	nonce := make([]byte, 2)
	if _, err := rand.Read(nonce); err != nil {
		nonce[0] = byte(time.Now().UnixNano() & 0xFF)
		nonce[1] = byte((time.Now().UnixNano() >> 8) & 0xFF)
	}
	return base + "-" + hex.EncodeToString(nonce)
}
