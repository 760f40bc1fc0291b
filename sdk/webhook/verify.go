// Package webhook verifies and decodes settlement gateway deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// SignatureHeader carries the HMAC of the delivery body.
	SignatureHeader = "X-BSN-Signature"
	// DeliveryHeader carries a unique id per delivery attempt.
	DeliveryHeader = "X-BSN-Delivery"
)

// Event is one settlement lifecycle notification as delivered to a webhook
// endpoint.
type Event struct {
	Type         string            `json:"type"`
	Sequence     uint64            `json:"sequence"`
	SettlementID uint64            `json:"settlementId"`
	Attributes   map[string]string `json:"attributes"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sign computes the signature the gateway attaches to a delivery body.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the signature matches the payload under the shared
// secret. The comparison is constant time.
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// Parse verifies the signature and decodes the delivery body. Consumers
// should read the raw request body and pass it here untouched; re-encoding
// JSON invalidates the signature.
func Parse(secret string, payload []byte, signature string) (*Event, error) {
	if !Verify(secret, payload, signature) {
		return nil, fmt.Errorf("webhook signature mismatch")
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return &evt, nil
}
