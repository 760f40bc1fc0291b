package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func deliveryPayload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"type":         "settlement.executed",
		"sequence":     uint64(42),
		"settlementId": uint64(7),
		"attributes":   map[string]string{"id": "7", "seller": "bsn1seller"},
		"timestamp":    time.Unix(1767225600, 0).UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func TestVerifyRoundTrip(t *testing.T) {
	payload := deliveryPayload(t)
	signature := Sign("hook-secret", payload)

	if !strings.HasPrefix(signature, "sha256=") {
		t.Fatalf("unexpected signature format %q", signature)
	}
	if !Verify("hook-secret", payload, signature) {
		t.Fatalf("signature should verify")
	}
	if Verify("wrong-secret", payload, signature) {
		t.Fatalf("wrong secret must not verify")
	}
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] ^= 0x01
	if Verify("hook-secret", tampered, signature) {
		t.Fatalf("tampered payload must not verify")
	}
}

func TestParseDecodesEvent(t *testing.T) {
	payload := deliveryPayload(t)

	evt, err := Parse("hook-secret", payload, Sign("hook-secret", payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Type != "settlement.executed" || evt.Sequence != 42 || evt.SettlementID != 7 {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Attributes["seller"] != "bsn1seller" {
		t.Fatalf("attributes lost: %+v", evt.Attributes)
	}
	if !evt.Timestamp.Equal(time.Unix(1767225600, 0)) {
		t.Fatalf("unexpected timestamp %v", evt.Timestamp)
	}

	if _, err := Parse("hook-secret", payload, "sha256=deadbeef"); err == nil {
		t.Fatalf("expected signature mismatch error")
	}
}
