package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"bondsettle/core/types"
	"bondsettle/native/settlement"
)

// SettlementsJSONL builds a JSON Lines export for the supplied settlement
// records and returns the serialised payload alongside a checksum.
func SettlementsJSONL(records []*settlement.Settlement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if record == nil {
			continue
		}
		payload := map[string]interface{}{
			"id":                record.ID,
			"seller":            bechAddress(record.Seller),
			"buyer":             bechAddress(record.Buyer),
			"bond_series":       hexSeries(record.Bond),
			"bond_amount":       amountString(record.BondAmount),
			"payment_amount":    amountString(record.PaymentAmount),
			"status":            record.Status.String(),
			"created_at":        timeString(record.CreatedAt),
			"expires_at":        timeString(record.ExpiresAt),
			"executed_at":       timeString(record.ExecutedAt),
			"bond_deposited":    record.BondDeposited,
			"payment_deposited": record.PaymentDeposited,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// EventsJSONL serialises journal events one per line for audit archives and
// returns the payload with a checksum.
func EventsJSONL(events []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if err := encoder.Encode(evt); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
