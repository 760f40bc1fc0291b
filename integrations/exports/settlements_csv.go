package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"

	"bondsettle/native/settlement"
)

// SettlementsCSV builds a CSV export for the supplied settlement records and
// returns the serialised data alongside a SHA-256 checksum of the payload.
func SettlementsCSV(records []*settlement.Settlement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"id", "seller", "buyer", "bond_series", "bond_amount", "payment_amount", "status", "created_at", "expires_at", "executed_at", "bond_deposited", "payment_deposited"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		if record == nil {
			continue
		}
		row := []string{
			fmt.Sprintf("%d", record.ID),
			bechAddress(record.Seller),
			bechAddress(record.Buyer),
			hexSeries(record.Bond),
			amountString(record.BondAmount),
			amountString(record.PaymentAmount),
			record.Status.String(),
			timeString(record.CreatedAt),
			timeString(record.ExpiresAt),
			timeString(record.ExecutedAt),
			boolString(record.BondDeposited),
			boolString(record.PaymentDeposited),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
