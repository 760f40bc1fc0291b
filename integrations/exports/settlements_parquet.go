package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bondsettle/native/settlement"
)

type parquetSettlement struct {
	ID               int64  `parquet:"name=id, type=INT64"`
	Seller           string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer            string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	BondSeries       string `parquet:"name=bond_series, type=BYTE_ARRAY, convertedtype=UTF8"`
	BondAmount       string `parquet:"name=bond_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaymentAmount    string `parquet:"name=payment_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt        string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt        string `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExecutedAt       string `parquet:"name=executed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	BondDeposited    bool   `parquet:"name=bond_deposited, type=BOOLEAN"`
	PaymentDeposited bool   `parquet:"name=payment_deposited, type=BOOLEAN"`
}

// WriteSettlementsParquet writes the settlement records as a SNAPPY-compressed
// Parquet file at the supplied path.
func WriteSettlementsParquet(path string, records []*settlement.Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetSettlement), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if record == nil {
			continue
		}
		row := &parquetSettlement{
			ID:               int64(record.ID),
			Seller:           bechAddress(record.Seller),
			Buyer:            bechAddress(record.Buyer),
			BondSeries:       hexSeries(record.Bond),
			BondAmount:       amountString(record.BondAmount),
			PaymentAmount:    amountString(record.PaymentAmount),
			Status:           record.Status.String(),
			CreatedAt:        timeString(record.CreatedAt),
			ExpiresAt:        timeString(record.ExpiresAt),
			ExecutedAt:       timeString(record.ExecutedAt),
			BondDeposited:    record.BondDeposited,
			PaymentDeposited: record.PaymentDeposited,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
