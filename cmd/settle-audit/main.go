package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bondsettle/config"
	"bondsettle/core/events"
	"bondsettle/core/state"
	"bondsettle/core/types"
	"bondsettle/integrations/exports"
	"bondsettle/native/settlement"
	"bondsettle/storage"
)

// eventBatchSize bounds a single journal read while paging the full log.
const eventBatchSize = 500

func main() {
	configPath := flag.String("config", "./config.toml", "path to node configuration")
	dataDir := flag.String("data", "", "data directory to audit (defaults to the configured DataDir)")
	format := flag.String("format", "csv", "settlement report format: csv, jsonl or parquet")
	out := flag.String("out", "", "settlement report destination (stdout for csv and jsonl when empty)")
	eventsOut := flag.String("events-out", "", "also export the event journal as JSONL to this file")
	flag.Parse()

	if err := run(*configPath, *dataDir, *format, *out, *eventsOut); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, format, out, eventsOut string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(dataDir) == "" {
		dataDir = cfg.DataDir
	}

	db, err := storage.OpenLevelDBReadOnly(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", dataDir, err)
	}
	defer db.Close()

	records, err := loadSettlements(db)
	if err != nil {
		return err
	}
	if err := writeSettlementReport(records, format, out); err != nil {
		return err
	}

	if strings.TrimSpace(eventsOut) != "" {
		if err := exportEvents(filepath.Join(dataDir, "events.db"), eventsOut); err != nil {
			return err
		}
	}
	return nil
}

// loadSettlements walks every settlement ever opened. Identifiers are dense
// and records are never deleted, so scanning 1..last recovers the full table.
func loadSettlements(db storage.Database) ([]*settlement.Settlement, error) {
	manager := state.NewManager(db)
	last, err := manager.SettlementLastID()
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement counter: %w", err)
	}
	records := make([]*settlement.Settlement, 0, last)
	for id := uint64(1); id <= last; id++ {
		record, ok := manager.SettlementGet(id)
		if !ok {
			return nil, fmt.Errorf("settlement %d missing from store", id)
		}
		records = append(records, record)
	}
	return records, nil
}

func writeSettlementReport(records []*settlement.Settlement, format, out string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		data, checksum, err := exports.SettlementsCSV(records)
		if err != nil {
			return err
		}
		return emitReport(data, checksum, len(records), out)
	case "jsonl":
		data, checksum, err := exports.SettlementsJSONL(records)
		if err != nil {
			return err
		}
		return emitReport(data, checksum, len(records), out)
	case "parquet":
		if strings.TrimSpace(out) == "" {
			return fmt.Errorf("parquet output requires --out")
		}
		if err := exports.WriteSettlementsParquet(out, records); err != nil {
			return err
		}
		fmt.Printf("wrote %d settlements to %s\n", len(records), out)
		return nil
	default:
		return fmt.Errorf("unknown format %q: expected csv, jsonl or parquet", format)
	}
}

// emitReport writes the report to the named file, or to stdout when no
// destination was given.
func emitReport(data []byte, checksum string, count int, out string) error {
	if strings.TrimSpace(out) == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("wrote %d settlements to %s (sha256 %s)\n", count, out, checksum)
	return nil
}

func exportEvents(journalPath, out string) error {
	journal, err := events.OpenJournalReadOnly(journalPath)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer journal.Close()

	var (
		all   []*types.Event
		after uint64
	)
	for {
		batch, err := journal.List(after, eventBatchSize)
		if err != nil {
			return fmt.Errorf("failed to read event journal: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		after = batch[len(batch)-1].Sequence
	}

	data, checksum, err := exports.EventsJSONL(all)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("wrote %d events to %s (sha256 %s)\n", len(all), out, checksum)
	return nil
}
