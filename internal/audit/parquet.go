// Package audit writes reconciliation findings to an append-only Parquet
// journal, one file per trading date. The ledger keeps the operational copy
// of each discrepancy; the journal is the long-term record that survives
// database rotation and feeds offline analysis.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"catalyst/internal/domain"
)

// Record is the Parquet schema for a journaled discrepancy.
type Record struct {
	Kind       string `parquet:"kind"`
	Symbol     string `parquet:"symbol"`
	OrderID    string `parquet:"order_id"`
	Detail     string `parquet:"detail"`
	DetectedAt int64  `parquet:"detected_at,timestamp(millisecond)"` // Unix ms
	Resolved   bool   `parquet:"resolved"`
}

// Journal persists discrepancies to Parquet files on disk.
type Journal struct {
	DataDir string
}

// NewJournal creates a Journal rooted at the given data directory.
func NewJournal(dataDir string) *Journal {
	return &Journal{DataDir: dataDir}
}

// Append writes discrepancies to the journal, grouped by detection date.
// Re-appending the same finding is harmless: records are deduplicated on
// (kind, symbol, order id, detection time).
func (j *Journal) Append(_ context.Context, discrepancies []domain.Discrepancy) error {
	if len(discrepancies) == 0 {
		return nil
	}

	groups := make(map[string][]Record)
	for _, d := range discrepancies {
		date := d.DetectedAt.Format("2006-01-02")
		groups[date] = append(groups[date], Record{
			Kind:       string(d.Kind),
			Symbol:     d.Symbol,
			OrderID:    d.OrderID,
			Detail:     d.Detail,
			DetectedAt: d.DetectedAt.UnixMilli(),
			Resolved:   d.Resolved,
		})
	}

	for date, records := range groups {
		path := j.path(date)
		existing, _ := readParquetFile[Record](path)
		merged := mergeRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing discrepancy journal for %s: %w", date, err)
		}
	}
	return nil
}

// Read returns all journaled discrepancies for the given date, oldest
// first. A date with no journal file yields an empty result.
func (j *Journal) Read(_ context.Context, date time.Time) ([]domain.Discrepancy, error) {
	records, err := readParquetFile[Record](j.path(date.Format("2006-01-02")))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.Discrepancy, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Discrepancy{
			Kind:       domain.DiscrepancyKind(r.Kind),
			Symbol:     r.Symbol,
			OrderID:    r.OrderID,
			Detail:     r.Detail,
			DetectedAt: time.UnixMilli(r.DetectedAt),
			Resolved:   r.Resolved,
		})
	}
	return out, nil
}

// path returns the journal file for a date.
// Layout: <dataDir>/discrepancies/<YYYY-MM-DD>.parquet
func (j *Journal) path(date string) string {
	return filepath.Join(j.DataDir, "discrepancies", date+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeRecords deduplicates records by (kind, symbol, order id, detection
// time), preferring new records over existing ones. Results are sorted by
// detection time.
func mergeRecords(existing, incoming []Record) []Record {
	type key struct {
		kind    string
		symbol  string
		orderID string
		ts      int64
	}
	seen := make(map[key]Record, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Kind, r.Symbol, r.OrderID, r.DetectedAt}] = r
	}
	for _, r := range incoming {
		seen[key{r.Kind, r.Symbol, r.OrderID, r.DetectedAt}] = r
	}

	merged := make([]Record, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].DetectedAt < merged[j].DetectedAt
	})
	return merged
}
