package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/babylonsim/marketcore/internal/domain"
)

// archiveBatchSize bounds how many rows one archive sweep pulls per upload.
const archiveBatchSize = 10_000

// ArchiveImpl archives aged fee records and ledger entries: it queries the
// domain stores for rows older than a cutoff, serializes them to JSONL,
// uploads the result to S3, and only then deletes the archived rows from the
// primary store. Balances are unaffected; ledger deltas were applied at
// append time.
type ArchiveImpl struct {
	writer *Writer
	fees   domain.FeeStore
	ledger domain.LedgerStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer *Writer, fees domain.FeeStore, ledger domain.LedgerStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		fees:   fees,
		ledger: ledger,
		audit:  audit,
	}
}

// ArchiveFees archives all fee records older than the cutoff and removes
// them from the primary store. It returns the count of archived records.
func (a *ArchiveImpl) ArchiveFees(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batch := 0; ; batch++ {
		records, err := a.fees.ListBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fees query: %w", err)
		}
		if len(records) == 0 {
			break
		}

		buf, err := marshalJSONL(records)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fees marshal: %w", err)
		}

		path := archivePath("trading_fees", before, batch)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive fees upload: %w", err)
		}

		// Delete only up to the last archived row so nothing unarchived is
		// ever dropped.
		cutoff := records[len(records)-1].CreatedAt.Add(time.Nanosecond)
		if cutoff.After(before) {
			cutoff = before
		}
		deleted, err := a.fees.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive fees delete: %w", err)
		}
		total += deleted

		if err := a.audit.Log(ctx, "archive.trading_fees", map[string]any{
			"path":   path,
			"count":  deleted,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive fees audit log: %w", err)
		}

		if len(records) < archiveBatchSize {
			break
		}
	}
	return total, nil
}

// ArchiveLedger archives all ledger entries older than the cutoff and
// removes them from the primary store. It returns the count of archived
// entries.
func (a *ArchiveImpl) ArchiveLedger(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for batch := 0; ; batch++ {
		entries, err := a.ledger.ListBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive ledger query: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		buf, err := marshalJSONL(entries)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive ledger marshal: %w", err)
		}

		path := archivePath("ledger_entries", before, batch)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return total, fmt.Errorf("s3blob: archive ledger upload: %w", err)
		}

		cutoff := entries[len(entries)-1].CreatedAt.Add(time.Nanosecond)
		if cutoff.After(before) {
			cutoff = before
		}
		deleted, err := a.ledger.DeleteBefore(ctx, cutoff)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive ledger delete: %w", err)
		}
		total += deleted

		if err := a.audit.Log(ctx, "archive.ledger_entries", map[string]any{
			"path":   path,
			"count":  deleted,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive ledger audit log: %w", err)
		}

		if len(entries) < archiveBatchSize {
			break
		}
	}
	return total, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time with a batch suffix:
//
//	archive/trading_fees/2025-01-000.jsonl
//	archive/ledger_entries/2025-01-001.jsonl
func archivePath(kind string, before time.Time, batch int) string {
	return fmt.Sprintf("archive/%s/%s-%03d.jsonl", kind, before.Format("2006-01"), batch)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
