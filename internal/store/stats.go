package store

import (
	"context"
	"fmt"
)

// Stats summarizes the store for the admin surface and the stats command.
type Stats struct {
	TotalRecords    int64
	WithIdentifier  int64
	TotalSizeBytes  int64
	ReservedCount   int64
	Ledger          []LedgerEntry
}

// CollectStats gathers record totals and per-length ledger usage.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM allocation_records WHERE status = ?`,
		StatusActive).Scan(&stats.TotalRecords, &stats.TotalSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM allocation_records WHERE identifier IS NOT NULL AND status = ?`,
		StatusActive).Scan(&stats.WithIdentifier)
	if err != nil {
		return nil, fmt.Errorf("count assigned records: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reserved_identifiers`).Scan(&stats.ReservedCount)
	if err != nil {
		return nil, fmt.Errorf("count reserved: %w", err)
	}
	ledger, err := s.LedgerEntries(ctx)
	if err != nil {
		return nil, err
	}
	stats.Ledger = ledger
	return stats, nil
}
