package server

import (
	"github.com/mintkey/mintkey/internal/store"
	"github.com/mintkey/mintkey/pkg/bytesize"
	"github.com/mintkey/mintkey/pkg/proto"
)

func recordToProto(rec *store.AllocationRecord) proto.Record {
	return proto.Record{
		ID:               rec.ID,
		Fingerprint:      rec.Fingerprint,
		Identifier:       rec.Identifier,
		OriginalFilename: rec.OriginalFilename,
		FileExtension:    rec.FileExtension,
		FileSize:         rec.FileSize,
		MediaType:        rec.MediaType,
		StorageKey:       rec.StorageKey,
		PublicURL:        rec.PublicURL,
		IdentifierLength: rec.IdentifierLength,
		Status:           string(rec.Status),
		AccessCount:      rec.AccessCount,
		AssignedAt:       rec.AssignedAt,
		LastAccessedAt:   rec.LastAccessedAt,
		Metadata:         rec.Metadata,
		CreatedAt:        rec.CreatedAt,
	}
}

func statsToProto(stats *store.Stats) proto.StatsResponse {
	resp := proto.StatsResponse{
		TotalRecords:   stats.TotalRecords,
		WithIdentifier: stats.WithIdentifier,
		TotalSizeBytes: stats.TotalSizeBytes,
		TotalSizeHuman: bytesize.Format(stats.TotalSizeBytes),
		ReservedCount:  stats.ReservedCount,
	}
	for _, e := range stats.Ledger {
		resp.Ledger = append(resp.Ledger, proto.LedgerEntry{
			Length:     e.Length,
			Consumed:   e.Consumed,
			Capacity:   e.Capacity,
			Exhausted:  e.Exhausted,
			UsageRatio: e.UsageRatio(),
		})
	}
	return resp
}
