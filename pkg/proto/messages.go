// Package proto defines the wire messages of the mintkey HTTP API.
package proto

import "time"

// Record is the wire form of an allocation record.
type Record struct {
	ID               string            `json:"id"`
	Fingerprint      string            `json:"fingerprint"`
	Identifier       string            `json:"identifier,omitempty"`
	OriginalFilename string            `json:"original_filename"`
	FileExtension    string            `json:"file_extension"`
	FileSize         int64             `json:"file_size"`
	MediaType        string            `json:"media_type"`
	StorageKey       string            `json:"storage_key,omitempty"`
	PublicURL        string            `json:"public_url,omitempty"`
	IdentifierLength int               `json:"identifier_length,omitempty"`
	Status           string            `json:"status"`
	AccessCount      int64             `json:"access_count"`
	AssignedAt       *time.Time        `json:"assigned_at,omitempty"`
	LastAccessedAt   *time.Time        `json:"last_accessed_at,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// AllocateRequest asks the server to bind an identifier to a fingerprint.
type AllocateRequest struct {
	Fingerprint      string            `json:"fingerprint"`       // hex SHA-512 of the content
	OriginalFilename string            `json:"original_filename"`
	FileExtension    string            `json:"file_extension"`
	FileSize         int64             `json:"file_size"`
	MediaType        string            `json:"media_type"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AllocateResponse is returned for both fresh assignments and dedup hits.
type AllocateResponse struct {
	Record  Record `json:"record"`
	Outcome string `json:"outcome"` // "assigned" or "dedup_hit"
}

// LedgerEntry is the wire form of one keyspace accounting row.
type LedgerEntry struct {
	Length     int     `json:"length"`
	Consumed   int64   `json:"consumed"`
	Capacity   int64   `json:"capacity"`
	Exhausted  bool    `json:"exhausted"`
	UsageRatio float64 `json:"usage_ratio"`
}

// StatsResponse summarizes the store.
type StatsResponse struct {
	TotalRecords   int64         `json:"total_records"`
	WithIdentifier int64         `json:"with_identifier"`
	TotalSizeBytes int64         `json:"total_size_bytes"`
	TotalSizeHuman string        `json:"total_size_human"`
	ReservedCount  int64         `json:"reserved_count"`
	Ledger         []LedgerEntry `json:"ledger"`
}

// ReservedEntry is one reserved identifier.
type ReservedEntry struct {
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ReservedListResponse lists the reserved set.
type ReservedListResponse struct {
	Reserved []ReservedEntry `json:"reserved"`
}

// AddReservedRequest adds a value to the reserved set.
type AddReservedRequest struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// OperationEntry is one operation-log fact about a record.
type OperationEntry struct {
	Kind      string         `json:"kind"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordResponse is a record plus its operation history.
type RecordResponse struct {
	Record     Record           `json:"record"`
	Operations []OperationEntry `json:"operations,omitempty"`
}

// ErrorResponse is the generic error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
