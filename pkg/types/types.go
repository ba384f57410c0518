// Package types holds the shared data model for the syncstore engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemMetadata describes a persisted value. Every successful write recomputes
// it; it is stored atomically alongside the value as a single record.
type ItemMetadata struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
}

// StorageItem is the persisted unit: an arbitrary JSON-serializable value
// plus its metadata.
type StorageItem struct {
	Value    json.RawMessage `json:"value"`
	Metadata ItemMetadata    `json:"metadata"`
}

// StorageResult is the normalized outcome shape returned across the adapter
// boundary. Backend-specific failures (network timeout, quota exceeded,
// transaction abort) all collapse into this form.
type StorageResult struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata *ItemMetadata   `json:"metadata,omitempty"`
}

// SyncStatus is the single mutable record owned by the coordinator, updated
// only while a sync pass holds the IsRunning guard.
type SyncStatus struct {
	LastSync          time.Time `json:"last_sync"`
	IsRunning         bool      `json:"is_running"`
	Errors            []string  `json:"errors"`
	ConflictsDetected int64     `json:"conflicts_detected"`
	ConflictsResolved int64     `json:"conflicts_resolved"`
}

// StorageMetrics tracks running counters across coordinator operations.
type StorageMetrics struct {
	TotalOps     int64            `json:"total_ops"`
	SuccessOps   int64            `json:"success_ops"`
	FailedOps    int64            `json:"failed_ops"`
	AvgLatency   time.Duration    `json:"avg_latency"`
	AdapterUsage map[string]int64 `json:"adapter_usage"`
}

// HealthStatus is the result of a round-trip probe against one adapter.
type HealthStatus struct {
	Healthy        bool          `json:"healthy"`
	Latency        time.Duration `json:"latency"`
	ErrorRate      float64       `json:"error_rate"`
	AvailableSpace int64         `json:"available_space"`
	CheckedAt      time.Time     `json:"checked_at"`
	Message        string        `json:"message,omitempty"`
}

// AdapterStats tracks per-adapter usage counters.
type AdapterStats struct {
	Gets      int64     `json:"gets"`
	Sets      int64     `json:"sets"`
	Deletes   int64     `json:"deletes"`
	Errors    int64     `json:"errors"`
	Retries   int64     `json:"retries"`
	LastUsed  time.Time `json:"last_used"`
	ItemCount int64     `json:"item_count"`
	TotalSize int64     `json:"total_size"`
}

// OperationType classifies a scheduled unit of work.
type OperationType int

const (
	OpUpload OperationType = iota
	OpSync
	OpLoad
	OpAnalysis
	OpDelete
	OpClear
)

var opTypeNames = map[OperationType]string{
	OpUpload:   "UPLOAD",
	OpSync:     "SYNC",
	OpLoad:     "LOAD",
	OpAnalysis: "ANALYSIS",
	OpDelete:   "DELETE",
	OpClear:    "CLEAR",
}

// String returns the canonical name of the operation type.
func (t OperationType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseOperationType converts a canonical name back to its type.
func ParseOperationType(s string) (OperationType, error) {
	for t, name := range opTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown operation type %q", s)
}

// MarshalJSON encodes the type as its canonical name.
func (t OperationType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a canonical name.
func (t *OperationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOperationType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Operation is a queued unit of state-mutating work.
type Operation struct {
	ID           string        `json:"id"`
	Type         OperationType `json:"type"`
	Priority     int           `json:"priority"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Attempts     int           `json:"attempts"`
}

// Snapshot is an immutable capture of application state tied to the operation
// that produced it. Used for diagnostics and manual rollback, never for
// automatic recovery.
type Snapshot struct {
	ID          string          `json:"id"`
	State       json.RawMessage `json:"state"`
	Timestamp   time.Time       `json:"timestamp"`
	OperationID string          `json:"operation_id"`
}

// ConflictResolution selects how divergent values for the same key are
// reconciled across adapters during a sync pass.
type ConflictResolution string

const (
	// ResolveLatest compares metadata timestamps; the newer value wins.
	ResolveLatest ConflictResolution = "latest"
	// ResolvePrimary always favors the primary adapter's value.
	ResolvePrimary ConflictResolution = "primary"
	// ResolveManual records the conflict for external resolution; no
	// automatic write happens.
	ResolveManual ConflictResolution = "manual"
)

// Conflict records a divergence found during a sync pass under the manual
// resolution policy.
type Conflict struct {
	Key             string       `json:"key"`
	Adapter         string       `json:"adapter"`
	PrimaryMeta     ItemMetadata `json:"primary_metadata"`
	FallbackMeta    ItemMetadata `json:"fallback_metadata"`
	DetectedAt      time.Time    `json:"detected_at"`
	Resolved        bool         `json:"resolved"`
	ResolutionNotes string       `json:"resolution_notes,omitempty"`
}
