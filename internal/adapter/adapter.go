// Package adapter defines the uniform storage backend contract and its
// implementations: an S3-compatible remote store, a disk-backed key-value
// store, and a SQLite database. All three normalize backend-specific failure
// modes into the same structured error shape and share one retry helper.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/syncstore/syncstore/pkg/types"
)

// Adapter is the contract every storage backend implements. Each Set computes
// item metadata and persists it with the value as one atomic record; there is
// no separate metadata store.
type Adapter interface {
	// Name identifies the adapter in logs, metrics, and sync reports.
	Name() string

	Get(ctx context.Context, key string) (*types.StorageItem, error)
	Set(ctx context.Context, key string, value json.RawMessage, override *types.ItemMetadata) (*types.ItemMetadata, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error

	GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error)
	SetMultiple(ctx context.Context, values map[string]json.RawMessage) error
	DeleteMultiple(ctx context.Context, keys []string) error

	GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int64, error)

	HealthCheck(ctx context.Context) (*types.HealthStatus, error)
	Stats() types.AdapterStats

	Close() error
}

// ComputeMetadata builds the metadata record for a value about to be written.
// The checksum is a cheap content fingerprint, not a cryptographic digest.
// Fields set in override take precedence over computed values.
func ComputeMetadata(value json.RawMessage, override *types.ItemMetadata) types.ItemMetadata {
	now := time.Now()
	meta := types.ItemMetadata{
		Timestamp: now,
		Version:   fmt.Sprintf("v%d", now.UnixNano()),
		Size:      int64(len(value)),
		Checksum:  Checksum(value),
	}
	if override != nil {
		if !override.Timestamp.IsZero() {
			meta.Timestamp = override.Timestamp
		}
		if override.Version != "" {
			meta.Version = override.Version
		}
		meta.Compressed = override.Compressed
		meta.Encrypted = override.Encrypted
	}
	return meta
}

// Checksum returns the content fingerprint used in item metadata.
func Checksum(value []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(value))
}

// VerifyChecksum reports whether the value matches the recorded fingerprint.
// An empty recorded checksum passes (records written before checksumming).
func VerifyChecksum(value []byte, recorded string) bool {
	if recorded == "" {
		return true
	}
	return Checksum(value) == recorded
}
