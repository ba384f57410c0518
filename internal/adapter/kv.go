package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
	"github.com/syncstore/syncstore/pkg/types"
)

const kvIndexFile = "kv-index.json"

// KVAdapter is the local persistent key-value backend. Each item lives in its
// own file as a JSON envelope (value + metadata, one atomic record), gzipped
// when the payload crosses the compression threshold. An in-memory index is
// persisted alongside the items with an atomic tmp+rename.
type KVAdapter struct {
	mu          sync.RWMutex
	directory   string
	maxSize     int64
	currentSize int64
	index       map[string]*kvEntry
	cfg         config.KVConfig
	retryer     *retry.Retryer
	logger      *zap.Logger
	closed      bool

	statsMu sync.Mutex
	stats   types.AdapterStats
}

// kvEntry is one index record. Metadata is duplicated here so ListKeys and
// GetMetadata never touch item files.
type kvEntry struct {
	Key      string             `json:"key"`
	FilePath string             `json:"file_path"`
	Metadata types.ItemMetadata `json:"metadata"`
}

// NewKVAdapter opens (or creates) the key-value store rooted at the
// configured directory and loads its index.
func NewKVAdapter(cfg config.KVConfig, retryCfg retry.Config, logger *zap.Logger) (*KVAdapter, error) {
	if cfg.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "kv adapter requires a directory")
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageWrite, "failed to create kv directory", err)
	}

	a := &KVAdapter{
		directory: cfg.Directory,
		maxSize:   cfg.MaxSize,
		index:     make(map[string]*kvEntry),
		cfg:       cfg,
		retryer:   retry.New(retryCfg),
		logger:    logger.With(zap.String("adapter", "kv")),
	}

	if err := a.loadIndex(); err != nil {
		return nil, err
	}

	return a, nil
}

// Name implements Adapter.
func (a *KVAdapter) Name() string { return "kv" }

// Get implements Adapter.
func (a *KVAdapter) Get(ctx context.Context, key string) (*types.StorageItem, error) {
	a.mu.RLock()
	entry, ok := a.index[key]
	a.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent("kv")
	}

	var item *types.StorageItem
	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		read, err := a.readItem(entry)
		if err != nil {
			return err
		}
		item = read
		return nil
	})
	if err != nil {
		// A missing file or failed checksum means the stored copy is gone
		// for good: drop the index entry so the coordinator falls through to
		// the next adapter. Transient read failures keep the entry.
		if errors.IsCode(err, errors.ErrCodeKeyNotFound) || errors.IsCode(err, errors.ErrCodeChecksumMismatch) {
			a.mu.Lock()
			if cur, ok := a.index[key]; ok && cur == entry {
				delete(a.index, key)
				a.currentSize -= entry.Metadata.Size
			}
			a.mu.Unlock()
		}
		a.recordError()
		return nil, err
	}

	a.recordGet()
	return item, nil
}

// Set implements Adapter.
func (a *KVAdapter) Set(ctx context.Context, key string, value json.RawMessage, override *types.ItemMetadata) (*types.ItemMetadata, error) {
	meta := ComputeMetadata(value, override)
	meta.Compressed = a.cfg.Compression && int64(len(value)) >= a.cfg.CompressionThreshold

	entry := &kvEntry{
		Key:      key,
		FilePath: a.itemPath(key),
		Metadata: meta,
	}

	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return a.writeItem(entry, value)
	})
	if err != nil {
		a.recordError()
		return nil, err
	}

	a.mu.Lock()
	if old, ok := a.index[key]; ok {
		a.currentSize -= old.Metadata.Size
	}
	a.index[key] = entry
	a.currentSize += meta.Size
	saveErr := a.saveIndexLocked()
	a.mu.Unlock()

	if saveErr != nil {
		a.logger.Warn("kv index save failed", zap.Error(saveErr))
	}

	a.recordSet()
	return &meta, nil
}

// Delete implements Adapter. Deleting an absent key is not an error.
func (a *KVAdapter) Delete(ctx context.Context, key string) error {
	a.mu.Lock()
	entry, ok := a.index[key]
	if ok {
		delete(a.index, key)
		a.currentSize -= entry.Metadata.Size
	}
	saveErr := a.saveIndexLocked()
	a.mu.Unlock()

	if ok {
		if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("kv item file remove failed", zap.String("key", key), zap.Error(err))
		}
	}
	if saveErr != nil {
		a.logger.Warn("kv index save failed", zap.Error(saveErr))
	}

	a.recordDelete()
	return nil
}

// Exists implements Adapter.
func (a *KVAdapter) Exists(ctx context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.index[key]
	return ok, nil
}

// Clear implements Adapter.
func (a *KVAdapter) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range a.index {
		if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("kv item file remove failed", zap.String("key", entry.Key), zap.Error(err))
		}
	}
	a.index = make(map[string]*kvEntry)
	a.currentSize = 0
	return a.saveIndexLocked()
}

// GetMultiple implements Adapter. Missing keys are omitted.
func (a *KVAdapter) GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error) {
	result := make(map[string]*types.StorageItem, len(keys))
	for _, key := range keys {
		item, err := a.Get(ctx, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeKeyNotFound) {
				continue
			}
			return nil, err
		}
		result[key] = item
	}
	return result, nil
}

// SetMultiple implements Adapter.
func (a *KVAdapter) SetMultiple(ctx context.Context, values map[string]json.RawMessage) error {
	for key, value := range values {
		if _, err := a.Set(ctx, key, value, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMultiple implements Adapter.
func (a *KVAdapter) DeleteMultiple(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := a.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMetadata implements Adapter. Served from the index, no file I/O.
func (a *KVAdapter) GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.index[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent("kv")
	}
	meta := entry.Metadata
	return &meta, nil
}

// ListKeys implements Adapter.
func (a *KVAdapter) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]string, 0, len(a.index))
	for key := range a.index {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Adapter.
func (a *KVAdapter) Size(ctx context.Context) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentSize, nil
}

// HealthCheck implements Adapter: a write/read/delete round trip against a
// probe key plus quota headroom from the configured max size.
func (a *KVAdapter) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	start := time.Now()
	status := &types.HealthStatus{CheckedAt: start, AvailableSpace: -1}

	probeKey := fmt.Sprintf(".health/probe-%d", start.UnixNano())
	probeValue := json.RawMessage(`"ok"`)

	if _, err := a.Set(ctx, probeKey, probeValue, nil); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	if _, err := a.Get(ctx, probeKey); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	_ = a.Delete(ctx, probeKey)

	status.Healthy = true
	status.Latency = time.Since(start)
	if a.maxSize > 0 {
		a.mu.RLock()
		status.AvailableSpace = a.maxSize - a.currentSize
		a.mu.RUnlock()
	}

	a.statsMu.Lock()
	total := a.stats.Gets + a.stats.Sets + a.stats.Deletes + a.stats.Errors
	if total > 0 {
		status.ErrorRate = float64(a.stats.Errors) / float64(total)
	}
	a.statsMu.Unlock()

	return status, nil
}

// Stats implements Adapter.
func (a *KVAdapter) Stats() types.AdapterStats {
	a.statsMu.Lock()
	stats := a.stats
	a.statsMu.Unlock()

	a.mu.RLock()
	stats.ItemCount = int64(len(a.index))
	stats.TotalSize = a.currentSize
	a.mu.RUnlock()
	return stats
}

// Close implements Adapter. Persists the index one last time.
func (a *KVAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	return a.saveIndexLocked()
}

// File layout helpers

func (a *KVAdapter) itemPath(key string) string {
	return filepath.Join(a.directory, fmt.Sprintf("%016x.item", xxhash.Sum64String(key)))
}

func (a *KVAdapter) writeItem(entry *kvEntry, value json.RawMessage) error {
	envelope := types.StorageItem{Value: value, Metadata: entry.Metadata}
	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to encode item", err)
	}

	if entry.Metadata.Compressed {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "failed to compress item", err)
		}
		if err := gz.Close(); err != nil {
			return errors.Wrap(errors.ErrCodeStorageWrite, "failed to compress item", err)
		}
		data = buf.Bytes()
	}

	tmpPath := entry.FilePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to write item file", err).WithRetryable(true)
	}
	if err := os.Rename(tmpPath, entry.FilePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to commit item file", err).WithRetryable(true)
	}
	return nil
}

func (a *KVAdapter) readItem(entry *kvEntry) (*types.StorageItem, error) {
	file, err := os.Open(entry.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeKeyNotFound, "item file missing for %q", entry.Key).WithComponent("kv")
		}
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to open item file", err).WithRetryable(true)
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if entry.Metadata.Compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to decompress item", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to read item file", err).WithRetryable(true)
	}

	var item types.StorageItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "failed to decode item", err)
	}

	if !VerifyChecksum(item.Value, item.Metadata.Checksum) {
		return nil, errors.Newf(errors.ErrCodeChecksumMismatch, "checksum mismatch for %q", entry.Key).WithComponent("kv")
	}

	return &item, nil
}

// Index persistence

func (a *KVAdapter) loadIndex() error {
	indexPath := filepath.Join(a.directory, kvIndexFile)

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh store
		}
		return errors.Wrap(errors.ErrCodeStorageRead, "failed to open kv index", err)
	}
	defer func() { _ = file.Close() }()

	var entries map[string]*kvEntry
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return errors.Wrap(errors.ErrCodeStorageRead, "failed to decode kv index", err)
	}

	a.currentSize = 0
	for key, entry := range entries {
		// Entries whose item file disappeared are dropped.
		if _, err := os.Stat(entry.FilePath); os.IsNotExist(err) {
			continue
		}
		a.index[key] = entry
		a.currentSize += entry.Metadata.Size
	}

	return nil
}

func (a *KVAdapter) saveIndexLocked() error {
	indexPath := filepath.Join(a.directory, kvIndexFile)
	tmpPath := indexPath + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to create kv index", err)
	}

	if err := json.NewEncoder(file).Encode(a.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to encode kv index", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to close kv index", err)
	}

	return os.Rename(tmpPath, indexPath)
}

func (a *KVAdapter) recordGet() {
	a.statsMu.Lock()
	a.stats.Gets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *KVAdapter) recordSet() {
	a.statsMu.Lock()
	a.stats.Sets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *KVAdapter) recordDelete() {
	a.statsMu.Lock()
	a.stats.Deletes++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *KVAdapter) recordError() {
	a.statsMu.Lock()
	a.stats.Errors++
	a.statsMu.Unlock()
}
