package adapter

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// MemoryAdapter is a mutex-guarded in-memory backend. It serves as a fast
// tier in front of the durable adapters and as the standard test double.
type MemoryAdapter struct {
	mu    sync.RWMutex
	name  string
	items map[string]*types.StorageItem

	statsMu sync.Mutex
	stats   types.AdapterStats

	// FailOps forces errors for the named operations ("get", "set",
	// "delete", "list"); used to exercise fallback and sync paths in tests.
	FailOps map[string]bool
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter(name string) *MemoryAdapter {
	if name == "" {
		name = "memory"
	}
	return &MemoryAdapter{
		name:    name,
		items:   make(map[string]*types.StorageItem),
		FailOps: make(map[string]bool),
	}
}

// Name implements Adapter.
func (m *MemoryAdapter) Name() string { return m.name }

func (m *MemoryAdapter) failing(op string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FailOps[op]
}

// SetFailing toggles forced failure for an operation.
func (m *MemoryAdapter) SetFailing(op string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailOps[op] = fail
}

// Get implements Adapter.
func (m *MemoryAdapter) Get(ctx context.Context, key string) (*types.StorageItem, error) {
	if m.failing("get") {
		m.recordError()
		return nil, errors.Newf(errors.ErrCodeNetworkError, "adapter %s unavailable", m.name).WithComponent(m.name)
	}

	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent(m.name)
	}

	m.recordGet()
	copied := *item
	return &copied, nil
}

// Set implements Adapter.
func (m *MemoryAdapter) Set(ctx context.Context, key string, value json.RawMessage, override *types.ItemMetadata) (*types.ItemMetadata, error) {
	if m.failing("set") {
		m.recordError()
		return nil, errors.Newf(errors.ErrCodeNetworkError, "adapter %s unavailable", m.name).WithComponent(m.name)
	}

	meta := ComputeMetadata(value, override)

	m.mu.Lock()
	m.items[key] = &types.StorageItem{Value: append(json.RawMessage(nil), value...), Metadata: meta}
	m.mu.Unlock()

	m.recordSet()
	return &meta, nil
}

// Delete implements Adapter.
func (m *MemoryAdapter) Delete(ctx context.Context, key string) error {
	if m.failing("delete") {
		m.recordError()
		return errors.Newf(errors.ErrCodeNetworkError, "adapter %s unavailable", m.name).WithComponent(m.name)
	}

	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()

	m.recordDelete()
	return nil
}

// Exists implements Adapter.
func (m *MemoryAdapter) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[key]
	return ok, nil
}

// Clear implements Adapter.
func (m *MemoryAdapter) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]*types.StorageItem)
	m.mu.Unlock()
	return nil
}

// GetMultiple implements Adapter. Missing keys are omitted from the result.
func (m *MemoryAdapter) GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error) {
	if m.failing("get") {
		m.recordError()
		return nil, errors.Newf(errors.ErrCodeNetworkError, "adapter %s unavailable", m.name).WithComponent(m.name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*types.StorageItem, len(keys))
	for _, key := range keys {
		if item, ok := m.items[key]; ok {
			copied := *item
			result[key] = &copied
		}
	}
	return result, nil
}

// SetMultiple implements Adapter.
func (m *MemoryAdapter) SetMultiple(ctx context.Context, values map[string]json.RawMessage) error {
	for key, value := range values {
		if _, err := m.Set(ctx, key, value, nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMultiple implements Adapter.
func (m *MemoryAdapter) DeleteMultiple(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetMetadata implements Adapter.
func (m *MemoryAdapter) GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent(m.name)
	}
	meta := item.Metadata
	return &meta, nil
}

// ListKeys implements Adapter. Keys are returned sorted for deterministic
// sync passes.
func (m *MemoryAdapter) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if m.failing("list") {
		m.recordError()
		return nil, errors.Newf(errors.ErrCodeNetworkError, "adapter %s unavailable", m.name).WithComponent(m.name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Adapter.
func (m *MemoryAdapter) Size(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, item := range m.items {
		total += item.Metadata.Size
	}
	return total, nil
}

// HealthCheck implements Adapter.
func (m *MemoryAdapter) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	start := time.Now()
	healthy := !m.failing("get") && !m.failing("set")

	return &types.HealthStatus{
		Healthy:        healthy,
		Latency:        time.Since(start),
		AvailableSpace: -1, // memory tier has no meaningful quota
		CheckedAt:      time.Now(),
	}, nil
}

// Stats implements Adapter.
func (m *MemoryAdapter) Stats() types.AdapterStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	stats := m.stats
	m.mu.RLock()
	stats.ItemCount = int64(len(m.items))
	for _, item := range m.items {
		stats.TotalSize += item.Metadata.Size
	}
	m.mu.RUnlock()
	return stats
}

// Close implements Adapter.
func (m *MemoryAdapter) Close() error { return nil }

func (m *MemoryAdapter) recordGet() {
	m.statsMu.Lock()
	m.stats.Gets++
	m.stats.LastUsed = time.Now()
	m.statsMu.Unlock()
}

func (m *MemoryAdapter) recordSet() {
	m.statsMu.Lock()
	m.stats.Sets++
	m.stats.LastUsed = time.Now()
	m.statsMu.Unlock()
}

func (m *MemoryAdapter) recordDelete() {
	m.statsMu.Lock()
	m.stats.Deletes++
	m.stats.LastUsed = time.Now()
	m.statsMu.Unlock()
}

func (m *MemoryAdapter) recordError() {
	m.statsMu.Lock()
	m.stats.Errors++
	m.statsMu.Unlock()
}
