// Package coordinator routes storage operations across a primary adapter and
// an ordered list of fallbacks. Reads fall through the chain and repair the
// primary in the background; writes go to every adapter in parallel and
// succeed when any of them lands.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// writeBackTimeout bounds a background repair write.
const writeBackTimeout = 30 * time.Second

// Coordinator is the storage routing layer.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	primary   adapter.Adapter
	fallbacks []adapter.Adapter
	validator *Validator
	metrics   *metrics.Collector
	logger    *zap.Logger

	syncRunning atomic.Bool

	statusMu  sync.Mutex
	status    types.SyncStatus
	conflicts []types.Conflict

	// lifecycleMu guards autoStop and closed so background goroutines are
	// never spawned while Close is draining the wait group.
	lifecycleMu sync.Mutex
	autoStop    context.CancelFunc
	closed      bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires a coordinator. The primary adapter is required; fallbacks may be
// empty.
func New(cfg config.CoordinatorConfig, primary adapter.Adapter, fallbacks []adapter.Adapter, collector *metrics.Collector, logger *zap.Logger) (*Coordinator, error) {
	if primary == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "coordinator requires a primary adapter")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		var err error
		collector, err = metrics.NewCollector(metrics.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	c := &Coordinator{
		cfg:       cfg,
		primary:   primary,
		fallbacks: fallbacks,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "coordinator")),
	}

	if cfg.EnableValidation {
		v, err := NewValidator(cfg)
		if err != nil {
			return nil, err
		}
		c.validator = v
	}

	return c, nil
}

// adapters returns the primary followed by the fallbacks.
func (c *Coordinator) adapters() []adapter.Adapter {
	out := make([]adapter.Adapter, 0, 1+len(c.fallbacks))
	out = append(out, c.primary)
	return append(out, c.fallbacks...)
}

// Get reads a key, falling through the adapter chain. A hit on a fallback
// triggers an asynchronous write-back to the primary so the next read is
// served there.
func (c *Coordinator) Get(ctx context.Context, key string) (*types.StorageItem, error) {
	start := time.Now()

	var (
		failures []error
		missing  = 0
	)
	for i, a := range c.adapters() {
		item, err := a.Get(ctx, key)
		if err == nil {
			c.metrics.RecordAdapterUse(a.Name())
			c.metrics.RecordOperation("get", true, time.Since(start))
			if i > 0 {
				c.writeBack(key, item)
			}
			return item, nil
		}
		if errors.IsCode(err, errors.ErrCodeKeyNotFound) {
			missing++
			continue
		}
		c.logger.Warn("adapter read failed",
			zap.String("adapter", a.Name()),
			zap.String("key", key),
			zap.Error(err))
		failures = append(failures, fmt.Errorf("%s: %w", a.Name(), err))
	}

	c.metrics.RecordOperation("get", false, time.Since(start))

	if len(failures) == 0 {
		return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found in any adapter", key)
	}
	return nil, errors.Newf(errors.ErrCodeAllAdaptersFailed, "get %q failed on all adapters: %v", key, failures)
}

// writeBack repairs the primary copy in the background. The item keeps its
// original metadata so versions stay consistent across adapters.
func (c *Coordinator) writeBack(key string, item *types.StorageItem) {
	meta := item.Metadata
	value := item.Value

	c.lifecycleMu.Lock()
	if c.closed {
		c.lifecycleMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.lifecycleMu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()

		if _, err := c.primary.Set(ctx, key, value, &meta); err != nil {
			c.logger.Warn("write-back to primary failed",
				zap.String("key", key),
				zap.Error(err))
			return
		}
		c.logger.Debug("repaired primary from fallback", zap.String("key", key))
	}()
}

// Set validates and writes the value to every adapter in parallel. The write
// succeeds when the primary or any fallback accepts it; adapters that failed
// are left to the next sync pass.
func (c *Coordinator) Set(ctx context.Context, key string, value json.RawMessage) (*types.ItemMetadata, error) {
	start := time.Now()

	if c.validator != nil {
		if err := c.validator.Validate(value); err != nil {
			c.metrics.RecordOperation("set", false, time.Since(start))
			return nil, err
		}
	}

	// Pin the metadata up front so every adapter stores the same version.
	meta := adapter.ComputeMetadata(value, nil)

	all := c.adapters()
	results := make([]error, len(all))

	var wg sync.WaitGroup
	for i, a := range all {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			_, err := a.Set(ctx, key, value, &meta)
			results[i] = err
		}(i, a)
	}
	wg.Wait()

	var failures []error
	ok := false
	for i, err := range results {
		if err == nil {
			ok = true
			c.metrics.RecordAdapterUse(all[i].Name())
			continue
		}
		c.logger.Warn("adapter write failed",
			zap.String("adapter", all[i].Name()),
			zap.String("key", key),
			zap.Error(err))
		failures = append(failures, fmt.Errorf("%s: %w", all[i].Name(), err))
	}

	c.metrics.RecordOperation("set", ok, time.Since(start))
	if !ok {
		return nil, errors.Newf(errors.ErrCodeAllAdaptersFailed, "set %q failed on all adapters: %v", key, failures)
	}
	return &meta, nil
}

// Delete removes the key from every adapter in parallel. Succeeds when any
// adapter confirms the delete.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	start := time.Now()

	all := c.adapters()
	results := make([]error, len(all))

	var wg sync.WaitGroup
	for i, a := range all {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			results[i] = a.Delete(ctx, key)
		}(i, a)
	}
	wg.Wait()

	var failures []error
	ok := false
	for i, err := range results {
		if err == nil {
			ok = true
			continue
		}
		failures = append(failures, fmt.Errorf("%s: %w", all[i].Name(), err))
	}

	c.metrics.RecordOperation("delete", ok, time.Since(start))
	if !ok {
		return errors.Newf(errors.ErrCodeAllAdaptersFailed, "delete %q failed on all adapters: %v", key, failures)
	}
	return nil
}

// Exists checks the chain in order.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	var lastErr error
	for _, a := range c.adapters() {
		found, err := a.Exists(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// Clear wipes every adapter. Unlike Set and Delete, a partial clear is
// reported as an error since it leaves ghost data behind.
func (c *Coordinator) Clear(ctx context.Context) error {
	start := time.Now()

	var failures []error
	for _, a := range c.adapters() {
		if err := a.Clear(ctx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}

	ok := len(failures) == 0
	c.metrics.RecordOperation("clear", ok, time.Since(start))
	if !ok {
		return errors.Newf(errors.ErrCodeStorageWrite, "clear incomplete: %v", failures)
	}
	return nil
}

// GetMultiple batch-reads from the primary, then fills the gaps from the
// fallback chain key by key. Keys found nowhere are omitted.
func (c *Coordinator) GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error) {
	start := time.Now()

	result, err := c.primary.GetMultiple(ctx, keys)
	if err != nil {
		c.logger.Warn("primary batch read failed", zap.Error(err))
		result = make(map[string]*types.StorageItem, len(keys))
	}

	for _, key := range keys {
		if _, ok := result[key]; ok {
			continue
		}
		for _, a := range c.fallbacks {
			item, err := a.Get(ctx, key)
			if err != nil {
				continue
			}
			result[key] = item
			c.writeBack(key, item)
			break
		}
	}

	c.metrics.RecordOperation("get_batch", true, time.Since(start))
	return result, nil
}

// SetMultiple batch-writes to every adapter in parallel with the same
// success-if-any semantics as Set.
func (c *Coordinator) SetMultiple(ctx context.Context, values map[string]json.RawMessage) error {
	start := time.Now()

	if c.validator != nil {
		for key, value := range values {
			if err := c.validator.Validate(value); err != nil {
				c.metrics.RecordOperation("set_batch", false, time.Since(start))
				return errors.Wrap(errors.ErrCodeValidationFailed, fmt.Sprintf("value for %q", key), err)
			}
		}
	}

	all := c.adapters()
	results := make([]error, len(all))

	var wg sync.WaitGroup
	for i, a := range all {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			results[i] = a.SetMultiple(ctx, values)
		}(i, a)
	}
	wg.Wait()

	var failures []error
	ok := false
	for i, err := range results {
		if err == nil {
			ok = true
			continue
		}
		failures = append(failures, fmt.Errorf("%s: %w", all[i].Name(), err))
	}

	c.metrics.RecordOperation("set_batch", ok, time.Since(start))
	if !ok {
		return errors.Newf(errors.ErrCodeAllAdaptersFailed, "batch set failed on all adapters: %v", failures)
	}
	return nil
}

// DeleteMultiple removes keys from every adapter in parallel.
func (c *Coordinator) DeleteMultiple(ctx context.Context, keys []string) error {
	start := time.Now()

	all := c.adapters()
	results := make([]error, len(all))

	var wg sync.WaitGroup
	for i, a := range all {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			results[i] = a.DeleteMultiple(ctx, keys)
		}(i, a)
	}
	wg.Wait()

	var failures []error
	ok := false
	for i, err := range results {
		if err == nil {
			ok = true
			continue
		}
		failures = append(failures, fmt.Errorf("%s: %w", all[i].Name(), err))
	}

	c.metrics.RecordOperation("delete_batch", ok, time.Since(start))
	if !ok {
		return errors.Newf(errors.ErrCodeAllAdaptersFailed, "batch delete failed on all adapters: %v", failures)
	}
	return nil
}

// GetMetadata reads metadata from the chain without transferring values.
func (c *Coordinator) GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error) {
	var lastErr error
	for _, a := range c.adapters() {
		meta, err := a.GetMetadata(ctx, key)
		if err == nil {
			return meta, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ListKeys merges key listings across the chain, deduplicated.
func (c *Coordinator) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var merged []string
	var lastErr error

	for _, a := range c.adapters() {
		keys, err := a.ListKeys(ctx, prefix)
		if err != nil {
			lastErr = err
			continue
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key)
		}
	}

	if merged == nil && lastErr != nil {
		return nil, lastErr
	}
	return merged, nil
}

// Metrics returns the accumulated operation counters.
func (c *Coordinator) Metrics() types.StorageMetrics {
	return c.metrics.Snapshot()
}

// ResetMetrics zeroes the in-process counters.
func (c *Coordinator) ResetMetrics() {
	c.metrics.Reset()
}

// Status returns the latest sync status.
func (c *Coordinator) Status() types.SyncStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	out := c.status
	out.IsRunning = c.syncRunning.Load()
	out.Errors = append([]string(nil), c.status.Errors...)
	return out
}

// Conflicts returns all conflicts recorded since startup.
func (c *Coordinator) Conflicts() []types.Conflict {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return append([]types.Conflict(nil), c.conflicts...)
}

// StartAutoSync launches a periodic SyncAll loop when sync is enabled.
func (c *Coordinator) StartAutoSync() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.cfg.EnableSync || c.cfg.SyncInterval <= 0 || c.autoStop != nil || c.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.autoStop = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.SyncAll(ctx); err != nil {
					c.logger.Warn("periodic sync failed", zap.Error(err))
				}
			}
		}
	}()

	c.logger.Info("auto sync started", zap.Duration("interval", c.cfg.SyncInterval))
}

// StopAutoSync stops the periodic sync loop.
func (c *Coordinator) StopAutoSync() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopAutoSyncLocked()
}

func (c *Coordinator) stopAutoSyncLocked() {
	if c.autoStop != nil {
		c.autoStop()
		c.autoStop = nil
	}
}

// Close stops background work and closes every adapter.
func (c *Coordinator) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		c.lifecycleMu.Lock()
		c.closed = true
		c.stopAutoSyncLocked()
		c.lifecycleMu.Unlock()

		c.wg.Wait()

		for _, a := range c.adapters() {
			if err := a.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
