package coordinator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// StateSnapshotter captures and restores the stored item set so the scheduler
// can roll destructive operations back on request. The snapshot is the full
// key/item map read through the coordinator chain.
type StateSnapshotter struct {
	coord *Coordinator
}

// NewStateSnapshotter wraps a coordinator.
func NewStateSnapshotter(c *Coordinator) *StateSnapshotter {
	return &StateSnapshotter{coord: c}
}

// Capture serializes every stored item, metadata included.
func (s *StateSnapshotter) Capture(ctx context.Context) (json.RawMessage, error) {
	keys, err := s.coord.ListKeys(ctx, "")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "list keys for snapshot", err)
	}

	items, err := s.coord.GetMultiple(ctx, keys)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "read items for snapshot", err)
	}

	return json.Marshal(items)
}

// Restore writes the captured items back through every adapter, preserving
// their original metadata. Keys written after the capture are left alone.
func (s *StateSnapshotter) Restore(ctx context.Context, state json.RawMessage) error {
	var items map[string]*types.StorageItem
	if err := json.Unmarshal(state, &items); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "decode snapshot state", err)
	}

	var failures int
	for key, item := range items {
		if item == nil {
			continue
		}
		if err := s.coord.restoreItem(ctx, key, item); err != nil {
			failures++
			s.coord.logger.Warn("snapshot restore failed for key",
				zap.String("key", key), zap.Error(err))
		}
	}

	if failures > 0 && failures == len(items) {
		return errors.Newf(errors.ErrCodeAllAdaptersFailed, "snapshot restore failed for all %d items", failures)
	}
	return nil
}

// restoreItem writes an item with its recorded metadata to the primary and
// every fallback, succeeding when any adapter accepts it.
func (c *Coordinator) restoreItem(ctx context.Context, key string, item *types.StorageItem) error {
	meta := item.Metadata

	ok := false
	var lastErr error
	for _, a := range c.adapters() {
		if _, err := a.Set(ctx, key, item.Value, &meta); err != nil {
			lastErr = err
			continue
		}
		ok = true
	}
	if !ok {
		return lastErr
	}
	return nil
}
