package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/pkg/types"
)

// SyncAll reconciles every fallback against the primary. Only one sync runs
// at a time; a second call while one is in flight returns the current status
// untouched.
//
// Keys missing on one side are copied over regardless of policy, that is a
// gap, not a conflict. A conflict is the same key present on both sides with
// different checksums; those are resolved per the configured policy:
//
//	latest  - newer timestamp wins, loser is overwritten
//	primary - the primary copy wins unconditionally
//	manual  - recorded for the caller, data untouched
func (c *Coordinator) SyncAll(ctx context.Context) (*types.SyncStatus, error) {
	if !c.syncRunning.CompareAndSwap(false, true) {
		c.logger.Debug("sync already running, skipping")
		status := c.Status()
		return &status, nil
	}
	defer c.syncRunning.Store(false)

	start := time.Now()
	c.logger.Info("sync started",
		zap.String("policy", string(c.cfg.ConflictResolution)),
		zap.Int("fallbacks", len(c.fallbacks)))

	var (
		syncErrs  []string
		detected  int64
		resolved  int64
		conflicts []types.Conflict
	)

	for _, fb := range c.fallbacks {
		det, res, cfls, errs := c.syncAdapter(ctx, fb)
		detected += det
		resolved += res
		conflicts = append(conflicts, cfls...)
		syncErrs = append(syncErrs, errs...)
	}

	c.statusMu.Lock()
	c.status.LastSync = time.Now()
	c.status.Errors = syncErrs
	c.status.ConflictsDetected += detected
	c.status.ConflictsResolved += resolved
	c.conflicts = append(c.conflicts, conflicts...)
	status := c.status
	status.Errors = append([]string(nil), syncErrs...)
	c.statusMu.Unlock()

	c.logger.Info("sync finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("conflicts_detected", detected),
		zap.Int64("conflicts_resolved", resolved),
		zap.Int("errors", len(syncErrs)))

	return &status, nil
}

// syncAdapter reconciles one fallback against the primary.
func (c *Coordinator) syncAdapter(ctx context.Context, fb adapter.Adapter) (detected, resolved int64, conflicts []types.Conflict, syncErrs []string) {
	primaryKeys, err := c.primary.ListKeys(ctx, "")
	if err != nil {
		syncErrs = append(syncErrs, fmt.Sprintf("%s: list primary keys: %v", fb.Name(), err))
		return
	}
	fallbackKeys, err := fb.ListKeys(ctx, "")
	if err != nil {
		syncErrs = append(syncErrs, fmt.Sprintf("%s: list fallback keys: %v", fb.Name(), err))
		return
	}

	inPrimary := make(map[string]struct{}, len(primaryKeys))
	for _, k := range primaryKeys {
		inPrimary[k] = struct{}{}
	}
	inFallback := make(map[string]struct{}, len(fallbackKeys))
	for _, k := range fallbackKeys {
		inFallback[k] = struct{}{}
	}

	// Fill gaps: primary -> fallback.
	for _, key := range primaryKeys {
		if _, ok := inFallback[key]; ok {
			continue
		}
		if err := c.copyItem(ctx, c.primary, fb, key); err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("copy %q to %s: %v", key, fb.Name(), err))
		}
	}

	// Fill gaps: fallback -> primary.
	for _, key := range fallbackKeys {
		if _, ok := inPrimary[key]; ok {
			continue
		}
		if err := c.copyItem(ctx, fb, c.primary, key); err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("copy %q to primary: %v", key, err))
		}
	}

	// Both sides have the key: compare checksums.
	for _, key := range primaryKeys {
		if _, ok := inFallback[key]; !ok {
			continue
		}

		pMeta, err := c.primary.GetMetadata(ctx, key)
		if err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("primary metadata for %q: %v", key, err))
			continue
		}
		fMeta, err := fb.GetMetadata(ctx, key)
		if err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("%s metadata for %q: %v", fb.Name(), key, err))
			continue
		}
		if pMeta.Checksum == fMeta.Checksum {
			continue
		}

		detected++
		conflict := types.Conflict{
			Key:          key,
			Adapter:      fb.Name(),
			PrimaryMeta:  *pMeta,
			FallbackMeta: *fMeta,
			DetectedAt:   time.Now(),
		}

		if err := c.resolveConflict(ctx, fb, &conflict); err != nil {
			syncErrs = append(syncErrs, fmt.Sprintf("resolve %q on %s: %v", key, fb.Name(), err))
		} else if conflict.Resolved {
			resolved++
		}
		c.metrics.RecordConflict(string(c.cfg.ConflictResolution))
		conflicts = append(conflicts, conflict)
	}

	return
}

// resolveConflict applies the configured policy to a detected conflict.
func (c *Coordinator) resolveConflict(ctx context.Context, fb adapter.Adapter, conflict *types.Conflict) error {
	switch c.cfg.ConflictResolution {
	case types.ResolveLatest:
		if conflict.FallbackMeta.Timestamp.After(conflict.PrimaryMeta.Timestamp) {
			if err := c.copyItem(ctx, fb, c.primary, conflict.Key); err != nil {
				return err
			}
			conflict.Resolved = true
			conflict.ResolutionNotes = "fallback copy was newer, primary overwritten"
			return nil
		}
		if err := c.copyItem(ctx, c.primary, fb, conflict.Key); err != nil {
			return err
		}
		conflict.Resolved = true
		conflict.ResolutionNotes = "primary copy was newer, fallback overwritten"
		return nil

	case types.ResolvePrimary:
		if err := c.copyItem(ctx, c.primary, fb, conflict.Key); err != nil {
			return err
		}
		conflict.Resolved = true
		conflict.ResolutionNotes = "primary wins"
		return nil

	case types.ResolveManual:
		conflict.ResolutionNotes = "awaiting manual resolution"
		return nil

	default:
		conflict.ResolutionNotes = fmt.Sprintf("unknown policy %q", c.cfg.ConflictResolution)
		return nil
	}
}

// copyItem transfers one item between adapters preserving its metadata.
func (c *Coordinator) copyItem(ctx context.Context, from, to adapter.Adapter, key string) error {
	item, err := from.Get(ctx, key)
	if err != nil {
		return err
	}
	meta := item.Metadata
	_, err = to.Set(ctx, key, item.Value, &meta)
	return err
}

// ResolveManually marks a manual-policy conflict resolved by copying the
// chosen side over the other. Winner is "primary" or "fallback".
func (c *Coordinator) ResolveManually(ctx context.Context, key, adapterName, winner string) error {
	var fb adapter.Adapter
	for _, a := range c.fallbacks {
		if a.Name() == adapterName {
			fb = a
			break
		}
	}
	if fb == nil {
		return fmt.Errorf("unknown fallback adapter %q", adapterName)
	}

	var err error
	switch winner {
	case "primary":
		err = c.copyItem(ctx, c.primary, fb, key)
	case "fallback":
		err = c.copyItem(ctx, fb, c.primary, key)
	default:
		return fmt.Errorf("winner must be primary or fallback, got %q", winner)
	}
	if err != nil {
		return err
	}

	c.statusMu.Lock()
	for i := range c.conflicts {
		if c.conflicts[i].Key == key && c.conflicts[i].Adapter == adapterName && !c.conflicts[i].Resolved {
			c.conflicts[i].Resolved = true
			c.conflicts[i].ResolutionNotes = fmt.Sprintf("manually resolved, %s wins", winner)
			c.status.ConflictsResolved++
		}
	}
	c.statusMu.Unlock()

	return nil
}
