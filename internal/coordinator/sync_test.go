package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/types"
)

func setWithTimestamp(t *testing.T, a *adapter.MemoryAdapter, key, value string, ts time.Time) {
	t.Helper()
	_, err := a.Set(context.Background(), key, json.RawMessage(value), &types.ItemMetadata{
		Timestamp: ts,
		Version:   "v" + ts.Format("150405.000"),
	})
	require.NoError(t, err)
}

func TestSyncAllFillsGapsBothWays(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	_, err := primary.Set(ctx, "only-primary", json.RawMessage(`1`), nil)
	require.NoError(t, err)
	_, err = fallback.Set(ctx, "only-fallback", json.RawMessage(`2`), nil)
	require.NoError(t, err)

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolveLatest,
	}, primary, fallback)

	status, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Errors)
	assert.False(t, status.LastSync.IsZero())

	_, err = fallback.Get(ctx, "only-primary")
	assert.NoError(t, err, "primary-only key should be copied to the fallback")
	_, err = primary.Get(ctx, "only-fallback")
	assert.NoError(t, err, "fallback-only key should be copied to the primary")

	// Pure gap filling, no conflicts.
	assert.Zero(t, status.ConflictsDetected)
}

func TestSyncAllLatestPolicy(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	setWithTimestamp(t, primary, "k", `"old"`, older)
	setWithTimestamp(t, fallback, "k", `"new"`, newer)

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolveLatest,
	}, primary, fallback)

	status, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.ConflictsDetected)
	assert.Equal(t, int64(1), status.ConflictsResolved)

	item, err := primary.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(item.Value), "newer fallback copy should win")
}

func TestSyncAllPrimaryPolicy(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	// Fallback copy is newer but the policy ignores timestamps.
	setWithTimestamp(t, primary, "k", `"authoritative"`, time.Now().Add(-time.Hour))
	setWithTimestamp(t, fallback, "k", `"divergent"`, time.Now())

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolvePrimary,
	}, primary, fallback)

	status, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.ConflictsResolved)

	item, err := fallback.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"authoritative"`, string(item.Value))
}

func TestSyncAllManualPolicyLeavesDataAlone(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	setWithTimestamp(t, primary, "k", `"p"`, time.Now().Add(-time.Hour))
	setWithTimestamp(t, fallback, "k", `"f"`, time.Now())

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolveManual,
	}, primary, fallback)

	status, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.ConflictsDetected)
	assert.Zero(t, status.ConflictsResolved)

	pItem, _ := primary.Get(ctx, "k")
	fItem, _ := fallback.Get(ctx, "k")
	assert.Equal(t, `"p"`, string(pItem.Value))
	assert.Equal(t, `"f"`, string(fItem.Value))

	conflicts := c.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "k", conflicts[0].Key)
	assert.False(t, conflicts[0].Resolved)
}

func TestResolveManually(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	setWithTimestamp(t, primary, "k", `"p"`, time.Now().Add(-time.Hour))
	setWithTimestamp(t, fallback, "k", `"f"`, time.Now())

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolveManual,
	}, primary, fallback)

	_, err := c.SyncAll(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ResolveManually(ctx, "k", "fallback", "fallback"))

	item, err := primary.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"f"`, string(item.Value))

	conflicts := c.Conflicts()
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Resolved)
}

func TestSyncAllRecordsAdapterErrors(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")
	fallback.SetFailing("list", true)

	c := newTestCoordinator(t, config.CoordinatorConfig{
		ConflictResolution: types.ResolveLatest,
	}, primary, fallback)

	status, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, status.Errors)
}

func TestStatusReportsRunningFlag(t *testing.T) {
	c := newTestCoordinator(t, config.CoordinatorConfig{}, adapter.NewMemoryAdapter("primary"))

	status := c.Status()
	assert.False(t, status.IsRunning)
	assert.True(t, status.LastSync.IsZero())
}
