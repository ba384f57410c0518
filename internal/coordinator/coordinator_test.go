package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/adapter"
	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

func newTestCoordinator(t *testing.T, cfg config.CoordinatorConfig, primary *adapter.MemoryAdapter, fallbacks ...*adapter.MemoryAdapter) *Coordinator {
	t.Helper()
	fbs := make([]adapter.Adapter, len(fallbacks))
	for i, fb := range fallbacks {
		fbs[i] = fb
	}
	c, err := New(cfg, primary, fbs, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCoordinatorRequiresPrimary(t *testing.T) {
	_, err := New(config.CoordinatorConfig{}, nil, nil, nil, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestSetWritesAllAdapters(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	meta, err := c.Set(ctx, "k", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.NotNil(t, meta)

	pItem, err := primary.Get(ctx, "k")
	require.NoError(t, err)
	fItem, err := fallback.Get(ctx, "k")
	require.NoError(t, err)

	// Both adapters store the same pinned version.
	assert.Equal(t, pItem.Metadata.Version, fItem.Metadata.Version)
	assert.Equal(t, meta.Checksum, pItem.Metadata.Checksum)
}

func TestSetSucceedsWhenOnlyFallbackAccepts(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	primary.SetFailing("set", true)
	fallback := adapter.NewMemoryAdapter("fallback")
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := c.Set(ctx, "k", json.RawMessage(`1`))
	require.NoError(t, err)

	_, err = fallback.Get(ctx, "k")
	assert.NoError(t, err)
}

func TestSetFailsWhenAllAdaptersFail(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	primary.SetFailing("set", true)
	fallback := adapter.NewMemoryAdapter("fallback")
	fallback.SetFailing("set", true)
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := c.Set(ctx, "k", json.RawMessage(`1`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAllAdaptersFailed))
}

func TestGetFallsThroughAndRepairsPrimary(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	// Only the fallback has the key.
	_, err := fallback.Set(ctx, "k", json.RawMessage(`"v"`), nil)
	require.NoError(t, err)

	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"v"`, string(item.Value))

	// The background write-back lands on the primary.
	require.Eventually(t, func() bool {
		_, err := primary.Get(ctx, "k")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetNotFoundAnywhere(t *testing.T) {
	c := newTestCoordinator(t, config.CoordinatorConfig{},
		adapter.NewMemoryAdapter("primary"), adapter.NewMemoryAdapter("fallback"))

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestGetAllAdaptersFailing(t *testing.T) {
	primary := adapter.NewMemoryAdapter("primary")
	primary.SetFailing("get", true)
	fallback := adapter.NewMemoryAdapter("fallback")
	fallback.SetFailing("get", true)
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAllAdaptersFailed))
}

func TestDeleteSucceedsOnAnyAdapter(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := c.Set(ctx, "k", json.RawMessage(`1`))
	require.NoError(t, err)

	primary.SetFailing("delete", true)
	require.NoError(t, c.Delete(ctx, "k"))

	// The fallback copy is gone even though the primary delete failed.
	_, err = fallback.Get(ctx, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestValidationSizeLimit(t *testing.T) {
	c := newTestCoordinator(t, config.CoordinatorConfig{
		EnableValidation: true,
		MaxValueBytes:    8,
	}, adapter.NewMemoryAdapter("primary"))

	_, err := c.Set(context.Background(), "k", json.RawMessage(`"way too large a value"`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeQuotaExceeded))
}

func TestValidationRejectsMalformedJSON(t *testing.T) {
	c := newTestCoordinator(t, config.CoordinatorConfig{
		EnableValidation: true,
	}, adapter.NewMemoryAdapter("primary"))

	_, err := c.Set(context.Background(), "k", json.RawMessage(`{truncated`))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidationFailed))
}

func TestGetMultipleFillsGapsFromFallback(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	_, err := primary.Set(ctx, "a", json.RawMessage(`1`), nil)
	require.NoError(t, err)
	_, err = fallback.Set(ctx, "b", json.RawMessage(`2`), nil)
	require.NoError(t, err)

	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	items, err := c.GetMultiple(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "1", string(items["a"].Value))
	assert.Equal(t, "2", string(items["b"].Value))
}

func TestListKeysMergesChain(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")

	_, _ = primary.Set(ctx, "a", json.RawMessage(`1`), nil)
	_, _ = primary.Set(ctx, "b", json.RawMessage(`1`), nil)
	_, _ = fallback.Set(ctx, "b", json.RawMessage(`1`), nil)
	_, _ = fallback.Set(ctx, "c", json.RawMessage(`1`), nil)

	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	keys, err := c.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)
}

func TestMetricsTrackOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, config.CoordinatorConfig{}, adapter.NewMemoryAdapter("primary"))

	_, err := c.Set(ctx, "k", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = c.Get(ctx, "k")
	require.NoError(t, err)

	m := c.Metrics()
	assert.Equal(t, int64(2), m.TotalOps)
	assert.Equal(t, int64(2), m.SuccessOps)
	assert.NotZero(t, m.AdapterUsage["primary"])

	c.ResetMetrics()
	assert.Zero(t, c.Metrics().TotalOps)
}

func TestGetFallsThroughWhenPrimaryErrors(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := c.Set(ctx, "k", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	// A failing primary, not just a missing key, still falls through.
	primary.SetFailing("get", true)

	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(item.Value))
}

func TestWriteBackSkippedAfterClose(t *testing.T) {
	ctx := context.Background()
	primary := adapter.NewMemoryAdapter("primary")
	fallback := adapter.NewMemoryAdapter("fallback")
	c := newTestCoordinator(t, config.CoordinatorConfig{}, primary, fallback)

	_, err := fallback.Set(ctx, "k", json.RawMessage(`{"a":1}`), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	// The fallback hit would normally spawn a repair goroutine; after Close
	// it must not, and the read itself still serves.
	item, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(item.Value))

	// The primary was never repaired.
	_, err = primary.Get(ctx, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
}

func TestStartAutoSyncAfterCloseIsNoOp(t *testing.T) {
	primary := adapter.NewMemoryAdapter("primary")
	c := newTestCoordinator(t, config.CoordinatorConfig{
		EnableSync:   true,
		SyncInterval: time.Millisecond,
	}, primary)

	require.NoError(t, c.Close())
	c.StartAutoSync()
	c.StopAutoSync()
}
