package adapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
)

func newTestSQLiteAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	cfg := config.SQLiteConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "test.db"),
	}
	a, err := NewSQLiteAdapter(cfg, retry.DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteAdapter failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSQLiteAdapterRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLiteAdapter(t)

	value := json.RawMessage(`{"analysis":"funnel","steps":4}`)
	meta, err := a.Set(ctx, "analyses/funnel", value, nil)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	item, err := a.Get(ctx, "analyses/funnel")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.Value) != string(value) {
		t.Errorf("expected %s, got %s", value, item.Value)
	}
	if item.Metadata.Version != meta.Version {
		t.Errorf("expected version %s, got %s", meta.Version, item.Metadata.Version)
	}
}

func TestSQLiteAdapterUpsert(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLiteAdapter(t)

	first, err := a.Set(ctx, "k", json.RawMessage(`1`), nil)
	if err != nil {
		t.Fatalf("first Set failed: %v", err)
	}
	second, err := a.Set(ctx, "k", json.RawMessage(`2`), nil)
	if err != nil {
		t.Fatalf("second Set failed: %v", err)
	}
	if first.Version == second.Version {
		t.Error("expected a new version on overwrite")
	}

	item, err := a.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.Value) != "2" {
		t.Errorf("expected latest value 2, got %s", item.Value)
	}
}

func TestSQLiteAdapterMissingKey(t *testing.T) {
	a := newTestSQLiteAdapter(t)

	_, err := a.Get(context.Background(), "missing")
	if !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
		t.Errorf("expected key-not-found, got %v", err)
	}

	_, err = a.GetMetadata(context.Background(), "missing")
	if !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
		t.Errorf("expected key-not-found from GetMetadata, got %v", err)
	}
}

func TestSQLiteAdapterBatch(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLiteAdapter(t)

	values := map[string]json.RawMessage{
		"batch/a": json.RawMessage(`"a"`),
		"batch/b": json.RawMessage(`"b"`),
		"batch/c": json.RawMessage(`"c"`),
	}
	if err := a.SetMultiple(ctx, values); err != nil {
		t.Fatalf("SetMultiple failed: %v", err)
	}

	items, err := a.GetMultiple(ctx, []string{"batch/a", "batch/c", "batch/missing"})
	if err != nil {
		t.Fatalf("GetMultiple failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}

	if err := a.DeleteMultiple(ctx, []string{"batch/a", "batch/b", "batch/c"}); err != nil {
		t.Fatalf("DeleteMultiple failed: %v", err)
	}

	keys, err := a.ListKeys(ctx, "batch/")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys after batch delete, got %v", keys)
	}
}

func TestSQLiteAdapterListKeysPrefix(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLiteAdapter(t)

	for _, key := range []string{"p/1", "p/2", "q/1"} {
		if _, err := a.Set(ctx, key, json.RawMessage(`0`), nil); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	keys, err := a.ListKeys(ctx, "p/")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "p/1" || keys[1] != "p/2" {
		t.Errorf("expected sorted p/ keys, got %v", keys)
	}
}

func TestSQLiteAdapterClearAndSize(t *testing.T) {
	ctx := context.Background()
	a := newTestSQLiteAdapter(t)

	_, _ = a.Set(ctx, "x", json.RawMessage(`"abc"`), nil)
	_, _ = a.Set(ctx, "y", json.RawMessage(`"def"`), nil)

	size, err := a.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 10 {
		t.Errorf("expected 10 bytes total, got %d", size)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	size, _ = a.Size(ctx)
	if size != 0 {
		t.Errorf("expected 0 bytes after clear, got %d", size)
	}
}

func TestSQLiteAdapterHealthCheck(t *testing.T) {
	a := newTestSQLiteAdapter(t)

	status, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if !status.Healthy {
		t.Errorf("expected healthy adapter, got message %q", status.Message)
	}
	if status.Latency <= 0 {
		t.Error("expected positive probe latency")
	}
}
