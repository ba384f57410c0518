package adapter

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/syncstore/syncstore/pkg/errors"
)

func TestMemoryAdapterCRUD(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("")

	if a.Name() != "memory" {
		t.Errorf("expected default name memory, got %s", a.Name())
	}

	value := json.RawMessage(`{"panel":"heatmap"}`)
	meta, err := a.Set(ctx, "ui/state", value, nil)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if meta.Size != int64(len(value)) {
		t.Errorf("expected size %d, got %d", len(value), meta.Size)
	}

	item, err := a.Get(ctx, "ui/state")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(item.Value) != string(value) {
		t.Errorf("expected %s, got %s", value, item.Value)
	}

	exists, err := a.Exists(ctx, "ui/state")
	if err != nil || !exists {
		t.Errorf("expected key to exist, got exists=%v err=%v", exists, err)
	}

	if err := a.Delete(ctx, "ui/state"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := a.Get(ctx, "ui/state"); !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
		t.Errorf("expected key-not-found after delete, got %v", err)
	}
}

func TestMemoryAdapterDeleteAbsentKey(t *testing.T) {
	a := NewMemoryAdapter("")
	if err := a.Delete(context.Background(), "never-set"); err != nil {
		t.Errorf("expected deleting absent key to succeed, got %v", err)
	}
}

func TestMemoryAdapterBatch(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("")

	values := map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
		"c": json.RawMessage(`3`),
	}
	if err := a.SetMultiple(ctx, values); err != nil {
		t.Fatalf("SetMultiple failed: %v", err)
	}

	items, err := a.GetMultiple(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMultiple failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items, missing keys omitted, got %d", len(items))
	}

	if err := a.DeleteMultiple(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("DeleteMultiple failed: %v", err)
	}

	keys, err := a.ListKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "c" {
		t.Errorf("expected only c to remain, got %v", keys)
	}
}

func TestMemoryAdapterListKeysSorted(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("")

	for _, key := range []string{"z/1", "a/1", "a/2", "m/1"} {
		if _, err := a.Set(ctx, key, json.RawMessage(`0`), nil); err != nil {
			t.Fatalf("Set %s failed: %v", key, err)
		}
	}

	keys, err := a.ListKeys(ctx, "a/")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"a/1", "a/2"}) {
		t.Errorf("expected sorted prefix match, got %v", keys)
	}

	all, err := a.ListKeys(ctx, "")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 keys, got %d", len(all))
	}
}

func TestMemoryAdapterClear(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("")

	_, _ = a.Set(ctx, "k", json.RawMessage(`1`), nil)
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	size, _ := a.Size(ctx)
	if size != 0 {
		t.Errorf("expected empty store after clear, got %d bytes", size)
	}
}

func TestMemoryAdapterInjectedFailures(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("flaky")
	a.SetFailing("get", true)

	if _, err := a.Get(ctx, "k"); !errors.IsCode(err, errors.ErrCodeNetworkError) {
		t.Errorf("expected injected network error, got %v", err)
	}

	a.SetFailing("get", false)
	if _, err := a.Set(ctx, "k", json.RawMessage(`1`), nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := a.Get(ctx, "k"); err != nil {
		t.Errorf("expected recovery after clearing failure, got %v", err)
	}
}

func TestMemoryAdapterStats(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("")

	_, _ = a.Set(ctx, "k", json.RawMessage(`1`), nil)
	_, _ = a.Get(ctx, "k")
	_ = a.Delete(ctx, "k")

	stats := a.Stats()
	if stats.Sets != 1 || stats.Gets != 1 || stats.Deletes != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastUsed.IsZero() {
		t.Error("expected LastUsed to be recorded")
	}
}
