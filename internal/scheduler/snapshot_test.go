package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

func TestSnapshotStoreEvictsOldest(t *testing.T) {
	s := NewSnapshotStore(3)

	var ids []string
	for i := 0; i < 5; i++ {
		snap := s.Save(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), fmt.Sprintf("op-%d", i))
		ids = append(ids, snap.ID)
	}

	assert.Equal(t, 3, s.Len())

	// The two oldest fell off.
	_, err := s.Get(ids[0])
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))
	_, err = s.Get(ids[1])
	assert.True(t, errors.IsCode(err, errors.ErrCodeKeyNotFound))

	snap, err := s.Get(ids[4])
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":4}`, string(snap.State))
}

func TestSnapshotStoreLatest(t *testing.T) {
	s := NewSnapshotStore(10)
	assert.Nil(t, s.Latest())

	s.Save(json.RawMessage(`1`), "op-a")
	s.Save(json.RawMessage(`2`), "op-b")

	latest := s.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, "op-b", latest.OperationID)

	forA := s.LatestFor("op-a")
	require.NotNil(t, forA)
	assert.Equal(t, "1", string(forA.State))

	assert.Nil(t, s.LatestFor("op-missing"))
}

func TestSnapshotStoreCopiesState(t *testing.T) {
	s := NewSnapshotStore(10)
	state := json.RawMessage(`{"a":1}`)
	snap := s.Save(state, "op")

	// Mutating either side must not affect the stored snapshot.
	state[2] = 'x'
	snap.State[3] = 'y'

	stored, err := s.Get(snap.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(stored.State))
}

// fakeState records captures and restores for rollback tests.
type fakeState struct {
	mu       sync.Mutex
	current  json.RawMessage
	restored []json.RawMessage
}

func (f *fakeState) Capture(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append(json.RawMessage(nil), f.current...), nil
}

func (f *fakeState) Restore(ctx context.Context, state json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = append(json.RawMessage(nil), state...)
	f.restored = append(f.restored, f.current)
	return nil
}

func TestFailedDeleteDoesNotRestoreAutomatically(t *testing.T) {
	state := &fakeState{current: json.RawMessage(`{"items":3}`)}
	s := New(fastConfig(), zap.NewNop(), WithStateProvider(state))

	result := s.Execute(context.Background(), Request{
		ID:   "del-fail",
		Type: types.OpDelete,
		Work: func(ctx context.Context) (json.RawMessage, error) {
			// Simulate partial destruction before each failure.
			state.mu.Lock()
			state.current = json.RawMessage(`{"items":0}`)
			state.mu.Unlock()
			return nil, errors.New(errors.ErrCodeStorageWrite, "backend rejected delete")
		},
	})

	require.False(t, result.Success)

	// The snapshot is captured but the state is left as the failed operation
	// left it; restoring is the caller's call.
	state.mu.Lock()
	assert.JSONEq(t, `{"items":0}`, string(state.current))
	assert.Empty(t, state.restored)
	state.mu.Unlock()

	snap, err := s.RollbackTo(context.Background(), "del-fail")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"items":3}`, string(snap.State))

	state.mu.Lock()
	defer state.mu.Unlock()
	assert.JSONEq(t, `{"items":3}`, string(state.current))
	assert.Len(t, state.restored, 1)
}

func TestRollbackToUnknownOperation(t *testing.T) {
	state := &fakeState{current: json.RawMessage(`{}`)}
	s := New(fastConfig(), zap.NewNop(), WithStateProvider(state))

	snap, err := s.RollbackTo(context.Background(), "never-ran")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Empty(t, state.restored)
}

func TestRollbackToWithoutStateProvider(t *testing.T) {
	s := New(fastConfig(), zap.NewNop())
	s.Snapshots().Save(json.RawMessage(`{}`), "op-1")

	_, err := s.RollbackTo(context.Background(), "op-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationFailed))
}

func TestSuccessfulDeleteKeepsSnapshot(t *testing.T) {
	state := &fakeState{current: json.RawMessage(`{"items":3}`)}
	s := New(fastConfig(), zap.NewNop(), WithStateProvider(state))

	result := s.Execute(context.Background(), Request{
		ID:   "del-1",
		Type: types.OpDelete,
		Work: okWork(`null`),
	})

	require.True(t, result.Success)
	assert.Empty(t, state.restored)

	// The pre-operation snapshot stays in the ring for manual rollback.
	snap := s.Snapshots().LatestFor("del-1")
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"items":3}`, string(snap.State))
}

func TestNonDestructiveOpsSkipSnapshots(t *testing.T) {
	state := &fakeState{current: json.RawMessage(`{}`)}
	s := New(fastConfig(), zap.NewNop(), WithStateProvider(state))

	result := s.Execute(context.Background(), Request{
		Type: types.OpUpload,
		Work: okWork(`null`),
	})

	require.True(t, result.Success)
	assert.Zero(t, s.Snapshots().Len())
}
