package scheduler

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// SnapshotStore keeps a bounded history of application state captures.
// Oldest entries are evicted once the capacity is reached.
type SnapshotStore struct {
	mu       sync.Mutex
	capacity int
	history  []types.Snapshot
}

// NewSnapshotStore creates a store holding at most capacity snapshots.
func NewSnapshotStore(capacity int) *SnapshotStore {
	if capacity <= 0 {
		capacity = 10
	}
	return &SnapshotStore{capacity: capacity}
}

// Save captures state and returns the stored snapshot.
func (s *SnapshotStore) Save(state json.RawMessage, operationID string) types.Snapshot {
	snap := types.Snapshot{
		ID:          uuid.NewString(),
		State:       append(json.RawMessage(nil), state...),
		Timestamp:   time.Now(),
		OperationID: operationID,
	}

	s.mu.Lock()
	s.history = append(s.history, snap)
	if len(s.history) > s.capacity {
		s.history = s.history[len(s.history)-s.capacity:]
	}
	s.mu.Unlock()

	return snap
}

// Get returns the snapshot with the given ID.
func (s *SnapshotStore) Get(id string) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.history {
		if s.history[i].ID == id {
			snap := s.history[i]
			snap.State = append(json.RawMessage(nil), s.history[i].State...)
			return &snap, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeKeyNotFound, "snapshot %q not found", id)
}

// Latest returns the most recent snapshot, or nil when the store is empty.
func (s *SnapshotStore) Latest() *types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return nil
	}
	snap := s.history[len(s.history)-1]
	snap.State = append(json.RawMessage(nil), snap.State...)
	return &snap
}

// LatestFor returns the most recent snapshot taken for the given operation.
func (s *SnapshotStore) LatestFor(operationID string) *types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].OperationID == operationID {
			snap := s.history[i]
			snap.State = append(json.RawMessage(nil), snap.State...)
			return &snap
		}
	}
	return nil
}

// List returns snapshots oldest first.
func (s *SnapshotStore) List() []types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Snapshot(nil), s.history...)
}

// Len returns the number of stored snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
