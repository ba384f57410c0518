// Package scheduler serializes storage operations. Operations queue by
// priority, conflicting types never overlap, and dependencies still in the
// queue are awaited. Destructive operations capture a pre-operation snapshot
// that callers can restore through RollbackTo; nothing is restored
// automatically.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/internal/metrics"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// Work is the payload of a scheduled operation.
type Work func(ctx context.Context) (json.RawMessage, error)

// StateProvider captures and restores application state around destructive
// operations.
type StateProvider interface {
	Capture(ctx context.Context) (json.RawMessage, error)
	Restore(ctx context.Context, state json.RawMessage) error
}

// Request describes an operation to schedule.
type Request struct {
	// ID is assigned when empty.
	ID string

	Type types.OperationType

	// Priority defaults to the configured default when zero. Higher runs
	// first.
	Priority int

	// Dependencies are operation IDs that must complete before this one
	// starts.
	Dependencies []string

	Work Work
}

// Result is the settled outcome of one operation.
type Result struct {
	OperationID string
	Type        types.OperationType
	Success     bool
	Data        json.RawMessage
	Err         error
	Attempts    int
	Duration    time.Duration
}

// ticket is an operation waiting in the queue.
type ticket struct {
	id       string
	opType   types.OperationType
	priority int
	seq      uint64
	gen      uint64
}

// Scheduler runs one operation at a time.
type Scheduler struct {
	cfg     config.SchedulerConfig
	state   StateProvider
	metrics *metrics.Collector
	logger  *zap.Logger

	snapshots *SnapshotStore

	mu   sync.Mutex
	cond *sync.Cond

	queue   []*ticket
	running *ticket
	nextSeq uint64
	gen     uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStateProvider enables snapshot and rollback of application state
// around destructive operations.
func WithStateProvider(sp StateProvider) Option {
	return func(s *Scheduler) { s.state = sp }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// New builds a scheduler from config.
func New(cfg config.SchedulerConfig, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.ConflictWaitTimeout <= 0 {
		cfg.ConflictWaitTimeout = 30 * time.Second
	}
	if cfg.DependencyWaitTimeout <= 0 {
		cfg.DependencyWaitTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "scheduler")),
		snapshots: NewSnapshotStore(cfg.SnapshotHistory),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshots exposes the snapshot history.
func (s *Scheduler) Snapshots() *SnapshotStore { return s.snapshots }

// failed builds a failure Result.
func failed(id string, opType types.OperationType, err error, attempts int, start time.Time) Result {
	return Result{
		OperationID: id,
		Type:        opType,
		Err:         err,
		Attempts:    attempts,
		Duration:    time.Since(start),
	}
}

// Execute schedules the operation and blocks until it settles. The returned
// Result always carries the operation ID and type; inspect Success and Err
// rather than relying on a non-nil error return.
func (s *Scheduler) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority <= 0 {
		req.Priority = s.cfg.DefaultPriority
	}
	if req.Work == nil {
		return failed(req.ID, req.Type,
			errors.New(errors.ErrCodeOperationFailed, "operation has no work function"), 0, start)
	}

	// Waiters are parked on the condition variable; a canceled context has
	// to wake them up to observe it.
	stopWake := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stopWake()

	tk := &ticket{
		id:       req.ID,
		opType:   req.Type,
		priority: req.Priority,
	}

	if err := s.awaitNoConflicts(ctx, tk); err != nil {
		return failed(req.ID, req.Type, err, 0, start)
	}

	if err := s.awaitDependencies(ctx, &req, tk); err != nil {
		return failed(req.ID, req.Type, err, 0, start)
	}

	result := s.runWithRetries(ctx, &req, tk, start)

	s.recordResult(&result)
	return result
}

// awaitDependencies blocks while any dependency is still queued or running.
// Dependencies that were never submitted, or already finished, don't delay the
// operation. A timeout is logged and tolerated; the operation proceeds anyway.
// The caller's ticket is already queued; it is removed on cancellation.
func (s *Scheduler) awaitDependencies(ctx context.Context, req *Request, tk *ticket) error {
	if len(req.Dependencies) == 0 {
		return nil
	}

	deadline := time.Now().Add(s.cfg.DependencyWaitTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			s.dequeueLocked(tk)
			s.cond.Broadcast()
			return errors.Wrap(errors.ErrCodeOperationCanceled, "canceled awaiting dependencies", ctx.Err())
		}

		pending := 0
		for _, dep := range req.Dependencies {
			if s.pendingLocked(dep) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}

		if !s.waitLocked(deadline) {
			s.logger.Warn("dependency wait timed out, proceeding",
				zap.String("operation", req.ID),
				zap.Stringer("type", req.Type),
				zap.Int("unmet", pending))
			return nil
		}
	}
}

// pendingLocked reports whether the operation ID is currently queued or
// running. Caller holds mu.
func (s *Scheduler) pendingLocked(id string) bool {
	if s.running != nil && s.running.id == id {
		return true
	}
	for _, queued := range s.queue {
		if queued.id == id {
			return true
		}
	}
	return false
}

// awaitNoConflicts blocks until no queued or running operation conflicts
// with the ticket, then enqueues it. Times out with a conflict error.
func (s *Scheduler) awaitNoConflicts(ctx context.Context, tk *ticket) error {
	deadline := time.Now().Add(s.cfg.ConflictWaitTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCodeOperationCanceled, "canceled awaiting conflicts", ctx.Err())
		}

		if blocker := s.conflictingLocked(tk.opType); blocker == nil {
			s.enqueueLocked(tk)
			return nil
		} else if !s.waitLocked(deadline) {
			return errors.Newf(errors.ErrCodeConflictTimeout,
				"operation %s (%s) timed out waiting for conflicting %s operation %s",
				tk.id, tk.opType, blocker.opType, blocker.id)
		}
	}
}

// conflictingLocked returns a queued or running ticket whose type conflicts
// with opType. Caller holds mu.
func (s *Scheduler) conflictingLocked(opType types.OperationType) *ticket {
	if s.running != nil && ConflictsWith(s.running.opType, opType) {
		return s.running
	}
	for _, queued := range s.queue {
		if ConflictsWith(queued.opType, opType) {
			return queued
		}
	}
	return nil
}

// enqueueLocked inserts the ticket keeping the queue ordered by priority
// descending, ties broken by arrival order. Caller holds mu.
func (s *Scheduler) enqueueLocked(tk *ticket) {
	s.nextSeq++
	tk.seq = s.nextSeq
	tk.gen = s.gen

	pos := len(s.queue)
	for i, queued := range s.queue {
		if tk.priority > queued.priority {
			pos = i
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = tk

	s.publishQueueDepthLocked()
}

// dequeueLocked removes the ticket from the queue. Caller holds mu.
func (s *Scheduler) dequeueLocked(tk *ticket) {
	for i, queued := range s.queue {
		if queued == tk {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.publishQueueDepthLocked()
}

func (s *Scheduler) publishQueueDepthLocked() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
}

// awaitTurn blocks until the ticket is at the head of the queue and nothing
// is running, then claims the run slot. Returns false when the queue was
// cleared or the context canceled.
func (s *Scheduler) awaitTurn(ctx context.Context, tk *ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if ctx.Err() != nil {
			s.dequeueLocked(tk)
			s.cond.Broadcast()
			return errors.Wrap(errors.ErrCodeOperationCanceled, "canceled in queue", ctx.Err())
		}
		if tk.gen != s.gen {
			return errors.Newf(errors.ErrCodeQueueCleared, "operation %s dropped by queue clear", tk.id)
		}

		if s.running == nil && len(s.queue) > 0 && s.queue[0] == tk {
			s.queue = s.queue[1:]
			s.running = tk
			s.publishQueueDepthLocked()
			return nil
		}

		s.waitLocked(time.Time{})
	}
}

// releaseRun gives the run slot back and wakes waiters.
func (s *Scheduler) releaseRun(tk *ticket) {
	s.mu.Lock()
	if s.running == tk {
		s.running = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// runWithRetries drives the attempt loop. After a failed attempt the
// operation re-enters the queue with decayed priority and an exponential
// backoff delay.
func (s *Scheduler) runWithRetries(ctx context.Context, req *Request, tk *ticket, start time.Time) Result {
	destructive := req.Type == types.OpDelete || req.Type == types.OpClear

	// Snapshots are diagnostic: captured before destructive operations and
	// kept for an explicit RollbackTo, never restored automatically.
	if destructive && s.state != nil {
		state, err := s.state.Capture(ctx)
		if err != nil {
			s.mu.Lock()
			s.dequeueLocked(tk)
			s.cond.Broadcast()
			s.mu.Unlock()
			return failed(req.ID, req.Type,
				errors.Wrap(errors.ErrCodeOperationFailed, "capture pre-operation snapshot", err), 0, start)
		}
		s.snapshots.Save(state, req.ID)
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.awaitTurn(ctx, tk); err != nil {
			return failed(req.ID, req.Type, err, attempts, start)
		}

		attempts++
		data, err := req.Work(ctx)
		s.releaseRun(tk)

		if err == nil {
			return Result{
				OperationID: req.ID,
				Type:        req.Type,
				Success:     true,
				Data:        data,
				Attempts:    attempts,
				Duration:    time.Since(start),
			}
		}
		lastErr = err

		if attempt == s.cfg.MaxRetries || ctx.Err() != nil {
			break
		}

		// Decay priority so a flapping operation stops cutting the line.
		if tk.priority > 1 {
			tk.priority--
		}

		backoff := s.cfg.RetryBackoffBase * (1 << attempt)
		s.logger.Warn("operation attempt failed, retrying",
			zap.String("operation", req.ID),
			zap.Stringer("type", req.Type),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return failed(req.ID, req.Type,
				errors.Wrap(errors.ErrCodeOperationCanceled, "canceled during backoff", ctx.Err()), attempts, start)
		case <-time.After(backoff):
		}

		s.mu.Lock()
		if tk.gen != s.gen {
			s.mu.Unlock()
			return failed(req.ID, req.Type,
				errors.Newf(errors.ErrCodeQueueCleared, "operation %s dropped by queue clear", tk.id), attempts, start)
		}
		s.enqueueLocked(tk)
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	return failed(req.ID, req.Type,
		errors.Wrap(errors.ErrCodeRetryExhausted, "operation failed after retries", lastErr), attempts, start)
}

// RollbackTo restores application state from the most recent snapshot taken
// for the operation and returns that snapshot. Returns nil when no snapshot
// exists for the ID.
func (s *Scheduler) RollbackTo(ctx context.Context, operationID string) (*types.Snapshot, error) {
	snap := s.snapshots.LatestFor(operationID)
	if snap == nil {
		return nil, nil
	}
	if s.state == nil {
		return nil, errors.New(errors.ErrCodeOperationFailed, "no state provider configured")
	}
	if err := s.state.Restore(ctx, snap.State); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationFailed, "restore snapshot", err)
	}
	s.logger.Info("rolled back to snapshot",
		zap.String("operation", operationID),
		zap.String("snapshot", snap.ID))
	return snap, nil
}

// ExecuteBatch schedules every request and waits for all of them to settle.
// Results map 1:1 to the input order regardless of individual failures.
func (s *Scheduler) ExecuteBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Execute(ctx, reqs[i])
		}(i)
	}
	wg.Wait()

	return results
}

// QueueStatus is a point-in-time view of the scheduler. ActiveLocks lists
// the IDs of operations holding the run slot.
type QueueStatus struct {
	Running     *types.Operation  `json:"running,omitempty"`
	Queued      []types.Operation `json:"queued"`
	QueueLength int               `json:"queue_length"`
	ActiveLocks []string          `json:"active_locks"`
}

// Status reports what is running and what is waiting, in queue order.
func (s *Scheduler) Status() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := QueueStatus{QueueLength: len(s.queue)}
	if s.running != nil {
		status.Running = &types.Operation{
			ID:       s.running.id,
			Type:     s.running.opType,
			Priority: s.running.priority,
		}
		status.ActiveLocks = []string{s.running.id}
	}
	for _, tk := range s.queue {
		status.Queued = append(status.Queued, types.Operation{
			ID:       tk.id,
			Type:     tk.opType,
			Priority: tk.priority,
		})
	}
	return status
}

// ClearQueue drops every waiting operation. The running operation, if any,
// is left to finish. Cleared waiters settle with a queue-cleared error.
func (s *Scheduler) ClearQueue() int {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.gen++
	s.publishQueueDepthLocked()
	s.cond.Broadcast()
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Info("queue cleared", zap.Int("dropped", dropped))
	}
	return dropped
}

// waitLocked parks on the condition variable until a broadcast or the
// deadline. A zero deadline waits indefinitely. Returns false on timeout.
// Caller holds mu.
func (s *Scheduler) waitLocked(deadline time.Time) bool {
	if deadline.IsZero() {
		s.cond.Wait()
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	timer.Stop()

	return time.Now().Before(deadline)
}

func (s *Scheduler) recordResult(r *Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOperation(r.Type.String(), r.Success, r.Duration)
}
