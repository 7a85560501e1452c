package localfirst

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

const (
	// DefaultFlushInterval is how often the scheduler replays the queue while
	// online.
	DefaultFlushInterval = 5 * time.Minute

	queueKey      = "localfirst:queue"
	deadLetterKey = "localfirst:queue:dead"
	lastSyncedKey = "localfirst:lastSyncedAt"
)

// FailureMode decides what a flush does after an operation fails.
type FailureMode string

const (
	// FailureModeBlock stops the flush at the first failure. Replay order is
	// strictly the enqueue order.
	FailureModeBlock FailureMode = "block"
	// FailureModeIsolateKey keeps going after a failure but holds back every
	// later operation on the failed key. Order is preserved per key.
	FailureModeIsolateKey FailureMode = "isolate_key"
)

// ExhaustedPolicy decides what happens to an operation that reached
// RetryPolicy.MaxAttempts.
type ExhaustedPolicy string

const (
	// ExhaustedBlock keeps the operation at its position and retries it forever.
	ExhaustedBlock ExhaustedPolicy = "block"
	// ExhaustedDeadLetter moves it to the dead-letter list.
	ExhaustedDeadLetter ExhaustedPolicy = "dead_letter"
)

// RetryPolicy configures failure handling during a flush. The zero value
// retries forever and blocks the queue behind a failing operation.
type RetryPolicy struct {
	MaxAttempts int
	Exhausted   ExhaustedPolicy
	FailureMode FailureMode
}

// ============================================================================
// Appliers
// ============================================================================

// Applier performs a queued operation against its destination.
type Applier interface {
	Apply(ctx context.Context, op QueuedOperation) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, op QueuedOperation) error

func (f ApplierFunc) Apply(ctx context.Context, op QueuedOperation) error {
	return f(ctx, op)
}

// StoreApplier applies operations to a KeyValueStore. An update merges the
// payload's top-level fields into the stored JSON object.
type StoreApplier struct {
	Store KeyValueStore
}

func (a StoreApplier) Apply(ctx context.Context, op QueuedOperation) error {
	switch op.Kind {
	case OpSet:
		return a.Store.Set(ctx, op.Key, op.Payload)
	case OpRemove:
		return a.Store.Remove(ctx, op.Key)
	case OpUpdate:
		merged, err := mergeObjects(ctx, a.Store, op.Key, op.Payload)
		if err != nil {
			return err
		}
		return a.Store.Set(ctx, op.Key, merged)
	}
	return errors.Newf(errors.CodeInvalidInput, "unknown operation kind %q", op.Kind)
}

func mergeObjects(ctx context.Context, s KeyValueStore, key string, patch json.RawMessage) ([]byte, error) {
	base := map[string]json.RawMessage{}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := json.Unmarshal(existing, &base); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidInput, "stored value for %q is not an object", key)
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "update payload for %q is not an object", key)
	}
	for k, v := range fields {
		base[k] = v
	}
	return json.Marshal(base)
}

// ============================================================================
// OfflineQueue
// ============================================================================

// OfflineQueue is a persisted FIFO of mutations deferred while offline.
type OfflineQueue struct {
	store    KeyValueStore
	applier  Applier
	conn     *Connectivity
	policy   RetryPolicy
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu           sync.Mutex
	ops          []QueuedOperation
	dead         []QueuedOperation
	flushing     bool
	lastErr      string
	lastSyncedAt *time.Time
	listeners    map[int]func()
	nextID       int

	kick       chan struct{}
	cancel     context.CancelFunc
	removeConn func()
	wg         sync.WaitGroup
}

// QueueOption configures an OfflineQueue.
type QueueOption func(*OfflineQueue)

// WithQueueConnectivity makes the queue flush on transitions to Online and
// skip scheduled flushes while not online.
func WithQueueConnectivity(conn *Connectivity) QueueOption {
	return func(q *OfflineQueue) { q.conn = conn }
}

// WithRetryPolicy sets the failure handling policy.
func WithRetryPolicy(p RetryPolicy) QueueOption {
	return func(q *OfflineQueue) { q.policy = p }
}

// WithFlushInterval replaces DefaultFlushInterval.
func WithFlushInterval(d time.Duration) QueueOption {
	return func(q *OfflineQueue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithQueueClock replaces time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *OfflineQueue) { q.now = now }
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(q *OfflineQueue) { q.logger = logger }
}

// NewOfflineQueue loads the persisted queue from store.
func NewOfflineQueue(ctx context.Context, store KeyValueStore, applier Applier, opts ...QueueOption) (*OfflineQueue, error) {
	q := &OfflineQueue{
		store:     store,
		applier:   applier,
		interval:  DefaultFlushInterval,
		now:       time.Now,
		logger:    zap.NewNop(),
		listeners: make(map[int]func()),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.policy.FailureMode == "" {
		q.policy.FailureMode = FailureModeBlock
	}
	if q.policy.Exhausted == "" {
		q.policy.Exhausted = ExhaustedBlock
	}

	ops, _, err := GetJSON[[]QueuedOperation](ctx, store, queueKey)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	dead, _, err := GetJSON[[]QueuedOperation](ctx, store, deadLetterKey)
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	synced, ok, err := GetJSON[time.Time](ctx, store, lastSyncedKey)
	if err != nil {
		return nil, fmt.Errorf("load last sync time: %w", err)
	}
	q.ops, q.dead = ops, dead
	if ok {
		q.lastSyncedAt = &synced
	}
	return q, nil
}

// Len returns the number of pending operations.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending returns a copy of the pending operations in replay order.
func (q *OfflineQueue) Pending() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.ops...)
}

// DeadLetters returns a copy of the dead-lettered operations.
func (q *OfflineQueue) DeadLetters() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.dead...)
}

// LastError returns the most recent operation failure, or "" after a clean flush.
func (q *OfflineQueue) LastError() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

// LastSyncedAt returns when a flush last applied operations without a failure.
func (q *OfflineQueue) LastSyncedAt() *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastSyncedAt == nil {
		return nil
	}
	t := *q.lastSyncedAt
	return &t
}

// Enqueue appends op and persists the queue. ID and EnqueuedAt are filled in
// when empty. A store failure (for example a quota error) leaves the queue
// unchanged and is returned.
func (q *OfflineQueue) Enqueue(ctx context.Context, op QueuedOperation) (QueuedOperation, error) {
	if !op.Kind.Valid() {
		return op, errors.Newf(errors.CodeInvalidInput, "unknown operation kind %q", op.Kind)
	}
	if op.Key == "" {
		return op, errors.New(errors.CodeInvalidInput, "operation key is required")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}

	err := q.mutate(ctx, func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
		return append(ops, op), dead
	})
	if err != nil {
		q.logger.Error("failed to enqueue operation",
			zap.String("key", op.Key), zap.String("kind", string(op.Kind)), zap.Error(err))
		return op, err
	}
	q.logger.Debug("operation queued",
		zap.String("id", op.ID), zap.String("key", op.Key), zap.String("kind", string(op.Kind)))
	q.notify()
	return op, nil
}

// Submit applies a mutation now when online and nothing is queued ahead of
// it, and queues it otherwise. A network-class failure of the direct attempt
// also queues it. The boolean reports whether the operation was queued.
func (q *OfflineQueue) Submit(ctx context.Context, kind OpKind, key string, payload any) (bool, error) {
	op := QueuedOperation{Kind: kind, Key: key}
	if payload != nil {
		raw, err := encodeValue(payload)
		if err != nil {
			return false, fmt.Errorf("encode payload for %q: %w", key, err)
		}
		op.Payload = raw
	}

	if q.isOnline() && q.Len() == 0 {
		err := q.applier.Apply(ctx, op)
		if err == nil {
			return false, nil
		}
		if !IsNetworkError(err) {
			return false, err
		}
		q.reportNetworkFailure()
		q.logger.Info("direct apply failed, queueing", zap.String("key", key), zap.Error(err))
	}

	if _, err := q.Enqueue(ctx, op); err != nil {
		return false, err
	}
	if q.isOnline() {
		q.Kick()
	}
	return true, nil
}

// ProcessQueue replays pending operations front to back. Operation failures
// are recorded on the operation and logged, never returned; the error is
// reserved for failures to persist the queue itself. A call made while
// another flush is running returns immediately.
func (q *OfflineQueue) ProcessQueue(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	if q.flushing {
		n := len(q.ops)
		q.mu.Unlock()
		return FlushResult{Remaining: n}, nil
	}
	q.flushing = true
	snapshot := append([]QueuedOperation(nil), q.ops...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	var (
		res     FlushResult
		lastErr string
		blocked = make(map[string]bool)
	)

	for _, op := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if blocked[op.Key] {
			continue
		}

		err := q.applier.Apply(ctx, op)
		if err == nil {
			if perr := q.mutate(ctx, func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
				return removeOp(ops, op.ID), dead
			}); perr != nil {
				return res, perr
			}
			res.Applied++
			continue
		}
		if ctx.Err() != nil {
			// Interrupted, not rejected: the op stays as it was.
			break
		}

		res.Failed++
		lastErr = err.Error()
		if IsNetworkError(err) {
			q.reportNetworkFailure()
		}
		op.Attempts++
		op.LastError = err.Error()

		if q.policy.MaxAttempts > 0 && op.Attempts >= q.policy.MaxAttempts &&
			q.policy.Exhausted == ExhaustedDeadLetter {
			if perr := q.mutate(ctx, func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
				return removeOp(ops, op.ID), append(dead, op)
			}); perr != nil {
				return res, perr
			}
			res.DeadLettered++
			q.logger.Warn("operation dead-lettered",
				zap.String("id", op.ID), zap.String("key", op.Key),
				zap.Int("attempts", op.Attempts), zap.Error(err))
			continue
		}

		if perr := q.mutate(ctx, func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
			return replaceOp(ops, op), dead
		}); perr != nil {
			return res, perr
		}
		q.logger.Warn("operation failed, will retry",
			zap.String("id", op.ID), zap.String("key", op.Key),
			zap.Int("attempts", op.Attempts), zap.Bool("retryable", errors.IsRetryable(err)), zap.Error(err))

		if q.policy.FailureMode == FailureModeBlock {
			break
		}
		blocked[op.Key] = true
	}

	q.mu.Lock()
	res.Remaining = len(q.ops)
	var synced *time.Time
	if res.Failed == 0 {
		q.lastErr = ""
		if res.Applied > 0 {
			t := q.now()
			q.lastSyncedAt = &t
			synced = &t
		}
	} else {
		q.lastErr = lastErr
	}
	q.mu.Unlock()

	if synced != nil {
		if err := SetJSON(ctx, q.store, lastSyncedKey, *synced); err != nil {
			q.logger.Warn("failed to persist last sync time", zap.Error(err))
		}
	}
	if len(snapshot) > 0 {
		q.logger.Info("queue flushed",
			zap.Int("applied", res.Applied), zap.Int("failed", res.Failed),
			zap.Int("dead_lettered", res.DeadLettered), zap.Int("remaining", res.Remaining))
		q.notify()
	}
	return res, nil
}

// Clear drops every pending operation.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	err := q.mutate(ctx, func(_, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
		return nil, dead
	})
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

// RequeueDeadLetters moves dead-lettered operations back to the tail of the
// queue with their attempt counters reset.
func (q *OfflineQueue) RequeueDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := q.mutate(ctx, func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation) {
		n = len(dead)
		for _, op := range dead {
			op.Attempts = 0
			op.LastError = ""
			ops = append(ops, op)
		}
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.notify()
	}
	return n, nil
}

// OnChange registers f to run after the queue contents change.
func (q *OfflineQueue) OnChange(f func()) (remove func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = f
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// mutate applies fn to copies of both lists, persists them and only then
// publishes them, so readers never observe a state that is not stored.
func (q *OfflineQueue) mutate(ctx context.Context, fn func(ops, dead []QueuedOperation) ([]QueuedOperation, []QueuedOperation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, dead := fn(append([]QueuedOperation(nil), q.ops...), append([]QueuedOperation(nil), q.dead...))
	ctx = context.WithoutCancel(ctx)
	if err := SetJSON(ctx, q.store, queueKey, ops); err != nil {
		return err
	}
	if len(dead) != len(q.dead) {
		if err := SetJSON(ctx, q.store, deadLetterKey, dead); err != nil {
			return err
		}
	}
	q.ops, q.dead = ops, dead
	return nil
}

func (q *OfflineQueue) notify() {
	q.mu.Lock()
	fns := make([]func(), 0, len(q.listeners))
	for _, f := range q.listeners {
		fns = append(fns, f)
	}
	q.mu.Unlock()
	for _, f := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue listener panicked", zap.Any("panic", r))
				}
			}()
			f()
		}()
	}
}

func (q *OfflineQueue) isOnline() bool {
	return q.conn == nil || q.conn.IsOnline()
}

func (q *OfflineQueue) reportNetworkFailure() {
	if q.conn != nil {
		q.conn.Apply(TriggerFetchFailed)
	}
}

func removeOp(ops []QueuedOperation, id string) []QueuedOperation {
	for i := range ops {
		if ops[i].ID == id {
			return append(ops[:i], ops[i+1:]...)
		}
	}
	return ops
}

func replaceOp(ops []QueuedOperation, op QueuedOperation) []QueuedOperation {
	for i := range ops {
		if ops[i].ID == op.ID {
			ops[i] = op
			break
		}
	}
	return ops
}

// ── Scheduler ────────────────────────────────────────────

// Start runs the background flusher until ctx ends or Close is called. It
// flushes on every transition to Online, on Kick, and every flush interval
// while online.
func (q *OfflineQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	if q.conn != nil {
		q.removeConn = q.conn.OnChange(func(_, to ConnState, _ Trigger) {
			if to == StateOnline {
				q.Kick()
			}
		})
	}
	q.mu.Unlock()

	q.wg.Add(1)
	go q.loop(ctx)
	q.Kick()
}

// Kick requests a flush from the scheduler without waiting for it.
func (q *OfflineQueue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Close stops the scheduler and waits for an in-progress flush to return.
func (q *OfflineQueue) Close() {
	q.mu.Lock()
	cancel := q.cancel
	remove := q.removeConn
	q.cancel, q.removeConn = nil, nil
	q.mu.Unlock()

	if remove != nil {
		remove()
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

func (q *OfflineQueue) loop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.flush(ctx)
		case <-q.kick:
			q.flush(ctx)
		}
	}
}

func (q *OfflineQueue) flush(ctx context.Context) {
	if !q.isOnline() || q.Len() == 0 {
		return
	}
	if _, err := q.ProcessQueue(ctx); err != nil {
		q.logger.Error("queue flush failed", zap.Error(err))
	}
}
