package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"syncq/internal/eventbus"
	"syncq/internal/job"
	"syncq/internal/storage"
	logx "syncq/pkg/logx"
)

// Queue is the execution pipeline for one job type.
//
// All state (pending order, running set, generation) is guarded by mu, and
// every store write happens while mu is held. That makes submit-replace,
// execution results and CancelAll/Purge mutually exclusive: an execution
// result is applied only if its run is still the registered one for its ID.
type Queue struct {
	mu sync.Mutex

	cfg     Config
	store   storage.JobStore
	exec    Executor
	gate    Gate
	obs     FailureObserver
	metrics Metrics
	bus     eventbus.Bus
	log     logx.Logger

	seq uint64
	gen uint64

	pending []job.Descriptor
	running map[string]*run
	// draining counts executions per ID whose goroutine has not returned yet,
	// including superseded/cancelled ones. Same-ID work waits for it.
	draining map[string]int
	inFlight int

	runCtx  context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	loopWG  sync.WaitGroup
	execWG  sync.WaitGroup
	started bool
	stopped bool
}

type run struct {
	d      job.Descriptor
	cancel context.CancelFunc
	gen    uint64
	start  time.Time
}

// Deps are the collaborators of a Queue. Store, Executor and Gate are required.
type Deps struct {
	Store    storage.JobStore
	Executor Executor
	Gate     Gate
	Observer FailureObserver
	Metrics  Metrics
	Bus      eventbus.Bus
	Log      logx.Logger
}

func New(cfg Config, deps Deps) (*Queue, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("queue: unknown job type %q", cfg.Type)
	}
	if deps.Store == nil || deps.Executor == nil || deps.Gate == nil {
		return nil, fmt.Errorf("queue %s: store, executor and gate are required", cfg.Type)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Queue{
		cfg:      cfg,
		store:    deps.Store,
		exec:     deps.Executor,
		gate:     deps.Gate,
		obs:      deps.Observer,
		metrics:  deps.Metrics,
		bus:      deps.Bus,
		log:      deps.Log.With(logx.String("queue", string(cfg.Type))),
		running:  map[string]*run{},
		draining: map[string]int{},
		wake:     make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Type() job.Type { return q.cfg.Type }

// Restore repopulates the pending set from the store, in submission order.
// Call it once at startup, before Start.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	list, err := q.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore %s: %w", q.cfg.Type, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, d := range list {
		if err := d.Validate(); err != nil || d.Type != q.cfg.Type {
			q.log.Warn("dropping unreadable job record", logx.String("id", d.ID), logx.Err(err))
			if rerr := q.store.Remove(ctx, d.ID); rerr != nil {
				q.log.Error("remove unreadable job record failed", logx.String("id", d.ID), logx.Err(rerr))
			}
			continue
		}
		if q.indexLocked(d.ID) >= 0 {
			continue
		}
		q.pending = append(q.pending, d)
		if d.Seq > q.seq {
			q.seq = d.Seq
		}
		n++
	}
	q.depthLocked()
	q.signal()
	if n > 0 {
		q.log.Info("restored pending jobs", logx.Int("count", n))
	}
	return n, nil
}

// Submit persists d and enqueues it at the tail. A pending or running
// descriptor with the same ID is replaced: its record is overwritten, it is
// removed from the pending order, and an in-flight execution of it is
// cancelled and its result discarded.
//
// If persisting fails, Submit returns the error and nothing changes.
func (q *Queue) Submit(ctx context.Context, d job.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Type != q.cfg.Type {
		return fmt.Errorf("%w: %s into %s", ErrWrongType, d.Type, q.cfg.Type)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}

	d.Seq = q.seq + 1
	if err := q.store.Put(ctx, d); err != nil {
		q.log.Error("persist job failed", logx.String("id", d.ID), logx.Err(err))
		return fmt.Errorf("persist %s %s: %w", q.cfg.Type, d.ID, err)
	}
	q.seq = d.Seq

	superseded := false
	if i := q.indexLocked(d.ID); i >= 0 {
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		superseded = true
	}
	if r := q.running[d.ID]; r != nil {
		r.cancel()
		delete(q.running, d.ID)
		superseded = true
	}
	q.pending = append(q.pending, d)

	q.metrics.Submitted(q.cfg.Type)
	if superseded {
		q.metrics.Superseded(q.cfg.Type)
		q.publish(eventbus.JobSuperseded, d, "")
		q.log.Debug("job superseded", logx.String("id", d.ID), logx.Uint64("seq", d.Seq))
	}
	q.publish(eventbus.JobSubmitted, d, "")
	q.depthLocked()
	q.signal()
	return nil
}

// CancelAll stops in-flight executions and forgets every pending and running
// descriptor. The store is not touched; results of cancelled executions are
// discarded when they arrive.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelAllLocked()
}

func (q *Queue) cancelAllLocked() {
	q.gen++
	for id, r := range q.running {
		r.cancel()
		delete(q.running, id)
	}
	dropped := len(q.pending)
	q.pending = nil
	q.depthLocked()
	q.log.Info("queue cancelled", logx.Int("dropped_pending", dropped), logx.Uint64("generation", q.gen))
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.QueueCancelled, Data: Event{Type: q.cfg.Type}})
	}
}

// Purge runs CancelAll and then clears the store without releasing the queue
// lock in between, so no submission or execution result can land in the gap.
func (q *Queue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelAllLocked()
	if err := q.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear %s store: %w", q.cfg.Type, err)
	}
	return nil
}

// Start runs the dispatch loop until Stop or ctx cancellation.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.runCtx, q.cancel = context.WithCancel(ctx)
	runCtx := q.runCtx
	q.mu.Unlock()

	changes, unsubscribe := q.gate.Subscribe()
	q.loopWG.Add(1)
	go func() {
		defer q.loopWG.Done()
		defer unsubscribe()
		q.loop(runCtx, changes)
	}()
	q.log.Info("queue started", logx.Int("concurrency", q.cfg.Concurrency))
}

// Stop halts dispatching and cancels in-flight executions. Their records stay
// in the store untouched, so they resume on the next start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		q.loopWG.Wait()
		q.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("queue stopped")
		return nil
	case <-ctx.Done():
		q.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		Type:        q.cfg.Type,
		Pending:     make([]string, 0, len(q.pending)),
		Running:     make([]string, 0, len(q.running)),
		InFlight:    q.inFlight,
		Concurrency: q.cfg.Concurrency,
		Generation:  q.gen,
		Started:     q.started && !q.stopped,
	}
	for _, d := range q.pending {
		s.Pending = append(s.Pending, d.ID)
	}
	for id := range q.running {
		s.Running = append(s.Running, id)
	}
	return s
}

func (q *Queue) loop(ctx context.Context, changes <-chan struct{}) {
	var tick <-chan time.Time
	if q.cfg.RecheckEvery > 0 {
		t := time.NewTicker(q.cfg.RecheckEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		q.mu.Lock()
		q.dispatchLocked()
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-changes:
			q.log.Debug("connectivity change; re-evaluating gate")
		case <-tick:
		}
	}
}

// dispatchLocked starts head-of-line descriptors while capacity allows.
// Order is strict FIFO: a gated or draining head blocks everything behind it.
func (q *Queue) dispatchLocked() {
	if q.stopped || q.runCtx == nil {
		return
	}
	for q.inFlight < q.cfg.Concurrency && len(q.pending) > 0 {
		head := q.pending[0]
		if !q.gate.Allows(head.Network) {
			return
		}
		if q.draining[head.ID] > 0 || q.running[head.ID] != nil {
			return
		}
		q.pending = q.pending[1:]
		q.startLocked(head)
	}
}

func (q *Queue) startLocked(d job.Descriptor) {
	ctx, cancel := context.WithCancel(q.runCtx)
	r := &run{d: d, cancel: cancel, gen: q.gen, start: time.Now()}
	q.running[d.ID] = r
	q.draining[d.ID]++
	q.inFlight++
	q.depthLocked()
	q.publish(eventbus.JobStarted, d, "")
	q.log.Debug("job started", logx.String("id", d.ID), logx.Int("attempt", d.Attempt()))

	q.execWG.Add(1)
	go func() {
		defer q.execWG.Done()
		res := q.invoke(ctx, d)
		cancel()
		q.finish(r, res)
	}()
}

// invoke runs the executor, converting a panic into a transient failure.
func (q *Queue) invoke(ctx context.Context, d job.Descriptor) (res job.Result) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("executor panicked", logx.String("id", d.ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			res = job.Transient
		}
	}()
	return q.exec.Execute(ctx, d)
}

func (q *Queue) finish(r *run, res job.Result) {
	var failed *Failure

	q.mu.Lock()
	q.inFlight--
	if q.draining[r.d.ID]--; q.draining[r.d.ID] <= 0 {
		delete(q.draining, r.d.ID)
	}

	switch {
	case q.running[r.d.ID] != r || r.gen != q.gen:
		// Superseded or cancelled: the result belongs to a descriptor that no longer exists.
		q.metrics.Discarded(q.cfg.Type)
		q.log.Debug("discarding stale result", logx.String("id", r.d.ID), logx.String("result", res.String()))
	case q.stopped && res == job.Transient:
		// Shutdown interrupted it: leave the record as-is so the attempt is not consumed.
		delete(q.running, r.d.ID)
	default:
		delete(q.running, r.d.ID)
		failed = q.applyLocked(r, res)
	}
	q.depthLocked()
	q.signal()
	q.mu.Unlock()

	if failed != nil && q.obs != nil {
		q.obs.JobFailed(*failed)
	}
}

// applyLocked is the retry controller's effect on queue and store.
func (q *Queue) applyLocked(r *run, res job.Result) *Failure {
	ctx := context.Background()
	d := r.d
	dur := time.Since(r.start)

	act, next, reason := decide(d, res)
	switch act {
	case actComplete:
		if err := q.store.Remove(ctx, d.ID); err != nil {
			q.log.Error("remove completed job failed", logx.String("id", d.ID), logx.Err(err))
		}
		q.metrics.Succeeded(q.cfg.Type)
		q.publish(eventbus.JobSucceeded, d, res.String())
		q.log.Info("job succeeded", logx.String("id", d.ID), logx.Int("attempt", d.Attempt()), logx.Duration("dur", dur))
		return nil

	case actRequeue:
		next.Seq = q.seq + 1
		if err := q.store.Put(ctx, next); err != nil {
			// The older record (more attempts left) stays; retrying in memory is still correct.
			q.log.Error("persist retry failed", logx.String("id", d.ID), logx.Err(err))
		}
		q.seq = next.Seq
		q.pending = append(q.pending, next)
		q.metrics.Retried(q.cfg.Type)
		q.publish(eventbus.JobRetry, next, res.String())
		q.log.Warn("job failed; will retry", logx.String("id", d.ID), logx.Int("attempts_remaining", next.AttemptsRemaining), logx.Duration("dur", dur))
		return nil

	default:
		if err := q.store.Remove(ctx, d.ID); err != nil {
			q.log.Error("remove failed job failed", logx.String("id", d.ID), logx.Err(err))
		}
		q.metrics.Failed(q.cfg.Type)
		q.publish(eventbus.JobFailed, d, res.String())
		q.log.Warn("job failed permanently", logx.String("id", d.ID), logx.String("reason", reason), logx.Int("attempts", d.Attempt()))
		return &Failure{
			Type:     q.cfg.Type,
			ID:       d.ID,
			Instance: d.Instance,
			Attempts: d.Attempt(),
			Reason:   reason,
			At:       time.Now(),
			Params:   d.Params.Clone(),
		}
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.pending {
		if q.pending[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) depthLocked() {
	q.metrics.Depth(q.cfg.Type, len(q.pending), len(q.running))
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) publish(typ string, d job.Descriptor, result string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		Type:     q.cfg.Type,
		ID:       d.ID,
		Instance: d.Instance,
		Attempt:  d.Attempt(),
		Result:   result,
	}})
}
