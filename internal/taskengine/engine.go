package taskengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-ai-agents/node/internal/eventbus"
	"github.com/p2p-ai-agents/node/internal/observability"
	"github.com/p2p-ai-agents/node/internal/quorum"
	"github.com/p2p-ai-agents/node/internal/reputation"
	"github.com/p2p-ai-agents/node/internal/storage"
)

// PeerCandidate is the scheduler's view of one dispatch candidate
// (spec.md §4.8: "ordered by (reputation desc, measured_latency asc,
// load asc)").
type PeerCandidate struct {
	PeerID          string
	Capabilities    []string
	Reputation      int
	MeasuredLatency time.Duration
	Load            int
}

// Dispatcher sends a TaskDistribution message to a peer; satisfied by
// internal/agent in production and by a fake in tests.
type Dispatcher interface {
	SendTask(ctx context.Context, peerID string, task Task) error
}

// Config bounds engine behaviour.
type Config struct {
	MaxRetries        int
	RetryBaseDelay    time.Duration
	ConsensusMin      int           // dispatch fan-out and quorum minimum for Critical tasks, default 3
	ConsensusWindow   time.Duration // window within which consensus results must agree
	DefaultTimeout    time.Duration
	MaxConcurrentRuns int // default 16; not read by the engine, whose task map is guarded by a single lock
}

// DefaultConfig returns the spec's nominal values.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryBaseDelay:    500 * time.Millisecond,
		ConsensusMin:      3,
		ConsensusWindow:   10 * time.Second,
		DefaultTimeout:    30 * time.Second,
		MaxConcurrentRuns: 16,
	}
}

// record is the engine's private bookkeeping for one task, generalised
// from the teacher's escalation.ProcessState shape: the mutex-guarded
// current Status; no transition history is kept.
type record struct {
	mu       sync.Mutex
	task     Task
	status   Status
	attempts int
	peers    map[string]struct{} // currently-dispatched peer set, for re-dispatch bookkeeping
	cancel   context.CancelFunc
}

func (r *record) transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !legalEdge(r.status.Kind, to.Kind) {
		return fmt.Errorf("taskengine: illegal status transition %s -> %s", r.status.Kind, to.Kind)
	}
	r.status = to
	return nil
}

func (r *record) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// stopWatchdog cancels the dispatch-timeout watchdog goroutine, if any.
func (r *record) stopWatchdog() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Engine is the node's Task Engine (spec.md §4.8): submission, quota
// enforcement, scheduling, dispatch, consensus verification, and
// cancellation.
type Engine struct {
	store      storage.Storage // Strong consistency, task log
	reputation *reputation.Manager
	bus        *eventbus.Bus
	dispatcher Dispatcher
	log        *zap.Logger
	cfg        Config
	metrics    *observability.Metrics

	mu     sync.RWMutex
	tasks  map[string]*record
	quora  map[string]*quorum.Evaluator // task_id -> consensus evaluator, Critical tasks only
}

// New creates an Engine. store must be Strong consistency (spec.md §4.4:
// "task results ... must use Strong").
func New(store storage.Storage, rep *reputation.Manager, bus *eventbus.Bus, dispatcher Dispatcher, log *zap.Logger, cfg Config, metrics *observability.Metrics) (*Engine, error) {
	if err := storage.RequireAtLeast(store, storage.Strong); err != nil {
		return nil, err
	}
	return &Engine{
		store:      store,
		reputation: rep,
		bus:        bus,
		dispatcher: dispatcher,
		log:        log,
		cfg:        cfg,
		metrics:    metrics,
		tasks:      make(map[string]*record),
		quora:      make(map[string]*quorum.Evaluator),
	}, nil
}

// recordTerminal records a task's terminal outcome in TasksCompletedTotal
// (by status) and its submit-to-terminal latency in TaskLatency.
func (e *Engine) recordTerminal(rec *record, kind StatusKind) {
	if e.metrics == nil {
		return
	}
	e.metrics.TasksCompletedTotal.WithLabelValues(kind.String()).Inc()
	if !rec.task.CreatedAt.IsZero() {
		e.metrics.TaskLatency.Observe(time.Since(rec.task.CreatedAt).Seconds())
	}
}

func taskKey(id string) string { return "task/" + id }

// Submit validates submitter quota, persists the task as Pending under
// Strong consistency, and publishes a TaskAvailable event (spec.md §4.8).
func (e *Engine) Submit(ctx context.Context, task Task, submitterBand reputation.Band) (string, error) {
	if task.TaskID == "" || task.TaskType == "" {
		return "", &TaskError{Kind: InvalidPayload, TaskID: task.TaskID, Err: fmt.Errorf("missing task_id or task_type")}
	}
	if len(task.Signature) == 0 {
		return "", &TaskError{Kind: InvalidSignature, TaskID: task.TaskID}
	}
	if e.reputation != nil && !e.reputation.Allow(task.Submitter, submitterBand) {
		return "", &TaskError{Kind: QuotaExceeded, TaskID: task.TaskID}
	}

	rec := &record{task: task, status: Status{Kind: Pending}, peers: make(map[string]struct{})}
	e.mu.Lock()
	e.tasks[task.TaskID] = rec
	e.mu.Unlock()

	if err := e.persist(ctx, task.TaskID, rec.snapshot()); err != nil {
		return "", err
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Tier: eventbus.Control, Topic: "task.available", Payload: task})
	}
	return task.TaskID, nil
}

func (e *Engine) persist(ctx context.Context, taskID string, st Status) error {
	return e.store.Put(ctx, taskKey(taskID), encodeStatus(st))
}

// Status returns the current status of taskID.
func (e *Engine) Status(taskID string) (Status, error) {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return Status{}, &TaskError{Kind: TaskNotFound, TaskID: taskID}
	}
	return rec.snapshot(), nil
}

// Schedule orders candidates per spec.md §4.8: reputation desc, measured
// latency asc, load asc, keeping only those advertising taskType. Returns
// up to ConsensusMin candidates for Critical tasks or 1 for non-consensus
// tasks.
func (e *Engine) Schedule(candidates []PeerCandidate, taskType string, priority Priority) []PeerCandidate {
	matching := make([]PeerCandidate, 0, len(candidates))
	for _, c := range candidates {
		for _, cap := range c.Capabilities {
			if cap == taskType {
				matching = append(matching, c)
				break
			}
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Reputation != matching[j].Reputation {
			return matching[i].Reputation > matching[j].Reputation
		}
		if matching[i].MeasuredLatency != matching[j].MeasuredLatency {
			return matching[i].MeasuredLatency < matching[j].MeasuredLatency
		}
		return matching[i].Load < matching[j].Load
	})

	k := 1
	if priority.RequiresConsensus() {
		k = e.cfg.ConsensusMin
	}
	if k > len(matching) {
		k = len(matching)
	}
	return matching[:k]
}

// Dispatch sends task to the given candidates and moves it to Running. For
// Critical tasks it installs a consensus quorum evaluator with fan-out
// candidates as the expected voter set.
func (e *Engine) Dispatch(ctx context.Context, taskID string, candidates []PeerCandidate) error {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return &TaskError{Kind: TaskNotFound, TaskID: taskID}
	}
	if len(candidates) == 0 {
		return e.fail(ctx, rec, ExecutionFailed, fmt.Errorf("no capable peers available"))
	}

	if err := rec.transition(Status{Kind: Running, StartedAt: time.Now().UTC()}); err != nil {
		return err
	}
	_ = e.persist(ctx, taskID, rec.snapshot())

	if rec.task.Priority.RequiresConsensus() {
		e.mu.Lock()
		e.quora[taskID] = quorum.New(requiredQuorum(len(candidates)), e.cfg.ConsensusWindow)
		e.mu.Unlock()
	}

	rec.mu.Lock()
	for _, c := range candidates {
		rec.peers[c.PeerID] = struct{}{}
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.mu.Unlock()

	go e.watchTimeout(watchCtx, taskID, rec.task.Timeout(e.cfg.DefaultTimeout))

	for _, c := range candidates {
		if err := e.dispatcher.SendTask(ctx, c.PeerID, rec.task); err != nil {
			e.log.Warn("dispatch failed", zap.String("task_id", taskID), zap.String("peer_id", c.PeerID), zap.Error(err))
		}
	}
	return nil
}

// watchTimeout force-cancels taskID once d elapses unless ctx is cancelled
// first (the task reached a terminal state via ReportResult/Cancel).
func (e *Engine) watchTimeout(ctx context.Context, taskID string, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		_ = e.ExpireTimeout(context.Background(), taskID)
	}
}

// requiredQuorum is ceil(2/3 * n) per spec.md §4.8 and §8.
func requiredQuorum(n int) int {
	q := (2*n + 2) / 3
	if q < 1 {
		q = 1
	}
	return q
}

// ReportResult records a result from peerID for a dispatched task. For
// non-consensus tasks the first valid result is authoritative. For
// consensus tasks, results are recorded in the quorum evaluator and the
// task completes once >=ceil(2/3) of returned results agree on a
// result_hash within the window; peers whose result_hash disagrees with
// the accepted value incur a reputation penalty (spec.md §4.8, S4).
func (e *Engine) ReportResult(ctx context.Context, taskID, peerID, resultHash string, output []byte, execErr error) error {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return &TaskError{Kind: TaskNotFound, TaskID: taskID}
	}

	if execErr != nil {
		if e.reputation != nil {
			_, _, _ = e.reputation.RecordTaskOutcome(ctx, peerID, taskID+"|"+peerID, false)
		}
		return e.maybeRetry(ctx, rec)
	}

	if !rec.task.Priority.RequiresConsensus() {
		return e.complete(ctx, rec, resultHash, output, peerID)
	}

	e.mu.RLock()
	ev := e.quora[taskID]
	e.mu.RUnlock()
	if ev == nil {
		return &TaskError{Kind: ConsensusFailure, TaskID: taskID, Err: fmt.Errorf("no quorum evaluator for task")}
	}
	ev.Record(taskID, peerID, resultHash)

	winner, agreeing, total := ev.Agreement(taskID)
	required := requiredQuorum(maxInt(total, len(rec.peers)))
	if agreeing < required {
		return nil // not yet at quorum; wait for more results or the dispatch timeout
	}

	if e.reputation != nil {
		for voterID, value := range ev.Voters(taskID) {
			if value != winner {
				_, _, _ = e.reputation.RecordTaskOutcome(ctx, voterID, taskID+"|"+voterID+"|discrepant", false)
			}
		}
	}
	return e.complete(ctx, rec, winner, output, peerID)
}

func (e *Engine) complete(ctx context.Context, rec *record, resultHash string, output []byte, peerID string) error {
	now := time.Now().UTC()
	if err := rec.transition(Status{Kind: Completed, StartedAt: rec.snapshot().StartedAt, CompletedAt: now, ResultHash: resultHash, Result: output}); err != nil {
		return nil // already terminal; idempotent no-op for duplicate results
	}
	rec.stopWatchdog()
	_ = e.persist(ctx, rec.task.TaskID, rec.snapshot())
	if e.reputation != nil {
		_, _, _ = e.reputation.RecordTaskOutcome(ctx, peerID, rec.task.TaskID+"|"+peerID+"|success", true)
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Tier: eventbus.Task, Topic: "task.completed", Payload: rec.task.TaskID})
	}
	e.recordTerminal(rec, Completed)
	e.cleanupQuorum(rec.task.TaskID)
	return nil
}

func (e *Engine) fail(ctx context.Context, rec *record, kind ErrorKind, cause error) error {
	now := time.Now().UTC()
	_ = rec.transition(Status{Kind: Failed, FailedAt: now, ErrorKind: kind})
	rec.stopWatchdog()
	_ = e.persist(ctx, rec.task.TaskID, rec.snapshot())
	e.recordTerminal(rec, Failed)
	e.cleanupQuorum(rec.task.TaskID)
	return &TaskError{Kind: kind, TaskID: rec.task.TaskID, Err: cause}
}

// maybeRetry counts a failed result. While the count stays within
// MaxRetries it publishes a "task.retry" event and leaves the task Running;
// the engine itself neither re-dispatches the task nor waits between
// attempts. Beyond MaxRetries the task is marked Failed.
func (e *Engine) maybeRetry(ctx context.Context, rec *record) error {
	rec.mu.Lock()
	rec.attempts++
	attempts := rec.attempts
	rec.mu.Unlock()

	if attempts > e.cfg.MaxRetries {
		return e.fail(ctx, rec, ExecutionFailed, fmt.Errorf("exceeded %d retries", e.cfg.MaxRetries))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Tier: eventbus.Task, Topic: "task.retry", Payload: rec.task.TaskID})
	}
	return nil
}

// Cancel requests cancellation of taskID (spec.md §4.8): publishes a
// "task.cancel" event and marks the task Cancelled immediately, unless it
// is already terminal.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return &TaskError{Kind: TaskNotFound, TaskID: taskID}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Tier: eventbus.Control, Topic: "task.cancel", Payload: taskID})
	}
	now := time.Now().UTC()
	if err := rec.transition(Status{Kind: Cancelled, CancelledAt: now}); err != nil {
		return nil // already terminal
	}
	rec.stopWatchdog()
	_ = e.persist(ctx, taskID, rec.snapshot())
	e.recordTerminal(rec, Cancelled)
	e.cleanupQuorum(taskID)
	return nil
}

// ExpireTimeout force-cancels taskID regardless of cooperative checkpoints,
// called by the engine's timeout watchdog once a task's Timeout elapses
// while still Running (spec.md §4.8: "upon timeout the engine marks the
// task Cancelled regardless").
func (e *Engine) ExpireTimeout(ctx context.Context, taskID string) error {
	e.mu.RLock()
	rec, ok := e.tasks[taskID]
	e.mu.RUnlock()
	if !ok {
		return &TaskError{Kind: TaskNotFound, TaskID: taskID}
	}
	if rec.snapshot().Kind != Running {
		return nil
	}
	now := time.Now().UTC()
	if err := rec.transition(Status{Kind: Cancelled, CancelledAt: now}); err != nil {
		return nil
	}
	_ = e.persist(ctx, taskID, rec.snapshot())
	e.recordTerminal(rec, Cancelled)
	e.cleanupQuorum(taskID)
	return nil
}

func (e *Engine) cleanupQuorum(taskID string) {
	e.mu.Lock()
	if ev, ok := e.quora[taskID]; ok {
		ev.Close()
		delete(e.quora, taskID)
	}
	e.mu.Unlock()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// encodeStatus persists the full Status as JSON. The in-memory task map
// remains the source of truth for a running node; this record exists so an
// operator or audit tool reading the store directly sees the complete
// outcome, not just a terminal marker.
func encodeStatus(st Status) []byte {
	b, err := json.Marshal(st)
	if err != nil {
		return []byte(fmt.Sprintf(`{"kind":%d}`, st.Kind))
	}
	return b
}
