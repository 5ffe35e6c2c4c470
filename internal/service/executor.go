package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/pipeline"
)

// Executor errors.
var (
	ErrQueueFull       = errors.New("executor queue is full")
	ErrAlreadyInFlight = errors.New("content is already queued or running")
	ErrExecutorClosed  = errors.New("executor is shut down")
)

const (
	DefaultQueueSize  = 256
	DefaultRunTimeout = 15 * time.Minute

	minWorkers = 1
	maxWorkers = 16

	// How long Shutdown waits for interrupted runs to record their failure
	// after the root context is cancelled.
	cancelGrace = 10 * time.Second
)

// Stages published by the executor. The pipeline adds its own stages in
// between.
const (
	StageQueued    = "queued"
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Progress checkpoints by stage.
var stageProgress = map[string]int{
	StageQueued:             0,
	StageStarted:            25,
	pipeline.StageConverted: 75,
	StageCompleted:          100,
}

// Processor runs one content item to a terminal state.
type Processor interface {
	Process(ctx context.Context, item *models.ContentItem) pipeline.Result
}

// Publisher delivers status events to the subscribers of an owner.
type Publisher interface {
	Publish(identity string, ev models.StatusEvent) int
}

// TaskState is the executor-side state of a submission.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
)

// TaskInfo describes an accepted submission that has not settled yet.
type TaskInfo struct {
	ContentID string     `json:"content_id"`
	OwnerID   string     `json:"owner_id"`
	State     TaskState  `json:"state"`
	QueuedAt  time.Time  `json:"queued_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type task struct {
	contentID string
	ownerID   string
}

// Executor runs pipeline invocations in the background. Submissions go
// onto a bounded queue; a dispatcher hands them to a fixed-size worker
// pool. Every accepted submission ends with exactly one terminal event.
type Executor struct {
	store      db.Store
	proc       Processor
	events     Publisher
	workers    int
	queueSize  int
	runTimeout time.Duration
	metrics    *metrics.Collector
	logger     *slog.Logger

	queue      chan task
	pool       *ants.Pool
	rootCtx    context.Context
	rootCancel context.CancelFunc
	dispatched chan struct{}

	mu       sync.Mutex
	inflight map[string]*TaskInfo
	closed   bool
	reserved int // queue slots held by Submit calls that have not sent yet
	sending  sync.WaitGroup
	pending  sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkers sets the number of concurrent runs. Zero or less derives
// the size from GOMAXPROCS.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		e.workers = n
	}
}

// WithQueueSize sets how many submissions may wait for a worker.
func WithQueueSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithRunTimeout bounds a single run.
func WithRunTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.runTimeout = d
		}
	}
}

// WithExecutorMetrics records submission counters on c.
func WithExecutorMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.metrics = c
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// ResolveWorkers returns n when positive, otherwise a pool size derived
// from GOMAXPROCS and clamped to a sane range.
func ResolveWorkers(n int) int {
	if n > 0 {
		return n
	}
	n = runtime.GOMAXPROCS(0)
	if n < minWorkers {
		return minWorkers
	}
	if n > maxWorkers {
		return maxWorkers
	}
	return n
}

// NewExecutor creates an executor. Call Start to begin dispatching.
func NewExecutor(store db.Store, proc Processor, events Publisher, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		store:      store,
		proc:       proc,
		events:     events,
		queueSize:  DefaultQueueSize,
		runTimeout: DefaultRunTimeout,
		metrics:    metrics.NewCollector(),
		logger:     slog.Default(),
		dispatched: make(chan struct{}),
		inflight:   make(map[string]*TaskInfo),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workers = ResolveWorkers(e.workers)

	pool, err := ants.NewPool(e.workers, ants.WithPanicHandler(func(p any) {
		e.logger.Error("worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e.pool = pool
	e.queue = make(chan task, e.queueSize)
	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())
	return e, nil
}

// Start launches the dispatcher. Calling it again has no effect.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		e.logger.Info("executor started", "workers", e.workers, "queue_size", e.queueSize)
		go e.dispatch()
	})
}

func (e *Executor) dispatch() {
	defer close(e.dispatched)
	for t := range e.queue {
		if err := e.pool.Submit(func() { e.run(t) }); err != nil {
			// The pool only rejects after Release, so settle here.
			e.logger.Error("failed to schedule run", "content_id", t.contentID, "error", err)
			e.terminate(e.logger.With("content_id", t.contentID), t, fmt.Errorf("schedule run: %w", err))
			e.settle(t)
		}
	}
}

// Submit accepts contentID for background processing and returns
// immediately. The queued event is published before Submit returns.
func (e *Executor) Submit(ctx context.Context, contentID, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	if _, ok := e.inflight[contentID]; ok {
		e.mu.Unlock()
		return ErrAlreadyInFlight
	}
	if len(e.queue)+e.reserved >= cap(e.queue) {
		e.mu.Unlock()
		e.metrics.Add(metrics.CounterRejected, 1)
		return ErrQueueFull
	}

	t := task{contentID: contentID, ownerID: ownerID}
	e.inflight[contentID] = &TaskInfo{
		ContentID: contentID,
		OwnerID:   ownerID,
		State:     TaskQueued,
		QueuedAt:  time.Now().UTC(),
	}
	e.reserved++
	e.sending.Add(1)
	e.pending.Add(1)
	e.mu.Unlock()
	defer e.sending.Done()

	e.metrics.Add(metrics.CounterSubmitted, 1)
	// The task cannot start before the send, so queued precedes started.
	e.progress(t, StageQueued, models.StatusPending)

	// The reserved slot keeps this send from blocking, and Shutdown waits
	// for it before closing the queue.
	e.mu.Lock()
	e.reserved--
	e.queue <- t
	e.mu.Unlock()
	return nil
}

// run executes one task on a pool worker.
func (e *Executor) run(t task) {
	logger := e.logger.With("content_id", t.contentID, "owner_id", t.ownerID)
	terminal := false

	ctx, cancel := context.WithTimeout(e.rootCtx, e.runTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("run panicked", "panic", rec, "stack", string(debug.Stack()))
			if !terminal {
				e.terminate(logger, t, fmt.Errorf("internal panic: %v", rec))
				terminal = true
			}
		}
		if !terminal {
			e.terminate(logger, t, errors.New("run ended without a result"))
		}
		e.settle(t)
	}()

	e.markRunning(t)
	e.progress(t, StageStarted, models.StatusProcessing)
	logger.Info("processing content")

	item, err := e.store.GetContent(ctx, t.contentID)
	if err != nil {
		e.terminate(logger, t, fmt.Errorf("load content: %w", err))
		terminal = true
		return
	}

	ctx = pipeline.WithObserver(ctx, func(_ *models.ContentItem, stage string) {
		e.progress(t, stage, models.StatusProcessing)
	})

	start := time.Now()
	res := e.proc.Process(ctx, item)
	if !res.Success {
		e.failed(t, res.Error)
		terminal = true
		logger.Warn("content failed", "error", res.Error, "job_id", res.JobID)
		return
	}

	e.metrics.Add(metrics.CounterCompleted, 1)
	e.metrics.Add(metrics.CounterChunks, int64(res.ChunksCreated))
	e.publish(t, models.StatusEvent{
		Kind:      models.EventCompleted,
		ContentID: t.contentID,
		Status:    models.StatusCompleted,
		Stage:     StageCompleted,
		Progress:  models.Percent(stageProgress[StageCompleted]),
	})
	terminal = true
	logger.Info("content completed",
		"job_id", res.JobID,
		"processor", res.Processor,
		"chunks", res.ChunksCreated,
		"duration", time.Since(start))
}

// terminate records a failure that happened outside the pipeline and emits
// the terminal event.
func (e *Executor) terminate(logger *slog.Logger, t task, cause error) {
	msg := cause.Error()
	logger.Error("run failed", "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := e.store.UpdateContentStatus(ctx, t.contentID, models.StatusFailed, &msg); err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Warn("failed to mark content failed", "error", err)
	}
	e.failed(t, msg)
}

func (e *Executor) failed(t task, msg string) {
	e.metrics.Add(metrics.CounterFailed, 1)
	e.publish(t, models.StatusEvent{
		Kind:      models.EventFailed,
		ContentID: t.contentID,
		Status:    models.StatusFailed,
		Stage:     StageFailed,
		Error:     msg,
	})
}

func (e *Executor) progress(t task, stage string, status models.ProcessingStatus) {
	ev := models.StatusEvent{
		Kind:      models.EventProgress,
		ContentID: t.contentID,
		Status:    status,
		Stage:     stage,
	}
	if p, ok := stageProgress[stage]; ok {
		ev.Progress = models.Percent(p)
	}
	e.publish(t, ev)
}

func (e *Executor) publish(t task, ev models.StatusEvent) {
	if e.events == nil {
		return
	}
	e.events.Publish(t.ownerID, ev)
}

func (e *Executor) markRunning(t task) {
	now := time.Now().UTC()
	e.mu.Lock()
	if info, ok := e.inflight[t.contentID]; ok {
		info.State = TaskRunning
		info.StartedAt = &now
	}
	e.mu.Unlock()
}

func (e *Executor) settle(t task) {
	e.mu.Lock()
	delete(e.inflight, t.contentID)
	e.mu.Unlock()
	e.pending.Done()
}

// InFlight returns the queued and running tasks, oldest first.
func (e *Executor) InFlight() []TaskInfo {
	e.mu.Lock()
	out := make([]TaskInfo, 0, len(e.inflight))
	for _, info := range e.inflight {
		out = append(out, *info)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Drain waits until every accepted submission has settled or ctx is done.
// It does not stop new submissions.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting submissions and waits for queued work to
// finish. If ctx expires first, running steps are cancelled and Shutdown
// waits briefly for them to record their failure before returning the
// context error.
func (e *Executor) Shutdown(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.sending.Wait()
		e.mu.Lock()
		close(e.queue)
		e.mu.Unlock()

		// Queued tasks still need a dispatcher to reach their terminal state.
		e.Start()

		e.logger.Info("executor shutting down", "in_flight", len(e.InFlight()))
		settled := true
		if err = e.Drain(ctx); err != nil {
			e.logger.Warn("shutdown deadline reached, cancelling runs", "error", err)
			e.rootCancel()

			graceCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
			defer cancel()
			if gerr := e.Drain(graceCtx); gerr != nil {
				settled = false
				e.logger.Error("runs did not stop after cancellation", "in_flight", len(e.InFlight()))
			}
		}

		if settled {
			<-e.dispatched
		}
		e.rootCancel()
		e.pool.Release()
		e.logger.Info("executor stopped")
	})
	return err
}
