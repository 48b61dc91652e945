package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sambenson/docpipe/pkg/dpcerrors"
	"github.com/sambenson/docpipe/pkg/events"
	"github.com/sambenson/docpipe/pkg/processor"
	"github.com/sambenson/docpipe/pkg/resources"
	"github.com/sambenson/docpipe/pkg/telemetry"
)

// Pool dispatches submitted tasks across a fixed set of cooperative
// workers, enforcing per-task timeouts and reporting results, grounded on
// the source system's workers/pool.py WorkerPool.
type Pool struct {
	cfg     Config
	log     *zap.Logger
	bus     *events.Bus
	monitor *resources.Monitor
	metrics *telemetry.Metrics
	tracker *ProgressTracker
	limiter *rate.Limiter

	priorityQueue chan *Task
	defaultQueue  chan *Task

	mu       sync.RWMutex
	results  map[string]*Task
	workers  map[string]*workerState

	running  atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
	startedAt time.Time

	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
}

type workerState struct {
	mu    sync.Mutex
	stats WorkerStats
}

// Options bundles the Pool's collaborators.
type Options struct {
	Config  Config
	Logger  *zap.Logger
	Bus     *events.Bus // optional
	Monitor *resources.Monitor // optional; nil disables resource admission
	Metrics *telemetry.Metrics
	Tracker *ProgressTracker // optional
	SubmitRateLimit rate.Limit // 0 disables throttling
}

// New constructs a Pool. Call Start to spin up workers.
func New(opts Options) *Pool {
	cfg := opts.Config
	cfg.setDefaults()
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.SubmitRateLimit > 0 {
		limiter = rate.NewLimiter(opts.SubmitRateLimit, int(opts.SubmitRateLimit)+1)
	}
	return &Pool{
		cfg:           cfg,
		log:           log,
		bus:           opts.Bus,
		monitor:       opts.Monitor,
		metrics:       opts.Metrics,
		tracker:       opts.Tracker,
		limiter:       limiter,
		priorityQueue: make(chan *Task, cfg.PriorityQueueSize),
		defaultQueue:  make(chan *Task, cfg.MaxQueueSize),
		results:       make(map[string]*Task),
		workers:       make(map[string]*workerState),
	}
}

// Start launches the configured worker goroutines and the heartbeat
// monitor.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.startedAt = time.Now()
	p.stopCh = make(chan struct{})

	for i := 0; i < p.cfg.AsyncWorkers; i++ {
		p.spawnWorker(ctx, KindAsync, fmt.Sprintf("async-%d", i))
	}
	for i := 0; i < p.cfg.ThreadWorkers; i++ {
		p.spawnWorker(ctx, KindThread, fmt.Sprintf("thread-%d", i))
	}
	for i := 0; i < p.cfg.ProcessWorkers; i++ {
		p.spawnWorker(ctx, KindProcess, fmt.Sprintf("process-%d", i))
	}

	p.wg.Add(1)
	go p.monitorWorkers(ctx)

	p.publish(ctx, events.TypeWorkerPoolStarted, nil)
}

func (p *Pool) spawnWorker(ctx context.Context, kind WorkerKind, id string) {
	p.mu.Lock()
	p.workers[id] = &workerState{stats: WorkerStats{WorkerID: id, Kind: kind, Status: WorkerIdle, LastHeartbeat: time.Now()}}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runWorker(ctx, id)
}

// Submit enqueues a task for dispatch. Resource admission is attempted via
// the Monitor when configured; enqueue uses a put-timeout bounded by
// cfg.SubmitPutTimeout, after which QueueFull is returned and any admitted
// resources are released.
func (p *Pool) Submit(ctx context.Context, t *Task) (string, error) {
	if !p.running.Load() {
		return "", fmt.Errorf("worker pool: not running")
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return "", dpcerrors.New(dpcerrors.KindQueueFull, "submission rate limit exceeded")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SubmittedAt = time.Now()

	if p.monitor != nil {
		if err := p.monitor.Allocate(t.ID, t.Required); err != nil {
			return "", err
		}
	}

	queue := p.defaultQueue
	if t.Priority == PriorityCritical {
		queue = p.priorityQueue
	}

	timer := time.NewTimer(p.cfg.SubmitPutTimeout)
	defer timer.Stop()
	select {
	case queue <- t:
		p.mu.Lock()
		p.results[t.ID] = t
		p.mu.Unlock()
		p.publish(ctx, events.TypeTaskSubmitted, map[string]any{"task_id": t.ID, "processor": t.ProcessorName})
		return t.ID, nil
	case <-timer.C:
		if p.monitor != nil {
			p.monitor.Release(t.ID)
		}
		return "", dpcerrors.New(dpcerrors.KindQueueFull, "task queue is full after %s", p.cfg.SubmitPutTimeout)
	case <-ctx.Done():
		if p.monitor != nil {
			p.monitor.Release(t.ID)
		}
		return "", ctx.Err()
	}
}

// Result polls for a task's completion up to waitTimeout.
func (p *Pool) Result(ctx context.Context, taskID string, waitTimeout time.Duration) (processor.Result, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		p.mu.RLock()
		t, ok := p.results[taskID]
		var completed bool
		var res processor.Result
		var resErr error
		if ok {
			completed = !t.CompletedAt.IsZero()
			res, resErr = t.Result, t.Err
		}
		p.mu.RUnlock()
		if !ok {
			return processor.Result{}, fmt.Errorf("worker pool: unknown task %s", taskID)
		}
		if completed {
			if resErr != nil {
				return res, resErr
			}
			return res, nil
		}
		if time.Now().After(deadline) {
			return processor.Result{}, dpcerrors.New(dpcerrors.KindStageTimeout, "waiting for task %s result", taskID)
		}
		select {
		case <-ctx.Done():
			return processor.Result{}, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, id string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			p.setWorkerStatus(id, WorkerStopped)
			return
		case <-ctx.Done():
			p.setWorkerStatus(id, WorkerStopped)
			return
		default:
		}

		var t *Task
		select {
		case t = <-p.priorityQueue:
		case <-time.After(100 * time.Millisecond):
			select {
			case t = <-p.defaultQueue:
			case <-time.After(time.Second):
				p.heartbeat(id)
				continue
			}
		}
		if t == nil {
			continue
		}
		p.process(ctx, id, t)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, t *Task) {
	p.setWorkerStatus(workerID, WorkerBusy)
	t.StartedAt = time.Now()
	t.WorkerID = workerID

	if p.tracker != nil {
		p.tracker.StartTask(t.ID, t.ProcessorName, t.Context.DocumentID, 0)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTaskTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := p.invoke(attemptCtx, t)
	cancel()

	p.mu.Lock()
	t.CompletedAt = time.Now()
	t.Result = result
	t.Err = err
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Release(t.ID)
	}

	kindLabel := string(p.workerKind(workerID))
	if err != nil || result.Status == processor.StatusFailed {
		p.tasksFailed.Add(1)
		p.incWorkerFailed(workerID)
		p.metrics.TaskFailed(kindLabel)
		p.publish(ctx, events.TypeTaskFailed, map[string]any{"task_id": t.ID, "error": errString(err)})
		if p.tracker != nil {
			p.tracker.CompleteTask(t.ID, false, errString(err))
		}
	} else {
		p.tasksCompleted.Add(1)
		p.incWorkerCompleted(workerID, t.ProcessingTime())
		p.metrics.TaskCompleted(kindLabel)
		p.metrics.ObserveTaskDuration(t.ProcessorName, t.ProcessingTime().Seconds())
		p.publish(ctx, events.TypeTaskCompleted, map[string]any{"task_id": t.ID})
		if p.tracker != nil {
			p.tracker.CompleteTask(t.ID, true, "")
		}
	}

	p.setWorkerStatus(workerID, WorkerIdle)
}

func (p *Pool) invoke(ctx context.Context, t *Task) (result processor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	if t.Processor == nil {
		return processor.Result{}, fmt.Errorf("worker pool: task %s has no processor bound", t.ID)
	}
	res, perr := t.Processor.Process(ctx, t.Context)
	if ctx.Err() != nil {
		return processor.Result{Status: processor.StatusFailed, Errors: []string{"timeout"}}, dpcerrors.Wrap(dpcerrors.KindStageTimeout, ctx.Err(), "task %s", t.ID)
	}
	return res, perr
}

func (p *Pool) monitorWorkers(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WorkerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepStaleWorkers()
			p.publish(ctx, events.TypeWorkerPoolHeartbeat, map[string]any{"stats": p.Stats()})
		}
	}
}

func (p *Pool) sweepStaleWorkers() {
	staleAfter := 3 * p.cfg.WorkerHeartbeatInterval
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.mu.Lock()
		if time.Since(w.stats.LastHeartbeat) > staleAfter && w.stats.Status != WorkerStopped {
			w.stats.Status = WorkerError
		}
		w.mu.Unlock()
	}
}

func (p *Pool) heartbeat(id string) {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.stats.LastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (p *Pool) setWorkerStatus(id string, status WorkerStatus) {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.stats.Status = status
	w.stats.LastHeartbeat = time.Now()
	w.mu.Unlock()
}

func (p *Pool) workerKind(id string) WorkerKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if w, ok := p.workers[id]; ok {
		return w.stats.Kind
	}
	return KindAsync
}

func (p *Pool) incWorkerCompleted(id string, dur time.Duration) {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.stats.TasksCompleted++
	w.stats.TotalProcessingTime += dur
	w.mu.Unlock()
}

func (p *Pool) incWorkerFailed(id string) {
	p.mu.RLock()
	w, ok := p.workers[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.stats.TasksFailed++
	w.mu.Unlock()
}

// Stats reports an aggregate snapshot of every worker plus queue depths.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	workers := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		w.mu.Lock()
		workers = append(workers, w.stats)
		w.mu.Unlock()
	}
	p.metrics.SetQueueDepth("priority", len(p.priorityQueue))
	p.metrics.SetQueueDepth("default", len(p.defaultQueue))
	return PoolStats{
		Workers:            workers,
		PriorityQueueDepth: len(p.priorityQueue),
		DefaultQueueDepth:  len(p.defaultQueue),
		TasksCompleted:     p.tasksCompleted.Load(),
		TasksFailed:        p.tasksFailed.Load(),
		UptimeSeconds:      time.Since(p.startedAt).Seconds(),
	}
}

// WaitForCompletion blocks until every submitted task has a result or the
// timeout elapses.
func (p *Pool) WaitForCompletion(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if p.allDone() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker pool: tasks still outstanding after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (p *Pool) allDone() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.results {
		// Completion fields are written under p.mu in process(), so this
		// read is consistent while holding the same lock.
		if t.CompletedAt.IsZero() {
			return false
		}
	}
	return true
}

// Stop blocks new submissions, waits up to timeout/2 for active tasks to
// drain, then signals remaining workers to exit with the remaining budget.
func (p *Pool) Stop(ctx context.Context, timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	half := timeout / 2
	_ = p.WaitForCompletion(ctx, half)

	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout - half):
	}
	p.publish(ctx, events.TypeWorkerPoolStopped, nil)
	return nil
}

func (p *Pool) publish(ctx context.Context, typ string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, events.Event{Type: typ, Payload: payload})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
