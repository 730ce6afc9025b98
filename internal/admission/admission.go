package admission

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pagepool/pagepool/internal/executor"
	"github.com/pagepool/pagepool/internal/pool"
	"github.com/pagepool/pagepool/internal/sessions"
	"github.com/pagepool/pagepool/internal/tasks"
)

var (
	// ErrOverloaded is returned immediately when the queue is at its
	// depth bound. Backpressure, not buffering.
	ErrOverloaded = errors.New("task queue full")

	// ErrShuttingDown is returned once Shutdown has begun.
	ErrShuttingDown = errors.New("admission controller shutting down")
)

// Options configure the controller.
type Options struct {
	// MaxConcurrency bounds tasks running at once; must not exceed the
	// pool's total context capacity.
	MaxConcurrency int

	// QueueDepth bounds tasks waiting for a run slot.
	QueueDepth int

	// DefaultRetries is the retry budget for tasks that specify none.
	DefaultRetries int
}

type item struct {
	ctx  context.Context
	task *tasks.Task
	out  chan tasks.Outcome
}

// Controller admits automation tasks: a fixed set of MaxConcurrency
// workers consumes the queue FIFO, excess work waits up to QueueDepth
// deep, and anything beyond that is rejected outright. Retriable
// failures re-run within each task's retry budget. Every submitted
// task resolves exactly once.
type Controller struct {
	sessions *sessions.Manager
	pool     *pool.Pool
	exec     *executor.Executor
	opts     Options

	queue  chan *item
	stopCh chan struct{}

	mu      sync.Mutex
	closed  bool
	running int

	workers sync.WaitGroup
}

// New builds the controller and starts its workers.
func New(sm *sessions.Manager, p *pool.Pool, exec *executor.Executor, opts Options) *Controller {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.QueueDepth < 0 {
		opts.QueueDepth = 0
	}
	c := &Controller{
		sessions: sm,
		pool:     p,
		exec:     exec,
		opts:     opts,
		queue:    make(chan *item, opts.QueueDepth),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < opts.MaxConcurrency; i++ {
		c.workers.Add(1)
		go c.work()
	}
	return c
}

// Submit validates and enqueues a task. The returned channel resolves
// with exactly one outcome. A full queue fails immediately with
// ErrOverloaded; workers receive directly from the queue, so the depth
// bound is exact.
func (c *Controller) Submit(ctx context.Context, t *tasks.Task) (<-chan tasks.Outcome, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = c.opts.DefaultRetries
	}

	it := &item{ctx: ctx, task: t, out: make(chan tasks.Outcome, 1)}

	// Enqueue under the lock so no task slips in behind a shutdown
	// drain.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	select {
	case c.queue <- it:
		return it.out, nil
	default:
		return nil, ErrOverloaded
	}
}

func (c *Controller) work() {
	defer c.workers.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case it := <-c.queue:
			// Caller may have walked away while the task sat queued.
			if it.ctx.Err() != nil {
				c.resolveCancelled(it)
				continue
			}
			c.mu.Lock()
			c.running++
			c.mu.Unlock()
			c.process(it)
			c.mu.Lock()
			c.running--
			c.mu.Unlock()
		}
	}
}

func (c *Controller) resolveCancelled(it *item) {
	_ = it.task.Transition(tasks.StatusCancelled)
	out := tasks.Failed(it.task.ID, tasks.FailCancelled, "task cancelled before execution", false)
	out.Status = tasks.StatusCancelled
	it.out <- out
}

func (c *Controller) process(it *item) {
	t := it.task
	_ = t.Transition(tasks.StatusAssigned)

	budget := t.MaxRetries
	var outcome tasks.Outcome

	for attempt := 1; ; attempt++ {
		outcome = c.runOnce(it.ctx, t, attempt == 1)
		outcome.Attempts = attempt

		if outcome.OK() || !outcome.Retriable() || attempt > budget || it.ctx.Err() != nil {
			break
		}
		log.Printf("[ADMISSION] task %s attempt %d failed (%s), retrying", t.ID, attempt, outcome.Failure.Kind)
	}

	if tasks.CanTransition(t.Status, outcome.Status) {
		_ = t.Transition(outcome.Status)
	}
	it.out <- outcome
}

// runOnce performs one attempt: lease a context, execute, release.
// Failures at every stage come back as classified outcomes.
func (c *Controller) runOnce(ctx context.Context, t *tasks.Task, first bool) tasks.Outcome {
	lease, err := c.sessions.OpenContext(ctx, t.SessionKey)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrProvisioning):
			// The pool already retried the launch; this attempt is
			// spent.
			return tasks.Failed(t.ID, tasks.FailProvisioning, err.Error(), false)
		case errors.Is(err, pool.ErrPoolClosed):
			return tasks.Failed(t.ID, tasks.FailCancelled, "service shutting down", false)
		case ctx.Err() != nil:
			return tasks.Failed(t.ID, tasks.FailCancelled, "task cancelled while waiting for capacity", false)
		default:
			return tasks.Failed(t.ID, tasks.FailProvisioning, err.Error(), false)
		}
	}

	if first {
		_ = t.Transition(tasks.StatusRunning)
	}

	outcome, contaminated := c.exec.Run(ctx, t, lease)

	// A context-level disconnect may precede the pool's own crash
	// notification; make sure the instance leaves rotation either way.
	if outcome.Failure != nil && outcome.Failure.Kind == tasks.FailInstanceLost {
		c.pool.MarkUnhealthy(lease.InstanceID())
	}

	c.sessions.Release(lease, contaminated)
	return outcome
}

// Stats is the controller's live load
// @Description Admission controller load snapshot
type Stats struct {
	Queued         int `json:"queued"`
	Running        int `json:"running"`
	MaxConcurrency int `json:"max_concurrency"`
	QueueDepth     int `json:"queue_depth"`
} //@name AdmissionStats

// Stats reports queue and execution load.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	return Stats{
		Queued:         len(c.queue),
		Running:        running,
		MaxConcurrency: c.opts.MaxConcurrency,
		QueueDepth:     c.opts.QueueDepth,
	}
}

// Shutdown stops intake, cancels queued tasks and waits for running
// ones, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)

	// Drain whatever no worker picked up; workers racing this drain is
	// fine, the channel hands each item to exactly one of us.
	for {
		select {
		case it := <-c.queue:
			c.resolveCancelled(it)
		default:
			goto drained
		}
	}
drained:

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until no task is queued or running, or the timeout
// elapses. Test hook.
func (c *Controller) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := c.Stats()
		if st.Queued == 0 && st.Running == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
