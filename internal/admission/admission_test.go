package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepool/pagepool/internal/browser"
	"github.com/pagepool/pagepool/internal/browser/browsertest"
	"github.com/pagepool/pagepool/internal/executor"
	"github.com/pagepool/pagepool/internal/pool"
	"github.com/pagepool/pagepool/internal/sessions"
	"github.com/pagepool/pagepool/internal/tasks"
)

type harness struct {
	driver     *browsertest.Driver
	pool       *pool.Pool
	sessions   *sessions.Manager
	controller *Controller
}

func newHarness(t *testing.T, poolOpts pool.Options, opts Options) *harness {
	t.Helper()
	if poolOpts.Size == 0 {
		poolOpts.Size = 1
	}
	if poolOpts.ContextsPerInstance == 0 {
		poolOpts.ContextsPerInstance = 4
	}
	poolOpts.LaunchAttempts = 1
	poolOpts.LaunchTimeout = time.Second

	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = poolOpts.Size * poolOpts.ContextsPerInstance
	}

	driver := browsertest.NewDriver()
	p := pool.New(driver, poolOpts)
	sm := sessions.NewManager(p, sessions.Options{IdleTimeout: time.Minute, ReaperInterval: time.Minute})
	exec := executor.New(time.Second)
	ac := New(sm, p, exec, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ac.Shutdown(ctx)
		_ = sm.Shutdown(ctx)
		_ = p.Shutdown(ctx)
	})
	return &harness{driver: driver, pool: p, sessions: sm, controller: ac}
}

func navigateTask() *tasks.Task {
	t := tasks.New(tasks.KindNavigate)
	t.URL = "https://example.com"
	return t
}

func TestSubmitResolvesTask(t *testing.T) {
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4})

	out, err := h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)

	select {
	case outcome := <-out:
		assert.True(t, outcome.OK())
		assert.Equal(t, 1, outcome.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("task never resolved")
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4})

	task := tasks.New(tasks.KindNavigate) // no URL
	_, err := h.controller.Submit(context.Background(), task)
	assert.Error(t, err)
}

func TestOverloadedRejectionIsImmediate(t *testing.T) {
	h := newHarness(t, pool.Options{Size: 1, ContextsPerInstance: 1}, Options{MaxConcurrency: 1, QueueDepth: 1})

	// Park the single run slot on a blocking navigation.
	block := make(chan struct{})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return &browser.Navigation{URL: url, Status: 200}, nil
		}
	}

	first, err := h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)

	// Wait for the first task to leave the queue and start running.
	require.Eventually(t, func() bool {
		return h.controller.Stats().Running == 1
	}, time.Second, 5*time.Millisecond)

	// Exactly QueueDepth tasks may wait; the next one is rejected
	// without blocking.
	_, err = h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)

	start := time.Now()
	_, err = h.controller.Submit(context.Background(), navigateTask())
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(block)
	<-first
}

func TestAllTasksWithinBoundComplete(t *testing.T) {
	h := newHarness(t, pool.Options{Size: 2, ContextsPerInstance: 2}, Options{MaxConcurrency: 4, QueueDepth: 16})

	const n = 12
	var wg sync.WaitGroup
	var completed int64

	for i := 0; i < n; i++ {
		out, err := h.controller.Submit(context.Background(), navigateTask())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := <-out
			if outcome.OK() {
				atomic.AddInt64(&completed, 1)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not finish")
	}
	assert.Equal(t, int64(n), atomic.LoadInt64(&completed))
}

func TestConcurrencyNeverExceedsBound(t *testing.T) {
	const bound = 2
	var inFlight, peak int64

	h := newHarness(t, pool.Options{Size: 1, ContextsPerInstance: bound}, Options{MaxConcurrency: bound, QueueDepth: 16})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return &browser.Navigation{URL: url, Status: 200}, nil
		}
	}

	var outs []<-chan tasks.Outcome
	for i := 0; i < 8; i++ {
		out, err := h.controller.Submit(context.Background(), navigateTask())
		require.NoError(t, err)
		outs = append(outs, out)
	}
	for _, out := range outs {
		<-out
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(bound))
}

func TestRetriableFailureRetriesWithinBudget(t *testing.T) {
	var calls int64
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4, DefaultRetries: 2})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			if atomic.AddInt64(&calls, 1) < 3 {
				return nil, errors.New("goto " + url + ": net::ERR_CONNECTION_RESET")
			}
			return &browser.Navigation{URL: url, Status: 200}, nil
		}
	}

	task := navigateTask()
	task.RetryOnError = true

	out, err := h.controller.Submit(context.Background(), task)
	require.NoError(t, err)

	outcome := <-out
	assert.True(t, outcome.OK())
	assert.Equal(t, 3, outcome.Attempts)
}

func TestNonRetriableFailureDoesNotRetry(t *testing.T) {
	var calls int64
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4, DefaultRetries: 3})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("goto " + url + ": net::ERR_NAME_NOT_RESOLVED")
		}
	}

	out, err := h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)

	outcome := <-out
	assert.False(t, outcome.OK())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestExplicitZeroRetries(t *testing.T) {
	var calls int64
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4, DefaultRetries: 3})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("goto " + url + ": net::ERR_CONNECTION_RESET")
		}
	}

	task := navigateTask()
	task.RetryOnError = true
	task.MaxRetries = 0

	out, err := h.controller.Submit(context.Background(), task)
	require.NoError(t, err)

	outcome := <-out
	assert.False(t, outcome.OK())
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestInstanceCrashMidTaskRetriesOnFreshInstance(t *testing.T) {
	h := newHarness(t, pool.Options{Size: 1, ContextsPerInstance: 2}, Options{QueueDepth: 4, DefaultRetries: 1})

	var once sync.Once
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			var crashed bool
			once.Do(func() {
				crashed = true
				for _, inst := range h.driver.Instances() {
					inst.Kill()
				}
			})
			if crashed {
				return nil, browsertest.ErrBrowserGone
			}
			return &browser.Navigation{URL: url, Status: 200}, nil
		}
	}

	out, err := h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)

	outcome := <-out
	assert.True(t, outcome.OK())
	assert.Equal(t, 2, outcome.Attempts)
	assert.GreaterOrEqual(t, h.driver.Launches(), 2)
}

func TestProvisioningFailureReachesTerminalState(t *testing.T) {
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4})
	h.driver.FailLaunches = 1

	task := navigateTask()
	out, err := h.controller.Submit(context.Background(), task)
	require.NoError(t, err)

	outcome := <-out
	assert.False(t, outcome.OK())
	assert.Equal(t, tasks.FailProvisioning, outcome.Failure.Kind)
	assert.Equal(t, tasks.StatusFailed, outcome.Status)
	// The task itself lands terminal, not stranded at assigned.
	assert.Equal(t, tasks.StatusFailed, task.Status)
}

func TestQueuedTaskCancelledByCaller(t *testing.T) {
	h := newHarness(t, pool.Options{Size: 1, ContextsPerInstance: 1}, Options{MaxConcurrency: 1, QueueDepth: 2})

	block := make(chan struct{})
	h.driver.OnNewContext = func(c *browsertest.Context) {
		c.NavigateFn = func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return &browser.Navigation{URL: url, Status: 200}, nil
		}
	}

	first, err := h.controller.Submit(context.Background(), navigateTask())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.controller.Stats().Running == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	queued, err := h.controller.Submit(ctx, navigateTask())
	require.NoError(t, err)
	cancel()

	close(block)
	<-first

	select {
	case outcome := <-queued:
		assert.Equal(t, tasks.StatusCancelled, outcome.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled task never resolved")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	h := newHarness(t, pool.Options{}, Options{QueueDepth: 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.controller.Shutdown(ctx))

	_, err := h.controller.Submit(context.Background(), navigateTask())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestStats(t *testing.T) {
	h := newHarness(t, pool.Options{}, Options{MaxConcurrency: 3, QueueDepth: 7})

	st := h.controller.Stats()
	assert.Equal(t, 3, st.MaxConcurrency)
	assert.Equal(t, 7, st.QueueDepth)
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, 0, st.Running)
}
