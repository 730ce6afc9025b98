package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pagepool/pagepool/internal/browser"
	"github.com/pagepool/pagepool/internal/sessions"
	"github.com/pagepool/pagepool/internal/tasks"
)

// Executor runs one automation task against a leased browsing context
// under a hard deadline. Every browser-level failure is converted to
// the outcome taxonomy here; nothing escapes as a raw error.
type Executor struct {
	defaultTimeout time.Duration
}

// New builds an executor. defaultTimeout applies to tasks that carry
// no timeout of their own.
func New(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{defaultTimeout: defaultTimeout}
}

// Run executes the task. The returned contaminated flag tells the
// caller the context must be destroyed rather than reused: deadline
// expiry abandons an in-flight browser call, and process-level
// failures leave the context unusable.
func (e *Executor) Run(ctx context.Context, t *tasks.Task, lease *sessions.Lease) (outcome tasks.Outcome, contaminated bool) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.perform(runCtx, t, lease.Context())
	elapsed := time.Since(start)

	if err == nil {
		outcome = tasks.Completed(t.ID, result)
		outcome.Duration = elapsed
		return outcome, false
	}

	outcome = e.classify(runCtx, ctx, t, err)
	outcome.Duration = elapsed

	// Timeouts and cancellations abandon an in-flight protocol call;
	// process loss invalidates everything on the instance. All three
	// leave the context unfit for reuse.
	switch outcome.Failure.Kind {
	case tasks.FailTimeout, tasks.FailCancelled, tasks.FailInstanceLost:
		contaminated = true
	}
	return outcome, contaminated
}

func (e *Executor) perform(ctx context.Context, t *tasks.Task, bctx browser.Context) (*tasks.Result, error) {
	switch t.Kind {
	case tasks.KindNavigate:
		nav, err := bctx.Navigate(ctx, t.URL, t.WaitUntil)
		if err != nil {
			return nil, err
		}
		return &tasks.Result{FinalURL: nav.URL, HTTPStatus: nav.Status, Title: nav.Title}, nil

	case tasks.KindExtract:
		nav, err := bctx.Navigate(ctx, t.URL, t.WaitUntil)
		if err != nil {
			return nil, err
		}
		content, err := bctx.Extract(ctx, t.Selector, string(t.Format))
		if err != nil {
			return nil, err
		}
		return &tasks.Result{
			FinalURL:   nav.URL,
			HTTPStatus: nav.Status,
			Title:      nav.Title,
			Content:    content,
		}, nil

	case tasks.KindScreenshot:
		nav, err := bctx.Navigate(ctx, t.URL, t.WaitUntil)
		if err != nil {
			return nil, err
		}
		shot, err := bctx.Screenshot(ctx, t.FullPage)
		if err != nil {
			return nil, err
		}
		return &tasks.Result{
			FinalURL:   nav.URL,
			HTTPStatus: nav.Status,
			Title:      nav.Title,
			Screenshot: shot,
		}, nil

	case tasks.KindEvaluate:
		if t.URL != "" {
			if _, err := bctx.Navigate(ctx, t.URL, t.WaitUntil); err != nil {
				return nil, err
			}
		}
		value, err := bctx.Evaluate(ctx, t.Script)
		if err != nil {
			return nil, err
		}
		return &tasks.Result{Value: value}, nil

	default:
		return nil, errors.New("unknown task kind")
	}
}

// classify maps an operation error onto the failure taxonomy. The
// deadline check comes first: a timed-out protocol call reports all
// sorts of underlying messages.
func (e *Executor) classify(runCtx, parent context.Context, t *tasks.Task, err error) tasks.Outcome {
	switch {
	case parent.Err() != nil:
		return tasks.Failed(t.ID, tasks.FailCancelled, "task cancelled by caller", false)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return tasks.TimedOut(t.ID)
	case browser.IsDisconnect(err):
		return tasks.InstanceLost(t.ID)
	}

	retriable := t.RetryOnError
	switch t.Kind {
	case tasks.KindNavigate:
		return tasks.Failed(t.ID, tasks.FailNavigation, err.Error(), retriable)
	case tasks.KindExtract, tasks.KindScreenshot:
		// Failures after a successful navigation are execution-level;
		// navigation failures keep their own kind.
		if isNavigationError(err) {
			return tasks.Failed(t.ID, tasks.FailNavigation, err.Error(), retriable)
		}
		return tasks.Failed(t.ID, tasks.FailExecution, err.Error(), retriable)
	default:
		return tasks.Failed(t.ID, tasks.FailExecution, err.Error(), retriable)
	}
}

// isNavigationError relies on the driver wrapping goto failures with
// a "goto <url>:" prefix.
func isNavigationError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "goto ")
}
