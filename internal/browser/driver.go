package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Settings carries the launch and context options applied to every
// browser process and browsing context.
type Settings struct {
	Headless bool

	UserAgent string
	Locale    string
	Timezone  string

	ViewportWidth  int
	ViewportHeight int

	IgnoreHTTPSErrors bool

	ProxyServer   string
	ProxyUsername string
	ProxyPassword string
}

// DefaultSettings mirrors the context options the service has always
// launched with.
func DefaultSettings() Settings {
	return Settings{
		Headless:          true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		IgnoreHTTPSErrors: true,
	}
}

// Navigation is the result of a page navigation. A non-2xx status is
// reported here, not as an error.
type Navigation struct {
	URL    string
	Status int
	Title  string
}

// Driver launches and tears down browser processes. Implementations
// must be safe for concurrent use.
type Driver interface {
	// Start prepares the driver (for Playwright: starts the node
	// sidecar). Must be called once before Launch.
	Start(ctx context.Context) error

	// Launch starts one browser process. The context bounds launch
	// time.
	Launch(ctx context.Context) (Instance, error)

	// Ready reports whether the driver has been started and not yet
	// stopped.
	Ready() bool

	// Stop tears the driver down. Instances must be closed first.
	Stop() error
}

// Instance is one running browser process.
type Instance interface {
	ID() uuid.UUID
	LaunchedAt() time.Time

	// Connected reports whether the process is still reachable.
	Connected() bool

	// OnDisconnect registers a callback invoked exactly once when the
	// process dies or is closed. Callbacks registered after
	// disconnection fire immediately.
	OnDisconnect(fn func())

	// NewContext opens an isolated browsing context (own cookies and
	// storage) inside this process.
	NewContext(ctx context.Context) (Context, error)

	Close() error
}

// Context is an isolated browsing session with one page attached.
// A Context must not be used by two tasks concurrently; the session
// manager enforces that.
type Context interface {
	ID() uuid.UUID

	Navigate(ctx context.Context, url, waitUntil string) (*Navigation, error)
	Extract(ctx context.Context, selector, format string) (string, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Evaluate(ctx context.Context, script string) (any, error)

	Close() error
}

// ErrNoSuchElement is returned by Extract when the selector matches
// nothing.
var ErrNoSuchElement = errors.New("no element matches selector")

var disconnectMarkers = []string{
	"browser has been closed",
	"target page, context or browser has been closed",
	"browser closed",
	"connection closed",
	"websocket: close",
}

// IsDisconnect reports whether an operation error indicates the
// browser process itself is gone, as opposed to a page-level failure.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// await runs fn on its own goroutine and returns early if ctx is
// cancelled. Playwright calls are not context-aware; the deadline is
// additionally encoded into the per-call timeout option, so an
// abandoned call terminates on its own shortly after.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type res struct {
		v   T
		err error
	}
	ch := make(chan res, 1)
	go func() {
		v, err := fn()
		ch <- res{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// timeoutMillis converts a context deadline into the millisecond
// timeout Playwright expects, clamped to def when no deadline is set.
func timeoutMillis(ctx context.Context, def time.Duration) float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return float64(remaining.Milliseconds())
		}
		return 1
	}
	return float64(def.Milliseconds())
}
