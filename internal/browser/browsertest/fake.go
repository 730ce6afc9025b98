// Package browsertest provides in-memory fakes of the browser driver
// interfaces for tests.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagepool/pagepool/internal/browser"
)

// ErrBrowserGone mimics the message Playwright reports once a process
// has died.
var ErrBrowserGone = errors.New("browser has been closed")

var (
	_ browser.Driver   = (*Driver)(nil)
	_ browser.Instance = (*Instance)(nil)
	_ browser.Context  = (*Context)(nil)
)

// Driver is a fake browser.Driver. Launches succeed instantly unless
// scripted otherwise.
type Driver struct {
	mu        sync.Mutex
	started   bool
	launches  int
	instances []*Instance

	// FailLaunches makes the next N launches fail.
	FailLaunches int

	// LaunchDelay is applied before every launch completes.
	LaunchDelay time.Duration

	// OnNewContext runs against every context a fake instance opens,
	// letting tests script behavior.
	OnNewContext func(*Context)
}

func NewDriver() *Driver { return &Driver{} }

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *Driver) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *Driver) Launch(ctx context.Context) (browser.Instance, error) {
	d.mu.Lock()
	d.launches++
	fail := d.FailLaunches > 0
	if fail {
		d.FailLaunches--
	}
	delay := d.LaunchDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, errors.New("launch refused")
	}

	inst := &Instance{
		id:         uuid.New(),
		launchedAt: time.Now(),
		connected:  true,
		driver:     d,
	}
	d.mu.Lock()
	d.instances = append(d.instances, inst)
	d.mu.Unlock()
	return inst, nil
}

// Launches reports how many launches were attempted.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Instances returns every instance ever launched, dead ones included.
func (d *Driver) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Instance, len(d.instances))
	copy(out, d.instances)
	return out
}

// Instance is a fake browser process.
type Instance struct {
	id         uuid.UUID
	launchedAt time.Time
	driver     *Driver

	mu        sync.Mutex
	connected bool
	callbacks []func()
	contexts  []*Context

	// NewContextErr makes every NewContext fail.
	NewContextErr error
}

func (i *Instance) ID() uuid.UUID         { return i.id }
func (i *Instance) LaunchedAt() time.Time { return i.launchedAt }

func (i *Instance) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected
}

func (i *Instance) OnDisconnect(fn func()) {
	i.mu.Lock()
	if !i.connected {
		i.mu.Unlock()
		fn()
		return
	}
	i.callbacks = append(i.callbacks, fn)
	i.mu.Unlock()
}

// Vanish simulates a silent death: the instance stops answering
// connectivity probes but no disconnect event ever fires.
func (i *Instance) Vanish() {
	i.mu.Lock()
	i.connected = false
	i.callbacks = nil
	i.mu.Unlock()
}

// Kill simulates a process crash: the instance disconnects and every
// registered callback fires once.
func (i *Instance) Kill() {
	i.mu.Lock()
	if !i.connected {
		i.mu.Unlock()
		return
	}
	i.connected = false
	callbacks := i.callbacks
	i.callbacks = nil
	i.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (i *Instance) Close() error {
	i.Kill()
	return nil
}

func (i *Instance) NewContext(ctx context.Context) (browser.Context, error) {
	i.mu.Lock()
	if !i.connected {
		i.mu.Unlock()
		return nil, ErrBrowserGone
	}
	if i.NewContextErr != nil {
		err := i.NewContextErr
		i.mu.Unlock()
		return nil, err
	}
	i.mu.Unlock()

	c := &Context{id: uuid.New(), inst: i}
	if i.driver != nil && i.driver.OnNewContext != nil {
		i.driver.OnNewContext(c)
	}

	i.mu.Lock()
	i.contexts = append(i.contexts, c)
	i.mu.Unlock()
	return c, nil
}

// ContextCount reports how many contexts were opened on this instance.
func (i *Instance) ContextCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.contexts)
}

// Context is a fake browsing context with scriptable operations.
type Context struct {
	id   uuid.UUID
	inst *Instance

	mu     sync.Mutex
	closed bool

	NavigateFn   func(ctx context.Context, url, waitUntil string) (*browser.Navigation, error)
	ExtractFn    func(ctx context.Context, selector, format string) (string, error)
	ScreenshotFn func(ctx context.Context, fullPage bool) ([]byte, error)
	EvaluateFn   func(ctx context.Context, script string) (any, error)
}

func (c *Context) ID() uuid.UUID { return c.id }

func (c *Context) gone() bool {
	if c.inst == nil {
		return false
	}
	return !c.inst.Connected()
}

func (c *Context) Navigate(ctx context.Context, url, waitUntil string) (*browser.Navigation, error) {
	if c.gone() {
		return nil, ErrBrowserGone
	}
	if c.NavigateFn != nil {
		return c.NavigateFn(ctx, url, waitUntil)
	}
	return &browser.Navigation{URL: url, Status: 200, Title: "Fake Page"}, nil
}

func (c *Context) Extract(ctx context.Context, selector, format string) (string, error) {
	if c.gone() {
		return "", ErrBrowserGone
	}
	if c.ExtractFn != nil {
		return c.ExtractFn(ctx, selector, format)
	}
	return "fake content", nil
}

func (c *Context) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if c.gone() {
		return nil, ErrBrowserGone
	}
	if c.ScreenshotFn != nil {
		return c.ScreenshotFn(ctx, fullPage)
	}
	return []byte("fake-png"), nil
}

func (c *Context) Evaluate(ctx context.Context, script string) (any, error) {
	if c.gone() {
		return nil, ErrBrowserGone
	}
	if c.EvaluateFn != nil {
		return c.EvaluateFn(ctx, script)
	}
	return "ok", nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
