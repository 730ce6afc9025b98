package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

const defaultOpTimeout = 30 * time.Second

// PlaywrightDriver drives headless Firefox processes through the
// Playwright protocol.
type PlaywrightDriver struct {
	settings Settings

	mu      sync.Mutex
	pw      *playwright.Playwright
	started bool
}

// NewPlaywrightDriver builds a driver; Start must be called before
// the first Launch.
func NewPlaywrightDriver(settings Settings) *PlaywrightDriver {
	return &PlaywrightDriver{settings: settings}
}

func (d *PlaywrightDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
		Browsers: []string{"firefox"},
	}

	_, err := await(ctx, func() (struct{}, error) {
		if err := playwright.Install(opts); err != nil {
			return struct{}{}, fmt.Errorf("install playwright: %w", err)
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			return struct{}{}, fmt.Errorf("start playwright: %w", err)
		}
		d.pw = pw
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	d.started = true
	return nil
}

func (d *PlaywrightDriver) Launch(ctx context.Context) (Instance, error) {
	d.mu.Lock()
	pw := d.pw
	d.mu.Unlock()
	if pw == nil {
		return nil, fmt.Errorf("driver not started")
	}

	timeout := timeoutMillis(ctx, defaultOpTimeout)
	b, err := await(ctx, func() (playwright.Browser, error) {
		return pw.Firefox.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(d.settings.Headless),
			Timeout:  playwright.Float(timeout),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("launch firefox: %w", err)
	}

	inst := &playwrightInstance{
		id:         uuid.New(),
		launchedAt: time.Now(),
		browser:    b,
		settings:   d.settings,
	}
	b.OnDisconnected(func(playwright.Browser) {
		inst.fireDisconnect()
	})
	return inst, nil
}

func (d *PlaywrightDriver) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *PlaywrightDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	d.started = false
	return err
}

type playwrightInstance struct {
	id         uuid.UUID
	launchedAt time.Time
	browser    playwright.Browser
	settings   Settings

	mu           sync.Mutex
	disconnected bool
	callbacks    []func()
}

func (i *playwrightInstance) ID() uuid.UUID         { return i.id }
func (i *playwrightInstance) LaunchedAt() time.Time { return i.launchedAt }

func (i *playwrightInstance) Connected() bool {
	return i.browser.IsConnected()
}

func (i *playwrightInstance) OnDisconnect(fn func()) {
	i.mu.Lock()
	if i.disconnected {
		i.mu.Unlock()
		fn()
		return
	}
	i.callbacks = append(i.callbacks, fn)
	i.mu.Unlock()
}

func (i *playwrightInstance) fireDisconnect() {
	i.mu.Lock()
	if i.disconnected {
		i.mu.Unlock()
		return
	}
	i.disconnected = true
	callbacks := i.callbacks
	i.callbacks = nil
	i.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (i *playwrightInstance) NewContext(ctx context.Context) (Context, error) {
	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  i.settings.ViewportWidth,
			Height: i.settings.ViewportHeight,
		},
		IgnoreHttpsErrors: playwright.Bool(i.settings.IgnoreHTTPSErrors),
	}
	if i.settings.UserAgent != "" {
		opts.UserAgent = playwright.String(i.settings.UserAgent)
	}
	if i.settings.Locale != "" {
		opts.Locale = playwright.String(i.settings.Locale)
	}
	if i.settings.Timezone != "" {
		opts.TimezoneId = playwright.String(i.settings.Timezone)
	}
	if i.settings.ProxyServer != "" {
		proxy := &playwright.Proxy{Server: i.settings.ProxyServer}
		if i.settings.ProxyUsername != "" {
			proxy.Username = playwright.String(i.settings.ProxyUsername)
			proxy.Password = playwright.String(i.settings.ProxyPassword)
		}
		opts.Proxy = proxy
	}

	bctx, err := await(ctx, func() (playwright.BrowserContext, error) {
		return i.browser.NewContext(opts)
	})
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}

	page, err := await(ctx, func() (playwright.Page, error) {
		return bctx.NewPage()
	})
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	return &playwrightContext{
		id:   uuid.New(),
		bctx: bctx,
		page: page,
	}, nil
}

func (i *playwrightInstance) Close() error {
	err := i.browser.Close()
	// Closing does not always emit the protocol-level disconnect
	// before Close returns.
	i.fireDisconnect()
	return err
}

type playwrightContext struct {
	id   uuid.UUID
	bctx playwright.BrowserContext
	page playwright.Page
}

func (c *playwrightContext) ID() uuid.UUID { return c.id }

func (c *playwrightContext) Navigate(ctx context.Context, url, waitUntil string) (*Navigation, error) {
	opts := playwright.PageGotoOptions{
		Timeout: playwright.Float(timeoutMillis(ctx, defaultOpTimeout)),
	}
	if waitUntil != "" {
		state := playwright.WaitUntilState(waitUntil)
		opts.WaitUntil = &state
	}

	resp, err := await(ctx, func() (playwright.Response, error) {
		return c.page.Goto(url, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("goto %s: %w", url, err)
	}

	nav := &Navigation{URL: c.page.URL()}
	if resp != nil {
		nav.Status = resp.Status()
	}
	if title, terr := c.page.Title(); terr == nil {
		nav.Title = title
	}
	return nav, nil
}

func (c *playwrightContext) Extract(ctx context.Context, selector, format string) (string, error) {
	text, err := await(ctx, func() (string, error) {
		sel := selector
		if sel == "" {
			sel = "body"
		}
		element, err := c.page.QuerySelector(sel)
		if err != nil {
			return "", err
		}
		if element == nil {
			return "", fmt.Errorf("%w: %s", ErrNoSuchElement, sel)
		}
		return element.TextContent()
	})
	if err != nil {
		return "", err
	}

	if format == "markdown" {
		if title, terr := c.page.Title(); terr == nil && title != "" {
			return fmt.Sprintf("# %s\n\n%s", title, text), nil
		}
	}
	return text, nil
}

func (c *playwrightContext) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return await(ctx, func() ([]byte, error) {
		return c.page.Screenshot(playwright.PageScreenshotOptions{
			FullPage: playwright.Bool(fullPage),
			Timeout:  playwright.Float(timeoutMillis(ctx, defaultOpTimeout)),
		})
	})
}

func (c *playwrightContext) Evaluate(ctx context.Context, script string) (any, error) {
	return await(ctx, func() (any, error) {
		return c.page.Evaluate(script)
	})
}

func (c *playwrightContext) Close() error {
	_ = c.page.Close()
	return c.bctx.Close()
}
