package browser

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher launches Chromium through Playwright. The driver is
// installed and started lazily on the first Launch.
type PlaywrightLauncher struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	skipInstall bool
}

// NewPlaywrightLauncher creates a launcher. When skipInstall is set the
// driver and browsers must already be present.
func NewPlaywrightLauncher(skipInstall bool) *PlaywrightLauncher {
	return &PlaywrightLauncher{skipInstall: skipInstall}
}

func (l *PlaywrightLauncher) init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw != nil {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if !l.skipInstall {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	l.pw = pw
	return nil
}

// Launch implements Launcher.
func (l *PlaywrightLauncher) Launch(opts LaunchOptions) (Browser, error) {
	if err := l.init(); err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	}
	if opts.Timeout > 0 {
		launchOpts.Timeout = playwright.Float(millis(opts.Timeout))
	}

	b, err := l.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return &pwBrowser{b: b}, nil
}

// Stop shuts the Playwright driver down.
func (l *PlaywrightLauncher) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type pwBrowser struct {
	b playwright.Browser
}

func (b *pwBrowser) NewContext(opts ContextOptions) (Context, error) {
	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.Viewport != nil {
		ctxOpts.Viewport = &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.StorageState != nil {
		ctxOpts.StorageState = toOptionalStorageState(opts.StorageState)
	}

	c, err := b.b.NewContext(ctxOpts)
	if err != nil {
		return nil, err
	}
	if len(opts.SessionStorage) > 0 {
		script, err := SessionStorageScript(opts.SessionStorage)
		if err == nil {
			err = c.AddInitScript(playwright.Script{Content: playwright.String(script)})
		}
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return &pwContext{c: c}, nil
}

func (b *pwBrowser) Close() error {
	return b.b.Close()
}

type pwContext struct {
	c playwright.BrowserContext
}

func (c *pwContext) NewPage() (Page, error) {
	p, err := c.c.NewPage()
	if err != nil {
		return nil, err
	}
	return &pwPage{p: p}, nil
}

func (c *pwContext) Cookies() ([]Cookie, error) {
	raw, err := c.c.Cookies()
	if err != nil {
		return nil, err
	}
	return fromCookies(raw), nil
}

func (c *pwContext) StorageState() (*StorageState, error) {
	raw, err := c.c.StorageState()
	if err != nil {
		return nil, err
	}
	state := &StorageState{Cookies: fromCookies(raw.Cookies)}
	for _, o := range raw.Origins {
		origin := Origin{Origin: o.Origin}
		for _, kv := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, NameValue{Name: kv.Name, Value: kv.Value})
		}
		state.Origins = append(state.Origins, origin)
	}
	return state, nil
}

func (c *pwContext) Close() error {
	return c.c.Close()
}

type pwPage struct {
	p playwright.Page
}

func (p *pwPage) Goto(url string, timeout time.Duration) error {
	_, err := p.p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(millis(timeout)),
	})
	return classify(err, fmt.Sprintf("navigation to %s failed", url))
}

func (p *pwPage) WaitForLoad(timeout time.Duration) error {
	err := p.p.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: playwright.Float(millis(timeout)),
	})
	return classify(err, "page did not finish loading")
}

func (p *pwPage) WaitForSelector(selector string, timeout time.Duration) (bool, error) {
	el, err := p.p.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(millis(timeout)),
	})
	if err != nil {
		return false, classify(err, fmt.Sprintf("waiting for %q", selector))
	}
	return el != nil, nil
}

func (p *pwPage) QuerySelector(selector string) (Element, error) {
	el, err := p.p.QuerySelector(selector)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("query %q failed", selector))
	}
	if el == nil {
		return nil, nil
	}
	return el, nil
}

func (p *pwPage) Evaluate(script string) (any, error) {
	v, err := p.p.Evaluate(script)
	return v, classify(err, "script evaluation failed")
}

func (p *pwPage) Title() (string, error) {
	t, err := p.p.Title()
	return t, classify(err, "failed to read title")
}

func (p *pwPage) URL() string {
	return p.p.URL()
}

func (p *pwPage) Content() (string, error) {
	c, err := p.p.Content()
	return c, classify(err, "failed to read page content")
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromCookies(raw []playwright.Cookie) []Cookie {
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		out = append(out, cookie)
	}
	return out
}

func toOptionalStorageState(s *StorageState) *playwright.OptionalStorageState {
	out := &playwright.OptionalStorageState{}
	for _, c := range s.Cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		// Session cookies carry no expiry
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			ss := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &ss
		}
		out.Cookies = append(out.Cookies, oc)
	}
	for _, o := range s.Origins {
		origin := playwright.Origin{Origin: o.Origin}
		for _, kv := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, playwright.NameValue{Name: kv.Name, Value: kv.Value})
		}
		out.Origins = append(out.Origins, origin)
	}
	return out
}
