// Package browsertest provides an in-memory browser capability for tests.
// Every launch, context and page is counted so tests can assert that no
// context leaks and that no probe touched the browser at all.
package browsertest

import (
	"sync"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
)

// Launcher is a fake browser.Launcher.
type Launcher struct {
	mu sync.Mutex

	// LaunchErr fails every Launch when set
	LaunchErr error

	// NewPage builds the page for each new context. Nil yields a blank page.
	NewPage func(opts browser.ContextOptions) *Page

	// Cookies seeds the cookie jar of every new context when its options
	// carry no storage state.
	Cookies []browser.Cookie

	// contextErr fails every NewContext while set
	contextErr error

	launches      int
	browserCloses int
	contexts      []*Context
}

// SetContextErr makes every NewContext fail with err until reset with nil.
func (l *Launcher) SetContextErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contextErr = err
}

// NewLauncher creates a launcher whose contexts all get pages from newPage.
func NewLauncher(newPage func(opts browser.ContextOptions) *Page) *Launcher {
	return &Launcher{NewPage: newPage}
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(browser.LaunchOptions) (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	return &fakeBrowser{l: l}, nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// BrowserCloses returns how many browsers were closed.
func (l *Launcher) BrowserCloses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.browserCloses
}

// Contexts returns every context created so far.
func (l *Launcher) Contexts() []*Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Context(nil), l.contexts...)
}

// Opened returns the number of contexts created.
func (l *Launcher) Opened() int {
	return len(l.Contexts())
}

// Closed returns the number of contexts closed.
func (l *Launcher) Closed() int {
	n := 0
	for _, c := range l.Contexts() {
		if c.IsClosed() {
			n++
		}
	}
	return n
}

// Calls returns the total number of capability calls made: launches plus
// contexts plus page operations.
func (l *Launcher) Calls() int {
	n := l.Launches()
	for _, c := range l.Contexts() {
		n++
		n += c.page.Calls()
	}
	return n
}

type fakeBrowser struct {
	l *Launcher
}

func (b *fakeBrowser) NewContext(opts browser.ContextOptions) (browser.Context, error) {
	b.l.mu.Lock()
	contextErr := b.l.contextErr
	b.l.mu.Unlock()
	if contextErr != nil {
		return nil, contextErr
	}

	var page *Page
	if b.l.NewPage != nil {
		page = b.l.NewPage(opts)
	}
	if page == nil {
		page = &Page{}
	}

	c := &Context{
		Options: opts,
		page:    page,
		done:    make(chan struct{}),
	}
	if opts.StorageState != nil {
		c.cookies = append(c.cookies, opts.StorageState.Cookies...)
		c.origins = append(c.origins, opts.StorageState.Origins...)
	} else {
		c.cookies = append(c.cookies, b.l.Cookies...)
	}
	page.ctx = c

	b.l.mu.Lock()
	b.l.contexts = append(b.l.contexts, c)
	b.l.mu.Unlock()
	return c, nil
}

func (b *fakeBrowser) Close() error {
	b.l.mu.Lock()
	defer b.l.mu.Unlock()
	b.l.browserCloses++
	return nil
}

// Context is a fake browser.Context.
type Context struct {
	Options browser.ContextOptions

	mu      sync.Mutex
	page    *Page
	cookies []browser.Cookie
	origins []browser.Origin
	closed  bool
	done    chan struct{}
}

// Page returns the context's page.
func (c *Context) Page() *Page { return c.page }

// SetCookies replaces the cookie jar.
func (c *Context) SetCookies(cookies []browser.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = cookies
}

// IsClosed reports whether Close was called.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the context closes.
func (c *Context) Done() <-chan struct{} { return c.done }

func (c *Context) NewPage() (browser.Page, error) {
	return c.page, nil
}

func (c *Context) Cookies() ([]browser.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed()
	}
	return append([]browser.Cookie(nil), c.cookies...), nil
}

func (c *Context) StorageState() (*browser.StorageState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed()
	}
	return &browser.StorageState{
		Cookies: append([]browser.Cookie(nil), c.cookies...),
		Origins: append([]browser.Origin(nil), c.origins...),
	}, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func errClosed() error {
	return autherr.New(autherr.CodeBrowserConnectionLost, "target page, context or browser has been closed")
}

// Page is a scriptable fake browser.Page. Zero value is a blank page with
// no matching selectors.
type Page struct {
	mu  sync.Mutex
	ctx *Context

	// URLValue is returned by URL(). Goto sets it unless Redirect is set.
	URLValue   string
	Redirect   string
	TitleValue string
	HTML       string

	// Present lists selectors that match a visible element.
	Present map[string]bool
	// Texts maps selectors to their text content.
	Texts map[string]string

	// GotoErr, when set, is consulted on every Goto with the 1-based call number.
	GotoErr func(call int) error
	// BlockGoto makes Goto hang until the context is closed.
	BlockGoto bool
	// Query, when set, overrides Present.
	Query func(selector string) bool
	// QueryErr fails every selector query
	QueryErr error

	LoadErr  error
	EvalFunc func(script string) (any, error)
	Panic    string

	gotoCalls int
	calls     int
}

// Set marks selector present or absent.
func (p *Page) Set(selector string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Present == nil {
		p.Present = make(map[string]bool)
	}
	p.Present[selector] = present
}

// Calls returns how many page operations were made.
func (p *Page) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// GotoCalls returns how many navigations were attempted.
func (p *Page) GotoCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotoCalls
}

// begin counts a call and reports whether the owning context is closed.
func (p *Page) begin() error {
	p.mu.Lock()
	p.calls++
	panicMsg := p.Panic
	p.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	if p.ctx != nil && p.ctx.IsClosed() {
		return errClosed()
	}
	return nil
}

func (p *Page) Goto(url string, _ time.Duration) error {
	if err := p.begin(); err != nil {
		return err
	}

	p.mu.Lock()
	p.gotoCalls++
	call := p.gotoCalls
	block := p.BlockGoto
	gotoErr := p.GotoErr
	p.mu.Unlock()

	if block && p.ctx != nil {
		<-p.ctx.Done()
		return errClosed()
	}
	if gotoErr != nil {
		if err := gotoErr(call); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Redirect != "" {
		p.URLValue = p.Redirect
	} else {
		p.URLValue = url
	}
	return nil
}

func (p *Page) WaitForLoad(time.Duration) error {
	if err := p.begin(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LoadErr
}

func (p *Page) WaitForSelector(selector string, _ time.Duration) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	if p.matches(selector) {
		return true, nil
	}
	return false, autherr.New(autherr.CodeTimeout, "waiting for "+selector)
}

func (p *Page) QuerySelector(selector string) (browser.Element, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	queryErr := p.QueryErr
	p.mu.Unlock()
	if queryErr != nil {
		return nil, queryErr
	}
	if !p.matches(selector) {
		return nil, nil
	}
	p.mu.Lock()
	text := p.Texts[selector]
	p.mu.Unlock()
	return &Element{Visible: true, Text: text}, nil
}

func (p *Page) matches(selector string) bool {
	p.mu.Lock()
	query := p.Query
	present := p.Present[selector]
	p.mu.Unlock()
	if query != nil {
		return query(selector)
	}
	return present
}

func (p *Page) Evaluate(script string) (any, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	eval := p.EvalFunc
	p.mu.Unlock()
	if eval != nil {
		return eval(script)
	}
	return map[string]any{}, nil
}

func (p *Page) Title() (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TitleValue, nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.URLValue
}

func (p *Page) Content() (string, error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HTML, nil
}

// Element is a fake browser.Element.
type Element struct {
	Visible bool
	Text    string
}

func (e *Element) IsVisible() (bool, error)      { return e.Visible, nil }
func (e *Element) TextContent() (string, error) { return e.Text, nil }
