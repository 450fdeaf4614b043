package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/logging"
)

// Manager owns one shared browser process and the isolated contexts opened
// under it.
type Manager struct {
	mu       sync.Mutex
	launcher Launcher
	opts     LaunchOptions
	browser  Browser
	handles  map[string]*Handle
	sem      *semaphore.Weighted
	log      *logging.Logger

	opened atomic.Int64
	closed atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxContexts bounds concurrently open contexts. Zero or less means unbounded.
func WithMaxContexts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		} else {
			m.sem = nil
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager. The browser is not launched until Start or
// the first Acquire.
func NewManager(launcher Launcher, opts LaunchOptions, options ...Option) *Manager {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultLaunchTimeout
	}
	if opts.Args == nil {
		opts.Args = DefaultArgs
	}
	m := &Manager{
		launcher: launcher,
		opts:     opts,
		handles:  make(map[string]*Handle),
		sem:      semaphore.NewWeighted(DefaultMaxContexts),
		log:      logging.Discard(),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Start launches the shared browser. Calling it while running is a no-op.
// Launch failure is reported as BROWSER_LAUNCH_FAILED.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return autherr.Wrap(autherr.CodeBrowserLaunchFailed, err, "")
	}

	b, err := m.launcher.Launch(m.opts)
	if err != nil {
		m.log.Errorf("browser launch failed: %v", err)
		return autherr.Wrap(autherr.CodeBrowserLaunchFailed, err, "")
	}
	m.browser = b
	m.log.Infof("browser started (headless=%v)", m.opts.Headless)
	return nil
}

// Running reports whether the shared browser is up.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Acquire opens a new isolated context with one page, starting the browser
// if needed. It blocks while the manager is at capacity.
func (m *Manager) Acquire(ctx context.Context, opts ContextOptions) (*Handle, error) {
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, autherr.Wrap(autherr.CodeTimeout, err, "waiting for a free browser context")
		}
	}

	h, err := m.open(ctx, opts)
	if err != nil {
		if m.sem != nil {
			m.sem.Release(1)
		}
		return nil, err
	}
	return h, nil
}

func (m *Manager) open(ctx context.Context, opts ContextOptions) (*Handle, error) {
	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	// Set defaults
	if opts.Viewport == nil {
		opts.Viewport = &Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}

	m.mu.Lock()
	b := m.browser
	m.mu.Unlock()
	if b == nil {
		return nil, autherr.New(autherr.CodeBrowserConnectionLost, "browser stopped")
	}

	bctx, err := b.NewContext(opts)
	if err != nil {
		err = classify(err, "failed to create context")
		m.discardIfLost(b, err)
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		err = classify(err, "failed to create page")
		m.discardIfLost(b, err)
		return nil, err
	}

	h := &Handle{
		id:       uuid.New().String(),
		mgr:      m,
		ctx:      bctx,
		page:     page,
		openedAt: time.Now(),
	}

	m.mu.Lock()
	m.handles[h.id] = h
	m.mu.Unlock()
	m.opened.Add(1)

	m.log.Debugf("context %s opened", h.id)
	return h, nil
}

// discardIfLost forgets b when err says its process is gone, so the next
// Acquire launches a fresh one. Contexts still open under b fail on use.
func (m *Manager) discardIfLost(b Browser, err error) {
	if !autherr.HasCode(err, autherr.CodeBrowserConnectionLost) {
		return
	}
	m.mu.Lock()
	if m.browser != b {
		m.mu.Unlock()
		return
	}
	m.browser = nil
	m.mu.Unlock()

	m.log.Warnf("browser connection lost, relaunching on next use: %v", err)
	if cerr := b.Close(); cerr != nil {
		m.log.Debugf("closing lost browser: %v", cerr)
	}
}

func (m *Manager) release(h *Handle) error {
	err := h.ctx.Close()

	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()
	m.closed.Add(1)
	if m.sem != nil {
		m.sem.Release(1)
	}

	m.log.Debugf("context %s closed", h.id)
	if err != nil {
		return classify(err, "failed to close context")
	}
	return nil
}

// Stop closes every outstanding context, then the browser process.
func (m *Manager) Stop() error {
	m.mu.Lock()
	outstanding := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		outstanding = append(outstanding, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range outstanding {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		m.browser = nil
		m.log.Infof("browser stopped (%d contexts closed)", len(outstanding))
	}
	return errors.Join(errs...)
}

// Stats reports context accounting.
type Stats struct {
	Opened int64
	Closed int64
	Active int
}

// Stats returns current context counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.handles)
	m.mu.Unlock()
	return Stats{
		Opened: m.opened.Load(),
		Closed: m.closed.Load(),
		Active: active,
	}
}

// Handle is exclusive ownership of one context and its page.
type Handle struct {
	id       string
	mgr      *Manager
	ctx      Context
	page     Page
	openedAt time.Time

	// drive serializes page access
	drive    sync.Mutex
	released atomic.Bool
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// OpenedAt returns when the context was created.
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Drive runs fn with exclusive access to the page.
func (h *Handle) Drive(fn func(p Page) error) error {
	h.drive.Lock()
	defer h.drive.Unlock()

	if h.released.Load() {
		return autherr.New(autherr.CodeBrowserConnectionLost, "context already released")
	}
	return fn(h.page)
}

// Cookies returns the context's cookie jar.
func (h *Handle) Cookies() ([]Cookie, error) {
	if h.released.Load() {
		return nil, autherr.New(autherr.CodeBrowserConnectionLost, "context already released")
	}
	cookies, err := h.ctx.Cookies()
	return cookies, classify(err, "failed to read cookies")
}

// StorageState snapshots cookies and local storage.
func (h *Handle) StorageState() (*StorageState, error) {
	if h.released.Load() {
		return nil, autherr.New(autherr.CodeBrowserConnectionLost, "context already released")
	}
	state, err := h.ctx.StorageState()
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}
	return state, nil
}

// Release closes the context. It does not wait for an in-flight Drive; any
// page operation in progress fails instead. Safe to call multiple times.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.mgr.release(h)
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }
