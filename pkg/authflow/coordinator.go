// Package authflow drives interactive logins: a human signs in to a
// platform in a live browser context while a background monitor watches
// the page and captures the session once the login prompt is gone.
//
// Per platform the state machine is
//
//	pending -> in_progress -> completed | failed
//
// and a failed or completed platform may be started again.
package authflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/session"
)

const (
	DefaultNavigationTimeout = 15 * time.Second
	DefaultPollInterval      = 3 * time.Second
	DefaultMaxWait           = 10 * time.Minute
	DefaultLoadTimeout       = 10 * time.Second
	DefaultAcquireTimeout    = 30 * time.Second
)

// SessionStore is the persistence the coordinator needs.
type SessionStore interface {
	Save(ctx context.Context, key session.Key, snap session.Snapshot, isNewLogin bool) (*session.Record, error)
	Status(ctx context.Context, key session.Key) (*session.Status, error)
}

// Event reports a platform reaching a terminal state.
type Event struct {
	FlowID    string         `json:"auth_session_id"`
	UserID    int64          `json:"user_id"`
	ProjectID int64          `json:"project_id"`
	Platform  string         `json:"platform"`
	Status    PlatformStatus `json:"status"`
	Username  string         `json:"username,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode autherr.Code   `json:"error_code,omitempty"`
}

// Listener is notified of platform completions and failures. Notify is
// called from monitor goroutines and must not block for long.
type Listener interface {
	Notify(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// Notify implements Listener.
func (f ListenerFunc) Notify(e Event) { f(e) }

// Coordinator owns every live login context.
type Coordinator struct {
	registry  *Registry
	browsers  *browser.Manager
	platforms *platform.Table
	sessions  SessionStore
	listener  Listener
	log       *logging.Logger

	navigationTimeout time.Duration
	pollInterval      time.Duration
	maxWait           time.Duration
	loadTimeout       time.Duration
	acquireTimeout    time.Duration

	base     context.Context
	shutdown context.CancelFunc

	mu    sync.Mutex
	tasks map[taskKey]*task
}

type taskKey struct {
	flow     string
	platform string
}

// task is one platform's live browser context and its monitor.
type task struct {
	key    session.Key
	flowID string
	cancel context.CancelFunc
	done   chan struct{}

	// settled is won by whichever of the monitor or a cancel decides the
	// terminal state first.
	settled atomic.Bool

	mu     sync.Mutex
	handle *browser.Handle
}

func (t *task) claim() bool { return t.settled.CompareAndSwap(false, true) }

func (t *task) setHandle(h *browser.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handle = h
}

func (t *task) getHandle() *browser.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

func (t *task) release() {
	if h := t.getHandle(); h != nil {
		_ = h.Release()
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithListener sets the completion listener.
func WithListener(l Listener) Option {
	return func(c *Coordinator) { c.listener = l }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithRegistry replaces the default registry.
func WithRegistry(r *Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// WithNavigationTimeout bounds the initial login page navigation.
func WithNavigationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.navigationTimeout = d
		}
	}
}

// WithPolling sets the monitor's poll interval and maximum wait.
func WithPolling(interval, maxWait time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if maxWait > 0 {
			c.maxWait = maxWait
		}
	}
}

// WithLoadTimeout bounds each wait for the page to finish loading.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithAcquireTimeout bounds the wait for a free browser context when the
// browser pool is at capacity.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.acquireTimeout = d
		}
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(browsers *browser.Manager, platforms *platform.Table, sessions SessionStore, opts ...Option) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		browsers:          browsers,
		platforms:         platforms,
		sessions:          sessions,
		log:               logging.Discard(),
		navigationTimeout: DefaultNavigationTimeout,
		pollInterval:      DefaultPollInterval,
		maxWait:           DefaultMaxWait,
		loadTimeout:       DefaultLoadTimeout,
		acquireTimeout:    DefaultAcquireTimeout,
		base:              base,
		shutdown:          cancel,
		tasks:             make(map[taskKey]*task),
	}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry(DefaultTTL, nil)
	}
	return c
}

// Registry returns the flow registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// StartAuthFlow registers a flow for the known platforms among platforms.
// Unknown IDs are dropped with a warning; NO_VALID_PLATFORMS is returned
// if none remain.
func (c *Coordinator) StartAuthFlow(userID, projectID int64, platforms []string) (*Flow, error) {
	if userID <= 0 || projectID <= 0 || len(platforms) == 0 {
		return nil, autherr.New(autherr.CodeInvalidParams, "user_id, project_id and platforms are required")
	}

	seen := make(map[string]bool)
	var valid []string
	for _, id := range platforms {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !c.platforms.Has(id) {
			c.log.Warnf("ignoring unknown platform %q", id)
			continue
		}
		valid = append(valid, id)
	}
	if len(valid) == 0 {
		return nil, autherr.New(autherr.CodeNoValidPlatforms, "")
	}

	f := c.registry.Create(userID, projectID, valid)
	c.log.Infof("auth flow %s started: user=%d project=%d platforms=%v", f.ID, userID, projectID, valid)
	return f, nil
}

// GetAuthStatus returns a snapshot of the flow.
func (c *Coordinator) GetAuthStatus(flowID string) (*Flow, error) {
	return c.registry.Get(flowID)
}

// StartPlatformAuth opens a login context for one platform of a flow
// and starts monitoring it. A failed navigation is logged and monitoring
// starts anyway, since the page the user sees may still be usable.
func (c *Coordinator) StartPlatformAuth(ctx context.Context, flowID, platformID string) (*PlatformState, error) {
	f, err := c.registry.Get(flowID)
	if err != nil {
		return nil, err
	}
	if f.Status == FlowCancelled {
		return nil, autherr.Newf(autherr.CodeFlowCancelled, "auth flow %s was cancelled", flowID)
	}
	p, err := c.platforms.Get(platformID)
	if err != nil {
		return nil, err
	}
	if _, ok := f.Platform(platformID); !ok {
		return nil, autherr.Newf(autherr.CodePlatformNotInList, "platform %s is not part of auth flow %s", platformID, flowID)
	}

	t, tctx, err := c.reserve(ctx, f, platformID)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*PlatformState, error) {
		t.cancel()
		t.release()
		c.drop(t)
		close(t.done)
		return nil, err
	}

	h, err := c.acquire(ctx, tctx)
	if err != nil {
		c.log.Errorf("auth flow %s: no browser context for %s: %v", flowID, platformID, err)
		return fail(err)
	}
	t.setHandle(h)
	if tctx.Err() != nil {
		return fail(autherr.New(autherr.CodeUserCancelled, ""))
	}

	err = h.Drive(func(page browser.Page) error {
		return page.Goto(p.LoginURL, p.Timeout(c.navigationTimeout))
	})
	if tctx.Err() != nil {
		return fail(autherr.New(autherr.CodeUserCancelled, ""))
	}
	if err != nil {
		c.log.Warnf("auth flow %s: navigation to %s failed, monitoring anyway: %v", flowID, p.LoginURL, err)
	}

	if err := c.registry.Update(flowID, platformID, func(ps *PlatformState) {
		ps.Status = StatusInProgress
		ps.Error = ""
		ps.ErrorCode = ""
	}); err != nil {
		return fail(err)
	}

	go c.monitor(tctx, t, p)
	c.log.Infof("auth flow %s: %s login window open (context %s)", flowID, platformID, h.ID())

	f, _ = c.registry.Get(flowID)
	if f == nil {
		return nil, autherr.Newf(autherr.CodeFlowNotFound, "auth flow %s not found", flowID)
	}
	ps, _ := f.Platform(platformID)
	return ps, nil
}

// acquire waits for a browser context no longer than the request or the
// acquire timeout allows. Cancelling the task also ends the wait.
func (c *Coordinator) acquire(ctx, tctx context.Context) (*browser.Handle, error) {
	actx, cancel := context.WithTimeout(tctx, c.acquireTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return c.browsers.Acquire(actx, browser.ContextOptions{})
}

// reserve claims the (flow, platform) slot before any browser work so two
// concurrent starts cannot both open a context. The task's lifetime
// derives from the coordinator, not the request, keeping the caller's values.
func (c *Coordinator) reserve(parent context.Context, f *Flow, platformID string) (*task, context.Context, error) {
	k := taskKey{flow: f.ID, platform: platformID}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.tasks[k]; busy {
		return nil, nil, autherr.Newf(autherr.CodeAuthInProgress, "%s login already in progress", platformID)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(c.base, cancel)
	t := &task{
		key:    session.Key{UserID: f.UserID, ProjectID: f.ProjectID, Platform: platformID},
		flowID: f.ID,
		done:   make(chan struct{}),
		cancel: func() {
			stop()
			cancel()
		},
	}
	c.tasks[k] = t
	return t, ctx, nil
}

func (c *Coordinator) drop(t *task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := taskKey{flow: t.flowID, platform: t.key.Platform}
	if c.tasks[k] == t {
		delete(c.tasks, k)
	}
}

func (c *Coordinator) active(flowID, platformID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[taskKey{flow: flowID, platform: platformID}]
	return ok
}

func (c *Coordinator) flowTasks(flowID string) []*task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*task
	for k, t := range c.tasks {
		if flowID == "" || k.flow == flowID {
			out = append(out, t)
		}
	}
	return out
}

// CompletePlatformAuth re-checks a platform from the session store,
// ignoring the flow's own bookkeeping. It refuses while a login context is
// still open for the platform.
func (c *Coordinator) CompletePlatformAuth(ctx context.Context, flowID, platformID string) (*session.Status, error) {
	f, err := c.registry.Get(flowID)
	if err != nil {
		return nil, err
	}
	if _, ok := f.Platform(platformID); !ok {
		return nil, autherr.Newf(autherr.CodePlatformNotInList, "platform %s is not part of auth flow %s", platformID, flowID)
	}
	if c.active(flowID, platformID) {
		return nil, autherr.New(autherr.CodeAuthInProgress, "login still in progress, finish signing in first")
	}

	key := session.Key{UserID: f.UserID, ProjectID: f.ProjectID, Platform: platformID}
	st, err := c.sessions.Status(ctx, key)
	if err != nil {
		c.settle(flowID, platformID, StatusFailed, "", err)
		return nil, err
	}

	if st.Health != session.HealthValid {
		verr := autherr.Newf(autherr.CodeAuthValidationFailed, "authorization check failed: %s", st.Reason).
			With("health", string(st.Health))
		c.settle(flowID, platformID, StatusFailed, "", verr)
		return st, verr
	}

	c.settle(flowID, platformID, StatusCompleted, "", nil)
	c.log.Infof("auth flow %s: %s verified from store", flowID, platformID)
	return st, nil
}

// CancelAuthFlow force-closes every live context of the flow and marks it
// cancelled. It returns once every monitor of the flow has exited.
func (c *Coordinator) CancelAuthFlow(flowID string) error {
	if _, err := c.registry.Get(flowID); err != nil {
		return err
	}
	c.stopTasks(c.flowTasks(flowID), autherr.New(autherr.CodeUserCancelled, "auth flow cancelled"))
	if err := c.registry.SetStatus(flowID, FlowCancelled); err != nil {
		return err
	}
	c.log.Infof("auth flow %s cancelled", flowID)
	return nil
}

// stopTasks closes the tasks' contexts and waits for their goroutines.
// Tasks already finishing on their own keep their outcome.
func (c *Coordinator) stopTasks(tasks []*task, reason error) {
	var claimed []*task
	for _, t := range tasks {
		if t.claim() {
			t.cancel()
			t.release()
			claimed = append(claimed, t)
		}
	}
	for _, t := range tasks {
		<-t.done
	}
	for _, t := range claimed {
		c.settle(t.flowID, t.key.Platform, StatusFailed, "", reason)
	}
}

// CleanupExpiredSessions removes flows past their TTL, closing any
// contexts they still hold. It returns the number of flows removed.
func (c *Coordinator) CleanupExpiredSessions() int {
	ids := c.registry.Sweep(func(id string) {
		c.stopTasks(c.flowTasks(id), autherr.New(autherr.CodeUserTimeout, "auth flow expired"))
	})
	if len(ids) > 0 {
		c.log.Infof("removed %d expired auth flows", len(ids))
	}
	return len(ids)
}

// ActiveTasks returns the number of open login contexts.
func (c *Coordinator) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Shutdown closes every live context and waits for the monitors.
func (c *Coordinator) Shutdown() {
	c.stopTasks(c.flowTasks(""), autherr.New(autherr.CodeUserCancelled, "shutting down"))
	c.shutdown()
}

// settle records a terminal state and notifies the listener.
func (c *Coordinator) settle(flowID, platformID string, status PlatformStatus, username string, cause error) {
	ev := Event{FlowID: flowID, Platform: platformID, Status: status, Username: username}
	if cause != nil {
		ev.ErrorCode = autherr.CodeOf(cause)
		ev.Error = cause.Error()
	}

	err := c.registry.Update(flowID, platformID, func(ps *PlatformState) {
		ps.Status = status
		ps.Error = ev.Error
		ps.ErrorCode = ev.ErrorCode
		if username != "" {
			ps.Username = username
		}
	})
	if err != nil {
		// flow already swept
		c.log.Debugf("auth flow %s: dropping %s state for %s: %v", flowID, status, platformID, err)
		return
	}
	if f, err := c.registry.Get(flowID); err == nil {
		ev.UserID, ev.ProjectID = f.UserID, f.ProjectID
	}
	if c.listener != nil {
		c.listener.Notify(ev)
	}
}
