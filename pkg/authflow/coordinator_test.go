package authflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/authkeeper/pkg/authflow"
	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/browser/browsertest"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/session"
)

const table = `
defaults:
  login_indicators: ["#login"]
  error_indicators: [".error"]
  username_selectors: [".nick"]
platforms:
  - id: demo
    login_url: https://demo.test/login
  - id: other
    login_url: https://other.test/login
`

type saveCall struct {
	key        session.Key
	snap       session.Snapshot
	isNewLogin bool
}

type fakeSessions struct {
	mu        sync.Mutex
	saves     []saveCall
	saveErr   error
	status    *session.Status
	statusErr error
}

func (f *fakeSessions) Save(_ context.Context, key session.Key, snap session.Snapshot, isNewLogin bool) (*session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saves = append(f.saves, saveCall{key: key, snap: snap, isNewLogin: isNewLogin})
	return &session.Record{Snapshot: snap}, nil
}

func (f *fakeSessions) Status(_ context.Context, key session.Key) (*session.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := *f.status
	st.Key = key
	return &st, nil
}

func (f *fakeSessions) Saves() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saveCall(nil), f.saves...)
}

type harness struct {
	coord    *authflow.Coordinator
	launcher *browsertest.Launcher
	sessions *fakeSessions
	events   chan authflow.Event
}

func newHarness(t *testing.T, newPage func(browser.ContextOptions) *browsertest.Page, opts ...authflow.Option) *harness {
	t.Helper()
	return newHarnessWithCapacity(t, 32, newPage, opts...)
}

func newHarnessWithCapacity(t *testing.T, maxContexts int, newPage func(browser.ContextOptions) *browsertest.Page, opts ...authflow.Option) *harness {
	t.Helper()
	platforms, err := platform.Parse([]byte(table))
	require.NoError(t, err)

	h := &harness{
		launcher: browsertest.NewLauncher(newPage),
		sessions: &fakeSessions{},
		events:   make(chan authflow.Event, 32),
	}
	mgr := browser.NewManager(h.launcher, browser.LaunchOptions{}, browser.WithMaxContexts(maxContexts))
	t.Cleanup(func() { _ = mgr.Stop() })

	opts = append([]authflow.Option{
		authflow.WithPolling(time.Millisecond, 5*time.Second),
		authflow.WithListener(authflow.ListenerFunc(func(e authflow.Event) { h.events <- e })),
	}, opts...)
	h.coord = authflow.NewCoordinator(mgr, platforms, h.sessions, opts...)
	t.Cleanup(h.coord.Shutdown)
	return h
}

func (h *harness) nextEvent(t *testing.T) authflow.Event {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no auth event")
		return authflow.Event{}
	}
}

// signedInPage never shows a login prompt.
func signedInPage(browser.ContextOptions) *browsertest.Page {
	p := &browsertest.Page{}
	p.Set(".nick", true)
	return p
}

// loginPage shows the login prompt forever.
func loginPage(browser.ContextOptions) *browsertest.Page {
	p := &browsertest.Page{}
	p.Set("#login", true)
	return p
}

func TestCoordinator_LoginCompletesOnSecondTick(t *testing.T) {
	var loginChecks atomic.Int32
	h := newHarness(t, func(browser.ContextOptions) *browsertest.Page {
		return &browsertest.Page{
			Texts: map[string]string{".nick": "  alice "},
			Query: func(sel string) bool {
				switch sel {
				case "#login":
					return loginChecks.Add(1) == 1
				case ".nick":
					return true
				}
				return false
			},
			EvalFunc: func(string) (any, error) {
				return map[string]any{"origin": "https://demo.test", "items": map[string]any{"csrf": "x"}}, nil
			},
		}
	})

	flow, err := h.coord.StartAuthFlow(1, 2, []string{"demo", "nope"})
	require.NoError(t, err)
	require.Len(t, flow.Platforms, 1, "unknown platforms are dropped")
	assert.Equal(t, authflow.StatusPending, flow.Platforms[0].Status)

	ps, err := h.coord.StartPlatformAuth(context.Background(), flow.ID, "demo")
	require.NoError(t, err)
	assert.Equal(t, authflow.StatusInProgress, ps.Status)

	ev := h.nextEvent(t)
	assert.Equal(t, authflow.StatusCompleted, ev.Status)
	assert.Equal(t, "demo", ev.Platform)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, int64(1), ev.UserID)

	saves := h.sessions.Saves()
	require.Len(t, saves, 1)
	assert.True(t, saves[0].isNewLogin)
	assert.Equal(t, session.Key{UserID: 1, ProjectID: 2, Platform: "demo"}, saves[0].key)
	assert.Equal(t, map[string]map[string]string{"https://demo.test": {"csrf": "x"}}, saves[0].snap.SessionStorage)
	assert.Equal(t, int32(2), loginChecks.Load())

	got, err := h.coord.GetAuthStatus(flow.ID)
	require.NoError(t, err)
	assert.Equal(t, authflow.StatusCompleted, got.Platforms[0].Status)
	assert.Equal(t, "alice", got.Platforms[0].Username)

	assert.Equal(t, 1, h.launcher.Opened())
	assert.Equal(t, 1, h.launcher.Closed())
	assert.Zero(t, h.coord.ActiveTasks())
}

func TestCoordinator_NavigationFailureStillMonitors(t *testing.T) {
	h := newHarness(t, func(o browser.ContextOptions) *browsertest.Page {
		p := signedInPage(o)
		p.GotoErr = func(int) error { return autherr.New(autherr.CodeTimeout, "Timeout 15000ms exceeded") }
		return p
	})

	flow, err := h.coord.StartAuthFlow(1, 2, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), flow.ID, "demo")
	require.NoError(t, err)

	assert.Equal(t, authflow.StatusCompleted, h.nextEvent(t).Status)
}

func TestCoordinator_ErrorIndicatorBlocksCompletion(t *testing.T) {
	h := newHarness(t, func(browser.ContextOptions) *browsertest.Page {
		p := &browsertest.Page{}
		p.Set(".error", true)
		return p
	}, authflow.WithPolling(time.Millisecond, 30*time.Millisecond))

	flow, err := h.coord.StartAuthFlow(1, 2, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), flow.ID, "demo")
	require.NoError(t, err)

	ev := h.nextEvent(t)
	assert.Equal(t, authflow.StatusFailed, ev.Status)
	assert.Equal(t, autherr.CodeLoginRequired, ev.ErrorCode)
	assert.Empty(t, h.sessions.Saves())
}

func TestCoordinator_PageNeverLoads(t *testing.T) {
	h := newHarness(t, func(browser.ContextOptions) *browsertest.Page {
		return &browsertest.Page{LoadErr: autherr.New(autherr.CodeTimeout, "still loading")}
	}, authflow.WithPolling(time.Millisecond, 30*time.Millisecond))

	flow, err := h.coord.StartAuthFlow(1, 2, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), flow.ID, "demo")
	require.NoError(t, err)

	assert.Equal(t, authflow.StatusFailed, h.nextEvent(t).Status)
	assert.Empty(t, h.sessions.Saves())
	assert.Equal(t, 1, h.launcher.Closed())
}

func TestCoordinator_SaveFailure(t *testing.T) {
	h := newHarness(t, signedInPage)
	h.sessions.saveErr = errors.New("disk full")

	flow, err := h.coord.StartAuthFlow(1, 2, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), flow.ID, "demo")
	require.NoError(t, err)

	ev := h.nextEvent(t)
	assert.Equal(t, authflow.StatusFailed, ev.Status)
	assert.Equal(t, autherr.CodeSessionSaveFailed, ev.ErrorCode)
	assert.Equal(t, 1, h.launcher.Closed())
}

func TestCoordinator_CancelReleasesEveryContext(t *testing.T) {
	h := newHarness(t, loginPage)

	const n = 5
	var flows []*authflow.Flow
	for i := 0; i < n; i++ {
		f, err := h.coord.StartAuthFlow(int64(i+1), 1, []string{"demo", "other"})
		require.NoError(t, err)
		_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "demo")
		require.NoError(t, err)
		_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "other")
		require.NoError(t, err)
		flows = append(flows, f)
	}
	assert.Equal(t, 2*n, h.coord.ActiveTasks())

	for _, f := range flows {
		require.NoError(t, h.coord.CancelAuthFlow(f.ID))
	}

	assert.Equal(t, 2*n, h.launcher.Opened())
	assert.Equal(t, h.launcher.Opened(), h.launcher.Closed())
	assert.Zero(t, h.coord.ActiveTasks())
	assert.Empty(t, h.sessions.Saves())

	for _, f := range flows {
		got, err := h.coord.GetAuthStatus(f.ID)
		require.NoError(t, err)
		assert.Equal(t, authflow.FlowCancelled, got.Status)
		for _, ps := range got.Platforms {
			assert.Equal(t, authflow.StatusFailed, ps.Status)
			assert.Equal(t, autherr.CodeUserCancelled, ps.ErrorCode)
		}
	}

	_, err := h.coord.StartPlatformAuth(context.Background(), flows[0].ID, "demo")
	assert.True(t, autherr.HasCode(err, autherr.CodeFlowCancelled))
}

func TestCoordinator_ConcurrentStartsUseDistinctContexts(t *testing.T) {
	h := newHarness(t, signedInPage)

	a, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
	require.NoError(t, err)
	b, err := h.coord.StartAuthFlow(2, 1, []string{"other"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]string{{a.ID, "demo"}, {b.ID, "other"}} {
		wg.Add(1)
		go func(i int, flowID, platformID string) {
			defer wg.Done()
			_, errs[i] = h.coord.StartPlatformAuth(context.Background(), flowID, platformID)
		}(i, pair[0], pair[1])
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	seen := map[string]authflow.Event{}
	for i := 0; i < 2; i++ {
		ev := h.nextEvent(t)
		seen[ev.Platform] = ev
	}
	assert.Equal(t, authflow.StatusCompleted, seen["demo"].Status)
	assert.Equal(t, authflow.StatusCompleted, seen["other"].Status)

	contexts := h.launcher.Contexts()
	require.Len(t, contexts, 2)
	assert.NotSame(t, contexts[0], contexts[1])
	assert.Equal(t, 2, h.launcher.Closed())
	assert.Len(t, h.sessions.Saves(), 2)
}

func TestCoordinator_StartValidation(t *testing.T) {
	h := newHarness(t, loginPage)
	ctx := context.Background()

	_, err := h.coord.StartAuthFlow(0, 1, []string{"demo"})
	assert.True(t, autherr.HasCode(err, autherr.CodeInvalidParams))
	_, err = h.coord.StartAuthFlow(1, 1, nil)
	assert.True(t, autherr.HasCode(err, autherr.CodeInvalidParams))
	_, err = h.coord.StartAuthFlow(1, 1, []string{"nope"})
	assert.True(t, autherr.HasCode(err, autherr.CodeNoValidPlatforms))

	_, err = h.coord.StartPlatformAuth(ctx, "missing", "demo")
	assert.True(t, autherr.HasCode(err, autherr.CodeFlowNotFound))

	f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(ctx, f.ID, "nope")
	assert.True(t, autherr.HasCode(err, autherr.CodeUnknownPlatform))
	_, err = h.coord.StartPlatformAuth(ctx, f.ID, "other")
	assert.True(t, autherr.HasCode(err, autherr.CodePlatformNotInList))

	_, err = h.coord.StartPlatformAuth(ctx, f.ID, "demo")
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(ctx, f.ID, "demo")
	assert.True(t, autherr.HasCode(err, autherr.CodeAuthInProgress))
	assert.Equal(t, 1, h.launcher.Opened())
}

func TestCoordinator_BrowserUnavailable(t *testing.T) {
	h := newHarness(t, loginPage)
	h.launcher.LaunchErr = errors.New("no chromium")

	f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "demo")
	assert.True(t, autherr.HasCode(err, autherr.CodeBrowserLaunchFailed))
	assert.Zero(t, h.coord.ActiveTasks())

	// the slot is free again
	h.launcher.LaunchErr = nil
	_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "demo")
	assert.NoError(t, err)
}

func TestCoordinator_StartAtCapacityHonoursDeadline(t *testing.T) {
	t.Run("request deadline", func(t *testing.T) {
		h := newHarnessWithCapacity(t, 1, loginPage)
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo", "other"})
		require.NoError(t, err)
		_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "demo")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err = h.coord.StartPlatformAuth(ctx, f.ID, "other")
		assert.True(t, autherr.HasCode(err, autherr.CodeTimeout), "got %v", err)
		assert.Less(t, time.Since(start), time.Second)

		assert.Equal(t, 1, h.coord.ActiveTasks())
		got, err := h.coord.GetAuthStatus(f.ID)
		require.NoError(t, err)
		ps, ok := got.Platform("other")
		require.True(t, ok)
		assert.Equal(t, authflow.StatusPending, ps.Status)
	})

	t.Run("acquire timeout", func(t *testing.T) {
		h := newHarnessWithCapacity(t, 1, loginPage, authflow.WithAcquireTimeout(50*time.Millisecond))
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo", "other"})
		require.NoError(t, err)
		_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "demo")
		require.NoError(t, err)

		start := time.Now()
		_, err = h.coord.StartPlatformAuth(context.Background(), f.ID, "other")
		assert.True(t, autherr.HasCode(err, autherr.CodeTimeout), "got %v", err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, h.launcher.Opened())
	})
}

func TestCoordinator_CompletePlatformAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses while login is open", func(t *testing.T) {
		h := newHarness(t, loginPage)
		h.sessions.status = &session.Status{Health: session.HealthValid}
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
		require.NoError(t, err)
		_, err = h.coord.StartPlatformAuth(ctx, f.ID, "demo")
		require.NoError(t, err)

		_, err = h.coord.CompletePlatformAuth(ctx, f.ID, "demo")
		assert.True(t, autherr.HasCode(err, autherr.CodeAuthInProgress))
	})

	t.Run("valid stored session completes", func(t *testing.T) {
		h := newHarness(t, loginPage)
		h.sessions.status = &session.Status{Health: session.HealthValid, Exists: true}
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
		require.NoError(t, err)

		st, err := h.coord.CompletePlatformAuth(ctx, f.ID, "demo")
		require.NoError(t, err)
		assert.Equal(t, session.Key{UserID: 1, ProjectID: 1, Platform: "demo"}, st.Key)

		got, _ := h.coord.GetAuthStatus(f.ID)
		assert.Equal(t, authflow.StatusCompleted, got.Platforms[0].Status)
		assert.Zero(t, h.launcher.Launches(), "never touches the browser itself")
	})

	t.Run("expiring stored session fails", func(t *testing.T) {
		h := newHarness(t, loginPage)
		h.sessions.status = &session.Status{Health: session.HealthExpiring, Reason: "heartbeat inconclusive"}
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
		require.NoError(t, err)

		_, err = h.coord.CompletePlatformAuth(ctx, f.ID, "demo")
		assert.True(t, autherr.HasCode(err, autherr.CodeAuthValidationFailed))

		got, _ := h.coord.GetAuthStatus(f.ID)
		assert.Equal(t, authflow.StatusFailed, got.Platforms[0].Status)
		assert.Contains(t, got.Platforms[0].Error, "heartbeat inconclusive")
	})

	t.Run("not in flow", func(t *testing.T) {
		h := newHarness(t, loginPage)
		f, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
		require.NoError(t, err)
		_, err = h.coord.CompletePlatformAuth(ctx, f.ID, "other")
		assert.True(t, autherr.HasCode(err, autherr.CodePlatformNotInList))
	})
}

func TestCoordinator_CleanupExpiredSessions(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	registry := authflow.NewRegistry(2*time.Hour, clock)
	h := newHarness(t, loginPage, authflow.WithRegistry(registry))

	stale, err := h.coord.StartAuthFlow(1, 1, []string{"demo"})
	require.NoError(t, err)
	_, err = h.coord.StartPlatformAuth(context.Background(), stale.ID, "demo")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(3 * time.Hour)
	mu.Unlock()
	fresh, err := h.coord.StartAuthFlow(2, 1, []string{"demo"})
	require.NoError(t, err)

	assert.Equal(t, 1, h.coord.CleanupExpiredSessions())
	assert.Equal(t, 1, registry.Len())
	_, err = h.coord.GetAuthStatus(stale.ID)
	assert.True(t, autherr.HasCode(err, autherr.CodeFlowNotFound))
	_, err = h.coord.GetAuthStatus(fresh.ID)
	assert.NoError(t, err)

	assert.Zero(t, h.coord.ActiveTasks())
	assert.Equal(t, 1, h.launcher.Closed())
}
