package heartbeat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/browser/browsertest"
	"github.com/entrhq/authkeeper/pkg/heartbeat"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/retry"
	"github.com/entrhq/authkeeper/pkg/session"
)

var _ session.Prober = (*heartbeat.Validator)(nil)

const table = `
defaults:
  wait_selector: "button"
  login_indicators: ["[class*='login']"]
platforms:
  - id: demo
    login_url: https://demo.test/login
    probe_url: https://demo.test/write
    auth_indicators: [".avatar"]
`

func newValidator(t *testing.T, launcher *browsertest.Launcher) (*heartbeat.Validator, *browser.Manager) {
	t.Helper()
	platforms, err := platform.Parse([]byte(table))
	require.NoError(t, err)

	mgr := browser.NewManager(launcher, browser.LaunchOptions{Headless: true})
	t.Cleanup(func() { _ = mgr.Stop() })

	policy := retry.Default()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	noSleep := func(context.Context, time.Duration) error { return nil }
	return heartbeat.New(mgr, platforms, heartbeat.WithRetryPolicy(policy), heartbeat.WithSleep(noSleep)), mgr
}

func snapshot() session.Snapshot {
	return session.Snapshot{State: &browser.StorageState{
		Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".demo.test", Path: "/"}},
	}}
}

func TestProbe_Classification(t *testing.T) {
	tests := []struct {
		name   string
		page   func() *browsertest.Page
		health session.Health
	}{
		{
			name: "login indicator wins over auth indicator",
			page: func() *browsertest.Page {
				p := &browsertest.Page{}
				p.Set("[class*='login']", true)
				p.Set(".avatar", true)
				return p
			},
			health: session.HealthInvalid,
		},
		{
			name: "auth indicator",
			page: func() *browsertest.Page {
				p := &browsertest.Page{}
				p.Set(".avatar", true)
				return p
			},
			health: session.HealthValid,
		},
		{
			// No indicator either way: an interactive page counts as signed in.
			name: "interactive page without indicators",
			page: func() *browsertest.Page {
				return &browsertest.Page{HTML: `<html><body><textarea></textarea></body></html>`}
			},
			health: session.HealthValid,
		},
		{
			name: "static page",
			page: func() *browsertest.Page {
				return &browsertest.Page{HTML: `<html><body><p>Nothing here</p></body></html>`}
			},
			health: session.HealthInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := browsertest.NewLauncher(func(browser.ContextOptions) *browsertest.Page { return tt.page() })
			v, _ := newValidator(t, launcher)

			verdict, err := v.Probe(context.Background(), "demo", snapshot())
			require.NoError(t, err)
			assert.Equal(t, tt.health, verdict.Health, verdict.Reason)
			assert.NotEmpty(t, verdict.Reason)

			assert.Equal(t, 1, launcher.Opened())
			assert.Equal(t, 1, launcher.Closed(), "context must be released")
		})
	}
}

func TestProbe_SeedsStorageStateAndVisitsProbeURL(t *testing.T) {
	launcher := browsertest.NewLauncher(nil)
	v, _ := newValidator(t, launcher)

	snap := snapshot()
	_, err := v.Probe(context.Background(), "demo", snap)
	require.NoError(t, err)

	contexts := launcher.Contexts()
	require.Len(t, contexts, 1)
	assert.Equal(t, snap.State, contexts[0].Options.StorageState)
	assert.Equal(t, "https://demo.test/write", contexts[0].Page().URLValue)
}

func TestProbe_NavigationRetries(t *testing.T) {
	t.Run("exhausted retries mean invalid", func(t *testing.T) {
		launcher := browsertest.NewLauncher(func(browser.ContextOptions) *browsertest.Page {
			return &browsertest.Page{GotoErr: func(int) error {
				return autherr.New(autherr.CodeNetwork, "net::ERR_CONNECTION_RESET")
			}}
		})
		v, _ := newValidator(t, launcher)

		verdict, err := v.Probe(context.Background(), "demo", snapshot())
		require.NoError(t, err)
		assert.Equal(t, session.HealthInvalid, verdict.Health)
		assert.Equal(t, 3, launcher.Opened(), "one attempt plus two retries")
		assert.Equal(t, 3, launcher.Closed())
	})

	t.Run("recovers on retry", func(t *testing.T) {
		attempt := 0
		launcher := browsertest.NewLauncher(func(browser.ContextOptions) *browsertest.Page {
			attempt++
			p := &browsertest.Page{}
			p.Set(".avatar", true)
			if attempt == 1 {
				p.GotoErr = func(int) error { return autherr.New(autherr.CodeTimeout, "Timeout 60000ms exceeded") }
			}
			return p
		})
		v, _ := newValidator(t, launcher)

		verdict, err := v.Probe(context.Background(), "demo", snapshot())
		require.NoError(t, err)
		assert.Equal(t, session.HealthValid, verdict.Health)
		assert.Equal(t, 2, launcher.Opened())
		assert.Equal(t, 2, launcher.Closed())
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		launcher := browsertest.NewLauncher(func(browser.ContextOptions) *browsertest.Page {
			return &browsertest.Page{GotoErr: func(int) error { return errors.New("boom") }}
		})
		v, _ := newValidator(t, launcher)

		verdict, err := v.Probe(context.Background(), "demo", snapshot())
		require.NoError(t, err)
		assert.Equal(t, session.HealthExpiring, verdict.Health)
		assert.Equal(t, 1, launcher.Opened())
	})
}

func TestProbe_BrowserUnavailableIsInconclusive(t *testing.T) {
	launcher := browsertest.NewLauncher(nil)
	launcher.LaunchErr = errors.New("chromium not installed")
	v, _ := newValidator(t, launcher)

	verdict, err := v.Probe(context.Background(), "demo", snapshot())
	require.NoError(t, err)
	assert.Equal(t, session.HealthExpiring, verdict.Health)
	assert.Equal(t, 1, launcher.Launches(), "launch failure is not retried")
}

func TestProbe_UnknownPlatform(t *testing.T) {
	launcher := browsertest.NewLauncher(nil)
	v, _ := newValidator(t, launcher)

	_, err := v.Probe(context.Background(), "nope", snapshot())
	assert.True(t, autherr.HasCode(err, autherr.CodeUnknownPlatform))
	assert.Zero(t, launcher.Calls())
}

func TestProbe_CancelledContext(t *testing.T) {
	launcher := browsertest.NewLauncher(nil)
	v, _ := newValidator(t, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Probe(ctx, "demo", snapshot())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyPage(t *testing.T) {
	platforms, err := platform.Parse([]byte(table))
	require.NoError(t, err)
	demo, err := platforms.Get("demo")
	require.NoError(t, err)

	page := &browsertest.Page{}
	signal, _, err := heartbeat.ClassifyPage(page, demo)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.SignalNone, signal)

	page.Set(".avatar", true)
	signal, reason, err := heartbeat.ClassifyPage(page, demo)
	require.NoError(t, err)
	assert.Equal(t, heartbeat.SignalAuth, signal)
	assert.Contains(t, reason, ".avatar")

	page.QueryErr = errors.New("selector engine failed")
	signal, _, err = heartbeat.ClassifyPage(page, demo)
	require.NoError(t, err, "individual selector errors are skipped")
	assert.Equal(t, heartbeat.SignalNone, signal)
}

func TestProbe_ReplaysSessionStorage(t *testing.T) {
	launcher := browsertest.NewLauncher(nil)
	v, _ := newValidator(t, launcher)

	snap := snapshot()
	snap.SessionStorage = map[string]map[string]string{"https://demo.test": {"token": "t-1"}}
	_, err := v.Probe(context.Background(), "demo", snap)
	require.NoError(t, err)

	contexts := launcher.Contexts()
	require.Len(t, contexts, 1)
	assert.Equal(t, snap.SessionStorage, contexts[0].Options.SessionStorage)
}

func TestProbe_WaitsForLoginOrAuthControls(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	launcher := browsertest.NewLauncher(func(browser.ContextOptions) *browsertest.Page {
		return &browsertest.Page{Query: func(selector string) bool {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, selector)
			return false
		}}
	})
	v, _ := newValidator(t, launcher)

	_, err := v.Probe(context.Background(), "demo", snapshot())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, ".avatar, [class*='login'], button")
}
