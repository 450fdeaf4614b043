// Package heartbeat decides whether a stored session is still signed in by
// replaying it in a throwaway browser context.
package heartbeat

import (
	"context"
	"strings"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/retry"
	"github.com/entrhq/authkeeper/pkg/session"
)

const (
	DefaultNavigationTimeout = 60 * time.Second
	DefaultSelectorTimeout   = 15 * time.Second
	DefaultSettle            = 2 * time.Second
)

// Validator implements session.Prober.
type Validator struct {
	browsers  *browser.Manager
	platforms *platform.Table
	retry     retry.Policy
	log       *logging.Logger

	navigationTimeout time.Duration
	selectorTimeout   time.Duration
	settle            time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
}

// Option configures a Validator.
type Option func(*Validator)

// WithTimeouts overrides the navigation, selector-wait and settle
// durations. Non-positive navigation and selector values keep the defaults.
func WithTimeouts(navigation, selector, settle time.Duration) Option {
	return func(v *Validator) {
		if navigation > 0 {
			v.navigationTimeout = navigation
		}
		if selector > 0 {
			v.selectorTimeout = selector
		}
		if settle >= 0 {
			v.settle = settle
		}
	}
}

// WithRetryPolicy sets the policy for retrying failed navigations.
func WithRetryPolicy(p retry.Policy) Option {
	return func(v *Validator) { v.retry = p }
}

// WithSleep replaces the settle wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Validator) { v.sleep = sleep }
}

// WithLogger sets the validator's logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// New creates a validator opening contexts from browsers.
func New(browsers *browser.Manager, platforms *platform.Table, opts ...Option) *Validator {
	v := &Validator{
		browsers:          browsers,
		platforms:         platforms,
		retry:             retry.Default(),
		log:               logging.Discard(),
		navigationTimeout: DefaultNavigationTimeout,
		selectorTimeout:   DefaultSelectorTimeout,
		settle:            DefaultSettle,
		sleep:             retry.Sleep,
	}
	for _, o := range opts {
		o(v)
	}
	if v.retry.Logger == nil {
		v.retry.Logger = v.log
	}
	return v
}

// Probe classifies snap for platformID:
//
//  1. a visible login indicator          invalid
//  2. a visible authenticated indicator  valid
//  3. any interactive control            valid (optimistic)
//  4. nothing interactive                invalid
//
// Navigation failing with a temporary error is retried; once retries are
// exhausted the session is invalid. Failures unrelated to the session,
// such as the browser not starting, are reported as expiring.
func (v *Validator) Probe(ctx context.Context, platformID string, snap session.Snapshot) (session.Verdict, error) {
	p, err := v.platforms.Get(platformID)
	if err != nil {
		return session.Verdict{}, err
	}
	if err := ctx.Err(); err != nil {
		return session.Verdict{}, err
	}

	verdict, err := retry.Do(ctx, v.retry, "heartbeat "+platformID, func(ctx context.Context) (session.Verdict, error) {
		return v.probeOnce(ctx, p, snap)
	})
	switch {
	case err == nil:
		v.log.Infof("heartbeat %s: %s (%s)", platformID, verdict.Health, verdict.Reason)
		return verdict, nil
	case ctx.Err() != nil:
		return session.Verdict{}, ctx.Err()
	case autherr.IsRetryable(err):
		v.log.Warnf("heartbeat %s: navigation kept failing: %v", platformID, err)
		return session.Verdict{Health: session.HealthInvalid, Reason: "probe page unreachable: " + err.Error()}, nil
	default:
		v.log.Errorf("heartbeat %s inconclusive: %v", platformID, err)
		return session.Verdict{Health: session.HealthExpiring, Reason: "heartbeat inconclusive: " + err.Error()}, nil
	}
}

func (v *Validator) probeOnce(ctx context.Context, p *platform.Platform, snap session.Snapshot) (session.Verdict, error) {
	h, err := v.browsers.Acquire(ctx, browser.ContextOptions{
		StorageState:   snap.State,
		SessionStorage: snap.SessionStorage,
	})
	if err != nil {
		return session.Verdict{}, err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			v.log.Warnf("heartbeat %s: release failed: %v", p.ID, rerr)
		}
	}()

	var verdict session.Verdict
	err = h.Drive(func(page browser.Page) error {
		if err := page.Goto(p.ProbeURL, p.HeartbeatTimeout(v.navigationTimeout)); err != nil {
			return err
		}

		// Either kind of control may appear; absence is not an error
		if sel := waitSelector(p); sel != "" {
			if _, err := page.WaitForSelector(sel, v.selectorTimeout); autherr.HasCode(err, autherr.CodeBrowserConnectionLost) {
				return err
			}
		}
		if err := v.sleep(ctx, v.settle); err != nil {
			return err
		}

		var err error
		verdict, err = v.classify(page, p)
		return err
	})
	return verdict, err
}

func (v *Validator) classify(page browser.Page, p *platform.Platform) (session.Verdict, error) {
	signal, reason, err := ClassifyPage(page, p)
	if err != nil {
		return session.Verdict{}, err
	}
	switch signal {
	case SignalLogin:
		return session.Verdict{Health: session.HealthInvalid, Reason: reason}, nil
	case SignalAuth:
		return session.Verdict{Health: session.HealthValid, Reason: reason}, nil
	}

	content, err := page.Content()
	if err != nil {
		return session.Verdict{}, err
	}
	controls, err := browser.ScanControls(content)
	if err != nil {
		return session.Verdict{}, autherr.Wrap(autherr.CodeInternal, err, "")
	}
	if controls.Any() {
		return session.Verdict{Health: session.HealthValid, Reason: "no login prompt and page is interactive"}, nil
	}
	return session.Verdict{Health: session.HealthInvalid, Reason: "page has no interactive controls"}, nil
}

func waitSelector(p *platform.Platform) string {
	parts := append([]string(nil), p.AuthIndicators...)
	parts = append(parts, p.LoginIndicators...)
	if p.WaitSelector != "" {
		parts = append(parts, p.WaitSelector)
	}
	return strings.Join(parts, ", ")
}
