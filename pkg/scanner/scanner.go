// Package scanner re-validates every active account in one batch and
// writes the outcome back to the account store.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/authkeeper/pkg/accounts"
	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/heartbeat"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/retry"
	"github.com/entrhq/authkeeper/pkg/session"
)

const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSettle            = 2 * time.Second
)

// Steps of the classification waterfall.
const (
	StepNoSession      = "no_session"
	StepCorrupt        = "corrupt_session"
	StepUnreachable    = "unreachable"
	StepLoginRedirect  = "login_redirect"
	StepLoginTitle     = "login_title"
	StepPageIndicators = "page_indicators"
	StepNoCookies      = "no_cookies"
	StepDefault        = "default"
)

// SessionLoader reads stored sessions.
type SessionLoader interface {
	Load(ctx context.Context, key session.Key, validate bool) (*session.Loaded, error)
}

// Result is one account's outcome.
type Result struct {
	AccountID    int64           `json:"account_id"`
	Platform     string          `json:"platform"`
	AccountName  string          `json:"account_name"`
	StatusBefore accounts.Status `json:"status_before"`
	StatusAfter  accounts.Status `json:"status_after"`
	Health       session.Health  `json:"health,omitempty"`
	Valid        bool            `json:"is_valid"`
	Failed       bool            `json:"failed,omitempty"`
	Step         string          `json:"step,omitempty"`
	Message      string          `json:"message"`
	ErrorCode    autherr.Code    `json:"error_code,omitempty"`
	Committed    bool            `json:"committed"`
	CheckedAt    time.Time       `json:"check_time"`
}

// Summary is the batch outcome.
type Summary struct {
	Total     int       `json:"total"`
	Valid     int       `json:"valid"`
	Invalid   int       `json:"invalid"`
	Expiring  int       `json:"expiring"`
	Failed    int       `json:"failed"`
	Results   []Result  `json:"results"`
	CheckedAt time.Time `json:"check_time"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch {
	case r.Failed:
		s.Failed++
	case r.Health == session.HealthValid:
		s.Valid++
	case r.Health == session.HealthExpiring:
		s.Expiring++
	default:
		s.Invalid++
	}
}

// Scanner checks accounts against their stored sessions.
type Scanner struct {
	accounts  accounts.Store
	sessions  SessionLoader
	platforms *platform.Table
	launcher  browser.Launcher
	launch    browser.LaunchOptions

	retry             retry.Policy
	navigationTimeout time.Duration
	settle            time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
	now               func() time.Time
	log               *logging.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRetryPolicy sets the navigation retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Scanner) { s.retry = p }
}

// WithNavigationTimeout sets the probe navigation timeout used when the
// platform has no override.
func WithNavigationTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.navigationTimeout = d
		}
	}
}

// WithSleep replaces the post-navigation settle wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scanner) { s.sleep = sleep }
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithLogger sets the scanner's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scanner) { s.log = l }
}

// New creates a scanner. Each batch launches its own browser through
// launcher with launch options opts.
func New(store accounts.Store, sessions SessionLoader, platforms *platform.Table, launcher browser.Launcher, opts browser.LaunchOptions, options ...Option) *Scanner {
	s := &Scanner{
		accounts:          store,
		sessions:          sessions,
		platforms:         platforms,
		launcher:          launcher,
		launch:            opts,
		retry:             retry.Default().WithMaxRetries(1),
		navigationTimeout: DefaultNavigationTimeout,
		settle:            DefaultSettle,
		sleep:             retry.Sleep,
		now:               time.Now,
		log:               logging.Discard(),
	}
	for _, o := range options {
		o(s)
	}
	if s.retry.Logger == nil {
		s.retry.Logger = s.log
	}
	return s
}

// CheckAllAccounts validates every account currently marked valid. One
// account failing never stops the batch; every account yields exactly
// one result. The batch browser is stopped once all accounts finish.
func (s *Scanner) CheckAllAccounts(ctx context.Context, progress Progress) (*Summary, error) {
	return s.CheckAccounts(ctx, "", progress)
}

// CheckAccounts is CheckAllAccounts restricted to platforms matching a glob
// such as "wei*". An empty pattern matches every platform.
func (s *Scanner) CheckAccounts(ctx context.Context, pattern string, progress Progress) (*Summary, error) {
	var match glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInvalidParams, err, fmt.Sprintf("invalid platform pattern %q", pattern))
		}
		match = g
	}

	all, err := s.accounts.ListByStatus(ctx, accounts.StatusValid)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	list := make([]accounts.Account, 0, len(all))
	for _, a := range all {
		if match == nil || match.Match(a.Platform) {
			list = append(list, a)
		}
	}

	summary := &Summary{Total: len(list), Results: make([]Result, 0, len(list)), CheckedAt: s.now()}
	if len(list) == 0 {
		s.log.Infof("no accounts to check")
		return summary, nil
	}
	s.log.Infof("checking %d accounts", len(list))

	mgr := browser.NewManager(s.launcher, s.launch, browser.WithMaxContexts(1), browser.WithLogger(s.log))
	defer func() {
		if err := mgr.Stop(); err != nil {
			s.log.Errorf("stopping batch browser: %v", err)
		}
	}()

	for i, a := range list {
		r := s.checkAccount(ctx, mgr, a)
		summary.add(r)
		s.log.Infof("[%d/%d] %s (%s): %s", i+1, len(list), a.Name, a.Platform, r.Message)

		if progress != nil {
			if err := progress.Report(ctx, i+1, len(list), r); err != nil {
				s.log.Warnf("progress callback failed: %v", err)
			}
		}
	}

	s.log.Infof("batch done: total=%d valid=%d invalid=%d expiring=%d failed=%d",
		summary.Total, summary.Valid, summary.Invalid, summary.Expiring, summary.Failed)
	return summary, nil
}

// outcome is a conclusive classification of one account.
type outcome struct {
	health session.Health
	step   string
	reason string
}

func (s *Scanner) checkAccount(ctx context.Context, mgr *browser.Manager, a accounts.Account) (r Result) {
	r = Result{
		AccountID:    a.ID,
		Platform:     a.Platform,
		AccountName:  a.Name,
		StatusBefore: a.Status,
		StatusAfter:  a.Status,
		CheckedAt:    s.now(),
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Errorf("account %d: check panicked: %v", a.ID, p)
			r.Failed = true
			r.Valid = false
			r.Health = ""
			r.ErrorCode = autherr.CodeInternal
			r.Message = fmt.Sprintf("check failed: %v", p)
		}
	}()

	fail := func(err error) Result {
		r.Failed = true
		r.ErrorCode = autherr.CodeOf(err)
		r.Message = "check failed: " + err.Error()
		return r
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	p, err := s.platforms.Get(a.Platform)
	if err != nil {
		return fail(err)
	}

	key := session.Key{UserID: a.UserID, ProjectID: a.ProjectID, Platform: a.Platform}
	loaded, err := s.sessions.Load(ctx, key, false)
	switch {
	case autherr.HasCode(err, autherr.CodeSessionNotFound), autherr.HasCode(err, autherr.CodeInvalidParams):
		return s.apply(ctx, r, a, outcome{health: session.HealthInvalid, step: StepNoSession, reason: "account has no stored session"})
	case autherr.HasCode(err, autherr.CodeSessionCorrupt):
		// Damaged but present: needs re-auth, yet is not evidence of logout
		r.Health = session.HealthExpiring
		r.Step = StepCorrupt
		r.ErrorCode = autherr.CodeSessionCorrupt
		r.Message = "stored session cannot be decrypted"
		return r
	case err != nil:
		return fail(err)
	}

	out, err := retry.Do(ctx, s.retry, "check account "+a.Name, func(ctx context.Context) (outcome, error) {
		return s.probe(ctx, mgr, p, loaded.Record.Snapshot)
	})
	switch {
	case err == nil:
	case ctx.Err() == nil && autherr.IsRetryable(err):
		out = outcome{health: session.HealthInvalid, step: StepUnreachable, reason: "probe page unreachable: " + err.Error()}
		r.ErrorCode = autherr.CodeOf(err)
	default:
		return fail(err)
	}
	return s.apply(ctx, r, a, out)
}

// probe runs the browser part of the waterfall, stopping at the first
// conclusive step.
func (s *Scanner) probe(ctx context.Context, mgr *browser.Manager, p *platform.Platform, snap session.Snapshot) (outcome, error) {
	h, err := mgr.Acquire(ctx, browser.ContextOptions{
		StorageState:   snap.State,
		SessionStorage: snap.SessionStorage,
		Viewport:       &browser.Viewport{Width: 1280, Height: 800},
	})
	if err != nil {
		return outcome{}, err
	}
	defer func() { _ = h.Release() }()

	var out outcome
	err = h.Drive(func(page browser.Page) error {
		if err := page.Goto(p.ProbeURL, p.Timeout(s.navigationTimeout)); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.settle); err != nil {
			return err
		}

		url := page.URL()
		title, err := page.Title()
		if err != nil {
			// the page may be navigating; judge by URL alone
			s.log.Debugf("%s: title unavailable: %v", p.ID, err)
			title = ""
		}

		if p.IsLoginRedirect(url) {
			out = outcome{session.HealthInvalid, StepLoginRedirect, "redirected to login page: " + url}
			return nil
		}
		if p.HasLoginTitle(title) {
			out = outcome{session.HealthInvalid, StepLoginTitle, "page title asks to sign in: " + title}
			return nil
		}

		switch signal, reason, err := heartbeat.ClassifyPage(page, p); {
		case err != nil:
			return err
		case signal == heartbeat.SignalLogin:
			out = outcome{session.HealthInvalid, StepPageIndicators, reason}
			return nil
		case signal == heartbeat.SignalAuth:
			out = outcome{session.HealthValid, StepPageIndicators, reason}
			return nil
		}

		cookies, err := h.Cookies()
		if err != nil {
			return err
		}
		if len(cookies) == 0 {
			out = outcome{session.HealthInvalid, StepNoCookies, "context has no cookies"}
			return nil
		}

		// No sign of logout
		out = outcome{session.HealthValid, StepDefault, "no sign of an expired session"}
		return nil
	})
	return out, err
}

// apply records the outcome and writes the account status. A failed
// commit is rolled back; the result is still returned.
func (s *Scanner) apply(ctx context.Context, r Result, a accounts.Account, out outcome) Result {
	r.Health = out.health
	r.Step = out.step
	r.Message = out.reason
	r.Valid = out.health == session.HealthValid

	status := accounts.StatusInvalid
	var lastAuth time.Time
	if r.Valid {
		status = accounts.StatusValid
		lastAuth = r.CheckedAt
	}
	r.StatusAfter = status

	if err := s.commit(ctx, a.ID, status, lastAuth); err != nil {
		s.log.Errorf("account %d: status update failed: %v", a.ID, err)
		r.Committed = false
		r.ErrorCode = autherr.CodeCommitFailed
		return r
	}
	r.Committed = true
	return r
}

func (s *Scanner) commit(ctx context.Context, id int64, status accounts.Status, lastAuth time.Time) error {
	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.UpdateStatus(ctx, id, status, lastAuth); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.log.Warnf("account %d: rollback failed: %v", id, rerr)
		}
		return autherr.Wrap(autherr.CodeCommitFailed, err, "")
	}
	return nil
}
