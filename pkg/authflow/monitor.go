package authflow

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
)

// monitor polls the login page until the user is signed in, the maximum
// wait elapses or the task is cancelled. The context is closed on every
// exit path.
func (c *Coordinator) monitor(ctx context.Context, t *task, p *platform.Platform) {
	defer close(t.done)
	defer c.drop(t)
	defer t.release()
	defer t.cancel()

	log := c.log.With("flow", t.flowID).With("platform", p.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("monitor panicked: %v", r)
			if t.claim() {
				c.settle(t.flowID, p.ID, StatusFailed, "", autherr.Newf(autherr.CodeInternal, "monitor panicked: %v", r))
			}
		}
	}()

	h := t.getHandle()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.maxWait)
	defer deadline.Stop()

	log.Infof("monitoring login (poll %s, max %s)", c.pollInterval, c.maxWait)
	loaded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warnf("login not completed within %s", c.maxWait)
			if t.claim() {
				t.release()
				c.drop(t)
				c.settle(t.flowID, p.ID, StatusFailed, "", autherr.Newf(autherr.CodeLoginRequired, "login not completed within %s", c.maxWait))
			}
			return
		case <-ticker.C:
		}

		ok, err := c.loginComplete(h, p, &loaded, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if autherr.HasCode(err, autherr.CodeBrowserConnectionLost) {
				log.Errorf("login context lost: %v", err)
				if t.claim() {
					c.drop(t)
					c.settle(t.flowID, p.ID, StatusFailed, "", err)
				}
				return
			}
			log.Warnf("login check failed: %v", err)
			continue
		}
		if !ok {
			continue
		}

		if !t.claim() {
			return
		}
		c.complete(ctx, t, h, p, log)
		return
	}
}

// loginComplete is true once the page has loaded and shows neither a login
// prompt nor an error. The load flag sticks once set.
func (c *Coordinator) loginComplete(h *browser.Handle, p *platform.Platform, loaded *bool, log *logging.Logger) (bool, error) {
	var ok bool
	err := h.Drive(func(page browser.Page) error {
		if !*loaded {
			err := page.WaitForLoad(c.loadTimeout)
			switch {
			case err == nil:
				*loaded = true
				log.Debugf("page loaded")
			case autherr.HasCode(err, autherr.CodeBrowserConnectionLost):
				return err
			default:
				log.Debugf("page still loading: %v", err)
			}
		}

		login, err := present(page, p.MonitorLoginIndicators)
		if err != nil {
			return err
		}
		if login != "" {
			log.Debugf("still on login page (%s)", login)
			return nil
		}
		warn, err := present(page, p.ErrorIndicators)
		if err != nil {
			return err
		}
		if warn != "" {
			log.Debugf("error indicator present (%s)", warn)
			return nil
		}
		ok = *loaded
		return nil
	})
	return ok, err
}

func (c *Coordinator) complete(ctx context.Context, t *task, h *browser.Handle, p *platform.Platform, log *logging.Logger) {
	snap, err := c.capture(h, p)
	if err != nil {
		log.Errorf("capturing session failed: %v", err)
		t.release()
		c.drop(t)
		c.settle(t.flowID, p.ID, StatusFailed, "", err)
		return
	}

	// The login is done; a cancel arriving now must not lose it.
	if _, err := c.sessions.Save(context.WithoutCancel(ctx), t.key, snap, true); err != nil {
		log.Errorf("saving session failed: %v", err)
		t.release()
		c.drop(t)
		c.settle(t.flowID, p.ID, StatusFailed, "", autherr.Wrap(autherr.CodeSessionSaveFailed, err, ""))
		return
	}

	t.release()
	c.drop(t)
	log.Infof("login completed (%s)", describeUser(snap.Username))
	c.settle(t.flowID, p.ID, StatusCompleted, snap.Username, nil)
}

func describeUser(name string) string {
	if name == "" {
		return "username unknown"
	}
	return fmt.Sprintf("user %q", name)
}
