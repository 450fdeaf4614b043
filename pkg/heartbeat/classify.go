package heartbeat

import (
	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/platform"
)

// Signal is what the configured selectors say about a page.
type Signal int

const (
	// SignalNone means no configured selector matched.
	SignalNone Signal = iota
	// SignalLogin means a login-only control is visible.
	SignalLogin
	// SignalAuth means an authenticated-only control is visible.
	SignalAuth
)

func (s Signal) String() string {
	switch s {
	case SignalLogin:
		return "login"
	case SignalAuth:
		return "auth"
	}
	return "none"
}

// ClassifyPage checks login indicators first and authenticated indicators
// second. Individual selector failures are skipped; a lost browser
// connection aborts the check.
func ClassifyPage(page browser.Page, p *platform.Platform) (Signal, string, error) {
	if sel, err := firstVisible(page, p.LoginIndicators); err != nil {
		return SignalNone, "", err
	} else if sel != "" {
		return SignalLogin, "login indicator " + sel + " visible", nil
	}

	if sel, err := firstVisible(page, p.AuthIndicators); err != nil {
		return SignalNone, "", err
	} else if sel != "" {
		return SignalAuth, "authenticated indicator " + sel + " visible", nil
	}
	return SignalNone, "no configured indicator matched", nil
}

// AnyVisible reports the first selector in selectors with a visible match.
func AnyVisible(page browser.Page, selectors []string) (string, error) {
	return firstVisible(page, selectors)
}

func firstVisible(page browser.Page, selectors []string) (string, error) {
	for _, sel := range selectors {
		el, err := page.QuerySelector(sel)
		if err != nil {
			if autherr.HasCode(err, autherr.CodeBrowserConnectionLost) {
				return "", err
			}
			continue
		}
		if el == nil {
			continue
		}
		visible, err := el.IsVisible()
		if err == nil && visible {
			return sel, nil
		}
	}
	return "", nil
}
