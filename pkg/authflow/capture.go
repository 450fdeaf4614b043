package authflow

import (
	"strings"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/session"
)

// sessionStorageScript returns the page's origin and sessionStorage.
const sessionStorageScript = `() => {
  const items = {};
  for (let i = 0; i < window.sessionStorage.length; i++) {
    const k = window.sessionStorage.key(i);
    items[k] = window.sessionStorage.getItem(k);
  }
  return { origin: window.location.origin, items: items };
}`

// capture snapshots the signed-in context. Failing to read
// sessionStorage or the username is logged and tolerated; failing to read
// the storage state is not.
func (c *Coordinator) capture(h *browser.Handle, p *platform.Platform) (session.Snapshot, error) {
	state, err := h.StorageState()
	if err != nil {
		return session.Snapshot{}, err
	}
	snap := session.Snapshot{State: state}

	err = h.Drive(func(page browser.Page) error {
		raw, err := page.Evaluate(sessionStorageScript)
		if err != nil {
			c.log.Warnf("%s: sessionStorage not captured: %v", p.ID, err)
		} else if origin, items := decodeSessionStorage(raw); origin != "" && len(items) > 0 {
			snap.SessionStorage = map[string]map[string]string{origin: items}
		}

		snap.Username = extractUsername(page, p.UsernameSelectors)
		return nil
	})
	if err != nil {
		return session.Snapshot{}, autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}
	return snap, nil
}

func decodeSessionStorage(raw any) (string, map[string]string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return "", nil
	}
	origin, _ := m["origin"].(string)
	rawItems, _ := m["items"].(map[string]any)

	items := make(map[string]string, len(rawItems))
	for k, v := range rawItems {
		if s, ok := v.(string); ok {
			items[k] = s
		}
	}
	return origin, items
}

// extractUsername returns the first non-empty text among selectors.
func extractUsername(page browser.Page, selectors []string) string {
	for _, sel := range selectors {
		el, err := page.QuerySelector(sel)
		if err != nil || el == nil {
			continue
		}
		text, err := el.TextContent()
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// present reports the first selector matching any element, visible or not.
func present(page browser.Page, selectors []string) (string, error) {
	for _, sel := range selectors {
		el, err := page.QuerySelector(sel)
		if err != nil {
			if autherr.HasCode(err, autherr.CodeBrowserConnectionLost) {
				return "", err
			}
			continue
		}
		if el != nil {
			return sel, nil
		}
	}
	return "", nil
}
