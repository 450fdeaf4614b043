package browser

import (
	"encoding/json"
	"fmt"
)

const sessionStorageTemplate = `(() => {
  const byOrigin = %s;
  const items = byOrigin[window.location.origin];
  if (!items) return;
  try {
    for (const [k, v] of Object.entries(items)) {
      window.sessionStorage.setItem(k, v);
    }
  } catch (e) {}
})();`

// SessionStorageScript returns an init script that restores items into
// sessionStorage for the page's own origin only.
func SessionStorageScript(byOrigin map[string]map[string]string) (string, error) {
	data, err := json.Marshal(byOrigin)
	if err != nil {
		return "", fmt.Errorf("failed to encode session storage: %w", err)
	}
	return fmt.Sprintf(sessionStorageTemplate, data), nil
}
