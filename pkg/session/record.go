package session

import (
	"encoding/json"
	"time"

	"github.com/entrhq/authkeeper/pkg/browser"
)

// Health is the derived classification of a stored session.
type Health string

const (
	HealthValid    Health = "valid"
	HealthExpiring Health = "expiring"
	HealthInvalid  Health = "invalid"
)

// Snapshot is everything needed to resume an authenticated context.
type Snapshot struct {
	State *browser.StorageState `json:"storage_state"`
	// SessionStorage holds per-origin sessionStorage, which Playwright's
	// storage state does not capture.
	SessionStorage map[string]map[string]string `json:"session_storage,omitempty"`
	Username       string                       `json:"username,omitempty"`
}

// Cookies returns the snapshot's cookies.
func (s Snapshot) Cookies() []browser.Cookie {
	if s.State == nil {
		return nil
	}
	return s.State.Cookies
}

// Record is the decrypted value stored under a Key.
type Record struct {
	Snapshot
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"`
}

// Age returns how long ago the record was last refreshed.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastModified)
}

func encodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
