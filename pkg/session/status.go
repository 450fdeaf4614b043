package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/retry"
)

// Status describes a stored session's health.
type Status struct {
	Key
	Health    Health       `json:"health"`
	Exists    bool         `json:"exists"`
	Reason    string       `json:"reason,omitempty"`
	ErrorCode autherr.Code `json:"error_code,omitempty"`
	FastCheck bool         `json:"is_fast_check"`

	CreatedAt    *time.Time `json:"created_at,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	AgeHours     float64    `json:"age_hours"`
	AgeDays      int        `json:"age_days"`
	CheckedAt    time.Time  `json:"checked_at"`
}

func (s *Store) classifyAge(age time.Duration) (Health, string) {
	switch {
	case age > s.invalidAfter:
		return HealthInvalid, "session older than " + s.invalidAfter.String()
	case age >= s.expiringAfter:
		return HealthExpiring, "session older than " + s.expiringAfter.String()
	}
	return HealthValid, "session is recent"
}

func (s *Store) withAge(st *Status, lastModified time.Time) {
	age := st.CheckedAt.Sub(lastModified)
	lm := lastModified
	st.LastModified = &lm
	st.AgeHours = math.Round(age.Hours()*10) / 10
	st.AgeDays = int(age.Hours() / 24)
}

// StatusFast classifies a session from stored metadata only. It never
// decrypts the record and never probes the browser.
func (s *Store) StatusFast(ctx context.Context, key Key) (*Status, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	st := &Status{Key: key, FastCheck: true, CheckedAt: s.now()}

	meta, err := s.backend.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		st.Health = HealthInvalid
		st.Reason = "no stored session"
		st.ErrorCode = autherr.CodeSessionNotFound
		return st, nil
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}

	st.Exists = true
	s.withAge(st, meta.ModTime)
	st.Health, st.Reason = s.classifyAge(st.CheckedAt.Sub(meta.ModTime))
	return st, nil
}

// Status performs full validation, retrying a heartbeat that fails with a
// temporary error.
func (s *Store) Status(ctx context.Context, key Key) (*Status, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	st := &Status{Key: key, CheckedAt: s.now()}

	rec, err := s.read(ctx, key)
	switch {
	case autherr.HasCode(err, autherr.CodeSessionNotFound):
		st.Health = HealthInvalid
		st.Reason = "no stored session"
		st.ErrorCode = autherr.CodeSessionNotFound
		return st, nil
	case autherr.HasCode(err, autherr.CodeSessionCorrupt):
		st.Exists = true
		st.Health = HealthExpiring
		st.Reason = "stored session could not be decrypted, re-authorization required"
		st.ErrorCode = autherr.CodeSessionCorrupt
		if meta, serr := s.backend.Stat(ctx, key); serr == nil {
			s.withAge(st, meta.ModTime)
		}
		s.log.Warnf("%s is corrupt: %v", key, err)
		return st, nil
	case err != nil:
		return nil, err
	}

	st.Exists = true
	created := rec.CreatedAt
	st.CreatedAt = &created
	s.withAge(st, rec.LastModified)

	type outcome struct {
		health Health
		reason string
	}
	out, err := retry.Do(ctx, s.retry, "heartbeat "+key.String(), func(ctx context.Context) (outcome, error) {
		h, r, err := s.ValidateSession(ctx, key, rec)
		return outcome{h, r}, err
	})
	if err != nil {
		if autherr.HasCode(err, autherr.CodeUnknownPlatform) {
			return nil, err
		}
		// Heartbeat could not run to completion
		st.Health = HealthExpiring
		st.Reason = "heartbeat inconclusive: " + err.Error()
		st.ErrorCode = autherr.CodeOf(err)
		return st, nil
	}

	st.Health, st.Reason = out.health, out.reason
	return st, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	UserID    int64
	ProjectID *int64
	// Platform is a glob such as "zhi*".
	Platform string
}

// Info is one List entry, classified from metadata like StatusFast.
type Info struct {
	Key
	LastModified time.Time `json:"last_modified"`
	Health       Health    `json:"health"`
	Size         int64     `json:"size"`
}

// List returns stored sessions matching f, sorted by platform.
func (s *Store) List(ctx context.Context, f Filter) ([]Info, error) {
	var match glob.Glob
	if f.Platform != "" {
		g, err := glob.Compile(f.Platform)
		if err != nil {
			return nil, autherr.Wrap(autherr.CodeInvalidParams, err, "invalid platform pattern")
		}
		match = g
	}

	metas, err := s.backend.List(ctx)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}

	now := s.now()
	out := make([]Info, 0, len(metas))
	for _, m := range metas {
		if f.UserID != 0 && m.Key.UserID != f.UserID {
			continue
		}
		if f.ProjectID != nil && m.Key.ProjectID != *f.ProjectID {
			continue
		}
		if match != nil && !match.Match(m.Key.Platform) {
			continue
		}
		health, _ := s.classifyAge(now.Sub(m.ModTime))
		out = append(out, Info{Key: m.Key, LastModified: m.ModTime, Health: health, Size: m.Size})
	}
	return out, nil
}
