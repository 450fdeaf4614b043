// Package session persists encrypted browser sessions keyed by
// (user, project, platform) and classifies their health.
//
// Health is derived from the age of the record and, when it is young
// enough, a live heartbeat probe:
//
//	age > 7d          invalid, no probe
//	5d <= age <= 7d   expiring, no probe
//	age < 5d          probe: pass => valid (and refreshed), fail => invalid,
//	                  inconclusive => expiring
//
// A record that exists but cannot be decrypted or parsed is reported as
// SESSION_CORRUPT and classified expiring on every path. It is never
// deleted implicitly.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/retry"
	"github.com/entrhq/authkeeper/pkg/sealer"
)

const (
	DefaultExpiringAfter = 5 * 24 * time.Hour
	DefaultInvalidAfter  = 7 * 24 * time.Hour
)

// Verdict is a heartbeat outcome.
type Verdict struct {
	// Health is valid, invalid, or expiring for an inconclusive probe.
	Health Health
	Reason string
}

// Prober runs a live heartbeat against a stored snapshot.
type Prober interface {
	Probe(ctx context.Context, platform string, snap Snapshot) (Verdict, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, platform string, snap Snapshot) (Verdict, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, platform string, snap Snapshot) (Verdict, error) {
	return f(ctx, platform, snap)
}

// Store encrypts, persists and validates session records.
type Store struct {
	backend Backend
	cipher  sealer.Cipher
	prober  Prober
	retry   retry.Policy
	now     func() time.Time
	log     *logging.Logger

	expiringAfter time.Duration
	invalidAfter  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithProber sets the heartbeat used by validation. Without one, young
// records validate as expiring.
func WithProber(p Prober) Option {
	return func(s *Store) { s.prober = p }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy sets the policy for retrying a heartbeat that failed transiently.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// WithThresholds overrides the expiring and invalid ages.
func WithThresholds(expiring, invalid time.Duration) Option {
	return func(s *Store) {
		s.expiringAfter = expiring
		s.invalidAfter = invalid
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store over backend, encrypting with cipher.
func NewStore(backend Backend, cipher sealer.Cipher, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		cipher:        cipher,
		retry:         retry.Default(),
		now:           time.Now,
		log:           logging.Discard(),
		expiringAfter: DefaultExpiringAfter,
		invalidAfter:  DefaultInvalidAfter,
	}
	for _, o := range opts {
		o(s)
	}
	if s.retry.Logger == nil {
		s.retry.Logger = s.log
	}
	return s
}

// Save encrypts snap and replaces the record under key. CreatedAt is kept
// from the existing record unless isNewLogin is set or there is none;
// LastModified always moves forward.
func (s *Store) Save(ctx context.Context, key Key, snap Snapshot, isNewLogin bool) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := s.now().Round(0)
	rec := &Record{Snapshot: snap, CreatedAt: now, LastModified: now}

	prev, err := s.read(ctx, key)
	switch {
	case err == nil:
		if !isNewLogin && !prev.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
		if !rec.LastModified.After(prev.LastModified) {
			rec.LastModified = prev.LastModified.Add(time.Microsecond)
		}
	case autherr.HasCode(err, autherr.CodeSessionNotFound), autherr.HasCode(err, autherr.CodeSessionCorrupt):
		// Treated as a first save
	default:
		return nil, autherr.Wrap(autherr.CodeSessionSaveFailed, err, "")
	}

	plain, err := encodeRecord(rec)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSessionSaveFailed, err, "failed to encode session")
	}
	sealed, err := s.cipher.Encrypt(plain)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSessionSaveFailed, err, "failed to encrypt session")
	}
	if err := s.backend.Put(ctx, key, sealed, rec.LastModified); err != nil {
		s.log.Errorf("save %s failed: %v", key, err)
		return nil, autherr.Wrap(autherr.CodeSessionSaveFailed, err, "")
	}

	s.log.Infof("saved %s (new_login=%v, cookies=%d)", key, isNewLogin, len(snap.Cookies()))
	return rec, nil
}

// read loads and decrypts a record. Absent records are SESSION_NOT_FOUND,
// undecryptable or unparseable ones SESSION_CORRUPT.
func (s *Store) read(ctx context.Context, key Key) (*Record, error) {
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, autherr.New(autherr.CodeSessionNotFound, "").With("key", key.String())
	}
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}

	plain, err := s.cipher.Decrypt(data)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSessionCorrupt, err, "")
	}
	rec, err := decodeRecord(plain)
	if err != nil {
		return nil, autherr.Wrap(autherr.CodeSessionCorrupt, err, "")
	}
	return rec, nil
}

// Loaded is the result of Load.
type Loaded struct {
	Record *Record
	// Health and Reason are set only when validation was requested.
	Health Health
	Reason string
}

// Load reads the record under key. With validate set it also runs
// ValidateSession. Errors distinguish never-authorized (SESSION_NOT_FOUND)
// from damaged (SESSION_CORRUPT) records.
func (s *Store) Load(ctx context.Context, key Key, validate bool) (*Loaded, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	rec, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if !validate {
		return &Loaded{Record: rec}, nil
	}

	health, reason, err := s.ValidateSession(ctx, key, rec)
	if err != nil {
		return nil, err
	}
	return &Loaded{Record: rec, Health: health, Reason: reason}, nil
}

// ValidateSession classifies rec by age and, if it is young enough, by a
// single heartbeat. A passing heartbeat re-saves the record.
func (s *Store) ValidateSession(ctx context.Context, key Key, rec *Record) (Health, string, error) {
	if health, reason := s.classifyAge(rec.Age(s.now())); health != HealthValid {
		return health, reason, nil
	}

	if s.prober == nil {
		return HealthExpiring, "no heartbeat configured", nil
	}

	verdict, err := s.prober.Probe(ctx, key.Platform, rec.Snapshot)
	if err != nil {
		return "", "", err
	}

	if verdict.Health == HealthValid {
		if _, err := s.Save(ctx, key, rec.Snapshot, false); err != nil {
			s.log.Warnf("heartbeat passed for %s but refresh failed: %v", key, err)
		}
	}
	s.log.Infof("heartbeat %s: %s (%s)", key, verdict.Health, verdict.Reason)
	return verdict.Health, verdict.Reason, nil
}

// Delete removes the record under key.
func (s *Store) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := s.backend.Delete(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return autherr.New(autherr.CodeSessionNotFound, "").With("key", key.String())
	}
	if err != nil {
		return autherr.Wrap(autherr.CodeStorageStateError, err, "")
	}
	s.log.Infof("deleted %s", key)
	return nil
}
