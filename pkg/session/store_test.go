package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/browser"
	"github.com/entrhq/authkeeper/pkg/retry"
	"github.com/entrhq/authkeeper/pkg/sealer"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type countingProber struct {
	calls   atomic.Int32
	verdict Verdict
	errs    []error
}

func (p *countingProber) Probe(context.Context, string, Snapshot) (Verdict, error) {
	n := int(p.calls.Add(1))
	if n <= len(p.errs) && p.errs[n-1] != nil {
		return Verdict{}, p.errs[n-1]
	}
	return p.verdict, nil
}

func newTestStore(t *testing.T, prober Prober) (*Store, *MemoryBackend, *fakeClock) {
	t.Helper()
	cipher, err := sealer.New("test-secret")
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend()
	policy := retry.Default()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }

	opts := []Option{WithNow(clock.Now), WithRetryPolicy(policy)}
	if prober != nil {
		opts = append(opts, WithProber(prober))
	}
	return NewStore(backend, cipher, opts...), backend, clock
}

var demoKey = Key{UserID: 1, ProjectID: 2, Platform: "demo"}

func demoSnapshot() Snapshot {
	return Snapshot{
		State: &browser.StorageState{
			Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".demo.test", Path: "/", Expires: 1.7e9, HTTPOnly: true}},
			Origins: []browser.Origin{{Origin: "https://demo.test", LocalStorage: []browser.NameValue{{Name: "token", Value: "t"}}}},
		},
		SessionStorage: map[string]map[string]string{"https://demo.test": {"nonce": "n"}},
		Username:       "alice",
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	blobs := []Snapshot{
		demoSnapshot(),
		{},
		{State: &browser.StorageState{}},
		{State: &browser.StorageState{Cookies: []browser.Cookie{{Name: "a", Value: "1", SameSite: "Strict"}}}},
	}
	for i, blob := range blobs {
		key := Key{UserID: int64(i), ProjectID: 9, Platform: "demo"}
		_, err := store.Save(ctx, key, blob, true)
		require.NoError(t, err)

		loaded, err := store.Load(ctx, key, false)
		require.NoError(t, err)
		assert.Equal(t, blob, loaded.Record.Snapshot, "blob %d", i)
		assert.Empty(t, loaded.Health)
	}
}

func TestSave_CreatedAtAndLastModified(t *testing.T) {
	store, _, clock := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Save(ctx, demoKey, demoSnapshot(), false)
	require.NoError(t, err)
	created := first.CreatedAt

	clock.Advance(time.Hour)
	second, err := store.Save(ctx, demoKey, demoSnapshot(), false)
	require.NoError(t, err)
	assert.True(t, second.CreatedAt.Equal(created), "created_at is kept")
	assert.True(t, second.LastModified.After(first.LastModified))

	// Clock did not move: last_modified still increases
	third, err := store.Save(ctx, demoKey, demoSnapshot(), false)
	require.NoError(t, err)
	assert.True(t, third.LastModified.After(second.LastModified))

	clock.Advance(time.Hour)
	relogin, err := store.Save(ctx, demoKey, demoSnapshot(), true)
	require.NoError(t, err)
	assert.True(t, relogin.CreatedAt.Equal(clock.Now()), "fresh login resets created_at")

	loaded, err := store.Load(ctx, demoKey, false)
	require.NoError(t, err)
	assert.True(t, loaded.Record.CreatedAt.Equal(relogin.CreatedAt))
	assert.True(t, loaded.Record.LastModified.Equal(relogin.LastModified))
}

func TestSave_InvalidKey(t *testing.T) {
	store, _, _ := newTestStore(t, nil)

	for _, key := range []Key{
		{UserID: 1, ProjectID: 1},
		{UserID: -1, ProjectID: 1, Platform: "demo"},
		{UserID: 1, ProjectID: 1, Platform: "../etc"},
	} {
		_, err := store.Save(context.Background(), key, Snapshot{}, true)
		assert.Equal(t, autherr.CodeInvalidParams, autherr.CodeOf(err), "%+v", key)
	}
}

func TestLoad_MissingAndCorruptAreDistinct(t *testing.T) {
	store, backend, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, demoKey, false)
	assert.Equal(t, autherr.CodeSessionNotFound, autherr.CodeOf(err))

	_, err = store.Save(ctx, demoKey, demoSnapshot(), true)
	require.NoError(t, err)
	backend.Corrupt(demoKey, []byte("garbage"))

	_, err = store.Load(ctx, demoKey, false)
	assert.Equal(t, autherr.CodeSessionCorrupt, autherr.CodeOf(err))

	// Never deleted implicitly
	_, err = backend.Get(ctx, demoKey)
	assert.NoError(t, err)
}

func TestLoad_ValidateByAge(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		verdict    Health
		want       Health
		wantProbes int32
	}{
		{"fresh and heartbeat passes", time.Hour, HealthValid, HealthValid, 1},
		{"fresh and heartbeat fails", time.Hour, HealthInvalid, HealthInvalid, 1},
		{"fresh and heartbeat inconclusive", 4 * 24 * time.Hour, HealthExpiring, HealthExpiring, 1},
		{"five days", 5*24*time.Hour + time.Minute, HealthValid, HealthExpiring, 0},
		{"seven days", 7 * 24 * time.Hour, HealthValid, HealthExpiring, 0},
		{"older than seven days", 7*24*time.Hour + time.Second, HealthValid, HealthInvalid, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := &countingProber{verdict: Verdict{Health: tt.verdict}}
			store, _, clock := newTestStore(t, prober)
			ctx := context.Background()

			_, err := store.Save(ctx, demoKey, demoSnapshot(), true)
			require.NoError(t, err)
			clock.Advance(tt.age)

			loaded, err := store.Load(ctx, demoKey, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, loaded.Health)
			assert.Equal(t, tt.wantProbes, prober.calls.Load())
		})
	}
}

func TestValidate_PassingHeartbeatRefreshes(t *testing.T) {
	prober := &countingProber{verdict: Verdict{Health: HealthValid}}
	store, _, clock := newTestStore(t, prober)
	ctx := context.Background()

	saved, err := store.Save(ctx, demoKey, demoSnapshot(), true)
	require.NoError(t, err)
	clock.Advance(2 * 24 * time.Hour)

	_, err = store.Load(ctx, demoKey, true)
	require.NoError(t, err)

	after, err := store.Load(ctx, demoKey, false)
	require.NoError(t, err)
	assert.True(t, after.Record.LastModified.Equal(clock.Now()))
	assert.True(t, after.Record.CreatedAt.Equal(saved.CreatedAt))
}

func TestStatusFast_NeverProbes(t *testing.T) {
	prober := &countingProber{verdict: Verdict{Health: HealthValid}}
	store, _, clock := newTestStore(t, prober)
	ctx := context.Background()

	st, err := store.StatusFast(ctx, demoKey)
	require.NoError(t, err)
	assert.Equal(t, HealthInvalid, st.Health)
	assert.False(t, st.Exists)

	_, err = store.Save(ctx, demoKey, demoSnapshot(), true)
	require.NoError(t, err)

	for _, tt := range []struct {
		advance time.Duration
		want    Health
	}{
		{time.Hour, HealthValid},
		{5 * 24 * time.Hour, HealthExpiring},
		{2 * 24 * time.Hour, HealthInvalid},
	} {
		clock.Advance(tt.advance)
		st, err := store.StatusFast(ctx, demoKey)
		require.NoError(t, err)
		assert.Equal(t, tt.want, st.Health)
		assert.True(t, st.FastCheck)
		assert.True(t, st.Exists)
	}
	assert.Zero(t, prober.calls.Load())
}

func TestStatus_FullPath(t *testing.T) {
	ctx := context.Background()

	t.Run("missing is invalid", func(t *testing.T) {
		store, _, _ := newTestStore(t, &countingProber{verdict: Verdict{Health: HealthValid}})
		st, err := store.Status(ctx, demoKey)
		require.NoError(t, err)
		assert.Equal(t, HealthInvalid, st.Health)
		assert.Equal(t, autherr.CodeSessionNotFound, st.ErrorCode)
	})

	t.Run("corrupt is expiring", func(t *testing.T) {
		prober := &countingProber{verdict: Verdict{Health: HealthValid}}
		store, backend, _ := newTestStore(t, prober)
		_, err := store.Save(ctx, demoKey, demoSnapshot(), true)
		require.NoError(t, err)
		backend.Corrupt(demoKey, []byte("not ciphertext"))

		st, err := store.Status(ctx, demoKey)
		require.NoError(t, err)
		assert.Equal(t, HealthExpiring, st.Health)
		assert.Equal(t, autherr.CodeSessionCorrupt, st.ErrorCode)
		assert.True(t, st.Exists)
		assert.Zero(t, prober.calls.Load())
	})

	t.Run("transient heartbeat failure is retried", func(t *testing.T) {
		prober := &countingProber{
			verdict: Verdict{Health: HealthValid},
			errs:    []error{autherr.New(autherr.CodeBrowserConnectionLost, ""), autherr.New(autherr.CodeTimeout, "")},
		}
		store, _, _ := newTestStore(t, prober)
		_, err := store.Save(ctx, demoKey, demoSnapshot(), true)
		require.NoError(t, err)

		st, err := store.Status(ctx, demoKey)
		require.NoError(t, err)
		assert.Equal(t, HealthValid, st.Health)
		assert.Equal(t, int32(3), prober.calls.Load())
		assert.NotNil(t, st.CreatedAt)
	})

	t.Run("exhausted retries are inconclusive", func(t *testing.T) {
		timeout := autherr.New(autherr.CodeTimeout, "")
		prober := &countingProber{errs: []error{timeout, timeout, timeout, timeout}}
		store, _, _ := newTestStore(t, prober)
		_, err := store.Save(ctx, demoKey, demoSnapshot(), true)
		require.NoError(t, err)

		st, err := store.Status(ctx, demoKey)
		require.NoError(t, err)
		assert.Equal(t, HealthExpiring, st.Health)
		assert.Equal(t, autherr.CodeTimeout, st.ErrorCode)
		assert.Equal(t, int32(3), prober.calls.Load())
	})
}

func TestDelete(t *testing.T) {
	store, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Save(ctx, demoKey, demoSnapshot(), true)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, demoKey))

	err = store.Delete(ctx, demoKey)
	assert.Equal(t, autherr.CodeSessionNotFound, autherr.CodeOf(err))
}

func TestList(t *testing.T) {
	store, _, clock := newTestStore(t, nil)
	ctx := context.Background()

	for _, k := range []Key{
		{UserID: 1, ProjectID: 1, Platform: "zhihu"},
		{UserID: 1, ProjectID: 2, Platform: "weixin"},
		{UserID: 1, ProjectID: 1, Platform: "wangyi"},
		{UserID: 2, ProjectID: 1, Platform: "zhihu"},
	} {
		_, err := store.Save(ctx, k, Snapshot{}, true)
		require.NoError(t, err)
	}
	clock.Advance(6 * 24 * time.Hour)

	all, err := store.List(ctx, Filter{UserID: 1})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"wangyi", "weixin", "zhihu"}, []string{all[0].Platform, all[1].Platform, all[2].Platform})
	assert.Equal(t, HealthExpiring, all[0].Health)

	project := int64(1)
	scoped, err := store.List(ctx, Filter{UserID: 1, ProjectID: &project, Platform: "w*"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "wangyi", scoped[0].Platform)

	_, err = store.List(ctx, Filter{Platform: "["})
	assert.Equal(t, autherr.CodeInvalidParams, autherr.CodeOf(err))
}
