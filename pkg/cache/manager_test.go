package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/vrc-api-client/pkg/backoff"
	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/clock"
)

func newTestManager(t *testing.T, clk clock.Clock, cfg Config) *Manager {
	t.Helper()

	execCfg := client.DefaultConfig(nil)
	execCfg.Clock = clk
	execCfg.Retry = backoff.Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
	execCfg.RateLimit.Capacity = 100
	exec, err := client.New(execCfg)
	require.NoError(t, err)

	cfg.Clock = clk
	m, err := NewManager(cfg, exec)
	require.NoError(t, err)
	return m
}

func TestDefaultConfig(t *testing.T) {
	want := map[Kind]struct {
		ttl         time.Duration
		max         int
		groupScoped bool
	}{
		KindUsers:        {10 * time.Minute, 500, false},
		KindGroups:       {10 * time.Minute, 50, false},
		KindMyGroups:     {5 * time.Minute, 10, false},
		KindInstances:    {time.Minute, 50, true},
		KindWorlds:       {time.Hour, 100, false},
		KindMembers:      {2 * time.Minute, 100, true},
		KindJoinRequests: {time.Minute, 20, true},
		KindBans:         {2 * time.Minute, 20, true},
	}

	cfg := DefaultConfig()
	require.Len(t, cfg.Kinds, len(want))
	for _, kc := range cfg.Kinds {
		w, ok := want[kc.Kind]
		require.True(t, ok, "unexpected kind %s", kc.Kind)
		assert.Equal(t, w.ttl, kc.TTL, kc.Kind)
		assert.Equal(t, w.max, kc.MaxEntries, kc.Kind)
		assert.Equal(t, w.groupScoped, kc.GroupScoped, kc.Kind)
	}
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{}, nil)
	assert.Error(t, err, "no kinds")

	cfg := Config{Kinds: []KindConfig{
		{Kind: KindUsers, TTL: time.Minute, MaxEntries: 1},
		{Kind: KindUsers, TTL: time.Minute, MaxEntries: 1},
	}}
	_, err = NewManager(cfg, nil)
	assert.Error(t, err, "duplicate kind")

	cfg = Config{Kinds: []KindConfig{{Kind: KindUsers, TTL: time.Minute}}}
	_, err = NewManager(cfg, nil)
	assert.Error(t, err, "invalid capacity")
}

func TestGetOrFetch_HitAfterMiss(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := newTestManager(t, clk, DefaultConfig())
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(context.Context) (testUser, error) {
		fetches.Add(1)
		return testUser{ID: "usr_1", DisplayName: "Ada"}, nil
	}

	u, err := GetOrFetch(ctx, m, KindUsers, "usr_1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)

	u, err = GetOrFetch(ctx, m, KindUsers, "usr_1", fetch)
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.DisplayName)
	assert.EqualValues(t, 1, fetches.Load(), "second read served from cache")

	cached, ok := Lookup[testUser](m, KindUsers, "usr_1")
	assert.True(t, ok)
	assert.Equal(t, u, cached)

	// Stale after the TTL: fetched again.
	clk.Advance(10*time.Minute + time.Second)
	_, err = GetOrFetch(ctx, m, KindUsers, "usr_1", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetches.Load())
}

func TestGetOrFetch_ConcurrentCallsFetchOnce(t *testing.T) {
	m := newTestManager(t, clock.Real(), DefaultConfig())

	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (testUser, error) {
		fetches.Add(1)
		<-release
		return testUser{ID: "grp_1"}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]testUser, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrFetch(context.Background(), m, KindGroups, "grp_1", fetch)
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, fetches.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "grp_1", results[i].ID)
	}
}

func TestGetOrFetch_ForceRefresh(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())
	ctx := context.Background()

	n := 0
	fetch := func(context.Context) (int, error) {
		n++
		return n, nil
	}

	v, _ := GetOrFetch(ctx, m, KindWorlds, "wrld_1", fetch)
	assert.Equal(t, 1, v)
	v, _ = GetOrFetch(ctx, m, KindWorlds, "wrld_1", fetch, ForceRefresh())
	assert.Equal(t, 2, v)
	v, _ = GetOrFetch(ctx, m, KindWorlds, "wrld_1", fetch)
	assert.Equal(t, 2, v, "forced result was stored")
}

func TestGetOrFetch_MergesIntoCachedValue(t *testing.T) {
	cfg := DefaultConfig().With(KindUsers, func(kc *KindConfig) {
		kc.Merge = Erase(MergeFields[testUser]())
	})
	m := newTestManager(t, clock.NewFake(epoch), cfg)

	_, err := m.Put(KindUsers, "usr_1", testUser{ID: "usr_1", Bio: "from profile"})
	require.NoError(t, err)

	u, err := GetOrFetch(context.Background(), m, KindUsers, "usr_1",
		func(context.Context) (testUser, error) {
			return testUser{ID: "usr_1", DisplayName: "Ada"}, nil
		}, ForceRefresh())
	require.NoError(t, err)

	assert.Equal(t, testUser{ID: "usr_1", DisplayName: "Ada", Bio: "from profile"}, u)
}

func TestGetOrFetch_ErrorsAndStaleValues(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := newTestManager(t, clk, DefaultConfig())
	ctx := context.Background()

	_, err := m.Put(KindGroups, "grp_1", testUser{ID: "grp_1"})
	require.NoError(t, err)
	clk.Advance(11 * time.Minute)

	badRequest := func(context.Context) (testUser, error) {
		return testUser{}, &client.Error{Kind: client.KindClient, StatusCode: 400, Message: "Bad Request"}
	}

	_, err = GetOrFetch(ctx, m, KindGroups, "grp_1", badRequest)
	assert.True(t, client.IsKind(err, client.KindClient), "no stale substitution by default")

	u, err := GetOrFetch(ctx, m, KindGroups, "grp_1", badRequest, ServeStaleOnError())
	require.NoError(t, err)
	assert.Equal(t, "grp_1", u.ID)

	_, err = GetOrFetch(ctx, m, KindGroups, "grp_2", badRequest, ServeStaleOnError())
	assert.Error(t, err, "nothing stale to serve")
}

func TestGetOrFetch_RetriesThenSuppresses(t *testing.T) {
	m := newTestManager(t, clock.Real(), DefaultConfig())
	ctx := context.Background()

	var fetches atomic.Int32
	unavailable := func(context.Context) (testUser, error) {
		fetches.Add(1)
		return testUser{}, &client.Error{Kind: client.KindTransient, StatusCode: 503}
	}

	_, err := GetOrFetch(ctx, m, KindInstances, "grp_1", unavailable)
	require.ErrorIs(t, err, client.ErrRetryExhausted)
	assert.EqualValues(t, 5, fetches.Load())

	_, err = GetOrFetch(ctx, m, KindInstances, "grp_1", unavailable)
	assert.True(t, client.IsKind(err, client.KindSuppressed), "got %v", err)
	assert.EqualValues(t, 5, fetches.Load(), "suppressed call does not fetch")
}

func TestGetOrFetch_TypeMismatch(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())
	_, err := m.Put(KindWorlds, "wrld_1", "a string")
	require.NoError(t, err)

	_, err = GetOrFetch(context.Background(), m, KindWorlds, "wrld_1", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestManager_UnknownKind(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

	_, err := GetOrFetch(context.Background(), m, Kind("avatars"), "avtr_1", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.ErrorIs(t, m.Invalidate(Kind("avatars"), "x"), ErrUnknownKind)
}

func TestManager_InvalidateGroup(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

	put := func(kind Kind, key string) {
		_, err := m.Put(kind, key, key)
		require.NoError(t, err)
	}
	for _, g := range []string{"g1", "g2", "g10"} {
		put(KindGroups, g)
		put(KindInstances, g)
		put(KindBans, g)
		put(KindJoinRequests, g)
		put(KindMembers, g+"/n=100&offset=0")
		put(KindMembers, g+"/n=100&offset=100")
	}
	put(KindUsers, "g1")

	removed := m.InvalidateGroup("g1")
	assert.Equal(t, 6, removed)

	for _, c := range []struct {
		kind Kind
		key  string
	}{
		{KindGroups, "g1"},
		{KindInstances, "g1"},
		{KindBans, "g1"},
		{KindJoinRequests, "g1"},
		{KindMembers, "g1/n=100&offset=0"},
		{KindMembers, "g1/n=100&offset=100"},
	} {
		_, ok := Lookup[string](m, c.kind, c.key)
		assert.False(t, ok, "%s/%s should be gone", c.kind, c.key)
	}

	for _, g := range []string{"g2", "g10"} {
		_, ok := Lookup[string](m, KindGroups, g)
		assert.True(t, ok, "groups/%s kept", g)
		_, ok = Lookup[string](m, KindMembers, g+"/n=100&offset=0")
		assert.True(t, ok, "members of %s kept", g)
	}
	_, ok := Lookup[string](m, KindUsers, "g1")
	assert.True(t, ok, "non group-scoped kinds untouched")
}

type fetchResult struct {
	v   []string
	err error
}

func TestGetOrFetch_InvalidationDiscardsInFlightResult(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(m *Manager)
	}{
		{"clear", func(m *Manager) { m.Clear() }},
		{"invalidate group", func(m *Manager) { m.InvalidateGroup("g1") }},
		{"invalidate key", func(m *Manager) { _ = m.Invalidate(KindBans, "g1") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

			started := make(chan struct{})
			release := make(chan struct{})
			fetch := func(context.Context) ([]string, error) {
				close(started)
				<-release
				return []string{"old-session"}, nil
			}

			done := make(chan fetchResult, 1)
			go func() {
				v, err := GetOrFetch(context.Background(), m, KindBans, "g1", fetch)
				done <- fetchResult{v, err}
			}()

			<-started
			tt.invalidate(m)
			close(release)

			res := <-done
			require.NoError(t, res.err)
			assert.Equal(t, []string{"old-session"}, res.v, "the waiting caller still gets its result")

			_, ok := Lookup[[]string](m, KindBans, "g1")
			assert.False(t, ok, "result fetched before the invalidation must not be cached")
		})
	}
}

func TestGetOrFetch_ReadAfterInvalidationStartsNewFetch(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) ([]string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return []string{"pre-mutation"}, nil
		}
		return []string{"post-mutation"}, nil
	}

	done := make(chan fetchResult, 1)
	go func() {
		v, err := GetOrFetch(context.Background(), m, KindBans, "g1", fetch)
		done <- fetchResult{v, err}
	}()

	<-started
	m.InvalidateGroup("g1")

	v, err := GetOrFetch(context.Background(), m, KindBans, "g1", fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"post-mutation"}, v)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []string{"pre-mutation"}, res.v)

	assert.Equal(t, int32(2), calls.Load())
	cached, ok := Lookup[[]string](m, KindBans, "g1")
	require.True(t, ok)
	assert.Equal(t, []string{"post-mutation"}, cached, "the older fetch does not overwrite")
}

func TestManager_PutIf(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

	gen := m.Generation(KindUsers)
	m.Clear()

	_, ok, err := m.PutIf(KindUsers, "usr_1", "old", gen)
	require.NoError(t, err)
	assert.False(t, ok)
	_, hit := Lookup[string](m, KindUsers, "usr_1")
	assert.False(t, hit)

	_, ok, err = m.PutIf(KindUsers, "usr_1", "new", m.Generation(KindUsers))
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = m.PutIf(Kind("nope"), "x", 1, 0)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Zero(t, m.Generation(Kind("nope")))
}

func TestManager_InvalidatePrefixAndClear(t *testing.T) {
	m := newTestManager(t, clock.NewFake(epoch), DefaultConfig())

	for _, key := range []string{"grp_1/n=100&offset=0", "grp_1/n=100&offset=100", "grp_2/n=100&offset=0"} {
		_, err := m.Put(KindMembers, key, key)
		require.NoError(t, err)
	}

	n, err := m.InvalidatePrefix(KindMembers, "grp_1/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Invalidate(KindMembers, "missing"))

	_, _ = m.Put(KindUsers, "usr_1", "x")
	m.Clear()
	for _, s := range m.Stats() {
		assert.Zero(t, s.Entries, s.Kind)
	}
}

func TestManager_StatsAndSweep(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := newTestManager(t, clk, DefaultConfig())

	_, _ = m.Put(KindInstances, "grp_1", 1)
	_, _ = m.Put(KindWorlds, "wrld_1", 2)
	clk.Advance(2 * time.Minute)

	stats := m.Stats()
	byKind := make(map[Kind]KindStats, len(stats))
	for _, s := range stats {
		byKind[s.Kind] = s
	}
	assert.Equal(t, 1, byKind[KindInstances].Entries)
	assert.Equal(t, 0, byKind[KindInstances].Fresh)
	assert.Equal(t, 1, byKind[KindWorlds].Fresh)
	assert.Equal(t, time.Hour, byKind[KindWorlds].TTL)

	assert.Equal(t, 1, m.Sweep())
}

func TestManager_Janitor(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := newTestManager(t, clk, DefaultConfig())
	_, _ = m.Put(KindInstances, "grp_1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := m.StartJanitor(ctx, time.Minute)

	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(2 * time.Minute)

	ec, err := m.Cache(KindInstances)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ec.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestManager_JanitorRejectsNonPositiveInterval(t *testing.T) {
	clk := clock.NewFake(epoch)
	m := newTestManager(t, clk, DefaultConfig())

	for _, interval := range []time.Duration{0, -time.Second} {
		done := m.StartJanitor(context.Background(), interval)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("janitor with interval %v should not run", interval)
		}
	}
	assert.Zero(t, clk.Waiters())
}

func TestGetOrFetch_WithoutExecutor(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = GetOrFetch(context.Background(), m, KindUsers, "usr_1", func(context.Context) (int, error) { return 1, nil })
	assert.True(t, errors.Is(err, client.ErrInvalidCall))
}
