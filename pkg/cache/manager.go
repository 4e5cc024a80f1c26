package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/clock"
	"github.com/Sternrassler/vrc-api-client/pkg/logging"
)

var (
	// ErrUnknownKind is returned for a kind the manager was not configured with.
	ErrUnknownKind = errors.New("unknown cache kind")

	// ErrTypeMismatch is returned when a cached value is not of the requested type.
	ErrTypeMismatch = errors.New("cached value has unexpected type")
)

// Kind names a category of cached entity.
type Kind string

// Entity kinds.
const (
	KindUsers        Kind = "users"
	KindGroups       Kind = "groups"
	KindMyGroups     Kind = "my_groups"
	KindInstances    Kind = "instances"
	KindWorlds       Kind = "worlds"
	KindMembers      Kind = "members"
	KindJoinRequests Kind = "join_requests"
	KindBans         Kind = "bans"
)

// KindConfig configures the cache for one kind.
type KindConfig struct {
	Kind       Kind
	TTL        time.Duration
	MaxEntries int

	// Merge combines a fresh cached value with a newly stored one.
	Merge MergeFunc[any]

	// GroupScoped kinds are keyed by group id, optionally followed by
	// "/<suffix>" (e.g. a member page), and are dropped by InvalidateGroup.
	GroupScoped bool

	// Persist includes the kind in snapshots by default.
	Persist bool

	// Decode restores a snapshot value. Kinds without a decoder are not
	// restored.
	Decode func([]byte) (any, error)
}

// Config holds the manager configuration.
type Config struct {
	Kinds []KindConfig

	// Clock drives freshness (default: real time).
	Clock clock.Clock
}

// DefaultConfig returns the default kinds with their TTLs and capacities.
func DefaultConfig() Config {
	return Config{
		Kinds: []KindConfig{
			{Kind: KindUsers, TTL: 10 * time.Minute, MaxEntries: 500},
			{Kind: KindGroups, TTL: 10 * time.Minute, MaxEntries: 50, Persist: true},
			{Kind: KindMyGroups, TTL: 5 * time.Minute, MaxEntries: 10},
			{Kind: KindInstances, TTL: 1 * time.Minute, MaxEntries: 50, GroupScoped: true},
			{Kind: KindWorlds, TTL: 1 * time.Hour, MaxEntries: 100, Persist: true},
			{Kind: KindMembers, TTL: 2 * time.Minute, MaxEntries: 100, GroupScoped: true},
			{Kind: KindJoinRequests, TTL: 1 * time.Minute, MaxEntries: 20, GroupScoped: true},
			{Kind: KindBans, TTL: 2 * time.Minute, MaxEntries: 20, GroupScoped: true},
		},
	}
}

// With returns a copy of cfg where fn has been applied to the kind k.
func (cfg Config) With(k Kind, fn func(*KindConfig)) Config {
	out := cfg
	out.Kinds = make([]KindConfig, len(cfg.Kinds))
	copy(out.Kinds, cfg.Kinds)
	for i := range out.Kinds {
		if out.Kinds[i].Kind == k {
			fn(&out.Kinds[i])
		}
	}
	return out
}

type kindCache struct {
	cfg   KindConfig
	cache *EntityCache[any]
}

// Manager owns one EntityCache per kind and routes misses through the
// executor.
type Manager struct {
	kinds  map[Kind]*kindCache
	order  []Kind
	exec   *client.Executor
	clock  clock.Clock
	logger zerolog.Logger
}

// NewManager creates the per-kind caches. exec may be nil for a manager that
// is only read and written directly.
func NewManager(cfg Config, exec *client.Executor) (*Manager, error) {
	if len(cfg.Kinds) == 0 {
		return nil, fmt.Errorf("at least one kind is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	logger := logging.NewLogger("cache")
	m := &Manager{
		kinds:  make(map[Kind]*kindCache, len(cfg.Kinds)),
		exec:   exec,
		clock:  cfg.Clock,
		logger: logger,
	}

	for _, kc := range cfg.Kinds {
		if _, dup := m.kinds[kc.Kind]; dup {
			return nil, fmt.Errorf("kind %q configured twice", kc.Kind)
		}
		ec, err := NewEntityCache(EntityOptions[any]{
			Name:       string(kc.Kind),
			TTL:        kc.TTL,
			MaxEntries: kc.MaxEntries,
			Merge:      kc.Merge,
			Clock:      cfg.Clock,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		m.kinds[kc.Kind] = &kindCache{cfg: kc, cache: ec}
		m.order = append(m.order, kc.Kind)
	}

	return m, nil
}

// Kinds returns the configured kinds in configuration order.
func (m *Manager) Kinds() []Kind {
	out := make([]Kind, len(m.order))
	copy(out, m.order)
	return out
}

// Cache returns the entity cache for kind.
func (m *Manager) Cache(kind Kind) (*EntityCache[any], error) {
	kc, ok := m.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return kc.cache, nil
}

// fetchOptions are the per-call knobs of GetOrFetch.
type fetchOptions struct {
	fingerprint string
	force       bool
	ttl         time.Duration
	serveStale  bool
}

// Option modifies a single GetOrFetch call.
type Option func(*fetchOptions)

// WithFingerprint sets the request identity used for deduplication and
// failure suppression. The default is "<kind>:<key>".
func WithFingerprint(fp string) Option {
	return func(o *fetchOptions) { o.fingerprint = fp }
}

// ForceRefresh skips the cached value and always fetches.
func ForceRefresh() Option {
	return func(o *fetchOptions) { o.force = true }
}

// WithTTL overrides the kind's TTL for the stored result.
func WithTTL(ttl time.Duration) Option {
	return func(o *fetchOptions) { o.ttl = ttl }
}

// ServeStaleOnError returns a retained stale value instead of the error when
// the fetch fails.
func ServeStaleOnError() Option {
	return func(o *fetchOptions) { o.serveStale = true }
}

// GetOrFetch returns the fresh cached value for (kind, key) or runs fetch
// through the executor and stores its result.
//
// fetch performs a single network attempt; the executor retries it. The
// result is written to the cache inside the shared call, so it lands even if
// every caller stopped waiting, and all callers receive the stored (merged)
// value. A result whose fetch started before an invalidation of the kind is
// returned but not stored, and callers arriving after the invalidation do not
// join that fetch.
func GetOrFetch[T any](ctx context.Context, m *Manager, kind Kind, key string, fetch func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T

	ec, err := m.Cache(kind)
	if err != nil {
		return zero, err
	}

	o := fetchOptions{fingerprint: string(kind) + ":" + key}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.force {
		if v, ok := ec.Get(key); ok {
			out, ok := v.(T)
			if !ok {
				return zero, fmt.Errorf("%w: %s/%s is %T", ErrTypeMismatch, kind, key, v)
			}
			CacheHits.WithLabelValues(string(kind)).Inc()
			return out, nil
		}
	}
	CacheMisses.WithLabelValues(string(kind)).Inc()

	if m.exec == nil {
		return zero, fmt.Errorf("%s/%s: %w", kind, key, client.ErrInvalidCall)
	}

	m.logger.Debug().Str("kind", string(kind)).Str("key", key).Bool("force", o.force).Msg("Cache miss - fetching")

	gen := ec.Generation()
	v, err := client.Execute[T](ctx, m.exec, client.Call{
		Fingerprint: o.fingerprint,
		DedupKey:    o.fingerprint + "@" + strconv.FormatUint(gen, 10),
		Attempt: func(ctx context.Context) (any, error) {
			return fetch(ctx)
		},
		OnSuccess: func(v any) any {
			stored, ok := ec.SetIf(gen, key, v, o.ttl)
			if !ok {
				m.logger.Debug().
					Str("kind", string(kind)).
					Str("key", key).
					Msg("Discarding result fetched before invalidation")
			}
			return stored
		},
	})
	if err == nil {
		return v, nil
	}

	if o.serveStale && ctx.Err() == nil {
		if sv, ok := ec.GetStale(key); ok {
			if out, ok := sv.(T); ok {
				CacheStaleServed.WithLabelValues(string(kind)).Inc()
				m.logger.Warn().
					Err(err).
					Str("kind", string(kind)).
					Str("key", key).
					Msg("Fetch failed - serving stale value")
				return out, nil
			}
		}
	}
	return zero, err
}

// Lookup returns the fresh cached value for (kind, key) without fetching.
func Lookup[T any](m *Manager, kind Kind, key string) (T, bool) {
	var zero T
	ec, err := m.Cache(kind)
	if err != nil {
		return zero, false
	}
	v, ok := ec.Get(key)
	if !ok {
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

// Put stores a value obtained outside GetOrFetch (for example a user seen in
// a member list) and returns the stored value.
func (m *Manager) Put(kind Kind, key string, v any) (any, error) {
	ec, err := m.Cache(kind)
	if err != nil {
		return nil, err
	}
	return ec.Set(key, v), nil
}

// Generation returns the invalidation generation of kind, or 0 for an
// unknown kind. Pair it with PutIf around a fetch made outside GetOrFetch.
func (m *Manager) Generation(kind Kind) uint64 {
	kc, ok := m.kinds[kind]
	if !ok {
		return 0
	}
	return kc.cache.Generation()
}

// PutIf stores v only if kind has not been invalidated since gen was read.
func (m *Manager) PutIf(kind Kind, key string, v any, gen uint64) (any, bool, error) {
	ec, err := m.Cache(kind)
	if err != nil {
		return nil, false, err
	}
	stored, ok := ec.SetIf(gen, key, v)
	return stored, ok, nil
}

// Invalidate removes one entry. It is a no-op when the entry is absent.
func (m *Manager) Invalidate(kind Kind, key string) error {
	ec, err := m.Cache(kind)
	if err != nil {
		return err
	}
	ec.Invalidate(key)
	return nil
}

// InvalidatePrefix removes every entry of kind whose key starts with prefix.
func (m *Manager) InvalidatePrefix(kind Kind, prefix string) (int, error) {
	ec, err := m.Cache(kind)
	if err != nil {
		return 0, err
	}
	return ec.InvalidateFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	}), nil
}

// InvalidateGroup removes the group itself and every group-scoped entry
// keyed by groupID or "groupID/...". Entries of other groups are kept.
func (m *Manager) InvalidateGroup(groupID string) int {
	removed := 0
	if kc, ok := m.kinds[KindGroups]; ok && kc.cache.Invalidate(groupID) {
		removed++
	}

	scope := groupID + "/"
	for _, kind := range m.order {
		kc := m.kinds[kind]
		if !kc.cfg.GroupScoped {
			continue
		}
		removed += kc.cache.InvalidateFunc(func(key string) bool {
			return key == groupID || strings.HasPrefix(key, scope)
		})
	}

	m.logger.Debug().Str("group_id", groupID).Int("removed", removed).Msg("Group invalidated")
	return removed
}

// Clear drops every entry of every kind, typically on logout.
func (m *Manager) Clear() {
	total := 0
	for _, kind := range m.order {
		total += m.kinds[kind].cache.InvalidateAll()
	}
	if m.exec != nil {
		m.exec.Suppressor().Reset()
	}
	m.logger.Info().Int("removed", total).Msg("Cache cleared")
}

// Sweep removes stale entries of every kind and expired failure records.
func (m *Manager) Sweep() int {
	total := 0
	for _, kind := range m.order {
		total += m.kinds[kind].cache.Sweep()
	}
	if m.exec != nil {
		m.exec.Suppressor().Sweep()
	}
	return total
}

// StartJanitor sweeps every interval until ctx is done. The returned channel
// is closed when the janitor has stopped. A non-positive interval starts no
// janitor and returns a closed channel.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		m.logger.Warn().Dur("interval", interval).Msg("Janitor not started - interval must be positive")
		close(done)
		return done
	}
	go func() {
		defer close(done)
		for {
			if !clock.Sleep(m.clock, interval, ctx.Done()) {
				return
			}
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("Janitor swept stale entries")
			}
		}
	}()
	return done
}

// KindStats describes the state of one kind's cache.
type KindStats struct {
	Kind       Kind          `json:"kind"`
	Entries    int           `json:"entries"`
	Fresh      int           `json:"fresh"`
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl"`
}

// Stats returns per-kind statistics sorted by kind.
func (m *Manager) Stats() []KindStats {
	out := make([]KindStats, 0, len(m.kinds))
	for kind, kc := range m.kinds {
		out = append(out, KindStats{
			Kind:       kind,
			Entries:    kc.cache.Len(),
			Fresh:      kc.cache.FreshCount(),
			MaxEntries: kc.cache.MaxEntries(),
			TTL:        kc.cache.TTL(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
