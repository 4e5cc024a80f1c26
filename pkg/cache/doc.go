// Package cache provides the in-memory entity caches that serve reads before
// anything reaches the network.
//
// The Manager owns one bounded TTL cache per entity kind and implements the
// get-or-fetch flow:
//
//   - A fresh cached value is returned without any network activity.
//   - A miss (absent or stale) goes through the request executor, which
//     deduplicates, throttles and retries the fetch.
//   - The fetched value is written through (merged with the cached one when
//     the kind has a merge function) and returned to every waiting caller.
//
// # Basic Usage
//
//	exec, _ := client.New(client.DefaultConfig(tr))
//	manager, _ := cache.NewManager(cache.DefaultConfig(), exec)
//
//	group, err := cache.GetOrFetch(ctx, manager, cache.KindGroups, "grp_1",
//		func(ctx context.Context) (Group, error) {
//			return fetchGroup(ctx, "grp_1")
//		})
//
// # Invalidation
//
// Local mutations invalidate what they change:
//
//	manager.Invalidate(cache.KindBans, "grp_1")
//	manager.InvalidatePrefix(cache.KindMembers, "grp_1/")
//	manager.InvalidateGroup("grp_1") // group + all its scoped entries
//	manager.Clear()                  // logout
//
// Group-scoped kinds (instances, members, join requests, bans) are keyed by
// the group id, optionally followed by "/<suffix>" for paged reads such as
// "grp_1/n=100&offset=0".
//
// # Stale values
//
// Stale entries are never returned by default. ServeStaleOnError opts a call
// into receiving the retained stale value when the refresh fails. The
// janitor (StartJanitor) sweeps stale entries periodically.
//
// # Snapshots
//
// Near-static kinds (groups and worlds by default) can be saved to and
// restored from a SnapshotStore such as RedisSnapshotStore. Restored entries
// start a new TTL.
//
// # Metrics
//
//   - vrc_cache_hits_total{kind}
//   - vrc_cache_misses_total{kind}
//   - vrc_cache_evictions_total{kind}
//   - vrc_cache_invalidations_total{kind,reason}
//   - vrc_cache_stale_served_total{kind}
//   - vrc_cache_entries{kind}
//   - vrc_cache_snapshot_errors_total{operation}
package cache
