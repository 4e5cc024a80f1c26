package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists the encoded entries of a kind between runs.
type SnapshotStore interface {
	// SaveKind replaces the stored entries of kind.
	SaveKind(ctx context.Context, kind Kind, items map[string][]byte) error

	// LoadKind returns the stored entries of kind. A kind that was never
	// saved yields an empty map.
	LoadKind(ctx context.Context, kind Kind) (map[string][]byte, error)
}

// RedisSnapshotStore keeps one Redis hash per kind.
type RedisSnapshotStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a store. Keys are "<prefix><kind>"; a
// positive ttl lets Redis drop snapshots that were not refreshed.
func NewRedisSnapshotStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisSnapshotStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "vrc:snapshot:"
	}
	return &RedisSnapshotStore{redis: redisClient, prefix: prefix, ttl: ttl}
}

func (s *RedisSnapshotStore) key(kind Kind) string {
	return s.prefix + string(kind)
}

// SaveKind replaces the hash for kind atomically.
func (s *RedisSnapshotStore) SaveKind(ctx context.Context, kind Kind, items map[string][]byte) error {
	key := s.key(kind)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(items) == 0 {
			return nil
		}
		values := make(map[string]any, len(items))
		for k, v := range items {
			values[k] = v
		}
		pipe.HSet(ctx, key, values)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", kind, err)
	}
	return nil
}

// LoadKind reads the hash for kind.
func (s *RedisSnapshotStore) LoadKind(ctx context.Context, kind Kind) (map[string][]byte, error) {
	raw, err := s.redis.HGetAll(ctx, s.key(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", kind, err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

// persisted returns kinds, or every kind marked Persist when kinds is empty.
func (m *Manager) persisted(kinds []Kind) []Kind {
	if len(kinds) > 0 {
		return kinds
	}
	var out []Kind
	for _, k := range m.order {
		if m.kinds[k].cfg.Persist {
			out = append(out, k)
		}
	}
	return out
}

// SaveSnapshot writes the fresh entries of kinds (default: every kind marked
// Persist) to store and returns how many entries were written.
func (m *Manager) SaveSnapshot(ctx context.Context, store SnapshotStore, kinds ...Kind) (int, error) {
	written := 0
	var errs []error

	for _, kind := range m.persisted(kinds) {
		ec, err := m.Cache(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		items := make(map[string][]byte)
		for key, v := range ec.Items() {
			raw, err := json.Marshal(v)
			if err != nil {
				SnapshotErrors.WithLabelValues("save").Inc()
				m.logger.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("Skipping unencodable entry")
				continue
			}
			items[key] = raw
		}

		if err := store.SaveKind(ctx, kind, items); err != nil {
			SnapshotErrors.WithLabelValues("save").Inc()
			errs = append(errs, err)
			continue
		}
		written += len(items)
	}

	m.logger.Info().Int("entries", written).Msg("Cache snapshot saved")
	return written, errors.Join(errs...)
}

// LoadSnapshot restores kinds (default: every kind marked Persist) from
// store. Restored entries get a full TTL from now. Kinds without a decoder
// are skipped.
func (m *Manager) LoadSnapshot(ctx context.Context, store SnapshotStore, kinds ...Kind) (int, error) {
	restored := 0
	var errs []error

	for _, kind := range m.persisted(kinds) {
		kc, ok := m.kinds[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownKind, kind))
			continue
		}
		if kc.cfg.Decode == nil {
			m.logger.Debug().Str("kind", string(kind)).Msg("No decoder - snapshot skipped")
			continue
		}

		items, err := store.LoadKind(ctx, kind)
		if err != nil {
			SnapshotErrors.WithLabelValues("load").Inc()
			errs = append(errs, err)
			continue
		}

		for key, raw := range items {
			v, err := kc.cfg.Decode(raw)
			if err != nil {
				SnapshotErrors.WithLabelValues("decode").Inc()
				m.logger.Warn().Err(err).Str("kind", string(kind)).Str("key", key).Msg("Skipping undecodable entry")
				continue
			}
			kc.cache.Set(key, v)
			restored++
		}
	}

	m.logger.Info().Int("entries", restored).Msg("Cache snapshot loaded")
	return restored, errors.Join(errs...)
}
