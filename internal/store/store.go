// Package store persists the cross-restart state of the copy engine in
// Redis: position mappings, the pending-exit retry queue, closed-position
// and orphan-notified markers, and the metric hashes written by the
// performance monitor.
//
// Key layout (TTLs are normative):
//
//	map:{src}:{pid}                    mapping JSON, 7 d, refreshed on write
//	pending:{src}:{pid}                hash {mapping, queued_at, retry_count}, 48 h
//	closed:{acct}:{pid}                marker, 24 h
//	orphan:{acct}:{pid}                marker, 24 h
//	metrics:{routeId}:{bucket}:{ts}    hash, 7 d (hour) / 30 d (day)
//	perf:{routeId}:{window}            JSON cache, 5 min
//	alert:{id}                         JSON, 24 h
//
// Every operation takes a context and runs under a 5 s timeout. Transient
// Redis failures wrap ErrUnavailable; callers must never treat
// unavailability as "no mapping".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Monkeyattack/fxtrueup-sub001/internal/config"
)

// ErrUnavailable marks a transient persistence failure.
var ErrUnavailable = errors.New("state store unavailable")

const (
	opTimeout  = 5 * time.Second
	mappingTTL = 7 * 24 * time.Hour
	pendingTTL = 48 * time.Hour
	markerTTL  = 24 * time.Hour
)

// Key identifies a source position on a source account. All mapping and
// pending-exit state is keyed by it.
type Key struct {
	SourceAccount    string
	SourcePositionID string
}

func (k Key) String() string { return k.SourceAccount + ":" + k.SourcePositionID }

// Mapping is the persisted correspondence between a source position and the
// destination position opened to mirror it. It holds value data only, never
// broker-owned position objects.
type Mapping struct {
	DestAccount     string    `json:"destAccount"`
	DestPositionID  string    `json:"destPositionId"`
	Symbol          string    `json:"symbol"`
	SourceVolume    float64   `json:"sourceVolume"`
	DestVolume      float64   `json:"destVolume"`
	SourceOpenPrice float64   `json:"sourceOpenPrice"`
	DestOpenPrice   float64   `json:"destOpenPrice"`
	OpenedAt        time.Time `json:"openedAt"`
}

// PendingExit is a queued intent to close a mirrored destination position
// whose source has already closed.
type PendingExit struct {
	Key        Key
	Mapping    Mapping
	QueuedAt   time.Time
	RetryCount int
}

// Store is the Redis-backed implementation.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Open connects to Redis and verifies the connection.
func Open(cfg config.RedisConfig, logger *slog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	return &Store{rdb: rdb, logger: logger.With("component", "store")}, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func mappingKey(k Key) string { return "map:" + k.SourceAccount + ":" + k.SourcePositionID }
func pendingKey(k Key) string { return "pending:" + k.SourceAccount + ":" + k.SourcePositionID }
func closedKey(acct, pid string) string { return "closed:" + acct + ":" + pid }
func orphanKey(acct, pid string) string { return "orphan:" + acct + ":" + pid }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// PutMapping stores (or overwrites) a mapping and refreshes its TTL to 7 days.
func (s *Store) PutMapping(ctx context.Context, k Key, m Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	return wrap(s.rdb.Set(ctx, mappingKey(k), data, mappingTTL).Err())
}

// GetMapping returns the mapping for k, or (nil, nil) when none exists.
// A transient store failure returns ErrUnavailable, never a nil mapping.
func (s *Store) GetMapping(ctx context.Context, k Key) (*Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, mappingKey(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	var m Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal mapping %s: %w", k, err)
	}
	return &m, nil
}

// DeleteMapping removes the mapping for k. Deleting a missing key is a no-op.
func (s *Store) DeleteMapping(ctx context.Context, k Key) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return wrap(s.rdb.Del(ctx, mappingKey(k)).Err())
}

// ListMappings scans all mappings for a source account. The scan is
// best-effort: mappings created after the scan starts may be missed.
func (s *Store) ListMappings(ctx context.Context, sourceAccount string) (map[Key]Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	out := make(map[Key]Mapping)
	iter := s.rdb.Scan(ctx, 0, "map:"+sourceAccount+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, wrap(err)
		}
		var m Mapping
		if err := json.Unmarshal(data, &m); err != nil {
			s.logger.Warn("skipping corrupt mapping", "key", key, "error", err)
			continue
		}
		pid := key[len("map:"+sourceAccount+":"):]
		out[Key{SourceAccount: sourceAccount, SourcePositionID: pid}] = m
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// MarkClosed records that a destination position was closed by this system.
// Idempotent; the marker expires after 24 h.
func (s *Store) MarkClosed(ctx context.Context, account, positionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return wrap(s.rdb.SetNX(ctx, closedKey(account, positionID), time.Now().UTC().Format(time.RFC3339), markerTTL).Err())
}

// WasRecentlyClosed reports whether a close marker exists for the position.
func (s *Store) WasRecentlyClosed(ctx context.Context, account, positionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.Exists(ctx, closedKey(account, positionID)).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// MarkOrphanNotified records that an orphan alert was already sent for the
// position, preventing duplicate alerts for 24 h.
func (s *Store) MarkOrphanNotified(ctx context.Context, account, positionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return wrap(s.rdb.SetNX(ctx, orphanKey(account, positionID), time.Now().UTC().Format(time.RFC3339), markerTTL).Err())
}

// WasOrphanNotified reports whether an orphan alert was already sent.
func (s *Store) WasOrphanNotified(ctx context.Context, account, positionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.rdb.Exists(ctx, orphanKey(account, positionID)).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// QueuePendingExit enqueues a close retry for k. The entry expires after 48 h.
func (s *Store) QueuePendingExit(ctx context.Context, k Key, m Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal pending mapping: %w", err)
	}
	key := pendingKey(k)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "mapping", data, "queued_at", time.Now().UTC().Format(time.RFC3339))
	pipe.HSetNX(ctx, key, "retry_count", 0)
	pipe.Expire(ctx, key, pendingTTL)
	_, err = pipe.Exec(ctx)
	return wrap(err)
}

// ListPendingExits returns every queued exit for the source account and
// atomically increments each returned entry's retry counter.
func (s *Store) ListPendingExits(ctx context.Context, sourceAccount string) ([]PendingExit, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var keys []string
	iter := s.rdb.Scan(ctx, 0, "pending:"+sourceAccount+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}

	var out []PendingExit
	for _, key := range keys {
		pipe := s.rdb.TxPipeline()
		getCmd := pipe.HGetAll(ctx, key)
		incrCmd := pipe.HIncrBy(ctx, key, "retry_count", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, wrap(err)
		}

		fields := getCmd.Val()
		raw, ok := fields["mapping"]
		if !ok {
			continue // expired between scan and read
		}
		var m Mapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.logger.Warn("skipping corrupt pending exit", "key", key, "error", err)
			continue
		}
		queuedAt, _ := time.Parse(time.RFC3339, fields["queued_at"])
		pid := key[len("pending:"+sourceAccount+":"):]
		out = append(out, PendingExit{
			Key:        Key{SourceAccount: sourceAccount, SourcePositionID: pid},
			Mapping:    m,
			QueuedAt:   queuedAt,
			RetryCount: int(incrCmd.Val()),
		})
	}
	return out, nil
}

// RemovePendingExit removes a queued exit after a successful retry.
func (s *Store) RemovePendingExit(ctx context.Context, k Key) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return wrap(s.rdb.Del(ctx, pendingKey(k)).Err())
}

// PutMetricHash writes (merges) a metric hash and sets its TTL. Used by the
// performance monitor for hour/day buckets.
func (s *Store) PutMetricHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return wrap(err)
}

// IncrMetricField atomically adds delta to one numeric field of a metric
// hash, refreshing the TTL. Used for running day aggregates.
func (s *Store) IncrMetricField(ctx context.Context, key, field string, delta float64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.HIncrByFloat(ctx, key, field, delta)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return wrap(err)
}

// GetMetricHash reads a metric hash; missing keys return an empty map.
func (s *Store) GetMetricHash(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return fields, nil
}

// PutJSON stores v as JSON under key with the given TTL. Used for the perf
// caches, report caches, alerts, and the stats snapshot.
func (s *Store) PutJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return wrap(s.rdb.Set(ctx, key, data, ttl).Err())
}

// Publish sends a message on a pub/sub channel (control bus responses).
func (s *Store) Publish(ctx context.Context, channel string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}
	return wrap(s.rdb.Publish(ctx, channel, data).Err())
}

// Subscribe opens a pub/sub subscription (control bus commands). The caller
// owns the returned subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}

// ParseMetricFloat reads one numeric field out of a metric hash result.
func ParseMetricFloat(fields map[string]string, name string) float64 {
	v, err := strconv.ParseFloat(fields[name], 64)
	if err != nil {
		return 0
	}
	return v
}
