package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the coordinator counters with Redis so limits hold
// across replicas. Keys:
//
//	scand:rate:<client>      rolling window counter (EXPIRE = window)
//	scand:violations:<client> monotonic violation counter
//	scand:cooldown:<client>  presence = cooldown active (EXPIRE = remaining)
//	scand:active:<client>    per-client active scans
//	scand:active:global      global active scans
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewRedisStore connects and pings; callers fall back to MemoryStore on
// error rather than running with an unverified backend.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	log.Printf("[Coordinator] redis connected: %s db=%d", addr, db)
	return &RedisStore{rdb: rdb, keyPrefix: "scand:"}, nil
}

// Close shuts down the underlying client.
func (r *RedisStore) Close() error { return r.rdb.Close() }

// Client exposes the shared connection for other Redis consumers (the
// event relay rides the same pool).
func (r *RedisStore) Client() *redis.Client { return r.rdb }

func (r *RedisStore) key(parts ...string) string {
	k := r.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *RedisStore) IncrWindow(ctx context.Context, clientID string, window time.Duration) (int64, error) {
	key := r.key("rate", clientID)
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX so the TTL is set when the key is created and never refreshed by
	// later increments — a fixed window, not a sliding one.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisStore) Violation(ctx context.Context, clientID string) (int64, error) {
	return r.rdb.Incr(ctx, r.key("violations", clientID)).Result()
}

func (r *RedisStore) ResetViolations(ctx context.Context, clientID string) error {
	return r.rdb.Del(ctx, r.key("violations", clientID), r.key("cooldown", clientID)).Err()
}

func (r *RedisStore) SetCooldown(ctx context.Context, clientID string, d time.Duration) error {
	return r.rdb.Set(ctx, r.key("cooldown", clientID), "1", d).Err()
}

func (r *RedisStore) CooldownRemaining(ctx context.Context, clientID string) (time.Duration, error) {
	ttl, err := r.rdb.TTL(ctx, r.key("cooldown", clientID)).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		// -1 (no expiry) and -2 (no key) both mean no active cooldown.
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisStore) IncrActive(ctx context.Context, clientID string) (int64, int64, error) {
	pipe := r.rdb.TxPipeline()
	client := pipe.Incr(ctx, r.key("active", clientID))
	global := pipe.Incr(ctx, r.key("active", "global"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return client.Val(), global.Val(), nil
}

func (r *RedisStore) DecrActive(ctx context.Context, clientID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Decr(ctx, r.key("active", clientID))
	pipe.Decr(ctx, r.key("active", "global"))
	_, err := pipe.Exec(ctx)
	return err
}
