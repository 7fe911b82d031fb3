package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// commands is the slice of the go-redis client the cache uses, split out
// so tests can substitute a fake.
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	TxPipeline() redis.Pipeliner
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	DBSize(ctx context.Context) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ commands = (*redis.Client)(nil)

// Redis is the shared cache backend for multi-instance deployments.
// Expiry is delegated to Redis TTLs, so there is no janitor.
type Redis struct {
	cfg    Config
	client commands
	logger *logrus.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewRedis connects to Redis and verifies the connection before returning.
func NewRedis(cfg Config, logger *logrus.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	logger.WithFields(logrus.Fields{
		"addr": cfg.Redis.Addr,
		"db":   cfg.Redis.DB,
	}).Info("Connected to Redis cache")

	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Redis{
		cfg:    cfg,
		client: client,
		logger: logger,
	}, nil
}

// Get fetches and decodes the entry for key. Transport and decode
// failures are logged and reported as misses.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	payload, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		r.misses.Add(1)
		return nil, false
	}
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Cache lookup failed")
		r.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Cache entry corrupt")
		r.misses.Add(1)
		return nil, false
	}

	r.hits.Add(1)
	return &entry, true
}

// Set stores the entry with a TTL and registers it in the set held for
// each of its tags. Tag sets share the entry TTL so the index cannot
// outlive its members when every write uses the same TTL.
func (r *Redis) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.cfg.TTL
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	for _, tag := range entry.Tags {
		pipe.SAdd(ctx, tagKey(tag), key)
		pipe.Expire(ctx, tagKey(tag), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

// InvalidateTag deletes every entry registered under the tag, then the
// tag set itself.
func (r *Redis) InvalidateTag(ctx context.Context, tag string) (int, error) {
	keys, err := r.client.SMembers(ctx, tagKey(tag)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading tag set %q: %w", tag, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return int(removed), fmt.Errorf("deleting tagged entries: %w", err)
	}
	if err := r.client.Del(ctx, tagKey(tag)).Err(); err != nil {
		return int(removed), fmt.Errorf("deleting tag set %q: %w", tag, err)
	}

	r.evictions.Add(removed)
	return int(removed), nil
}

// InvalidatePattern scans for entry keys matching the glob pattern and
// deletes them in batches. Tag index keys are left to their TTLs.
func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	removed := 0
	batch := make([]string, 0, 256)

	iter := r.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, tagPrefix) {
			continue
		}
		batch = append(batch, key)
		if len(batch) == cap(batch) {
			n, err := r.client.Del(ctx, batch...).Result()
			removed += int(n)
			if err != nil {
				return removed, fmt.Errorf("deleting matched entries: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scanning pattern %q: %w", pattern, err)
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		removed += int(n)
		if err != nil {
			return removed, fmt.Errorf("deleting matched entries: %w", err)
		}
	}

	r.evictions.Add(int64(removed))
	return removed, nil
}

// Stats reports hit and miss counters tracked by this instance plus the
// current key count in the Redis database.
func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entries := 0
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		entries = int(n)
	}
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Entries:   entries,
		Evictions: r.evictions.Load(),
	}
}

// Ping verifies the connection is still serving.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)
