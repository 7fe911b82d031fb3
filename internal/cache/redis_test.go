package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the commands interface in memory so the cache's
// command sequences can be asserted without a server.
type fakeRedis struct {
	data     map[string][]byte
	smembers map[string][]string
	delCalls [][]string
	scanKeys []string
	pipe     *fakePipe
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data:     make(map[string][]byte),
		smembers: make(map[string][]string),
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if payload, ok := f.data[key]; ok {
		cmd.SetVal(string(payload))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) TxPipeline() redis.Pipeliner {
	f.pipe = &fakePipe{fake: f, expires: make(map[string]time.Duration)}
	return f.pipe
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetVal(f.smembers[key])
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.delCalls = append(f.delCalls, keys)
	for _, k := range keys {
		delete(f.data, k)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(keys)))
	return cmd
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil)
	cmd.SetVal(f.scanKeys, 0)
	return cmd
}

func (f *fakeRedis) DBSize(ctx context.Context) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.data)))
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

var _ commands = (*fakeRedis)(nil)

type setCall struct {
	key     string
	payload []byte
	ttl     time.Duration
}

type saddCall struct {
	key    string
	member string
}

// fakePipe records pipelined commands and applies the writes on Exec.
type fakePipe struct {
	redis.Pipeliner

	fake    *fakeRedis
	sets    []setCall
	sadds   []saddCall
	expires map[string]time.Duration
}

func (p *fakePipe) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	p.sets = append(p.sets, setCall{key: key, payload: value.([]byte), ttl: ttl})
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (p *fakePipe) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	for _, m := range members {
		p.sadds = append(p.sadds, saddCall{key: key, member: m.(string)})
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (p *fakePipe) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	p.expires[key] = ttl
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (p *fakePipe) Exec(ctx context.Context) ([]redis.Cmder, error) {
	for _, s := range p.sets {
		p.fake.data[s.key] = s.payload
	}
	return nil, nil
}

func newTestRedis(fake *fakeRedis) *Redis {
	return &Redis{
		cfg:    Config{TTL: time.Minute},
		client: fake,
		logger: discardLogger(),
	}
}

func TestRedisSetStoresEntryWithTags(t *testing.T) {
	fake := newFakeRedis()
	r := newTestRedis(fake)
	ctx := context.Background()

	entry := testEntry("four", "provider:apex", "model:apex:swift")
	require.NoError(t, r.Set(ctx, "cache:k1", entry, 10*time.Minute))

	require.Len(t, fake.pipe.sets, 1)
	assert.Equal(t, "cache:k1", fake.pipe.sets[0].key)
	assert.Equal(t, 10*time.Minute, fake.pipe.sets[0].ttl)

	var stored Entry
	require.NoError(t, json.Unmarshal(fake.pipe.sets[0].payload, &stored))
	assert.Equal(t, "four", stored.Response.Output)
	assert.False(t, stored.StoredAt.IsZero())

	assert.Equal(t, []saddCall{
		{key: "cache:tag:provider:apex", member: "cache:k1"},
		{key: "cache:tag:model:apex:swift", member: "cache:k1"},
	}, fake.pipe.sadds)
	assert.Equal(t, 10*time.Minute, fake.pipe.expires["cache:tag:provider:apex"])
	assert.Equal(t, 10*time.Minute, fake.pipe.expires["cache:tag:model:apex:swift"])
}

func TestRedisSetDefaultTTL(t *testing.T) {
	fake := newFakeRedis()
	r := newTestRedis(fake)

	require.NoError(t, r.Set(context.Background(), "cache:k1", testEntry("four"), 0))
	assert.Equal(t, time.Minute, fake.pipe.sets[0].ttl)
}

func TestRedisGetHitMissAndCorrupt(t *testing.T) {
	fake := newFakeRedis()
	r := newTestRedis(fake)
	ctx := context.Background()

	_, ok := r.Get(ctx, "cache:unknown")
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "cache:k1", testEntry("four"), time.Minute))
	got, ok := r.Get(ctx, "cache:k1")
	require.True(t, ok)
	assert.Equal(t, "four", got.Response.Output)

	fake.data["cache:bad"] = []byte("{not json")
	_, ok = r.Get(ctx, "cache:bad")
	assert.False(t, ok)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, 2, stats.Entries)
}

func TestRedisInvalidateTag(t *testing.T) {
	fake := newFakeRedis()
	fake.smembers["cache:tag:provider:apex"] = []string{"cache:a", "cache:b"}
	r := newTestRedis(fake)
	ctx := context.Background()

	removed, err := r.InvalidateTag(ctx, "provider:apex")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	require.Len(t, fake.delCalls, 2)
	assert.Equal(t, []string{"cache:a", "cache:b"}, fake.delCalls[0])
	assert.Equal(t, []string{"cache:tag:provider:apex"}, fake.delCalls[1])
	assert.Equal(t, int64(2), r.Stats().Evictions)

	removed, err = r.InvalidateTag(ctx, "provider:bolt")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, fake.delCalls, 2)
}

func TestRedisInvalidatePatternSkipsTagSets(t *testing.T) {
	fake := newFakeRedis()
	fake.scanKeys = []string{"cache:aaa", "cache:tag:provider:apex", "cache:bbb"}
	r := newTestRedis(fake)

	removed, err := r.InvalidatePattern(context.Background(), "cache:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	require.Len(t, fake.delCalls, 1)
	assert.Equal(t, []string{"cache:aaa", "cache:bbb"}, fake.delCalls[0])
}

func TestRedisPing(t *testing.T) {
	r := newTestRedis(newFakeRedis())
	assert.NoError(t, r.Ping(context.Background()))
}
