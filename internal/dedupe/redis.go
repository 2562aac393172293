package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries as hashes under dedupe:<hash> so every API
// replica shares one registry. Each operation is a single Lua script.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, prefix: "dedupe:", ttl: ttl}
}

func (c *RedisCache) key(hash string) string {
	return c.prefix + hash
}

func (c *RedisCache) Lookup(ctx context.Context, hash string) (Entry, bool, error) {
	vals, err := c.client.HMGet(ctx, c.key(hash), "gen", "asset").Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("dedupe lookup: %w", err)
	}
	gen, _ := vals[0].(string)
	if gen == "" {
		return Entry{}, false, nil
	}
	asset, _ := vals[1].(string)
	return Entry{GenerationID: gen, AssetID: asset}, true, nil
}

func (c *RedisCache) Claim(ctx context.Context, hash, generationID string) (Entry, bool, error) {
	res, err := claimScript.Run(ctx, c.client, []string{c.key(hash)}, generationID, c.ttl.Milliseconds()).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("dedupe claim: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Entry{}, false, fmt.Errorf("unexpected reply from claim script: %T", res)
	}
	claimed, _ := arr[0].(int64)
	gen, _ := arr[1].(string)
	asset, _ := arr[2].(string)
	return Entry{GenerationID: gen, AssetID: asset}, claimed == 1, nil
}

func (c *RedisCache) Replace(ctx context.Context, hash, oldID, newID string) (bool, error) {
	n, err := replaceScript.Run(ctx, c.client, []string{c.key(hash)}, oldID, newID, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("dedupe replace: %w", err)
	}
	return n == 1, nil
}

func (c *RedisCache) Complete(ctx context.Context, hash, generationID, assetID string) error {
	if err := completeScript.Run(ctx, c.client, []string{c.key(hash)}, generationID, assetID, c.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("dedupe complete: %w", err)
	}
	return nil
}

func (c *RedisCache) Forget(ctx context.Context, hash, generationID string) error {
	if err := forgetScript.Run(ctx, c.client, []string{c.key(hash)}, generationID).Err(); err != nil {
		return fmt.Errorf("dedupe forget: %w", err)
	}
	return nil
}

var claimScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[1], 'gen')
if gen then
  local asset = redis.call('HGET', KEYS[1], 'asset') or ''
  return {0, gen, asset}
end
redis.call('HSET', KEYS[1], 'gen', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, ARGV[1], ''}
`)

var replaceScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[1], 'gen')
if gen and gen ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'gen', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'gen') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'asset', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var forgetScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'gen') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

var _ Cache = (*RedisCache)(nil)
