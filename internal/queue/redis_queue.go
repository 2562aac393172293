package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps scheduled, ready and leased ids in sorted sets so several
// workers can share one queue.
type RedisQueue struct {
	client        *redis.Client
	scheduledKey  string
	readyKey      string
	leasedKey     string
	metaPrefix    string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on an existing client. visibility is the lease
// length handed out by PopDue.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		scheduledKey:  "genq:scheduled",
		readyKey:      "genq:ready",
		leasedKey:     "genq:leased",
		metaPrefix:    "genq:meta:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

func (q *RedisQueue) Schedule(ctx context.Context, id string, priority int, due time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "priority", clampPriority(priority))
	pipe.ZRem(ctx, q.readyKey, id)
	pipe.ZRem(ctx, q.leasedKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(due.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := []string{q.scheduledKey, q.readyKey, q.leasedKey}
	res, err := popDueScript.Run(ctx, q.client, keys,
		now.UnixMilli(), limit, now.Add(q.visibilityTTL).UnixMilli(), q.metaPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop due: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.ZRem(ctx, q.readyKey, id)
	pipe.ZRem(ctx, q.leasedKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, making them due immediately.
// The scan and the move run in one script so an id acked concurrently is
// never put back.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := requeueScript.Run(ctx, q.client, []string{q.leasedKey, q.scheduledKey}, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, int64, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	ready := pipe.ZCard(ctx, q.readyKey)
	leased := pipe.ZCard(ctx, q.leasedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return scheduled.Val() + ready.Val(), leased.Val(), nil
}

// popDueScript promotes due scheduled ids into the ready set, scored by
// priority then due time, and leases the most urgent ones.
var popDueScript = redis.NewScript(`
local scheduled = KEYS[1]
local ready = KEYS[2]
local leased = KEYS[3]
local now = ARGV[1]
local limit = tonumber(ARGV[2])
local deadline = ARGV[3]
local prefix = ARGV[4]

local due = redis.call('ZRANGEBYSCORE', scheduled, '-inf', now, 'LIMIT', 0, 1000)
for _, id in ipairs(due) do
  local at = tonumber(redis.call('ZSCORE', scheduled, id))
  local p = tonumber(redis.call('HGET', prefix .. id, 'priority')) or 0
  redis.call('ZREM', scheduled, id)
  redis.call('ZADD', ready, string.format('%.0f', p * 1e13 + at), id)
end

local out = redis.call('ZRANGE', ready, 0, limit - 1)
for _, id in ipairs(out) do
  redis.call('ZREM', ready, id)
  redis.call('ZADD', leased, deadline, id)
end
return out
`)

var requeueScript = redis.NewScript(`
local leased = KEYS[1]
local scheduled = KEYS[2]
local now = ARGV[1]

local expired = redis.call('ZRANGEBYSCORE', leased, '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', leased, id)
  redis.call('ZADD', scheduled, now, id)
end
return #expired
`)

var _ Queue = (*RedisQueue)(nil)
