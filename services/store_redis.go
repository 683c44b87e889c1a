package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/model"
)

const RedisBackend = "redis"

const redisKeyPrefix = "gatekeep:rl:"

// consumeScript performs the whole consume transition server-side so the
// window roll, the increment, the block-set and the TTL refresh are one
// atomic operation. A plain INCR+EXPIRE pair would race and could leave a
// counter without a TTL.
//
// Returns {allowed, count, window_start_ms, blocked_until_ms, first_exceed}.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local block = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'c', 'ws', 'bu')
local count = tonumber(data[1])
local ws = tonumber(data[2])
local bu = tonumber(data[3])

local fresh = false
if count == nil then
	fresh = true
elseif bu ~= nil and bu > 0 then
	if now >= bu then
		fresh = true
	end
elseif now - ws >= window then
	fresh = true
end

if fresh then
	redis.call('HSET', key, 'c', 1, 'ws', now, 'bu', 0)
	redis.call('PEXPIRE', key, ttl)
	return {1, 1, now, 0, 0}
end

if bu ~= nil and bu > 0 and now < bu then
	return {0, count, ws, bu, 0}
end

count = redis.call('HINCRBY', key, 'c', 1)
redis.call('PEXPIRE', key, ttl)

if count > max then
	local first = 0
	if (bu == nil or bu == 0) and block > 0 then
		bu = now + block
		redis.call('HSET', key, 'bu', bu)
		first = 1
	end
	if bu == nil or bu == 0 then
		return {0, count, ws, 0, 0}
	end
	return {0, count, ws, bu, first}
end

return {1, count, ws, 0, 0}
`)

// RedisCounterStore is the distributed backend: shared state across replicas,
// atomicity delegated to a Lua script.
type RedisCounterStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisCounterStore(client *redis.Client, timeout time.Duration) *RedisCounterStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisCounterStore{client: client, timeout: timeout}
}

func (s *RedisCounterStore) Consume(ctx context.Context, key string, policy *model.RateLimitPolicy) (*ConsumeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now()
	raw, err := consumeScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		now.UnixMilli(),
		policy.WindowMs,
		policy.MaxRequests,
		policy.BlockMs,
		counterTTL(policy).Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %v", ErrStoreUnavailable, key, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 5 {
		return nil, fmt.Errorf("%w: consume %s: malformed script reply", ErrStoreUnavailable, key)
	}

	res := &ConsumeResult{
		Allowed:     asInt64(values[0]) == 1,
		Count:       int(asInt64(values[1])),
		WindowStart: time.UnixMilli(asInt64(values[2])),
		FirstExceed: asInt64(values[4]) == 1,
	}
	if bu := asInt64(values[3]); bu > 0 {
		blockedUntil := time.UnixMilli(bu)
		res.BlockedUntil = &blockedUntil
	}
	return res, nil
}

func (s *RedisCounterStore) ClearKey(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	removed, err := s.client.Del(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: clear %s: %v", ErrStoreUnavailable, key, err)
	}
	return removed > 0, nil
}

func (s *RedisCounterStore) ResetModule(ctx context.Context, module string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var removed int64
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+module+":*", 200).Iterator()
	batch := make([]string, 0, 200)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		removed += n
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("%w: reset %s: %v", ErrStoreUnavailable, module, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: reset %s: %v", ErrStoreUnavailable, module, err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("%w: reset %s: %v", ErrStoreUnavailable, module, err)
	}
	return removed, nil
}

// Stats walks the module's keys. Admin-dashboard use only; SCAN keeps it from
// blocking the server the way KEYS would.
func (s *RedisCounterStore) Stats(ctx context.Context, module string) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pattern := redisKeyPrefix + "*"
	if module != "" {
		pattern = redisKeyPrefix + module + ":*"
	}

	now := time.Now().UnixMilli()
	var tracked, blocked int64

	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		tracked++
		bu, err := s.client.HGet(ctx, iter.Val(), "bu").Int64()
		if err == nil && bu > now {
			blocked++
		}
	}
	if err := iter.Err(); err != nil {
		return tracked, blocked, fmt.Errorf("%w: stats: %v", ErrStoreUnavailable, err)
	}
	return tracked, blocked, nil
}

func (s *RedisCounterStore) HealthCheck(ctx context.Context) dto.StoreHealth {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return dto.StoreHealth{Healthy: false, Backend: RedisBackend, Error: err.Error()}
	}
	return dto.StoreHealth{
		Healthy:   true,
		Backend:   RedisBackend,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

func (s *RedisCounterStore) Shutdown() {
	// The client is owned by RedisService; nothing to release here.
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
