package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedLimiter keeps the client buckets in Redis so that every ingress
// replica draws from the same tokens. Bucket keys expire once they would be
// full again.
type SharedLimiter struct {
	bucketConfig
	client *redis.Client
	now    func() time.Time
}

func NewSharedLimiter(client *redis.Client, capacity int, refillPerSecond float64) *SharedLimiter {
	return &SharedLimiter{
		bucketConfig: bucketConfig{capacity: capacity, refill: refillPerSecond},
		client:       client,
		now:          time.Now,
	}
}

// Admit takes one token from client's bucket if it has one.
func (l *SharedLimiter) Admit(ctx context.Context, client string) (Decision, error) {
	key := KeyPrefix + client
	res, err := admitScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.refillTime().Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("admit %s: %w", client, err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return Decision{}, fmt.Errorf("admit %s: unexpected script reply %T", client, res)
	}
	flag, _ := reply[0].(int64)
	raw, _ := reply[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("admit %s: remaining tokens %q: %w", client, raw, err)
	}
	return l.decide(flag == 1, remaining), nil
}

// admitScript refills the bucket for the time elapsed since its last
// update, then spends one token. Remaining tokens come back as a string so
// the fraction survives the Lua to RESP conversion.
var admitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local expire_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'updated_ms')
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now_ms

if now_ms > updated then
  tokens = math.min(capacity, tokens + (now_ms - updated) / 1000 * refill)
end

local admitted = 0
if tokens >= 1 then
  tokens = tokens - 1
  admitted = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'updated_ms', now_ms)
redis.call('PEXPIRE', KEYS[1], expire_ms)
return {admitted, tostring(tokens)}
`)
