package quota

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/pagecraft/server/internal/identity"
)

// checkAndIncrScript decides and increments in one atomic script execution.
const checkAndIncrScript = `
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  return {0, current}
end

local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ttl)
end

return {1, count}
`

// RedisCounter is the shared, cross-process quota backend.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{
		client: client,
		script: redis.NewScript(checkAndIncrScript),
		now:    time.Now,
	}
}

func (c *RedisCounter) CheckAndIncrement(ctx context.Context, owner identity.OwnerID, limit int64) (bool, int64, error) {
	key := dayKey(owner, c.now())
	res, err := c.script.Run(ctx, c.client, []string{key}, limit, int64(counterTTL.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("quota script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("quota script: unexpected reply %T", res)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	return allowed == 1, count, nil
}
