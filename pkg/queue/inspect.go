package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// GetQueueDepths returns the current depth for every queue, its processing
// list, its delayed set and the dead letter list.
//
// Keys of the returned map: "<queue>", "<queue>.processing", "<queue>.delayed", "dead".
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	for _, q := range tasks.Queues() {
		key, _ := tasks.Route(q)
		if n, err := c.rdb.LLen(ctx, key).Result(); err == nil {
			depths[string(q)] = n
		}
		if n, err := c.rdb.LLen(ctx, tasks.ProcessingKey(q)).Result(); err == nil {
			depths[string(q)+".processing"] = n
		}
		if n, err := c.rdb.ZCard(ctx, tasks.DelayedKey(q)).Result(); err == nil {
			depths[string(q)+".delayed"] = n
		}
	}
	if n, err := c.rdb.LLen(ctx, tasks.DeadLetterKey).Result(); err == nil {
		depths["dead"] = n
	}

	return depths
}

// InspectQueue retrieves the first n tasks of a queue without removing them.
// view is "ready" (default), "processing" or "delayed".
func (c *Client) InspectQueue(ctx context.Context, queue tasks.QueueName, view string, limit int64) ([]tasks.Task, error) {
	key, err := tasks.Route(queue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var raws []string
	switch view {
	case "", "ready":
		raws, err = c.rdb.LRange(ctx, key, 0, limit-1).Result()
	case "processing":
		raws, err = c.rdb.LRange(ctx, tasks.ProcessingKey(queue), 0, limit-1).Result()
	case "delayed":
		raws, err = c.rdb.ZRange(ctx, tasks.DelayedKey(queue), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown view %q", view)
	}
	if err != nil {
		return nil, storeErr(err)
	}

	out := make([]tasks.Task, 0, len(raws))
	for _, raw := range raws {
		t, err := tasks.Decode([]byte(raw))
		if err != nil {
			// Malformed entries surface through the dead letter list once consumed.
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// SetResult stores the result of a task execution in Redis with a 24-hour TTL.
// The result is stored as a JSON string under the key "chainq:result:{taskID}".
func (c *Client) SetResult(ctx context.Context, taskID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return storeErr(c.rdb.Set(ctx, "chainq:result:"+taskID, data, 24*time.Hour).Err())
}

// GetResult retrieves the result of a task execution as raw JSON.
// It returns redis.Nil when no result is stored.
func (c *Client) GetResult(ctx context.Context, taskID string) (string, error) {
	res, err := c.rdb.Get(ctx, "chainq:result:"+taskID).Result()
	return res, storeErr(err)
}

// tokenBucketScript is a token bucket kept in a hash.
// KEYS[1]: bucket key. ARGV: rate (tokens/sec), burst, now (seconds), requested.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, 3600)
	return allowed
`)

// Allow checks whether one unit of work under key may proceed, using a
// token bucket shared by every process connected to the store.
//
// Parameters:
//   - key: unique key for the bucket (e.g., "chainq:throttle:notify.transfer")
//   - limit: tokens added per second
//   - burst: bucket capacity
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		c.now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, storeErr(err)
	}
	return result == 1, nil
}
