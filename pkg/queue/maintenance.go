package queue

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// promoteScript atomically moves every delayed task whose score (due time in
// ms) is <= now onto the queue, oldest first.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, task in ipairs(due) do
			redis.call('RPUSH', queue_key, task)
		end
	end

	return #due
`)

// reapScript returns processing entries whose lease expired to the queue.
// Entries without a lease (the consumer died between BLMOVE and the lease
// write) get one, so they are re-delivered one visibility period later.
var reapScript = redis.NewScript(`
	local processing_key = KEYS[1]
	local lease_key = KEYS[2]
	local queue_key = KEYS[3]
	local now = tonumber(ARGV[1])
	local visibility = tonumber(ARGV[2])

	local moved = 0
	local items = redis.call('LRANGE', processing_key, 0, -1)
	for _, raw in ipairs(items) do
		local deadline = redis.call('ZSCORE', lease_key, raw)
		if not deadline then
			redis.call('ZADD', lease_key, now + visibility, raw)
		elseif tonumber(deadline) <= now then
			redis.call('LREM', processing_key, 1, raw)
			redis.call('ZREM', lease_key, raw)
			redis.call('RPUSH', queue_key, raw)
			moved = moved + 1
		end
	end

	return moved
`)

// Promote moves due delayed tasks of queue onto the queue itself.
func (c *Client) Promote(ctx context.Context, queue tasks.QueueName) (int64, error) {
	key, err := tasks.Route(queue)
	if err != nil {
		return 0, err
	}
	n, err := promoteScript.Run(ctx, c.rdb,
		[]string{tasks.DelayedKey(queue), key},
		millis(c.now()),
	).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, storeErr(err)
}

// Reap re-delivers tasks of queue whose visibility lease has expired.
func (c *Client) Reap(ctx context.Context, queue tasks.QueueName) (int64, error) {
	key, err := tasks.Route(queue)
	if err != nil {
		return 0, err
	}
	n, err := reapScript.Run(ctx, c.rdb,
		[]string{tasks.ProcessingKey(queue), tasks.LeaseKey(queue), key},
		millis(c.now()),
		c.visibility.Milliseconds(),
	).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, storeErr(err)
}

// RunMaintenance periodically promotes delayed tasks and reaps expired
// leases for the given queues until the context is cancelled.
//
// Both scripts are atomic, so every role may run this for the queues it
// consumes without coordinating with other processes.
func (c *Client) RunMaintenance(ctx context.Context, queues []tasks.QueueName, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.For("queue.maintenance")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				if _, err := c.Promote(ctx, q); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("queue", string(q)).Msg("Promote delayed tasks failed")
				}
				n, err := c.Reap(ctx, q)
				if err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("queue", string(q)).Msg("Reap expired leases failed")
				}
				if n > 0 {
					log.Warn().Int64("count", n).Str("queue", string(q)).Msg("Re-delivered tasks with expired leases")
				}
			}
		}
	}
}
