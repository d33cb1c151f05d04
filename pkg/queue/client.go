// Package queue provides the Redis-backed queue store shared by all roles.
// It supports reliable task processing with features including:
//   - Atomic dequeuing with BLMove into a per-queue processing list
//   - Visibility leases so unacknowledged tasks are re-delivered
//   - Delayed tasks (retry backoff, throttling) promoted by Lua scripts
//   - A dead letter list for permanently failed tasks
//
// The Client type is the main entry point for interacting with the queue store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrEmpty is returned by Dequeue when no task arrived within the block timeout.
	ErrEmpty = errors.New("queue empty")

	// ErrStoreUnavailable wraps failures to reach the backing store.
	ErrStoreUnavailable = errors.New("queue store unavailable")
)

const (
	completedKey     = "chainq:completed"
	completedHistory = 100

	// DefaultVisibilityTimeout is how long a dequeued task stays invisible
	// before it is handed to another consumer.
	DefaultVisibilityTimeout = 5 * time.Minute
)

// Client manages the connection to Redis and provides methods for queue operations.
// All operations are context-aware and support graceful cancellation.
//
// Key layout per logical queue q (see tasks.Route):
//   - chainq:queue:q       list of tasks ready to run
//   - chainq:processing:q  list of tasks handed to a consumer
//   - chainq:lease:q       sorted set of visibility deadlines for processing entries
//   - chainq:delayed:q     sorted set of tasks scheduled for later
//   - chainq:dead          list of dead-letter reports (all queues)
type Client struct {
	rdb        *redis.Client
	visibility time.Duration
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithVisibilityTimeout sets the lease duration of dequeued tasks.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.visibility = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a queue client for the Redis server at addr ("host:port").
//
// Example:
//
//	client := queue.NewClient("localhost:6379")
func NewClient(addr string, opts ...Option) *Client {
	return newClient(redis.NewClient(&redis.Options{Addr: addr}), opts)
}

// Connect builds a client from a redis:// URL or a host:port address and
// verifies the connection.
func Connect(ctx context.Context, redisURL string, opts ...Option) (*Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, err)
	}
	return newClient(rdb, opts), nil
}

func newClient(rdb *redis.Client, opts []Option) *Client {
	c := &Client{
		rdb:        rdb,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Redis exposes the underlying client for components that keep their own
// keys in the same store (filter cursors).
func (c *Client) Redis() *redis.Client { return c.rdb }

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Delivery is a task handed to a consumer. Raw is the exact payload held in
// the processing list and identifies the delivery for Ack/Retry/DeadLetter.
type Delivery struct {
	Task  tasks.Task
	Raw   string
	Queue tasks.QueueName
}

// Enqueue routes the task and pushes it to the tail of its queue. A task
// whose NotBefore lies in the future goes to the queue's delayed set.
func (c *Client) Enqueue(ctx context.Context, task tasks.Task) error {
	key, err := tasks.Route(task.Queue)
	if err != nil {
		return err
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = c.now().UTC()
	}
	data, err := tasks.Encode(task)
	if err != nil {
		return err
	}

	if !task.Due(c.now()) {
		err = c.rdb.ZAdd(ctx, tasks.DelayedKey(task.Queue), redis.Z{
			Score:  millis(task.NotBefore),
			Member: data,
		}).Err()
		return storeErr(err)
	}
	return storeErr(c.rdb.RPush(ctx, key, data).Err())
}

// Dequeue atomically moves the head of the queue into its processing list
// and stamps a visibility lease. It blocks for at most blockTimeout and
// returns ErrEmpty when nothing arrived.
//
// A payload that cannot be decoded is still returned as a Delivery (with the
// decode error) so the caller can dead-letter it.
func (c *Client) Dequeue(ctx context.Context, queue tasks.QueueName, blockTimeout time.Duration) (*Delivery, error) {
	key, err := tasks.Route(queue)
	if err != nil {
		return nil, err
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}

	raw, err := c.rdb.BLMove(ctx, key, tasks.ProcessingKey(queue), "LEFT", "RIGHT", blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, storeErr(err)
	}

	// A failed lease write leaves an orphan in the processing list; Reap
	// assigns it a lease on its next pass.
	_ = c.rdb.ZAdd(ctx, tasks.LeaseKey(queue), redis.Z{
		Score:  millis(c.now().Add(c.visibility)),
		Member: raw,
	}).Err()

	d := &Delivery{Raw: raw, Queue: queue}
	task, err := tasks.Decode([]byte(raw))
	if err != nil {
		return d, err
	}
	d.Task = task
	return d, nil
}

// Length returns the number of tasks waiting in the queue.
func (c *Client) Length(ctx context.Context, queue tasks.QueueName) (int64, error) {
	key, err := tasks.Route(queue)
	if err != nil {
		return 0, err
	}
	n, err := c.rdb.LLen(ctx, key).Result()
	return n, storeErr(err)
}

// Ack acknowledges successful completion of a delivery. The payload is
// removed from the processing list and kept in a short completed history.
func (c *Client) Ack(ctx context.Context, d *Delivery) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, tasks.ProcessingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, tasks.LeaseKey(d.Queue), d.Raw)
	pipe.RPush(ctx, completedKey, d.Raw)
	pipe.LTrim(ctx, completedKey, -completedHistory, -1)
	_, err := pipe.Exec(ctx)
	return storeErr(err)
}

// Retry schedules a failed delivery for another attempt after delay.
// RetryCount is incremented and NotBefore set; the original payload is
// removed from the processing list in the same transaction.
func (c *Client) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	task := d.Task
	task.RetryCount++
	return c.reschedule(ctx, d, task, c.now().Add(delay))
}

// Delay re-schedules a delivery without consuming retry budget.
func (c *Client) Delay(ctx context.Context, d *Delivery, until time.Time) error {
	return c.reschedule(ctx, d, d.Task, until)
}

func (c *Client) reschedule(ctx context.Context, d *Delivery, task tasks.Task, at time.Time) error {
	task.NotBefore = at.UTC()
	data, err := tasks.Encode(task)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, tasks.DelayedKey(d.Queue), redis.Z{
		Score:  millis(task.NotBefore),
		Member: data,
	})
	pipe.LRem(ctx, tasks.ProcessingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, tasks.LeaseKey(d.Queue), d.Raw)
	_, err = pipe.Exec(ctx)
	return storeErr(err)
}

// Release hands an unprocessed delivery back to the head of its queue.
func (c *Client) Release(ctx context.Context, d *Delivery) error {
	key, err := tasks.Route(d.Queue)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, tasks.ProcessingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, tasks.LeaseKey(d.Queue), d.Raw)
	pipe.LPush(ctx, key, d.Raw)
	_, err = pipe.Exec(ctx)
	return storeErr(err)
}

// storeErr classifies Redis failures. Server replies and redis.Nil pass
// through; anything else (dial, timeout, broken pipe) means the store could
// not be reached.
func storeErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
