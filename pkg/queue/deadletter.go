package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// DeadLetter is the report kept for a task that will not be retried.
type DeadLetter struct {
	Task     tasks.Task      `json:"task"`
	Raw      string          `json:"raw,omitempty"`
	Queue    tasks.QueueName `json:"queue"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetter moves a delivery to the dead letter list.
// The report and the removal from the processing list happen in one transaction.
//
// Raw is kept only when the payload could not be decoded, so operators can
// still see what arrived.
func (c *Client) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	report := DeadLetter{
		Task:     d.Task,
		Queue:    d.Queue,
		Reason:   reason,
		FailedAt: c.now().UTC(),
	}
	if d.Task.ID == "" {
		report.Raw = d.Raw
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, tasks.DeadLetterKey, data)
	pipe.LRem(ctx, tasks.ProcessingKey(d.Queue), 1, d.Raw)
	pipe.ZRem(ctx, tasks.LeaseKey(d.Queue), d.Raw)
	_, err = pipe.Exec(ctx)
	return storeErr(err)
}

// DeadLetters returns up to limit dead letter reports, oldest first.
func (c *Client) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := c.rdb.LRange(ctx, tasks.DeadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Replay re-enqueues up to n dead-lettered tasks, oldest first.
// Each replay starts a new task lifetime: fresh id, zero retry count. Reports
// without a decodable task are skipped and dropped from the list.
func (c *Client) Replay(ctx context.Context, n int) (int, error) {
	replayed := 0
	for i := 0; i < n; i++ {
		raw, err := c.rdb.LPop(ctx, tasks.DeadLetterKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return replayed, storeErr(err)
		}
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil || dl.Task.ID == "" {
			continue
		}

		task := dl.Task
		task.ID = uuid.NewString()
		task.RetryCount = 0
		task.NotBefore = time.Time{}
		task.EnqueuedAt = c.now().UTC()
		if err := c.Enqueue(ctx, task); err != nil {
			// Put the report back where it was before giving up.
			_ = c.rdb.LPush(ctx, tasks.DeadLetterKey, raw).Err()
			return replayed, fmt.Errorf("replay %s: %w", dl.Task.ID, err)
		}
		replayed++
	}
	return replayed, nil
}
