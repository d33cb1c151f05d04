// Package notify holds the handlers of the default role: status callbacks to
// the main application and housekeeping.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Callback is the body POSTed to the application's worker callback for a
// ledger change. The receiver looks the transfer up by blockchain_task_uuid
// and keeps the update with the newest timestamp (unix seconds).
type Callback struct {
	TaskID    string `json:"blockchain_task_uuid"`
	EventKey  string `json:"event_key"`
	Status    string `json:"blockchain_status"`
	Block     uint64 `json:"block"`
	TxHash    string `json:"hash,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewTask builds the notify.transfer task for cb. Its id is derived from the
// event key, status and block, so re-emitting the same change is idempotent.
func NewTask(cb Callback) (tasks.Task, error) {
	seed := fmt.Sprintf("%s:%s:%d", cb.EventKey, cb.Status, cb.Block)
	return tasks.NewDeterministic(seed, tasks.NotifyStatus, tasks.QueueDefault, cb)
}

// Notifier delivers callbacks over HTTP.
type Notifier struct {
	url    string
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

// New builds a notifier. An empty url disables delivery; callbacks are then
// only logged.
func New(url, apiKey string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		log:    logger.For("notify"),
	}
}

// Handle is the notify.transfer handler. Network errors and 5xx responses
// are transient; any other non-2xx response is permanent.
func (n *Notifier) Handle(ctx context.Context, task tasks.Task) error {
	var cb Callback
	if err := task.Arg(0, &cb); err != nil {
		return err
	}
	if cb.TaskID == "" {
		cb.TaskID = task.ID
	}
	log := n.log.With().Str("event", cb.EventKey).Str("status", cb.Status).Logger()

	if n.url == "" {
		log.Info().Uint64("block", cb.Block).Msg("Status change (no callback URL configured)")
		return nil
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return tasks.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return tasks.Permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return tasks.Transient(fmt.Errorf("callback %s: %w", cb.EventKey, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Debug().Int("code", resp.StatusCode).Msg("Callback delivered")
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return tasks.Transient(fmt.Errorf("callback %s: server returned %d", cb.EventKey, resp.StatusCode))
	default:
		return tasks.Permanent(fmt.Errorf("callback %s: rejected with %d", cb.EventKey, resp.StatusCode))
	}
}

// DepthSource reports queue depths.
type DepthSource interface {
	GetQueueDepths(ctx context.Context) map[string]int64
}

// DepthsHandler is the housekeeping.depths handler: it refreshes the depth
// gauges and logs the snapshot.
func DepthsHandler(src DepthSource) func(context.Context, tasks.Task) error {
	log := logger.For("housekeeping")
	return func(ctx context.Context, _ tasks.Task) error {
		depths := src.GetQueueDepths(ctx)
		metrics.RecordDepths(depths)
		ev := log.Info()
		for q, n := range depths {
			ev = ev.Int64(q, n)
		}
		ev.Msg("Queue depths")
		return nil
	}
}
