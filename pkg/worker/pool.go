// Package worker implements the bounded consumer pool every consuming role
// runs: one fetcher dequeues only when a worker is idle and hands the
// delivery over a channel; workers run handlers and settle the outcome
// (ack, retry with backoff, delay, or dead-letter).
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/queue"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Broker is the part of the queue store a pool needs.
type Broker interface {
	Dequeue(ctx context.Context, q tasks.QueueName, blockTimeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Retry(ctx context.Context, d *queue.Delivery, delay time.Duration) error
	Delay(ctx context.Context, d *queue.Delivery, until time.Time) error
	DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error
}

// Limiter is a shared token bucket (queue.Client.Allow).
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, burst int) (bool, error)
}

// ResultStore keeps a short-lived completion record per task
// (queue.Client.SetResult).
type ResultStore interface {
	SetResult(ctx context.Context, taskID string, result interface{}) error
}

// Handler executes one task. Returning a tasks.Permanent error dead-letters
// the task; any other error is retried until the retry budget runs out.
type Handler func(ctx context.Context, task tasks.Task) error

// Throttle caps how often tasks of one name may run across all processes.
type Throttle struct {
	Rate  int
	Burst int
}

// Options tune a Pool. Zero values take defaults.
type Options struct {
	Concurrency  int
	MaxRetries   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	BlockTimeout time.Duration

	// MaxStoreFailures bounds consecutive failed dequeues before Run gives up.
	MaxStoreFailures int

	Limiter   Limiter
	Throttles map[string]Throttle

	// Results, when set, receives a completion record for every acked task.
	Results ResultStore

	Logger *zerolog.Logger
	Now    func() time.Time
}

// Pool consumes one queue with a bounded number of workers.
type Pool struct {
	broker   Broker
	queue    tasks.QueueName
	handlers map[string]Handler
	opts     Options
	log      zerolog.Logger

	fetches int64
	mu      sync.Mutex
}

// NewPool builds a pool for queue q.
func NewPool(broker Broker, q tasks.QueueName, handlers map[string]Handler, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Minute
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = time.Second
	}
	if opts.MaxStoreFailures <= 0 {
		opts.MaxStoreFailures = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.For("worker")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Pool{
		broker:   broker,
		queue:    q,
		handlers: handlers,
		opts:     opts,
		log:      log.With().Str("queue", string(q)).Logger(),
	}
}

// Backoff returns the delay before retry number retry: RetryBase·2^retry,
// capped at RetryMax.
func (p *Pool) Backoff(retry int) time.Duration {
	if retry > 30 {
		return p.opts.RetryMax
	}
	d := p.opts.RetryBase << uint(retry)
	if d <= 0 || d > p.opts.RetryMax {
		return p.opts.RetryMax
	}
	return d
}

// Run consumes the queue until ctx is cancelled. On cancellation it stops
// dequeuing, lets in-flight tasks finish on a detached context and returns
// nil. It returns an error only when the store stayed unreachable for
// MaxStoreFailures consecutive attempts.
func (p *Pool) Run(ctx context.Context) error {
	n := p.opts.Concurrency
	deliveries := make(chan *queue.Delivery, n)
	idle := make(chan struct{}, n)

	// In-flight tasks are never abandoned mid-mutation.
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		idle <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.handle(work, d)
				idle <- struct{}{}
			}
		}()
	}

	p.log.Info().Int("concurrency", n).Msg("Worker pool started")
	err := p.fetch(ctx, work, deliveries, idle)
	close(deliveries)
	wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
	return err
}

func (p *Pool) fetch(ctx, work context.Context, deliveries chan<- *queue.Delivery, idle chan struct{}) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
		}

		p.mu.Lock()
		p.fetches++
		p.mu.Unlock()

		d, err := p.broker.Dequeue(ctx, p.queue, p.opts.BlockTimeout)
		switch {
		case err == nil:
			failures = 0
			deliveries <- d
		case errors.Is(err, queue.ErrEmpty):
			failures = 0
			idle <- struct{}{}
		case ctx.Err() != nil:
			return nil
		case d != nil:
			// Payload reached us but cannot be decoded.
			failures = 0
			p.deadLetter(work, d, "malformed", err)
			idle <- struct{}{}
		default:
			failures++
			if failures >= p.opts.MaxStoreFailures {
				return fmt.Errorf("dequeue %s: giving up after %d attempts: %w", p.queue, failures, err)
			}
			wait := p.Backoff(failures)
			p.log.Error().Err(err).Int("attempt", failures).Dur("wait", wait).Msg("Dequeue failed")
			idle <- struct{}{}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}
}

// Fetches reports how many dequeue calls the pool issued.
func (p *Pool) Fetches() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	task := d.Task
	log := p.log.With().
		Str("task_id", task.ID).
		Str("name", task.Name).
		Int("retry_count", task.RetryCount).
		Logger()

	start := p.opts.Now()
	eligible := task.EnqueuedAt
	if !task.NotBefore.IsZero() {
		eligible = task.NotBefore
	}
	if !eligible.IsZero() {
		metrics.QueueLatency.WithLabelValues(string(p.queue)).Observe(start.Sub(eligible).Seconds())
	}

	h, ok := p.handlers[task.Name]
	if !ok {
		p.deadLetter(ctx, d, "unknown_task", fmt.Errorf("no handler for task %q", task.Name))
		return
	}

	if p.throttled(ctx, d, log) {
		return
	}

	err := p.invoke(ctx, h, task)
	metrics.TaskDuration.WithLabelValues(string(p.queue), task.Name).Observe(p.opts.Now().Sub(start).Seconds())

	switch {
	case err == nil:
		if ackErr := p.broker.Ack(ctx, d); ackErr != nil {
			// The lease expires and the task is re-delivered; handlers are idempotent.
			log.Error().Err(ackErr).Msg("Ack failed")
		}
		metrics.TasksProcessed.WithLabelValues("success", string(p.queue), task.Name).Inc()
		p.recordResult(ctx, task, log)
		log.Debug().Msg("Task completed")

	case tasks.IsPermanent(err):
		p.deadLetter(ctx, d, "permanent", err)

	case task.RetryCount < p.opts.MaxRetries:
		delay := p.Backoff(task.RetryCount + 1)
		if retryErr := p.broker.Retry(ctx, d, delay); retryErr != nil {
			log.Error().Err(retryErr).Msg("Scheduling retry failed")
			return
		}
		metrics.TasksProcessed.WithLabelValues("retry", string(p.queue), task.Name).Inc()
		log.Warn().Err(err).Dur("delay", delay).Msg("Task failed, retry scheduled")

	default:
		p.deadLetter(ctx, d, "exhausted", fmt.Errorf("retries exhausted after %d attempts: %w", task.RetryCount, err))
	}
}

func (p *Pool) recordResult(ctx context.Context, task tasks.Task, log zerolog.Logger) {
	if p.opts.Results == nil {
		return
	}
	result := map[string]string{
		"status":       "completed",
		"name":         task.Name,
		"queue":        string(p.queue),
		"completed_at": p.opts.Now().UTC().Format(time.RFC3339),
	}
	if err := p.opts.Results.SetResult(ctx, task.ID, result); err != nil {
		log.Warn().Err(err).Msg("Storing result failed")
	}
}

func (p *Pool) invoke(ctx context.Context, h Handler, task tasks.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("task_id", task.ID).Bytes("stack", debug.Stack()).Msgf("Handler panic: %v", r)
			err = tasks.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, task)
}

func (p *Pool) throttled(ctx context.Context, d *queue.Delivery, log zerolog.Logger) bool {
	th, ok := p.opts.Throttles[d.Task.Name]
	if !ok || p.opts.Limiter == nil || th.Rate <= 0 {
		return false
	}
	allowed, err := p.opts.Limiter.Allow(ctx, "chainq:throttle:"+d.Task.Name, th.Rate, th.Burst)
	if err != nil {
		// Fail open so a limiter outage does not strand tasks.
		log.Error().Err(err).Msg("Throttle check failed")
		return false
	}
	if allowed {
		return false
	}
	until := p.opts.Now().Add(time.Second)
	if err := p.broker.Delay(ctx, d, until); err != nil {
		log.Error().Err(err).Msg("Delaying throttled task failed")
		return true
	}
	metrics.TasksProcessed.WithLabelValues("throttled", string(p.queue), d.Task.Name).Inc()
	log.Warn().Msg("Throttle exceeded, task delayed")
	return true
}

func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, category string, cause error) {
	reason := category + ": " + cause.Error()
	if err := p.broker.DeadLetter(ctx, d, reason); err != nil {
		p.log.Error().Err(err).Str("task_id", d.Task.ID).Msg("Dead-lettering failed")
		return
	}
	metrics.DeadLettered.WithLabelValues(string(p.queue), d.Task.Name, category).Inc()
	metrics.TasksProcessed.WithLabelValues("dead", string(p.queue), d.Task.Name).Inc()
	p.log.Error().
		Err(cause).
		Str("task_id", d.Task.ID).
		Str("name", d.Task.Name).
		Int("retry_count", d.Task.RetryCount).
		Str("category", category).
		Msg("Task dead-lettered")
}
