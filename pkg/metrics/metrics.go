// Package metrics holds the Prometheus collectors shared by all roles.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksProcessed counts finished deliveries.
	// Labels:
	//   - status: "success", "retry", "throttled" or "dead"
	//   - queue: logical queue name
	//   - name: task name (e.g., "ledger.apply_transfer")
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "queue", "name"})

	// TaskDuration tracks handler latency in seconds.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainq_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "name"})

	// QueueLatency is the time a task waited between becoming eligible and
	// being picked up.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueDepth mirrors GetQueueDepths, updated by the depth collector.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainq_queue_depth",
		Help: "Number of tasks in each queue",
	}, []string{"queue"})

	// DeadLettered counts tasks moved to the dead letter list.
	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_dead_lettered_total",
		Help: "Tasks moved to the dead letter list",
	}, []string{"queue", "name", "reason"})

	// FilterCycles counts filter cycles by outcome ("ok", "skipped", "failed").
	FilterCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_filter_cycles_total",
		Help: "Filter cycles by outcome",
	}, []string{"filter", "outcome"})

	// FilterMatches counts processor tasks emitted by filters.
	FilterMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_filter_matches_total",
		Help: "Chain events that matched a filter",
	}, []string{"filter"})

	// ChainSourceRetries counts retried chain source calls.
	ChainSourceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_chain_source_retries_total",
		Help: "Retried chain source calls",
	}, []string{"operation"})

	// BeatFires counts recurring tasks emitted by the scheduler.
	BeatFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_beat_fires_total",
		Help: "Recurring tasks emitted by the scheduler",
	}, []string{"entry"})

	// LedgerMutations counts ledger writes by outcome ("applied", "duplicate", "stale").
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainq_ledger_mutations_total",
		Help: "Ledger mutations by outcome",
	}, []string{"operation", "outcome"})
)

// DepthSource reports queue depths.
type DepthSource interface {
	GetQueueDepths(ctx context.Context) map[string]int64
}

// CollectQueueDepths periodically queries the store and updates QueueDepth.
func CollectQueueDepths(ctx context.Context, src DepthSource, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RecordDepths(src.GetQueueDepths(ctx))
		}
	}
}

// RecordDepths sets the depth gauges from a snapshot.
func RecordDepths(depths map[string]int64) {
	for queue, depth := range depths {
		QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

// Serve exposes /metrics on addr until the context is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
