// Package main measures queue throughput: concurrent producers enqueue a
// batch of no-op tasks, then an in-process worker pool drains them through
// the same dequeue, ack and lease path the roles use.
//
// Usage:
//
//	go run ./benchmark --tasks 100000 --producers 10 --concurrency 10
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/chainq/pkg/queue"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/guido-cesarano/chainq/pkg/worker"
	"github.com/urfave/cli/v2"
)

const benchTask = "bench.noop"

func main() {
	app := &cli.App{
		Name:  "chainq-benchmark",
		Usage: "enqueue and drain no-op tasks against a Redis store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "redis", Value: "127.0.0.1:6379", EnvVars: []string{"REDIS_URL"}},
			&cli.IntFlag{Name: "tasks", Value: 100000, Usage: "number of tasks to enqueue"},
			&cli.IntFlag{Name: "producers", Value: 10, Usage: "concurrent enqueuers"},
			&cli.IntFlag{Name: "concurrency", Value: 10, Usage: "pool workers draining the queue"},
		},
		Action: func(c *cli.Context) error {
			return bench(c.Context, c.String("redis"), c.Int("tasks"), c.Int("producers"), c.Int("concurrency"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bench(ctx context.Context, redisURL string, numTasks, producers, concurrency int) error {
	client, err := queue.Connect(ctx, redisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("chainq benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Tasks: %d  producers: %d  pool workers: %d\n\n", numTasks, producers, concurrency)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perProducer := numTasks / producers
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				task, err := tasks.New(benchTask, tasks.QueueDefault, producer, j)
				if err == nil {
					err = client.Enqueue(ctx, task)
				}
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}
	wg.Wait()
	enqueueTime := time.Since(startEnqueue)
	total := enqueued.Load()

	fmt.Printf("Enqueued %d tasks in %s\n", total, enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(total)/enqueueTime.Seconds())

	fmt.Printf("Draining with the worker pool...\n")
	var handled atomic.Int64
	pool := worker.NewPool(client, tasks.QueueDefault, map[string]worker.Handler{
		benchTask: func(context.Context, tasks.Task) error {
			handled.Add(1)
			return nil
		},
	}, worker.Options{Concurrency: concurrency, BlockTimeout: 200 * time.Millisecond})

	drainCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	startProcess := time.Now()
	go func() { done <- pool.Run(drainCtx) }()

	for handled.Load() < total {
		select {
		case err := <-done:
			cancel()
			return fmt.Errorf("pool stopped early: %w", err)
		case <-time.After(2 * time.Second):
			fmt.Printf("  Remaining: %d tasks\n", total-handled.Load())
		}
	}
	processTime := time.Since(startProcess)
	cancel()
	<-done

	fmt.Printf("\nAll tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(total)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(total)/totalTime.Seconds())
	return nil
}
