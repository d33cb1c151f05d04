// Package main implements the chainq admin API.
//
// API Endpoints (all but /healthz require X-API-Key when API_KEY is set):
//
//	GET  /healthz       - queue store reachability
//	POST /enqueue       - enqueue a task: {"name", "queue", "args", "delay"}
//	GET  /stats         - queue depths
//	GET  /tasks         - inspect ?queue= [&view=ready|processing|delayed] [&limit=]
//	GET  /result        - completion record of ?id=
//	GET  /dead          - dead letter reports [?limit=]
//	POST /dead/replay   - re-enqueue the oldest ?n= dead letters
//	POST /beat/trigger  - fire a beat entry now: {"name"}
//	GET  /ws/stats      - websocket stream of queue depths
//
// Usage:
//
//	go run ./cmd/server
//
// The server listens on SERVER_ADDR (default :8081) and connects to REDIS_URL.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/queue"
)

const streamInterval = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.For("admin")

	cfg, err := config.Load("")
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("Queue store unreachable")
		return 1
	}
	defer client.Close()

	if cfg.APIKey == "" {
		log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		log.Info().Msg("API Authentication enabled.")
	}

	hub := newStatsHub(client)
	go hub.run(ctx, streamInterval)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           setupRouter(client, hub, cfg.APIKey),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.ServerAddr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server failed")
		return 1
	}
	log.Info().Msg("Server stopped")
	return 0
}
