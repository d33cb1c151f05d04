// Package main runs an in-memory Redis for local development, so every role
// and the admin API can run without a real store.
//
// Usage:
//
//	go run ./cmd/redis_server --addr 127.0.0.1:6379
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "chainq-redis",
		Usage: "in-memory Redis for development",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "127.0.0.1:6379",
				Usage:   "listen address",
				EnvVars: []string{"REDIS_ADDR"},
			},
		},
		Action: func(c *cli.Context) error {
			return serve(c.String("addr"))
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(addr string) error {
	log := logger.For("redis")
	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(addr); err != nil {
		return fmt.Errorf("start miniredis: %w", err)
	}
	defer s.Close()
	log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down MiniRedis...")
	return nil
}
