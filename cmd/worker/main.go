// Package main implements the chainq worker process. One binary serves every
// role; the role is chosen by --role or CHAINQ_ROLE.
//
// Exit statuses:
//   - 0: clean shutdown (SIGINT/SIGTERM)
//   - 1: runtime failure (queue store unreachable, pool gave up)
//   - 2: invalid configuration
//   - other: the processor role's migration command status
//
// Usage:
//
//	CHAINQ_ROLE=filter CONFIG_PATH=configs/chainq.yaml go run ./cmd/worker
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/roles"
	"github.com/urfave/cli/v2"
)

func main() {
	status := roles.ExitOK
	app := &cli.App{
		Name:  "chainq-worker",
		Usage: "run one chainq role (beat, filter, processor or default)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml file with filters, beat entries and throttles",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "role to run; overrides CHAINQ_ROLE",
			},
		},
		Action: func(c *cli.Context) error {
			status = run(c.String("config"), c.String("role"))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(roles.ExitConfigError)
	}
	os.Exit(status)
}

func run(path, role string) int {
	if role != "" {
		os.Setenv("CHAINQ_ROLE", role)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Invalid configuration")
		return roles.ExitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return roles.Run(ctx, cfg, roles.Deps{})
}
