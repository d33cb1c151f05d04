// Package roles wires a process for its configured role: the consumer pool
// with the role's handlers, queue maintenance, depth collection and the
// metrics endpoint.
package roles

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guido-cesarano/chainq/pkg/beat"
	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/filter"
	"github.com/guido-cesarano/chainq/pkg/ledger"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/notify"
	"github.com/guido-cesarano/chainq/pkg/preflight"
	"github.com/guido-cesarano/chainq/pkg/processor"
	"github.com/guido-cesarano/chainq/pkg/queue"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/guido-cesarano/chainq/pkg/worker"
	"golang.org/x/sync/errgroup"
)

// Exit statuses.
const (
	ExitOK          = 0
	ExitRuntime     = 1
	ExitConfigError = 2
)

const depthInterval = 5 * time.Second

// Deps are pre-built dependencies. Nil fields are built from the config.
type Deps struct {
	Queue    *queue.Client
	Ledger   *ledger.Store
	Source   chain.Source
	Migrator preflight.Migrator
	Clock    clock.Clock

	// SkipMetricsServer leaves METRICS_ADDR unbound, for tests.
	SkipMetricsServer bool
}

// Run runs the role until ctx is cancelled and returns the process exit
// status.
func Run(ctx context.Context, cfg config.Config, deps Deps) int {
	logger.SetRole(string(cfg.Role))
	log := logger.For("roles")
	log.Info().
		Str("mode", string(cfg.Mode)).
		Int("concurrency", cfg.Concurrency).
		Str("queue", string(cfg.Role.Queue())).
		Msg("Starting role")

	if cfg.Role == config.RoleProcessor {
		m := deps.Migrator
		if m == nil {
			m = migratorFor(cfg)
		}
		if err := preflight.Gate(ctx, m); err != nil {
			var migErr *preflight.MigrationError
			if errors.As(err, &migErr) {
				return migErr.Status
			}
			return ExitRuntime
		}
	}

	q := deps.Queue
	if q == nil {
		var err error
		q, err = queue.Connect(ctx, cfg.RedisURL, queue.WithVisibilityTimeout(cfg.Worker.VisibilityTimeout))
		if err != nil {
			log.Error().Err(err).Msg("Queue store unreachable")
			return ExitRuntime
		}
		defer q.Close()
	}

	handlers, loops, cleanup, err := build(ctx, cfg, deps, q)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Error().Err(err).Msg("Invalid configuration")
			return ExitConfigError
		}
		log.Error().Err(err).Msg("Role setup failed")
		return ExitRuntime
	}

	pool := worker.NewPool(q, cfg.Role.Queue(), handlers, worker.Options{
		Concurrency:  cfg.Concurrency,
		MaxRetries:   cfg.Worker.MaxRetries,
		RetryBase:    cfg.Worker.RetryBase,
		RetryMax:     cfg.Worker.RetryMax,
		BlockTimeout: cfg.Worker.BlockTimeout,
		Limiter:      q,
		Throttles:    throttles(cfg.Throttles),
		Results:      q,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		q.RunMaintenance(gctx, []tasks.QueueName{cfg.Role.Queue()}, cfg.Worker.MaintenanceInterval)
		return nil
	})
	g.Go(func() error {
		metrics.CollectQueueDepths(gctx, q, depthInterval)
		return nil
	})
	if cfg.MetricsAddr != "" && !deps.SkipMetricsServer {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr) })
	}
	for _, loop := range loops {
		loop := loop
		g.Go(func() error { return loop(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Role stopped with error")
		return ExitRuntime
	}
	log.Info().Msg("Role stopped")
	return ExitOK
}

type loop func(ctx context.Context) error

// build returns the role's handler table and any extra loops it runs next to
// the pool.
func build(ctx context.Context, cfg config.Config, deps Deps, q *queue.Client) (map[string]worker.Handler, []loop, func(), error) {
	switch cfg.Role {
	case config.RoleDefault:
		n := notify.New(cfg.CallbackURL, cfg.APIKey, cfg.CallbackTimeout)
		return map[string]worker.Handler{
			tasks.NotifyStatus: n.Handle,
			tasks.RecordDepths: notify.DepthsHandler(q),
		}, nil, nil, nil

	case config.RoleFilter:
		defs, err := filter.FromConfig(cfg.Filters)
		if err != nil {
			return nil, nil, nil, err
		}
		if deps.Source == nil && cfg.Chain.Source == "kafka" {
			return kafkaFilters(ctx, cfg, defs, q)
		}
		src := deps.Source
		var cleanup func()
		if src == nil {
			var contracts []string
			for _, d := range defs {
				contracts = append(contracts, d.ContractList()...)
			}
			// A shared source only narrows by contract when every filter does.
			for _, d := range defs {
				if d.Contracts == nil {
					contracts = nil
					break
				}
			}
			opened, err := chain.Open(ctx, cfg.Chain, contracts)
			if err != nil {
				return nil, nil, nil, err
			}
			src = opened
			cleanup = func() { _ = opened.Close() }
		}
		f := filter.New(defs, src, q, filter.NewCursors(q.Redis(), cfg.Chain.StartBlock), cfg.Chain.MaxBlocks)
		return map[string]worker.Handler{
			tasks.FilterPoll:  f.PollHandler,
			tasks.FilterEvent: f.EventHandler,
		}, nil, cleanup, nil

	case config.RoleProcessor:
		store := deps.Ledger
		var cleanup func()
		if store == nil {
			var err error
			store, err = ledger.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return nil, nil, nil, err
			}
			cleanup = func() { _ = store.Close() }
		}
		p := processor.New(store, q, func() int64 { return time.Now().Unix() })
		return p.Handlers(), nil, cleanup, nil

	case config.RoleBeat:
		entries, err := beat.EntriesFromConfig(cfg.Beat)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := beat.New(beat.PollEntries(cfg.Filters, entries), q, deps.Clock)
		if err != nil {
			return nil, nil, nil, err
		}
		return map[string]worker.Handler{
			tasks.BeatTrigger: s.TriggerHandler,
		}, []loop{s.Run}, nil, nil
	}
	return nil, nil, nil, &config.ConfigurationError{Field: "role", Reason: "unsupported role " + string(cfg.Role)}
}

func migratorFor(cfg config.Config) preflight.Migrator {
	if cfg.MigrationCommand != "" {
		return preflight.CommandMigrator{Command: cfg.MigrationCommand}
	}
	return preflight.EmbeddedMigrator{FS: ledger.Migrations, Dir: "migrations", DatabaseURL: cfg.DatabaseURL}
}

func throttles(in map[string]config.ThrottleConfig) map[string]worker.Throttle {
	out := make(map[string]worker.Throttle, len(in))
	for name, t := range in {
		out[name] = worker.Throttle{Rate: t.Rate, Burst: t.Burst}
	}
	return out
}

// kafkaFilters gives every filter its own consumer group, <groupID>.<filter>,
// so each definition sees the whole feed.
func kafkaFilters(ctx context.Context, cfg config.Config, defs []filter.Definition, q *queue.Client) (map[string]worker.Handler, []loop, func(), error) {
	f := filter.New(defs, nil, q, filter.NewCursors(q.Redis(), cfg.Chain.StartBlock), cfg.Chain.MaxBlocks)
	var opened []chain.Source
	cleanup := func() {
		for _, src := range opened {
			_ = src.Close()
		}
	}
	for _, d := range defs {
		c := cfg.Chain
		c.Kafka.GroupID = filterGroup(cfg.Chain.Kafka.GroupID, d.Name)
		src, err := chain.Open(ctx, c, nil)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		opened = append(opened, src)
		f.UseSource(d.Name, src)
	}
	return map[string]worker.Handler{
		tasks.FilterPoll:  f.PollHandler,
		tasks.FilterEvent: f.EventHandler,
	}, nil, cleanup, nil
}

func filterGroup(base, filterName string) string {
	return base + "." + filterName
}
