package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"golang.org/x/time/rate"
)

// ErrSourceExhausted is returned once a source call failed MaxAttempts times.
var ErrSourceExhausted = errors.New("chain source: retries exhausted")

// RetryPolicy bounds how hard a source is pushed.
type RetryPolicy struct {
	RatePerSecond  float64
	Burst          int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// PolicyFromConfig extracts the retry policy of a chain config.
func PolicyFromConfig(c config.ChainConfig) RetryPolicy {
	return RetryPolicy{
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		CallTimeout:    c.CallTimeout,
	}
}

// RetryingSource wraps a Source with a local rate limit and bounded
// exponential backoff.
type RetryingSource struct {
	src     Source
	policy  RetryPolicy
	limiter *rate.Limiter
}

// Retrying wraps src.
func Retrying(src Source, p RetryPolicy) *RetryingSource {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	lim := rate.Inf
	if p.RatePerSecond > 0 {
		lim = rate.Limit(p.RatePerSecond)
	}
	burst := p.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RetryingSource{src: src, policy: p, limiter: rate.NewLimiter(lim, burst)}
}

func (r *RetryingSource) Fetch(ctx context.Context, cursor uint64, maxBlocks int) (Batch, error) {
	var out Batch
	err := r.do(ctx, "fetch", func(callCtx context.Context) error {
		b, err := r.src.Fetch(callCtx, cursor, maxBlocks)
		if err == nil {
			out = b
		}
		return err
	})
	return out, err
}

func (r *RetryingSource) Commit(ctx context.Context, b Batch) error {
	return r.do(ctx, "commit", func(callCtx context.Context) error {
		return r.src.Commit(callCtx, b)
	})
}

func (r *RetryingSource) Close() error { return r.src.Close() }

func (r *RetryingSource) do(ctx context.Context, op string, call func(context.Context) error) error {
	log := logger.For("chain")
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialBackoff
	eb.MaxInterval = r.policy.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	attempt := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx := ctx
		if r.policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
			defer cancel()
		}
		err := call(callCtx)
		if tasks.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ChainSourceRetries.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("operation", op).Dur("wait", wait).Msg("Chain source call failed, retrying")
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case tasks.IsPermanent(err):
		return err
	default:
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrSourceExhausted, op, r.policy.MaxAttempts, err)
	}
}

// Open builds the configured source, wrapped with the retry policy.
func Open(ctx context.Context, c config.ChainConfig, contracts []string) (*RetryingSource, error) {
	var (
		src Source
		err error
	)
	switch c.Source {
	case "rpc", "":
		src, err = DialRPC(ctx, c.RPCURL, RPCOptions{
			Confirmations:    c.Confirmations,
			ChunkSize:        c.ChunkSize,
			FetchConcurrency: c.FetchConcurrency,
			Contracts:        contracts,
		})
	case "kafka":
		src, err = NewKafkaSource(c.Kafka.Brokers, c.Kafka.Topic, c.Kafka.GroupID, c.Kafka.MaxWait)
	case "fixture":
		src, err = OpenFixture(c.FixturePath)
	default:
		return nil, &config.ConfigurationError{Field: "chain.source", Reason: fmt.Sprintf("unknown source %q", c.Source)}
	}
	if err != nil {
		return nil, err
	}
	return Retrying(src, PolicyFromConfig(c)), nil
}
