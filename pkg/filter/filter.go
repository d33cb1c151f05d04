package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/rs/zerolog"
)

// Enqueuer is the part of the queue store filters write to.
type Enqueuer interface {
	Enqueue(ctx context.Context, task tasks.Task) error
}

// Result summarizes one cycle.
type Result struct {
	Filter  string
	From    uint64
	Through uint64
	Events  int
	Emitted int
	Skipped bool
}

// Filterer runs filter cycles against one chain source.
type Filterer struct {
	defs      map[string]Definition
	ordered   []Definition
	src       chain.Source
	sources   map[string]chain.Source
	enq       Enqueuer
	cursors   *Cursors
	maxBlocks int
	log       zerolog.Logger
}

// New builds a filterer over defs.
func New(defs []Definition, src chain.Source, enq Enqueuer, cursors *Cursors, maxBlocks int) *Filterer {
	f := &Filterer{
		defs:      make(map[string]Definition, len(defs)),
		ordered:   defs,
		src:       src,
		enq:       enq,
		cursors:   cursors,
		maxBlocks: maxBlocks,
		log:       logger.For("filter"),
	}
	for _, d := range defs {
		f.defs[d.Name] = d
	}
	return f
}

// UseSource makes the filter called name read from src instead of the shared
// source. Feeds hand each message to one reader, so every filter needs its
// own consumer.
func (f *Filterer) UseSource(name string, src chain.Source) {
	if f.sources == nil {
		f.sources = make(map[string]chain.Source)
	}
	f.sources[name] = src
}

func (f *Filterer) sourceFor(name string) chain.Source {
	if src, ok := f.sources[name]; ok {
		return src
	}
	return f.src
}

// TransferTask builds the processor task for ev. The id is derived from the
// event key, so re-emitting an event yields the same task id.
func TransferTask(ev chain.Event) (tasks.Task, error) {
	return tasks.NewDeterministic(ev.Key(), tasks.ApplyTransfer, tasks.QueueProcessor, ev)
}

// Cycle runs one filter cycle: read the cursor, fetch the next range, emit a
// processor task per match in (block, log index) order, commit the source and
// advance the cursor. A cycle that fails before the cursor moves is safe to
// re-run; re-emitted tasks carry the same ids and the ledger ignores
// duplicates.
func (f *Filterer) Cycle(ctx context.Context, name string) (Result, error) {
	def, ok := f.defs[name]
	if !ok {
		return Result{}, tasks.Permanent(fmt.Errorf("unknown filter %q", name))
	}
	res := Result{Filter: name}
	log := f.log.With().Str("filter", name).Logger()

	pos, err := f.cursors.Get(ctx, name)
	if err != nil {
		metrics.FilterCycles.WithLabelValues(name, "failed").Inc()
		return res, tasks.Transient(err)
	}
	res.From = pos.Block

	src := f.sourceFor(name)
	batch, err := src.Fetch(ctx, pos.Block, f.maxBlocks)
	if errors.Is(err, chain.ErrSourceExhausted) {
		res.Skipped = true
		metrics.FilterCycles.WithLabelValues(name, "skipped").Inc()
		log.Warn().Err(err).Uint64("cursor", pos.Block).Msg("Chain source unavailable, cycle skipped")
		return res, nil
	}
	if err != nil {
		metrics.FilterCycles.WithLabelValues(name, "failed").Inc()
		if tasks.IsPermanent(err) {
			return res, err
		}
		return res, tasks.Transient(err)
	}

	events := append([]chain.Event(nil), batch.Events...)
	sort.SliceStable(events, func(i, j int) bool { return chain.Less(events[i], events[j]) })
	res.Events = len(events)

	for _, ev := range events {
		if !Match(def, ev) {
			continue
		}
		task, err := TransferTask(ev)
		if err != nil {
			return res, tasks.Permanent(err)
		}
		if err := f.enq.Enqueue(ctx, task); err != nil {
			metrics.FilterCycles.WithLabelValues(name, "failed").Inc()
			return res, tasks.Transient(fmt.Errorf("emit %s: %w", ev.Key(), err))
		}
		res.Emitted++
		metrics.FilterMatches.WithLabelValues(name).Inc()
	}

	if err := src.Commit(ctx, batch); err != nil {
		// Events were enqueued; a re-read re-emits the same ids.
		log.Error().Err(err).Msg("Committing chain batch failed")
	}
	res.Through = batch.Through
	if batch.Through > pos.Block {
		moved, err := f.cursors.Advance(ctx, name, pos, batch.Through)
		if err != nil {
			metrics.FilterCycles.WithLabelValues(name, "failed").Inc()
			return res, tasks.Transient(err)
		}
		if !moved {
			log.Warn().Uint64("from", pos.Block).Uint64("through", batch.Through).Msg("Cursor moved by a concurrent cycle")
		}
	}

	metrics.FilterCycles.WithLabelValues(name, "ok").Inc()
	log.Info().
		Uint64("from", res.From).
		Uint64("through", res.Through).
		Int("events", res.Events).
		Int("emitted", res.Emitted).
		Msg("Filter cycle completed")
	return res, nil
}

// PollHandler handles filter.poll: argument 0 is the filter name.
func (f *Filterer) PollHandler(ctx context.Context, task tasks.Task) error {
	var name string
	if err := task.Arg(0, &name); err != nil {
		return err
	}
	_, err := f.Cycle(ctx, name)
	return err
}

// EventHandler handles filter.event: argument 0 is one pushed chain event.
// It emits at most one processor task, whichever definitions match.
func (f *Filterer) EventHandler(ctx context.Context, task tasks.Task) error {
	var ev chain.Event
	if err := task.Arg(0, &ev); err != nil {
		return err
	}
	if ev.Kind == "" {
		ev.Kind = chain.KindTransfer
	}
	if err := ev.Validate(); err != nil {
		return tasks.Permanent(err)
	}

	for _, d := range f.ordered {
		if !Match(d, ev) {
			continue
		}
		out, err := TransferTask(ev)
		if err != nil {
			return tasks.Permanent(err)
		}
		if err := f.enq.Enqueue(ctx, out); err != nil {
			return tasks.Transient(err)
		}
		metrics.FilterMatches.WithLabelValues(d.Name).Inc()
		return nil
	}
	f.log.Debug().Str("event", ev.Key()).Msg("Pushed event matched no filter")
	return nil
}
