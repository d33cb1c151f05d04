// Package beat implements the scheduler role: a stateless timer loop that
// emits recurring tasks onto their queues.
//
// Interval entries fire on a fixed grid anchored at scheduler start. After a
// fire the next time is the first grid point strictly after the current
// time, so ticks missed while the process was stalled are skipped, never
// replayed in a burst. Cron entries use robfig/cron's Next, which behaves the
// same way.
//
// Only one scheduler may run per deployment. The package does no peer
// coordination; two replicas emit every task twice.
package beat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/metrics"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Entry is one recurring task.
type Entry struct {
	Name     string
	Task     string
	Queue    tasks.QueueName
	Args     []interface{}
	Interval time.Duration
	Schedule cron.Schedule
}

// EntriesFromConfig validates and converts configured entries.
func EntriesFromConfig(cfgs []config.BeatEntryConfig) ([]Entry, error) {
	out := make([]Entry, 0, len(cfgs))
	for _, c := range cfgs {
		q, err := tasks.ParseQueue(c.Queue)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "beat." + c.Name, Reason: err.Error()}
		}
		e := Entry{Name: c.Name, Task: c.Task, Queue: q, Args: c.Args, Interval: c.Interval}
		if c.Spec != "" {
			sched, err := specParser.Parse(c.Spec)
			if err != nil {
				return nil, &config.ConfigurationError{Field: "beat." + c.Name, Reason: fmt.Sprintf("invalid cron spec: %v", err)}
			}
			e.Schedule = sched
		}
		out = append(out, e)
	}
	return out, nil
}

// PollEntries appends a filter.poll entry, named poll-<filter>, for every
// filter with a poll interval that no entry already polls.
func PollEntries(filters []config.FilterConfig, entries []Entry) []Entry {
	polled := make(map[string]bool)
	for _, e := range entries {
		if e.Task != tasks.FilterPoll || len(e.Args) == 0 {
			continue
		}
		if name, ok := e.Args[0].(string); ok {
			polled[name] = true
		}
	}
	out := append([]Entry(nil), entries...)
	for _, f := range filters {
		if f.PollInterval <= 0 || polled[f.Name] {
			continue
		}
		out = append(out, Entry{
			Name:     "poll-" + f.Name,
			Task:     tasks.FilterPoll,
			Queue:    tasks.QueueFilter,
			Args:     []interface{}{f.Name},
			Interval: f.PollInterval,
		})
		polled[f.Name] = true
	}
	return out
}

// State is the scheduler's position in its loop.
type State int

const (
	Idle State = iota
	Waiting
	Firing
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Firing:
		return "firing"
	default:
		return "idle"
	}
}

// Fire is one emission of an entry.
type Fire struct {
	Entry string
	At    time.Time
	Task  tasks.Task
}

// Enqueuer is the part of the queue store the scheduler writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, task tasks.Task) error
}

type slot struct {
	Entry
	anchor time.Time
	next   time.Time
}

// Scheduler emits its entries' tasks at their scheduled times.
type Scheduler struct {
	enq   Enqueuer
	clock clock.Clock
	log   zerolog.Logger

	mu    sync.Mutex
	slots []*slot
	state State
}

// New builds a scheduler whose interval grid is anchored at clk.Now().
func New(entries []Entry, enq Enqueuer, clk clock.Clock) (*Scheduler, error) {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	s := &Scheduler{enq: enq, clock: clk, log: logger.For("beat")}
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.Name] {
			return nil, &config.ConfigurationError{Field: "beat." + e.Name, Reason: "duplicate entry"}
		}
		seen[e.Name] = true
		if e.Interval <= 0 && e.Schedule == nil {
			return nil, &config.ConfigurationError{Field: "beat." + e.Name, Reason: "entry needs an interval or a cron spec"}
		}
		if _, err := tasks.Route(e.Queue); err != nil {
			return nil, &config.ConfigurationError{Field: "beat." + e.Name, Reason: err.Error()}
		}
		sl := &slot{Entry: e, anchor: now}
		sl.next = sl.after(now)
		s.slots = append(s.slots, sl)
	}
	return s, nil
}

// after returns the first fire time strictly after t.
func (sl *slot) after(t time.Time) time.Time {
	if sl.Schedule != nil {
		return sl.Schedule.Next(t)
	}
	if t.Before(sl.anchor) {
		return sl.anchor.Add(sl.Interval)
	}
	n := t.Sub(sl.anchor)/sl.Interval + 1
	return sl.anchor.Add(n * sl.Interval)
}

// Tick returns the fires due at now and moves every fired entry to its next
// grid point after now. An entry fires at most once per Tick.
func (s *Scheduler) Tick(now time.Time) []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fires []Fire
	for _, sl := range s.slots {
		if now.Before(sl.next) {
			continue
		}
		f, err := sl.fire(sl.next)
		if err != nil {
			s.log.Error().Err(err).Str("entry", sl.Name).Msg("Building scheduled task failed")
		} else {
			fires = append(fires, f)
		}
		sl.next = sl.after(now)
	}
	sort.SliceStable(fires, func(i, j int) bool { return fires[i].At.Before(fires[j].At) })
	return fires
}

func (sl *slot) fire(at time.Time) (Fire, error) {
	seed := fmt.Sprintf("%s@%d", sl.Name, at.UnixNano())
	task, err := tasks.NewDeterministic(seed, sl.Task, sl.Queue, sl.Args...)
	if err != nil {
		return Fire{}, err
	}
	task.EnqueuedAt = at.UTC()
	return Fire{Entry: sl.Name, At: at, Task: task}, nil
}

// Next returns the earliest scheduled fire time.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, sl := range s.slots {
		if next.IsZero() || sl.next.Before(next) {
			next = sl.next
		}
	}
	return next
}

// State reports where the loop currently is.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Idle)
	if len(s.slots) == 0 {
		s.log.Warn().Msg("No beat entries configured")
		<-ctx.Done()
		return nil
	}

	s.log.Info().Int("entries", len(s.slots)).Msg("Beat started")
	for {
		s.setState(Waiting)
		wait := s.Next().Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("Beat stopped")
			return nil
		case <-timer.C:
		}

		s.setState(Firing)
		for _, f := range s.Tick(s.clock.Now()) {
			s.emit(ctx, f)
		}
	}
}

func (s *Scheduler) emit(ctx context.Context, f Fire) {
	if err := s.enq.Enqueue(ctx, f.Task); err != nil {
		// A failed fire is skipped; the next tick emits a fresh task.
		s.log.Error().Err(err).Str("entry", f.Entry).Time("at", f.At).Msg("Failed to enqueue scheduled task")
		return
	}
	metrics.BeatFires.WithLabelValues(f.Entry).Inc()
	s.log.Info().Str("entry", f.Entry).Str("task", f.Task.Name).Str("queue", string(f.Task.Queue)).Msg("Scheduled task enqueued")
}

// Trigger emits one entry immediately without moving its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *slot
	for _, sl := range s.slots {
		if sl.Name == name {
			target = sl
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return tasks.Permanent(fmt.Errorf("unknown beat entry %q", name))
	}

	f, err := target.fire(s.clock.Now())
	if err != nil {
		return tasks.Permanent(err)
	}
	if err := s.enq.Enqueue(ctx, f.Task); err != nil {
		return tasks.Transient(err)
	}
	metrics.BeatFires.WithLabelValues(f.Entry).Inc()
	return nil
}

// TriggerHandler handles beat.trigger control tasks: argument 0 is the entry name.
func (s *Scheduler) TriggerHandler(ctx context.Context, task tasks.Task) error {
	var name string
	if err := task.Arg(0, &name); err != nil {
		return err
	}
	return s.Trigger(ctx, name)
}
