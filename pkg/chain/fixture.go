package chain

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type fixtureFile struct {
	Events []Event `yaml:"events"`
}

// LoadFixture reads a yaml file of events.
func LoadFixture(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	for i, ev := range f.Events {
		if ev.Kind == "" {
			f.Events[i].Kind = KindTransfer
		}
		if err := f.Events[i].Validate(); err != nil {
			return nil, fmt.Errorf("fixture %s event %d: %w", path, i, err)
		}
	}
	sort.SliceStable(f.Events, func(i, j int) bool { return Less(f.Events[i], f.Events[j]) })
	return f.Events, nil
}

// FixtureSource serves a fixed event list as if it were a chain whose head is
// the highest fixture block.
type FixtureSource struct {
	events []Event
	head   uint64
}

// NewFixtureSource serves events.
func NewFixtureSource(events []Event) *FixtureSource {
	s := &FixtureSource{events: events}
	for _, ev := range events {
		if ev.Block.Number > s.head {
			s.head = ev.Block.Number
		}
	}
	return s
}

// OpenFixture loads path into a FixtureSource.
func OpenFixture(path string) (*FixtureSource, error) {
	events, err := LoadFixture(path)
	if err != nil {
		return nil, err
	}
	return NewFixtureSource(events), nil
}

// Events returns every fixture event.
func (s *FixtureSource) Events() []Event { return s.events }

func (s *FixtureSource) Fetch(_ context.Context, cursor uint64, maxBlocks int) (Batch, error) {
	to := s.head
	if maxBlocks > 0 && cursor+uint64(maxBlocks) < to {
		to = cursor + uint64(maxBlocks)
	}
	if to < cursor {
		to = cursor
	}
	b := Batch{Through: to}
	for _, ev := range s.events {
		if ev.Block.Number > cursor && ev.Block.Number <= to {
			b.Events = append(b.Events, ev)
		}
	}
	return b, nil
}

func (s *FixtureSource) Commit(context.Context, Batch) error { return nil }

func (s *FixtureSource) Close() error { return nil }
