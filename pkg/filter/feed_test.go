package filter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/config"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// feedReader hands out each message once, like a consumer group member.
type feedReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
}

func (r *feedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *feedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *feedReader) Close() error { return nil }

func feed(t *testing.T, events ...chain.Event) *feedReader {
	t.Helper()
	r := &feedReader{}
	for i, ev := range events {
		v, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		r.msgs = append(r.msgs, kafka.Message{Offset: int64(i), Value: v})
	}
	return r
}

func feedFilterer(t *testing.T, maxMessages int, defs []config.FilterConfig, readers map[string]*feedReader) (*Filterer, *recorder) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	parsed, err := FromConfig(defs)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	f := New(parsed, nil, rec, NewCursors(rdb, 0), maxMessages)
	for name, r := range readers {
		f.UseSource(name, chain.NewKafkaSourceFromReader(r, 20*time.Millisecond))
	}
	return f, rec
}

func emittedKeys(t *testing.T, rec *recorder) map[string]int {
	t.Helper()
	keys := make(map[string]int)
	for _, task := range rec.tasks {
		var ev chain.Event
		if err := task.Arg(0, &ev); err != nil {
			t.Fatal(err)
		}
		keys[ev.Key()]++
	}
	return keys
}

func TestFeedCycleDeliversBlockSplitAcrossBatches(t *testing.T) {
	r := feed(t,
		transfer(10, 0, "0xa", "0xb", "1"),
		transfer(10, 1, "0xa", "0xb", "1"),
		transfer(10, 2, "0xa", "0xb", "1"),
	)
	f, rec := feedFilterer(t, 2, []config.FilterConfig{{Name: "all"}}, map[string]*feedReader{"all": r})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.Cycle(ctx, "all"); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	keys := emittedKeys(t, rec)
	if len(keys) != 3 {
		t.Fatalf("Expected all 3 logs of block 10 emitted, got %v", keys)
	}
	for k, n := range keys {
		if n != 1 {
			t.Errorf("Expected %s emitted once, got %d", k, n)
		}
	}
	if len(r.committed) != 3 {
		t.Errorf("Expected 3 committed messages, got %d", len(r.committed))
	}
}

func TestFeedCycleRetriesAfterEmitFailure(t *testing.T) {
	r := feed(t, transfer(12, 0, "0xa", "0xb", "5"))
	f, rec := feedFilterer(t, 10, []config.FilterConfig{{Name: "all"}}, map[string]*feedReader{"all": r})
	ctx := context.Background()

	rec.fail = errors.New("store unavailable")
	if _, err := f.Cycle(ctx, "all"); !tasks.IsTransient(err) {
		t.Fatalf("Expected a transient failure, got %v", err)
	}
	if len(r.committed) != 0 {
		t.Fatal("A failed cycle must not commit")
	}

	rec.fail = nil
	res, err := f.Cycle(ctx, "all")
	if err != nil {
		t.Fatal(err)
	}
	if res.Emitted != 1 || len(rec.tasks) != 1 {
		t.Fatalf("Expected the event emitted by the retried cycle, got %+v", res)
	}
	if len(r.committed) != 1 {
		t.Errorf("Expected the message committed after the retry, got %d", len(r.committed))
	}
}

func TestFeedFiltersEachSeeEveryEvent(t *testing.T) {
	ev := transfer(20, 3, "0xa", "0xb", "500")
	readers := map[string]*feedReader{"a": feed(t, ev), "b": feed(t, ev)}
	f, rec := feedFilterer(t, 10, []config.FilterConfig{{Name: "a"}, {Name: "b", MinAmount: "100"}}, readers)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		res, err := f.Cycle(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if res.Emitted != 1 {
			t.Errorf("Expected filter %s to emit once, got %d", name, res.Emitted)
		}
	}
	if len(rec.tasks) != 2 || rec.tasks[0].ID != rec.tasks[1].ID {
		t.Errorf("Expected the same task id from both filters, got %+v", rec.tasks)
	}
}
