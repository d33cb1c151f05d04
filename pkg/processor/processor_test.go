package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/ledger"
	"github.com/guido-cesarano/chainq/pkg/notify"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"gorm.io/driver/sqlite"
)

type recorder struct {
	tasks []tasks.Task
	fail  error
}

func (r *recorder) Enqueue(_ context.Context, t tasks.Task) error {
	if r.fail != nil {
		return r.fail
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func setup(t *testing.T) (*Processor, *ledger.Store, *recorder) {
	t.Helper()
	store, err := ledger.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.AutoMigrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	return New(store, rec, func() int64 { return 1700000000 }), store, rec
}

func event() chain.Event {
	return chain.Event{
		Block:    chain.BlockRef{Number: 50, Hash: "0x32"},
		Kind:     chain.KindTransfer,
		Contract: "0xtoken",
		TxHash:   "0xFEED",
		LogIndex: 2,
		From:     "0xa",
		To:       "0xb",
		Amount:   "75",
	}
}

func TestApplyTransferRedeliveryIsNoop(t *testing.T) {
	p, store, rec := setup(t)
	ctx := context.Background()
	task, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor, event())

	for i := 0; i < 2; i++ {
		if err := p.ApplyTransfer(ctx, task); err != nil {
			t.Fatalf("Delivery %d: %v", i, err)
		}
	}
	if b, _ := store.BalanceOf(ctx, "0xb", "0xtoken"); b.String() != "75" {
		t.Errorf("Expected balance 75 after two deliveries, got %s", b)
	}

	if len(rec.tasks) != 2 || rec.tasks[0].ID != rec.tasks[1].ID {
		t.Fatalf("Expected two identical follow-ups, got %+v", rec.tasks)
	}
	follow := rec.tasks[0]
	if follow.Name != tasks.NotifyStatus || follow.Queue != tasks.QueueDefault {
		t.Errorf("Unexpected follow-up %s on %s", follow.Name, follow.Queue)
	}
	var cb notify.Callback
	if err := follow.Arg(0, &cb); err != nil {
		t.Fatal(err)
	}
	if cb.EventKey != "0xfeed:2" || cb.Status != "SUCCESS" || cb.Timestamp != 1700000000 {
		t.Errorf("Unexpected callback %+v", cb)
	}
}

func TestApplyTransferAcceptsTokenScaleAmounts(t *testing.T) {
	p, store, _ := setup(t)
	ctx := context.Background()
	ev := event()
	ev.Amount = "100000000000000000000000"
	task, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor, ev)
	if err := p.ApplyTransfer(ctx, task); err != nil {
		t.Fatal(err)
	}
	if b, _ := store.BalanceOf(ctx, "0xb", "0xtoken"); b.String() != ev.Amount {
		t.Errorf("Expected balance %s, got %s", ev.Amount, b)
	}
}

func TestApplyTransferRejectsBadPayloads(t *testing.T) {
	p, _, rec := setup(t)
	ctx := context.Background()

	negative := event()
	negative.Amount = "-5"
	bad, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor, negative)
	if err := p.ApplyTransfer(ctx, bad); !tasks.IsPermanent(err) {
		t.Errorf("Expected permanent error for a negative amount, got %v", err)
	}

	missing, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor)
	if err := p.ApplyTransfer(ctx, missing); !tasks.IsPermanent(err) {
		t.Errorf("Expected permanent error for missing argument, got %v", err)
	}
	if len(rec.tasks) != 0 {
		t.Error("Rejected payloads must not produce follow-ups")
	}
}

func TestFollowUpFailureIsTransient(t *testing.T) {
	p, _, rec := setup(t)
	rec.fail = errors.New("store down")
	task, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor, event())
	if err := p.ApplyTransfer(context.Background(), task); !tasks.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	p, store, rec := setup(t)
	ctx := context.Background()
	apply, _ := tasks.New(tasks.ApplyTransfer, tasks.QueueProcessor, event())
	if err := p.ApplyTransfer(ctx, apply); err != nil {
		t.Fatal(err)
	}
	rec.tasks = nil

	update, _ := tasks.New(tasks.SetStatus, tasks.QueueProcessor, StatusPayload{EventKey: "0xfeed:2", Status: "failed", Block: 60})
	if err := p.SetStatus(ctx, update); err != nil {
		t.Fatal(err)
	}
	if err := p.SetStatus(ctx, update); err != nil {
		t.Fatal(err)
	}
	if len(rec.tasks) != 1 {
		t.Errorf("Expected one follow-up for one real change, got %d", len(rec.tasks))
	}
	e, _ := store.Entry(ctx, "0xfeed:2")
	if e.Status != ledger.StatusFailed {
		t.Errorf("Expected FAILED, got %s", e.Status)
	}

	invalid, _ := tasks.New(tasks.SetStatus, tasks.QueueProcessor, StatusPayload{EventKey: "0xfeed:2", Status: "done", Block: 70})
	if err := p.SetStatus(ctx, invalid); !tasks.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}
