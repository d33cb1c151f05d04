// Package processor holds the handlers of the processor role. Each handler
// performs one idempotent ledger mutation and enqueues a status callback for
// the default role.
package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/guido-cesarano/chainq/pkg/chain"
	"github.com/guido-cesarano/chainq/pkg/ledger"
	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/guido-cesarano/chainq/pkg/notify"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/guido-cesarano/chainq/pkg/worker"
	"github.com/rs/zerolog"
)

// Ledger is the mutation surface of the ledger store.
type Ledger interface {
	ApplyTransfer(ctx context.Context, t ledger.Transfer) (ledger.Outcome, error)
	SetStatus(ctx context.Context, u ledger.StatusUpdate) (ledger.Outcome, error)
}

// Enqueuer is the part of the queue store the processor writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, task tasks.Task) error
}

// StatusPayload is argument 0 of ledger.set_status.
type StatusPayload struct {
	EventKey string `json:"event_key"`
	Status   string `json:"status"`
	Block    uint64 `json:"block"`
	TxHash   string `json:"hash,omitempty"`
}

// Processor applies chain events to the ledger.
type Processor struct {
	ledger Ledger
	enq    Enqueuer
	now    func() int64
	log    zerolog.Logger
}

// New builds a processor.
func New(l Ledger, enq Enqueuer, now func() int64) *Processor {
	return &Processor{ledger: l, enq: enq, now: now, log: logger.For("processor")}
}

// Handlers returns the processor role's handler table.
func (p *Processor) Handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		tasks.ApplyTransfer: p.ApplyTransfer,
		tasks.SetStatus:     p.SetStatus,
	}
}

// TransferFromEvent converts a chain event into a ledger transfer. Negative
// amounts are rejected.
func TransferFromEvent(ev chain.Event) (ledger.Transfer, error) {
	if err := ev.Validate(); err != nil {
		return ledger.Transfer{}, err
	}
	if ev.Kind != chain.KindTransfer {
		return ledger.Transfer{}, fmt.Errorf("event %s: unsupported kind %q", ev.Key(), ev.Kind)
	}
	amount, _ := ev.AmountInt()
	if amount.Sign() < 0 {
		return ledger.Transfer{}, fmt.Errorf("event %s: negative amount %s", ev.Key(), ev.Amount)
	}
	return ledger.Transfer{
		EventKey:    ev.Key(),
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.Block.Number,
		BlockHash:   ev.Block.Hash,
		Token:       ev.Contract,
		From:        ev.From,
		To:          ev.To,
		Amount:      amount,
	}, nil
}

// ApplyTransfer handles ledger.apply_transfer: argument 0 is a chain event.
// The callback is enqueued on duplicates too, so a crash between the ledger
// commit and the enqueue is repaired by re-delivery.
func (p *Processor) ApplyTransfer(ctx context.Context, task tasks.Task) error {
	var ev chain.Event
	if err := task.Arg(0, &ev); err != nil {
		return err
	}
	tr, err := TransferFromEvent(ev)
	if err != nil {
		return tasks.Permanent(err)
	}

	outcome, err := p.ledger.ApplyTransfer(ctx, tr)
	if err != nil {
		return err
	}
	p.log.Info().
		Str("task_id", task.ID).
		Str("event", tr.EventKey).
		Str("amount", tr.Amount.String()).
		Str("outcome", string(outcome)).
		Msg("Transfer processed")

	return p.followUp(ctx, notify.Callback{
		EventKey: tr.EventKey,
		Status:   string(ledger.StatusSuccess),
		Block:    tr.BlockNumber,
		TxHash:   strings.ToLower(tr.TxHash),
	})
}

// SetStatus handles ledger.set_status: argument 0 is a StatusPayload.
func (p *Processor) SetStatus(ctx context.Context, task tasks.Task) error {
	var sp StatusPayload
	if err := task.Arg(0, &sp); err != nil {
		return err
	}
	status, ok := ledger.ParseStatus(strings.ToUpper(sp.Status))
	if !ok {
		return tasks.Permanent(fmt.Errorf("task %s: invalid status %q", task.ID, sp.Status))
	}

	outcome, err := p.ledger.SetStatus(ctx, ledger.StatusUpdate{EventKey: sp.EventKey, Status: status, Block: sp.Block})
	if err != nil {
		return err
	}
	p.log.Info().
		Str("task_id", task.ID).
		Str("event", sp.EventKey).
		Str("status", string(status)).
		Str("outcome", string(outcome)).
		Msg("Status processed")
	if outcome == ledger.Stale {
		return nil
	}
	return p.followUp(ctx, notify.Callback{
		EventKey: strings.ToLower(sp.EventKey),
		Status:   string(status),
		Block:    sp.Block,
		TxHash:   strings.ToLower(sp.TxHash),
	})
}

func (p *Processor) followUp(ctx context.Context, cb notify.Callback) error {
	if p.now != nil {
		cb.Timestamp = p.now()
	}
	task, err := notify.NewTask(cb)
	if err != nil {
		return tasks.Permanent(err)
	}
	if err := p.enq.Enqueue(ctx, task); err != nil {
		return tasks.Transient(fmt.Errorf("enqueue callback for %s: %w", cb.EventKey, err))
	}
	return nil
}
