// Package chain reads chain-derived events from an RPC node, a Kafka feed or
// a fixture file. Events are ephemeral; nothing here persists them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// KindTransfer is the only event kind the sources decode.
const KindTransfer = "erc20.transfer"

// BlockRef identifies the block an event was read from.
type BlockRef struct {
	Number uint64 `json:"number" yaml:"number"`
	Hash   string `json:"hash" yaml:"hash"`
}

// Event is one decoded chain log.
type Event struct {
	Block    BlockRef `json:"block" yaml:"block"`
	Kind     string   `json:"kind" yaml:"kind"`
	Contract string   `json:"contract" yaml:"contract"`
	TxHash   string   `json:"tx_hash" yaml:"txHash"`
	LogIndex uint     `json:"log_index" yaml:"logIndex"`
	Topics   []string `json:"topics,omitempty" yaml:"topics"`
	Data     string   `json:"data,omitempty" yaml:"data"`

	From   string `json:"from" yaml:"from"`
	To     string `json:"to" yaml:"to"`
	Amount string `json:"amount" yaml:"amount"`
}

// Key identifies the event across re-reads: lower-cased tx hash and log index.
func (e Event) Key() string {
	return strings.ToLower(e.TxHash) + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
}

// AmountInt parses the decimal amount.
func (e Event) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(e.Amount, 10)
}

// Validate checks the fields every downstream consumer relies on.
func (e Event) Validate() error {
	switch {
	case e.TxHash == "":
		return errors.New("event has no tx hash")
	case e.Kind == "":
		return errors.New("event has no kind")
	}
	if e.Kind == KindTransfer {
		if e.From == "" || e.To == "" {
			return fmt.Errorf("transfer %s has no counterparties", e.Key())
		}
		if _, ok := e.AmountInt(); !ok {
			return fmt.Errorf("transfer %s has invalid amount %q", e.Key(), e.Amount)
		}
	}
	return nil
}

// Less orders events by block number, then log index.
func Less(a, b Event) bool {
	if a.Block.Number != b.Block.Number {
		return a.Block.Number < b.Block.Number
	}
	return a.LogIndex < b.LogIndex
}

// Batch is the result of one Fetch. Through is the last block the batch
// covers. Block sources never return these events again to a cursor advanced
// to Through; feeds stop returning them once the batch is committed.
type Batch struct {
	Events  []Event
	Through uint64

	token interface{}
}

// Source is a chain data source. Fetch reads events after cursor, covering
// at most maxBlocks blocks (or messages, for feeds). Commit acknowledges a
// batch once its events have been handed downstream; until then a feed
// returns the same messages again.
type Source interface {
	Fetch(ctx context.Context, cursor uint64, maxBlocks int) (Batch, error)
	Commit(ctx context.Context, b Batch) error
	Close() error
}
