package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/guido-cesarano/chainq/pkg/tasks"
	"github.com/segmentio/kafka-go"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	token = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
)

func transferLog(block uint64, index uint, amount int64) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{TransferTopic, common.BytesToHash(alice.Bytes()), common.BytesToHash(bob.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(index))),
		Index:       index,
	}
}

type fakeNode struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (n *fakeNode) BlockNumber(context.Context) (uint64, error) { return n.head, nil }

func (n *fakeNode) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries = append(n.queries, q)
	var out []types.Log
	for _, l := range n.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (n *fakeNode) Close() {}

func TestDecodeTransfer(t *testing.T) {
	ev, ok := DecodeTransfer(transferLog(5, 2, 500))
	if !ok {
		t.Fatal("Expected transfer to decode")
	}
	if ev.Amount != "500" || ev.From != "0x1111111111111111111111111111111111111111" || ev.Block.Number != 5 {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Key() != ev.TxHash+":2" {
		t.Errorf("Unexpected key %s", ev.Key())
	}

	removed := transferLog(5, 3, 1)
	removed.Removed = true
	if _, ok := DecodeTransfer(removed); ok {
		t.Error("Removed logs must be skipped")
	}
	short := transferLog(5, 4, 1)
	short.Topics = short.Topics[:1]
	if _, ok := DecodeTransfer(short); ok {
		t.Error("Non-standard logs must be skipped")
	}
}

func TestRPCSourceChunksAndConfirmations(t *testing.T) {
	node := &fakeNode{head: 30}
	for b := uint64(1); b <= 30; b++ {
		node.logs = append(node.logs, transferLog(b, 0, int64(b)))
	}
	src := NewRPCSource(node, RPCOptions{Confirmations: 6, ChunkSize: 5, FetchConcurrency: 3})

	b, err := src.Fetch(context.Background(), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if b.Through != 24 {
		t.Errorf("Expected batch through the confirmed head 24, got %d", b.Through)
	}
	if len(b.Events) != 24 {
		t.Fatalf("Expected 24 events, got %d", len(b.Events))
	}
	for i := 1; i < len(b.Events); i++ {
		if Less(b.Events[i], b.Events[i-1]) {
			t.Fatal("Events must be in chain order")
		}
	}
	if len(node.queries) != 5 {
		t.Errorf("Expected 5 chunk queries, got %d", len(node.queries))
	}

	b, err = src.Fetch(context.Background(), 24, 100)
	if err != nil || len(b.Events) != 0 || b.Through != 24 {
		t.Errorf("Expected empty batch at head, got %+v, %v", b, err)
	}

	b, _ = src.Fetch(context.Background(), 10, 3)
	if b.Through != 13 || len(b.Events) != 3 {
		t.Errorf("Expected maxBlocks to bound the range, got through=%d n=%d", b.Through, len(b.Events))
	}
}

func TestFixtureSource(t *testing.T) {
	src, err := OpenFixture("testdata/events.yaml")
	if err != nil {
		t.Fatal(err)
	}
	events := src.Events()
	if len(events) != 3 || events[0].LogIndex != 1 || events[2].Block.Number != 12 {
		t.Fatalf("Fixture not sorted by block and log index: %+v", events)
	}
	if events[0].Key() != "0xaaa:1" {
		t.Errorf("Expected lower-cased key, got %s", events[0].Key())
	}

	b, _ := src.Fetch(context.Background(), 10, 100)
	if len(b.Events) != 1 || b.Through != 12 {
		t.Errorf("Expected one event after cursor 10, got %+v", b)
	}
}

type flakySource struct {
	failures int
	calls    int
	err      error
}

func (f *flakySource) Fetch(context.Context, uint64, int) (Batch, error) {
	f.calls++
	if f.calls <= f.failures {
		return Batch{}, f.err
	}
	return Batch{Through: 9}, nil
}

func (f *flakySource) Commit(context.Context, Batch) error { return nil }
func (f *flakySource) Close() error                        { return nil }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetryingRecovers(t *testing.T) {
	src := &flakySource{failures: 2, err: errors.New("connection reset")}
	b, err := Retrying(src, fastPolicy(5)).Fetch(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Expected recovery, got %v", err)
	}
	if b.Through != 9 || src.calls != 3 {
		t.Errorf("Unexpected result: through=%d calls=%d", b.Through, src.calls)
	}
}

func TestRetryingIsBounded(t *testing.T) {
	src := &flakySource{failures: 100, err: errors.New("timeout")}
	_, err := Retrying(src, fastPolicy(4)).Fetch(context.Background(), 0, 10)
	if !errors.Is(err, ErrSourceExhausted) {
		t.Fatalf("Expected ErrSourceExhausted, got %v", err)
	}
	if src.calls != 4 {
		t.Errorf("Expected 4 attempts, got %d", src.calls)
	}
}

func TestRetryingStopsOnPermanent(t *testing.T) {
	src := &flakySource{failures: 100, err: tasks.Permanent(errors.New("bad request"))}
	_, err := Retrying(src, fastPolicy(4)).Fetch(context.Background(), 0, 10)
	if !tasks.IsPermanent(err) || src.calls != 1 {
		t.Errorf("Expected one attempt and a permanent error, got calls=%d err=%v", src.calls, err)
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaSourceCommitsAfterFetch(t *testing.T) {
	ev := Event{Block: BlockRef{Number: 7}, Kind: KindTransfer, TxHash: "0xabc", From: "0x1", To: "0x2", Amount: "9"}
	good, _ := json.Marshal(ev)
	old := ev
	old.Block.Number, old.TxHash = 3, "0xdef"
	late, _ := json.Marshal(old)
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("{not json")},
		{Offset: 3, Value: late},
	}}
	src := NewKafkaSourceFromReader(r, 20*time.Millisecond)

	b, err := src.Fetch(context.Background(), 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	// Feeds deliver by offset; a block below the cursor still arrives.
	if len(b.Events) != 2 || b.Through != 7 {
		t.Fatalf("Expected two events through block 7, got %+v", b)
	}
	if len(r.committed) != 0 {
		t.Fatal("Offsets must not be committed before Commit")
	}
	if err := src.Commit(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 3 {
		t.Errorf("Expected all 3 messages committed, got %d", len(r.committed))
	}
	if src.Pending() != 0 {
		t.Errorf("Expected nothing pending after commit, got %d", src.Pending())
	}
}

func TestKafkaSourceReplaysUncommittedMessages(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 3; i++ {
		ev := Event{Block: BlockRef{Number: 10}, Kind: KindTransfer, TxHash: "0xabc", LogIndex: uint(i), From: "0x1", To: "0x2", Amount: "1"}
		v, _ := json.Marshal(ev)
		msgs = append(msgs, kafka.Message{Offset: int64(i), Value: v})
	}
	r := &fakeReader{msgs: msgs}
	src := NewKafkaSourceFromReader(r, 20*time.Millisecond)
	ctx := context.Background()

	first, err := src.Fetch(ctx, 0, 2)
	if err != nil || len(first.Events) != 2 {
		t.Fatalf("Expected two events, got %+v %v", first, err)
	}
	// Not committed: the same messages come back first.
	again, err := src.Fetch(ctx, 0, 2)
	if err != nil || len(again.Events) != 2 || again.Events[0].LogIndex != 0 {
		t.Fatalf("Expected the uncommitted messages again, got %+v %v", again, err)
	}
	if err := src.Commit(ctx, again); err != nil {
		t.Fatal(err)
	}

	rest, err := src.Fetch(ctx, 10, 2)
	if err != nil || len(rest.Events) != 1 || rest.Events[0].LogIndex != 2 {
		t.Fatalf("Expected the last log of block 10, got %+v %v", rest, err)
	}
	if rest.Through != 10 {
		t.Errorf("Expected through 10, got %d", rest.Through)
	}
}
