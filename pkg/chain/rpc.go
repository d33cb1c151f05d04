package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
)

// TransferTopic is topic 0 of an ERC-20 Transfer log.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogReader is the slice of ethclient.Client the RPC source uses.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// RPCOptions tune an RPCSource.
type RPCOptions struct {
	Confirmations    uint64
	ChunkSize        uint64
	FetchConcurrency int
	Contracts        []string
}

// RPCSource polls an Ethereum JSON-RPC node for Transfer logs.
type RPCSource struct {
	reader    LogReader
	opts      RPCOptions
	addresses []common.Address
}

// DialRPC connects to a JSON-RPC endpoint.
func DialRPC(ctx context.Context, url string, opts RPCOptions) (*RPCSource, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewRPCSource(client, opts), nil
}

// NewRPCSource wraps an existing reader.
func NewRPCSource(reader LogReader, opts RPCOptions) *RPCSource {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 100
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 1
	}
	s := &RPCSource{reader: reader, opts: opts}
	for _, c := range opts.Contracts {
		s.addresses = append(s.addresses, common.HexToAddress(c))
	}
	return s
}

// Fetch reads confirmed Transfer logs in (cursor, cursor+maxBlocks]. The
// range is split into chunks fetched concurrently; the returned events are in
// chain order.
func (s *RPCSource) Fetch(ctx context.Context, cursor uint64, maxBlocks int) (Batch, error) {
	head, err := s.reader.BlockNumber(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("read head: %w", err)
	}
	if head < s.opts.Confirmations {
		return Batch{Through: cursor}, nil
	}
	safe := head - s.opts.Confirmations
	from := cursor + 1
	if from > safe {
		return Batch{Through: cursor}, nil
	}
	to := safe
	if maxBlocks > 0 && from+uint64(maxBlocks)-1 < to {
		to = from + uint64(maxBlocks) - 1
	}

	var ranges [][2]uint64
	for lo := from; lo <= to; lo += s.opts.ChunkSize {
		hi := lo + s.opts.ChunkSize - 1
		if hi > to {
			hi = to
		}
		ranges = append(ranges, [2]uint64{lo, hi})
	}

	results := make([][]Event, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			logs, err := s.reader.FilterLogs(gctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(r[0]),
				ToBlock:   new(big.Int).SetUint64(r[1]),
				Addresses: s.addresses,
				Topics:    [][]common.Hash{{TransferTopic}},
			})
			if err != nil {
				return fmt.Errorf("filter logs %d-%d: %w", r[0], r[1], err)
			}
			for _, l := range logs {
				if ev, ok := DecodeTransfer(l); ok {
					results[i] = append(results[i], ev)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	var events []Event
	for _, r := range results {
		events = append(events, r...)
	}
	return Batch{Events: events, Through: to}, nil
}

// Commit is a no-op; the RPC source is driven by the cursor alone.
func (s *RPCSource) Commit(context.Context, Batch) error { return nil }

func (s *RPCSource) Close() error {
	s.reader.Close()
	return nil
}

// DecodeTransfer turns a log into a transfer event. Removed (reorged) logs
// and logs that are not standard Transfers are rejected.
func DecodeTransfer(l types.Log) (Event, bool) {
	if l.Removed || len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 {
		return Event{}, false
	}
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return Event{
		Block:    BlockRef{Number: l.BlockNumber, Hash: l.BlockHash.Hex()},
		Kind:     KindTransfer,
		Contract: strings.ToLower(l.Address.Hex()),
		TxHash:   strings.ToLower(l.TxHash.Hex()),
		LogIndex: l.Index,
		Topics:   topics,
		Data:     common.Bytes2Hex(l.Data),
		From:     strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()),
		To:       strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		Amount:   new(big.Int).SetBytes(l.Data).String(),
	}, true
}
