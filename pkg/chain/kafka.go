package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/chainq/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the slice of kafka.Reader the feed source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON-encoded events pushed by an external indexer.
// Offsets are committed only through Commit, after the events were enqueued.
// The reader hands each message out once, so messages fetched but not yet
// committed are kept pending and replayed ahead of fresh ones on the next
// Fetch. Progress is tracked by the group offset, not by block number: a
// block whose logs span two batches is delivered in full.
type KafkaSource struct {
	reader  MessageReader
	maxWait time.Duration

	mu      sync.Mutex
	pending []kafka.Message
}

// NewKafkaSource joins the consumer group on topic.
func NewKafkaSource(brokers []string, topic, groupID string, maxWait time.Duration) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka source requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka source requires a topic")
	}
	if groupID == "" {
		return nil, errors.New("kafka source requires a group id")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return NewKafkaSourceFromReader(reader, maxWait), nil
}

// NewKafkaSourceFromReader wraps an existing reader.
func NewKafkaSourceFromReader(r MessageReader, maxWait time.Duration) *KafkaSource {
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &KafkaSource{reader: r, maxWait: maxWait}
}

// Fetch returns up to max messages: pending ones first, then fresh ones read
// within maxWait. Undecodable messages are logged and committed with the
// batch so they do not block the partition. Through is the highest block in
// the batch, never below cursor.
func (s *KafkaSource) Fetch(ctx context.Context, cursor uint64, max int) (Batch, error) {
	if max <= 0 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	if n > max {
		n = max
	}
	msgs := append([]kafka.Message(nil), s.pending[:n]...)

	if len(msgs) < max {
		readCtx, cancel := context.WithTimeout(ctx, s.maxWait)
		defer cancel()
		for len(msgs) < max {
			msg, err := s.reader.FetchMessage(readCtx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					break
				}
				if len(msgs) == 0 {
					return Batch{}, fmt.Errorf("fetch message: %w", err)
				}
				break
			}
			msgs = append(msgs, msg)
			s.pending = append(s.pending, msg)
		}
	}

	log := logger.For("chain.kafka")
	batch := Batch{Through: cursor, token: msgs}
	for _, msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable chain event")
			continue
		}
		if err := ev.Validate(); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping invalid chain event")
			continue
		}
		batch.Events = append(batch.Events, ev)
		if ev.Block.Number > batch.Through {
			batch.Through = ev.Block.Number
		}
	}
	return batch, nil
}

// Commit acknowledges the messages of b and drops them, and anything before
// them on the same partition, from the pending buffer.
func (s *KafkaSource) Commit(ctx context.Context, b Batch) error {
	msgs, _ := b.token.([]kafka.Message)
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit %d messages: %w", len(msgs), err)
	}

	done := make(map[int]int64, 1)
	for _, m := range msgs {
		if off, ok := done[m.Partition]; !ok || m.Offset > off {
			done[m.Partition] = m.Offset
		}
	}
	kept := s.pending[:0]
	for _, m := range s.pending {
		if off, ok := done[m.Partition]; ok && m.Offset <= off {
			continue
		}
		kept = append(kept, m)
	}
	s.pending = kept
	return nil
}

// Pending returns the number of fetched messages awaiting Commit.
func (s *KafkaSource) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
