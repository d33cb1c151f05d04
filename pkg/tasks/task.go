// Package tasks defines the task envelope shared by every chainq role.
// Tasks are units of work that are enqueued by any role, consumed by the role
// that owns the target queue, and retried or dead-lettered on failure.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task represents a unit of work routed through the shared queue store.
//
// The Name field selects the handler on the consuming side, while Args carries
// the ordered, handler-specific arguments. The router never looks inside Args.
// RetryCount and NotBefore are the only fields that change after enqueue, and
// only the consuming role touches them.
type Task struct {
	// ID is a unique identifier for the task (UUID).
	ID string `json:"id"`

	// Name identifies the operation (e.g., "ledger.apply_transfer").
	Name string `json:"name"`

	// Args are the ordered arguments of the operation, opaque to the router.
	Args []json.RawMessage `json:"args"`

	// Queue is the logical queue the task is routed to.
	Queue QueueName `json:"queue"`

	// EnqueuedAt is the timestamp when the task was first created.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RetryCount tracks how many times this task has been retried after failures.
	RetryCount int `json:"retry_count"`

	// NotBefore is the earliest time the task may run. Zero means immediately.
	NotBefore time.Time `json:"not_before"`
}

// namespace seeds deterministic task ids.
var namespace = uuid.MustParse("5b1f6c0e-8a0a-4a53-9d0b-6f3c2f7e4e11")

// New creates a task with a random id, encoding each argument as JSON.
func New(name string, queue QueueName, args ...interface{}) (Task, error) {
	return build(uuid.NewString(), name, queue, args)
}

// NewDeterministic creates a task whose id is derived from seed, so emitting
// the same logical work twice yields the same task id.
func NewDeterministic(seed, name string, queue QueueName, args ...interface{}) (Task, error) {
	id := uuid.NewSHA1(namespace, []byte(name+"\x00"+seed)).String()
	return build(id, name, queue, args)
}

func build(id, name string, queue QueueName, args []interface{}) (Task, error) {
	if _, err := Route(queue); err != nil {
		return Task{}, err
	}
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return Task{}, fmt.Errorf("encode arg %d of %s: %w", i, name, err)
		}
		raw = append(raw, data)
	}
	return Task{
		ID:         id,
		Name:       name,
		Args:       raw,
		Queue:      queue,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Arg decodes argument i into v. A missing or malformed argument is a
// permanent error: retrying will never fix the payload.
func (t Task) Arg(i int, v interface{}) error {
	if i < 0 || i >= len(t.Args) {
		return Permanent(fmt.Errorf("task %s (%s): missing argument %d", t.ID, t.Name, i))
	}
	if err := json.Unmarshal(t.Args[i], v); err != nil {
		return Permanent(fmt.Errorf("task %s (%s): decode argument %d: %w", t.ID, t.Name, i, err))
	}
	return nil
}

// Due reports whether the task may run at now.
func (t Task) Due(now time.Time) bool {
	return t.NotBefore.IsZero() || !t.NotBefore.After(now)
}

// Encode serializes the task. The output is stable: the same logical task
// produces the same bytes across processes, so re-deliveries can be compared.
func Encode(t Task) ([]byte, error) {
	t.EnqueuedAt = t.EnqueuedAt.UTC()
	if !t.NotBefore.IsZero() {
		t.NotBefore = t.NotBefore.UTC()
	}
	if t.Args == nil {
		t.Args = []json.RawMessage{}
	}
	return json.Marshal(t)
}

// Decode parses a serialized task and validates its queue.
func Decode(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, Permanent(fmt.Errorf("decode task: %w", err))
	}
	if t.ID == "" || t.Name == "" {
		return Task{}, Permanent(fmt.Errorf("decode task: missing id or name"))
	}
	if _, err := Route(t.Queue); err != nil {
		return Task{}, Permanent(err)
	}
	return t, nil
}
