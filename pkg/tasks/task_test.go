package tasks

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRouteKnownQueues(t *testing.T) {
	seen := make(map[string]QueueName)
	for _, q := range Queues() {
		key, err := Route(q)
		if err != nil {
			t.Fatalf("Route(%s) failed: %v", q, err)
		}
		again, _ := Route(q)
		if again != key {
			t.Errorf("Route(%s) not deterministic: %s vs %s", q, key, again)
		}
		if other, dup := seen[key]; dup {
			t.Errorf("queues %s and %s share backing key %s", q, other, key)
		}
		seen[key] = q
	}
	if len(seen) != 4 {
		t.Errorf("Expected 4 backing keys, got %d", len(seen))
	}
}

func TestRouteUnknownQueue(t *testing.T) {
	for _, name := range []string{"", "high", "Default", "processor "} {
		_, err := Route(QueueName(name))
		if !errors.Is(err, ErrUnknownQueue) {
			t.Errorf("Route(%q): expected ErrUnknownQueue, got %v", name, err)
		}
	}
}

func TestNewRejectsUnknownQueue(t *testing.T) {
	if _, err := New("noop", QueueName("bogus")); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Expected ErrUnknownQueue, got %v", err)
	}
}

func TestEncodeIsStable(t *testing.T) {
	task, err := NewDeterministic("seed-1", "ledger.apply_transfer", QueueProcessor,
		map[string]interface{}{"b": 2, "a": 1}, "second")
	if err != nil {
		t.Fatalf("NewDeterministic failed: %v", err)
	}
	task.EnqueuedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	first, err := Encode(task)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	second, err := Encode(decoded)
	if err != nil {
		t.Fatalf("Encode after decode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Encoding not stable:\n%s\n%s", first, second)
	}
}

func TestNewDeterministicIDs(t *testing.T) {
	a, _ := NewDeterministic("0xabc:1", "ledger.apply_transfer", QueueProcessor)
	b, _ := NewDeterministic("0xabc:1", "ledger.apply_transfer", QueueProcessor)
	c, _ := NewDeterministic("0xabc:2", "ledger.apply_transfer", QueueProcessor)
	if a.ID != b.ID {
		t.Errorf("Expected equal ids for same seed, got %s and %s", a.ID, b.ID)
	}
	if a.ID == c.ID {
		t.Errorf("Expected different ids for different seeds")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing name":  `{"id":"x","queue":"default"}`,
		"unknown queue": `{"id":"x","name":"n","queue":"high"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			if !IsPermanent(err) {
				t.Errorf("Expected permanent error, got %v", err)
			}
		})
	}
}

func TestArg(t *testing.T) {
	task, _ := New("notify.transfer", QueueDefault, "hello", 42)
	var s string
	var n int
	if err := task.Arg(0, &s); err != nil || s != "hello" {
		t.Errorf("Arg(0) = %q, %v", s, err)
	}
	if err := task.Arg(1, &n); err != nil || n != 42 {
		t.Errorf("Arg(1) = %d, %v", n, err)
	}
	if err := task.Arg(2, &n); !IsPermanent(err) {
		t.Errorf("Expected permanent error for missing arg, got %v", err)
	}
	if err := task.Arg(0, &n); !IsPermanent(err) {
		t.Errorf("Expected permanent error for wrong type, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")
	if !IsTransient(base) {
		t.Error("Unclassified errors should be transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	wrapped := fmt.Errorf("handler: %w", Permanent(base))
	if !IsPermanent(wrapped) || IsTransient(wrapped) {
		t.Error("Wrapped permanent error misclassified")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient should unwrap to its cause")
	}
}
