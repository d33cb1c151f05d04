package tasks

import (
	"errors"
	"fmt"
)

// QueueName is the logical name of a queue. The set is closed.
type QueueName string

const (
	QueueDefault   QueueName = "default"
	QueueFilter    QueueName = "filter"
	QueueProcessor QueueName = "processor"
	QueueBeat      QueueName = "beat"
)

// ErrUnknownQueue is returned when a queue name is outside the closed set.
// It is a configuration error and is never retried.
var ErrUnknownQueue = errors.New("unknown queue")

const keyPrefix = "chainq:queue:"

var backingKeys = map[QueueName]string{
	QueueDefault:   keyPrefix + string(QueueDefault),
	QueueFilter:    keyPrefix + string(QueueFilter),
	QueueProcessor: keyPrefix + string(QueueProcessor),
	QueueBeat:      keyPrefix + string(QueueBeat),
}

// Queues returns every known queue in a fixed order.
func Queues() []QueueName {
	return []QueueName{QueueDefault, QueueFilter, QueueProcessor, QueueBeat}
}

// Route maps a queue name to its backing list key.
func Route(name QueueName) (string, error) {
	key, ok := backingKeys[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, string(name))
	}
	return key, nil
}

// ParseQueue validates a queue name read from configuration or a request.
func ParseQueue(s string) (QueueName, error) {
	q := QueueName(s)
	if _, err := Route(q); err != nil {
		return "", err
	}
	return q, nil
}

// ProcessingKey holds tasks dequeued from name but not yet acknowledged.
func ProcessingKey(name QueueName) string { return "chainq:processing:" + string(name) }

// LeaseKey is the sorted set of visibility deadlines for the processing list.
func LeaseKey(name QueueName) string { return "chainq:lease:" + string(name) }

// DelayedKey is the sorted set of tasks scheduled for later on name.
func DelayedKey(name QueueName) string { return "chainq:delayed:" + string(name) }

// DeadLetterKey is the list of dead-lettered task reports.
const DeadLetterKey = "chainq:dead"

// Task names and the queue each one is routed to.
const (
	FilterPoll    = "filter.poll"
	FilterEvent   = "filter.event"
	ApplyTransfer = "ledger.apply_transfer"
	SetStatus     = "ledger.set_status"
	NotifyStatus  = "notify.transfer"
	RecordDepths  = "housekeeping.depths"
	BeatTrigger   = "beat.trigger"
)
