package webhook

import (
	"errors"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/markb/pushlite/internal/log"
)

// Overflow policies for a full queue.
const (
	PolicyDropOldest = "drop-oldest"
	PolicyReject     = "reject"
)

// ErrQueueFull is returned by Enqueue under the reject policy.
var ErrQueueFull = errors.New("webhook: queue full")

// Queue is a bounded FIFO of msgpack-encoded event descriptors. Producers
// never block: at the length limit the oldest entry is dropped or the new
// one rejected, per policy.
type Queue struct {
	mu        sync.Mutex
	entries   [][]byte
	maxLength int
	policy    string
	dropped   uint64

	// notify wakes the consumer; buffered so Enqueue never waits.
	notify chan struct{}
}

// NewQueue creates a queue with the given length limit and overflow policy.
func NewQueue(maxLength int, policy string) *Queue {
	if maxLength <= 0 {
		maxLength = 4096
	}
	if policy == "" {
		policy = PolicyDropOldest
	}
	return &Queue{
		maxLength: maxLength,
		policy:    policy,
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue admits an event. Under drop-oldest a full queue evicts its head;
// under reject the event is refused with ErrQueueFull.
func (q *Queue) Enqueue(ev Event) error {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if len(q.entries) >= q.maxLength {
		if q.policy == PolicyReject {
			q.mu.Unlock()
			return ErrQueueFull
		}
		q.entries = q.entries[1:]
		q.dropped++
		if q.dropped%1000 == 1 {
			log.Warn("webhook queue at capacity, dropping oldest", "dropped_total", q.dropped)
		}
	}
	q.entries = append(q.entries, data)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pull removes and decodes up to max entries from the head of the queue.
func (q *Queue) Pull(max int) ([]Event, error) {
	q.mu.Lock()
	n := len(q.entries)
	if n > max {
		n = max
	}
	batch := q.entries[:n]
	q.entries = append([][]byte(nil), q.entries[n:]...)
	q.mu.Unlock()

	events := make([]Event, 0, n)
	for _, data := range batch {
		var ev Event
		if err := msgpack.Unmarshal(data, &ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many entries overflow has evicted.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Notify exposes the wake-up channel to the consumer loop.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}
