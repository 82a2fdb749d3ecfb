package webhook

import (
	"context"
)

// GroupConfig configures one consumer group: its endpoint, credentials,
// queue bounds, and the lifecycle event types it receives.
type GroupConfig struct {
	URL           string   `yaml:"url"`
	Key           string   `yaml:"key"`
	Secret        string   `yaml:"secret"`
	MaxLength     int      `yaml:"max_length"`
	PrefetchCount int      `yaml:"prefetch_count"`
	Policy        string   `yaml:"policy"` // "drop-oldest" or "reject"
	Events        []string `yaml:"events"`
}

type group struct {
	queue    *Queue
	consumer *Consumer
	events   map[string]bool
}

// Dispatcher routes lifecycle events to every consumer group whose filter
// includes the event type. Each group has an independent bounded queue, so
// one slow consumer never backpressures another or a producer.
type Dispatcher struct {
	groups []*group
}

// NewDispatcher creates a dispatcher from consumer group configuration.
func NewDispatcher(configs []GroupConfig) *Dispatcher {
	d := &Dispatcher{}
	for _, cfg := range configs {
		q := NewQueue(cfg.MaxLength, cfg.Policy)
		enabled := make(map[string]bool, len(cfg.Events))
		events := cfg.Events
		if len(events) == 0 {
			events = AllEvents
		}
		for _, ev := range events {
			enabled[ev] = true
		}
		d.groups = append(d.groups, &group{
			queue:    q,
			consumer: NewConsumer(q, cfg.URL, cfg.Key, cfg.Secret, cfg.PrefetchCount),
			events:   enabled,
		})
	}
	return d
}

// Publish enqueues an event for every interested group. Admission never
// blocks the caller.
func (d *Dispatcher) Publish(ev Event) {
	for _, g := range d.groups {
		if g.events[ev.Event] {
			// Error is per-policy queue rejection; admission is
			// best effort by contract.
			_ = g.queue.Enqueue(ev)
		}
	}
}

// Run starts one consumer goroutine per group and blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, g := range d.groups {
		go g.consumer.Run(ctx)
	}
	<-ctx.Done()
}

// QueueLengths reports the current depth of each group's queue.
func (d *Dispatcher) QueueLengths() []int {
	lengths := make([]int, len(d.groups))
	for i, g := range d.groups {
		lengths[i] = g.queue.Len()
	}
	return lengths
}
