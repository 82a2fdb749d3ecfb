// Package webhook queues channel lifecycle events for asynchronous delivery
// to external consumers. Producers enqueue without ever blocking; each
// consumer group pulls bounded batches and posts them over HTTP with a
// signed body. Queue admission is this package's only guarantee; delivery
// retries are the downstream consumer's concern.
package webhook

import (
	"encoding/json"
	"time"
)

// Lifecycle event types forwarded to webhook consumers.
const (
	EventMemberAdded     = "member_added"
	EventMemberRemoved   = "member_removed"
	EventClientEvent     = "client_event"
	EventServerEvent     = "server_event"
	EventChannelOccupied = "channel_occupied"
	EventChannelVacated  = "channel_vacated"
)

// AllEvents lists every forwardable event type.
var AllEvents = []string{
	EventMemberAdded,
	EventMemberRemoved,
	EventClientEvent,
	EventServerEvent,
	EventChannelOccupied,
	EventChannelVacated,
}

// Event is the queued descriptor of one lifecycle event.
type Event struct {
	Event   string          `msgpack:"event" json:"event"`
	AppID   string          `msgpack:"app_id" json:"app_id"`
	Channel string          `msgpack:"channel" json:"channel"`
	Data    json.RawMessage `msgpack:"data,omitempty" json:"data,omitempty"`
	TimeMS  int64           `msgpack:"time_ms" json:"time_ms"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, appID, channel string, data json.RawMessage) Event {
	return Event{
		Event:   eventType,
		AppID:   appID,
		Channel: channel,
		Data:    data,
		TimeMS:  time.Now().UnixMilli(),
	}
}

// Publisher accepts lifecycle events for queuing. The dispatcher implements
// it; tests substitute their own.
type Publisher interface {
	Publish(ev Event)
}

// Discard is a Publisher that drops everything, used when no webhook
// consumers are configured.
type Discard struct{}

func (Discard) Publish(Event) {}
