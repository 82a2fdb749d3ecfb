package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/markb/pushlite/internal/auth"
	"github.com/markb/pushlite/internal/directory"
	"github.com/markb/pushlite/internal/relay"
	"github.com/markb/pushlite/internal/webhook"
)

// Hub owns the live socket registry: which sockets exist per application
// and which of them subscribe to each channel. It implements relay.Relay,
// so the control-plane API publishes and terminates through it without
// knowing about websockets.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[string]*Conn            // appID -> socketID
	channels map[string]map[string]map[string]*Conn // appID -> channel -> socketID

	registry *auth.Registry
	dir      *directory.Directory
	hooks    webhook.Publisher
}

// HubStats describes the hub's live state.
type HubStats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// NewHub creates a hub backed by the given directory and webhook publisher.
func NewHub(registry *auth.Registry, dir *directory.Directory, hooks webhook.Publisher) *Hub {
	if hooks == nil {
		hooks = webhook.Discard{}
	}
	return &Hub{
		conns:    make(map[string]map[string]*Conn),
		channels: make(map[string]map[string]map[string]*Conn),
		registry: registry,
		dir:      dir,
		hooks:    hooks,
	}
}

// Stats returns current connection and channel counts.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{}
	for _, conns := range h.conns {
		stats.Connections += len(conns)
	}
	for _, channels := range h.channels {
		stats.Channels += len(channels)
	}
	return stats
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[c.app.ID] == nil {
		h.conns[c.app.ID] = make(map[string]*Conn)
	}
	h.conns[c.app.ID][c.socketID] = c
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns[c.app.ID], c.socketID)
	if len(h.conns[c.app.ID]) == 0 {
		delete(h.conns, c.app.ID)
	}
	for channel, subs := range h.channels[c.app.ID] {
		delete(subs, c.socketID)
		if len(subs) == 0 {
			delete(h.channels[c.app.ID], channel)
		}
	}
	if len(h.channels[c.app.ID]) == 0 {
		delete(h.channels, c.app.ID)
	}
}

func (h *Hub) subscribeLocal(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[c.app.ID] == nil {
		h.channels[c.app.ID] = make(map[string]map[string]*Conn)
	}
	if h.channels[c.app.ID][channel] == nil {
		h.channels[c.app.ID][channel] = make(map[string]*Conn)
	}
	h.channels[c.app.ID][channel][c.socketID] = c
}

func (h *Hub) unsubscribeLocal(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.channels[c.app.ID][channel]
	delete(subs, c.socketID)
	if len(subs) == 0 {
		delete(h.channels[c.app.ID], channel)
	}
	if len(h.channels[c.app.ID]) == 0 {
		delete(h.channels, c.app.ID)
	}
}

// subscribers returns a snapshot of the live subscribers of a channel.
func (h *Hub) subscribers(appID, channel string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.channels[appID][channel]
	conns := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		conns = append(conns, c)
	}
	return conns
}

// conn returns a live socket by id, or nil.
func (h *Hub) conn(appID, socketID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[appID][socketID]
}

// Deliver implements relay.Relay: fan an event out to every subscriber of
// the channel, skipping excludeSocketID. Zero subscribers is a success.
func (h *Hub) Deliver(ctx context.Context, appID, channel, event, data, excludeSocketID string) error {
	msg := &Message{
		Event:   event,
		Channel: channel,
		Data:    json.RawMessage(data),
	}
	for _, c := range h.subscribers(appID, channel) {
		if err := ctx.Err(); err != nil {
			return relay.ErrTimeout
		}
		if c.socketID == excludeSocketID {
			continue
		}
		c.Send(msg)
	}
	return nil
}

// Terminate implements relay.Relay: close a socket with a reason. Unknown
// sockets are a no-op.
func (h *Hub) Terminate(ctx context.Context, appID, socketID, reason string) error {
	if err := ctx.Err(); err != nil {
		return relay.ErrTimeout
	}
	c := h.conn(appID, socketID)
	if c == nil {
		return nil
	}
	c.Send(&Message{
		Event: evError,
		Data:  mustJSON(errorPayload{Code: 4009, Message: reason}),
	})
	// Drain rather than close outright so the reason reaches the client
	// before the close frame.
	c.Drain()
	return nil
}
