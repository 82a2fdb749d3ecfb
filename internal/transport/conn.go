package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/pushlite/internal/auth"
	"github.com/markb/pushlite/internal/directory"
	"github.com/markb/pushlite/internal/log"
	"github.com/markb/pushlite/internal/webhook"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 120 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 100 * time.Second

	// Maximum message size
	maxMessageSize = 64 * 1024
)

// subscription records what a socket subscribed with, so unsubscribe and
// disconnect can undo the directory mutation.
type subscription struct {
	userID   string
	userInfo string
}

// Conn is one live websocket connection of an application's client.
type Conn struct {
	socketID string
	app      *auth.Application
	ws       *websocket.Conn
	hub      *Hub

	mu            sync.Mutex
	subscriptions map[string]subscription // channel -> subscription
	draining      bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	drainOnce sync.Once
}

// NewConn registers a fresh connection with the hub and announces it to the
// client.
func (h *Hub) NewConn(ws *websocket.Conn, app *auth.Application) *Conn {
	c := &Conn{
		socketID:      newSocketID(),
		app:           app,
		ws:            ws,
		hub:           h,
		subscriptions: make(map[string]subscription),
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
	}
	h.register(c)

	c.Send(&Message{
		Event: evConnEstablished,
		Data: jsonString(string(mustJSON(map[string]any{
			"socket_id":        c.socketID,
			"activity_timeout": 120,
		}))),
	})
	return c
}

// SocketID returns the connection's wire identifier.
func (c *Conn) SocketID() string {
	return c.socketID
}

// Send queues a frame; a full buffer drops it rather than blocking.
func (c *Conn) Send(msg *Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("transport: send buffer full, dropping frame",
			"socket_id", c.socketID, "event", msg.Event)
	}
}

// Drain closes the send channel so the write pump flushes queued frames,
// sends a close frame, and tears the connection down.
func (c *Conn) Drain() {
	c.drainOnce.Do(func() {
		c.mu.Lock()
		c.draining = true
		c.mu.Unlock()
		close(c.send)
	})
}

// Close tears the connection down and releases its subscriptions.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		c.releaseSubscriptions()
		c.hub.unregister(c)
	})
}

// releaseSubscriptions removes every membership this socket holds, firing
// the same lifecycle events an explicit unsubscribe would.
func (c *Conn) releaseSubscriptions() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for channel, sub := range c.subscriptions {
		subs[channel] = sub
	}
	c.subscriptions = make(map[string]subscription)
	c.mu.Unlock()

	ctx := context.Background()
	for channel, sub := range subs {
		c.leaveChannel(ctx, channel, sub)
	}
}

// ReadPump reads frames until the connection drops.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("transport: read error", "socket_id", c.socketID, "error", err.Error())
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("transport: invalid frame", "socket_id", c.socketID, "error", err.Error())
			continue
		}
		c.handleMessage(msg)
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleMessage(msg *Message) {
	switch {
	case msg.Event == evPing:
		c.Send(&Message{Event: evPong})
	case msg.Event == evSubscribe:
		c.handleSubscribe(msg)
	case msg.Event == evUnsubscribe:
		c.handleUnsubscribe(msg)
	case isClientEvent(msg.Event):
		c.handleClientEvent(msg)
	default:
		log.Debug("transport: unknown event", "socket_id", c.socketID, "event", msg.Event)
	}
}

func (c *Conn) sendError(message string) {
	c.Send(&Message{
		Event: evError,
		Data:  mustJSON(errorPayload{Message: message}),
	})
}

func (c *Conn) handleSubscribe(msg *Message) {
	var payload subscribePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.sendError("invalid subscribe payload")
		return
	}
	channel := payload.Channel
	if !directory.ValidChannelName(channel) {
		c.sendError("invalid channel name")
		return
	}

	typ := directory.TypeOf(channel)
	if typ != directory.ChannelPublic {
		if !auth.VerifyChannelAuth(c.app.Key, c.app.Secret, payload.Auth, c.socketID, channel, payload.ChannelData) {
			c.sendError("invalid signature for " + channel)
			return
		}
	}

	member := directory.Member{SocketID: c.socketID}
	if typ == directory.ChannelPresence {
		var cd channelData
		if err := json.Unmarshal([]byte(payload.ChannelData), &cd); err != nil || !directory.ValidUserID(cd.UserID) {
			c.sendError("invalid channel_data for " + channel)
			return
		}
		member.UserID = cd.UserID
		member.UserInfo = string(cd.UserInfo)
	}

	ctx := context.Background()
	res, err := c.hub.dir.AddMember(ctx, c.app.ID, channel, member)
	if err != nil {
		log.Error("transport: subscribe failed", "socket_id", c.socketID, "channel", channel, "error", err.Error())
		c.sendError("subscription failed")
		return
	}

	c.mu.Lock()
	c.subscriptions[channel] = subscription{userID: member.UserID, userInfo: member.UserInfo}
	c.mu.Unlock()
	c.hub.subscribeLocal(c, channel)

	if res.Occupied {
		c.hub.hooks.Publish(webhook.NewEvent(webhook.EventChannelOccupied, c.app.ID, channel, nil))
	}
	if res.MemberAdded {
		if typ == directory.ChannelPresence {
			c.hub.hooks.Publish(webhook.NewEvent(webhook.EventMemberAdded, c.app.ID, channel,
				mustJSON(map[string]string{"user_id": member.UserID, "socket_id": c.socketID})))
		}
		if typ == directory.ChannelPresence && res.UserJoined {
			data := string(mustJSON(map[string]any{
				"user_id":   member.UserID,
				"user_info": json.RawMessage(orEmptyObject(member.UserInfo)),
			}))
			c.hub.Deliver(ctx, c.app.ID, channel, evMemberAdded, string(jsonString(data)), c.socketID)
		}
	}

	c.sendSubscriptionSucceeded(ctx, channel, typ)
}

// sendSubscriptionSucceeded confirms the subscription; presence channels
// include the current member roster.
func (c *Conn) sendSubscriptionSucceeded(ctx context.Context, channel string, typ directory.ChannelType) {
	data := "{}"
	if typ == directory.ChannelPresence {
		members, err := c.hub.dir.ListMembers(ctx, c.app.ID, channel)
		if err != nil {
			log.Error("transport: presence roster failed", "channel", channel, "error", err.Error())
			c.sendError("subscription failed")
			return
		}
		ids := make([]string, 0, len(members))
		hash := make(map[string]json.RawMessage, len(members))
		for _, m := range members {
			ids = append(ids, m.UserID)
			hash[m.UserID] = json.RawMessage(orEmptyObject(m.UserInfo))
		}
		data = string(mustJSON(map[string]any{
			"presence": map[string]any{
				"ids":   ids,
				"hash":  hash,
				"count": len(ids),
			},
		}))
	}
	c.Send(&Message{
		Event:   evSubSucceeded,
		Channel: channel,
		Data:    jsonString(data),
	})
}

func (c *Conn) handleUnsubscribe(msg *Message) {
	var payload subscribePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.sendError("invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	sub, ok := c.subscriptions[payload.Channel]
	delete(c.subscriptions, payload.Channel)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.leaveChannel(context.Background(), payload.Channel, sub)
}

// leaveChannel undoes one membership and emits the resulting lifecycle
// events. Shared by unsubscribe and disconnect.
func (c *Conn) leaveChannel(ctx context.Context, channel string, sub subscription) {
	c.hub.unsubscribeLocal(c, channel)

	res, err := c.hub.dir.RemoveMember(ctx, c.app.ID, channel, sub.userID, c.socketID)
	if err != nil {
		log.Error("transport: unsubscribe failed", "socket_id", c.socketID, "channel", channel, "error", err.Error())
		return
	}
	if !res.MemberRemoved {
		return
	}

	typ := directory.TypeOf(channel)
	if typ == directory.ChannelPresence {
		c.hub.hooks.Publish(webhook.NewEvent(webhook.EventMemberRemoved, c.app.ID, channel,
			mustJSON(map[string]string{"user_id": sub.userID, "socket_id": c.socketID})))
		if res.UserLeft {
			data := string(mustJSON(map[string]string{"user_id": sub.userID}))
			c.hub.Deliver(ctx, c.app.ID, channel, evMemberRemoved, string(jsonString(data)), c.socketID)
		}
	}
	if res.Vacated {
		c.hub.hooks.Publish(webhook.NewEvent(webhook.EventChannelVacated, c.app.ID, channel, nil))
	}
}

// handleClientEvent relays a client-triggered event to the channel's other
// subscribers. Only private and presence channels accept client events, and
// only from subscribed sockets.
func (c *Conn) handleClientEvent(msg *Message) {
	channel := msg.Channel
	if directory.TypeOf(channel) == directory.ChannelPublic {
		c.sendError("client events are not supported on public channels")
		return
	}

	c.mu.Lock()
	_, subscribed := c.subscriptions[channel]
	c.mu.Unlock()
	if !subscribed {
		c.sendError("client event on unsubscribed channel " + channel)
		return
	}

	ctx := context.Background()
	c.hub.Deliver(ctx, c.app.ID, channel, msg.Event, string(msg.Data), c.socketID)
	c.hub.hooks.Publish(webhook.NewEvent(webhook.EventClientEvent, c.app.ID, channel,
		mustJSON(map[string]any{
			"event":     msg.Event,
			"data":      msg.Data,
			"socket_id": c.socketID,
		})))
}

// orEmptyObject substitutes "{}" for an absent user_info payload.
func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
