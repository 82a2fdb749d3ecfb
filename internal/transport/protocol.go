// Package transport is the client-facing websocket server. It speaks the
// channel push wire protocol (connection_established, subscribe,
// unsubscribe, ping/pong, client events), drives the directory on
// membership changes, and implements the relay boundary the control-plane
// API delivers through.
package transport

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Protocol event names.
const (
	evConnEstablished = "pusher:connection_established"
	evSubscribe       = "pusher:subscribe"
	evUnsubscribe     = "pusher:unsubscribe"
	evPing            = "pusher:ping"
	evPong            = "pusher:pong"
	evError           = "pusher:error"

	evSubSucceeded  = "pusher_internal:subscription_succeeded"
	evMemberAdded   = "pusher_internal:member_added"
	evMemberRemoved = "pusher_internal:member_removed"

	clientEventPrefix = "client-"
)

// Message is one protocol frame in either direction.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound frame.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return &m, nil
}

// subscribePayload is the data of a pusher:subscribe frame. Auth carries
// "app_key:signature" for private and presence channels; ChannelData is the
// presence identity blob the signature also covers.
type subscribePayload struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// channelData is the parsed presence identity.
type channelData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// errorPayload is the data of a pusher:error frame.
type errorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// newSocketID generates the wire-format socket identifier, two random
// integers joined by a dot.
func newSocketID() string {
	return fmt.Sprintf("%d.%d", rand.Uint32(), rand.Uint32())
}

// isClientEvent reports whether an event name is a client-triggered event.
func isClientEvent(event string) bool {
	return strings.HasPrefix(event, clientEventPrefix)
}

// mustJSON marshals a value that cannot fail (maps and structs of
// marshalable fields) into a raw message.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// jsonString wraps s as a JSON string literal; the protocol sends event
// data as a string-encoded document.
func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
