// Package relay defines the boundary between the control plane and the
// socket transport: delivering an event to every live subscriber of a
// channel, and terminating a socket. The websocket hub implements it; the
// API depends only on this interface.
package relay

import (
	"context"
	"errors"
)

// ErrTimeout indicates delivery to the transport did not complete in time.
var ErrTimeout = errors.New("relay: delivery timed out")

// Relay fans events out to live sockets.
type Relay interface {
	// Deliver sends an event to every subscriber of a channel, skipping
	// excludeSocketID so a triggering client does not receive its own
	// event back. Delivering to a channel with no subscribers is a
	// success. data is the raw event payload.
	Deliver(ctx context.Context, appID, channel, event, data, excludeSocketID string) error

	// Terminate closes a socket with the given reason. Terminating an
	// unknown socket is a no-op.
	Terminate(ctx context.Context, appID, socketID, reason string) error
}
