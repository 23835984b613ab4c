package mqttclient

import (
	"context"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
)

// ====================================================================================
// This file defines the broker-client contract the bridge is built against. The
// bridge never speaks the wire protocol itself; it drives one Client per broker.
// ====================================================================================

// Handlers are the event callbacks a Client invokes from its own I/O context.
// Any of them may be nil.
type Handlers struct {
	// OnConnected fires after every successful handshake, including reconnects.
	OnConnected func()
	// OnDisconnected fires when an established connection is lost. It does not
	// fire for a Disconnect requested by the caller.
	OnDisconnected func(err error)
	// OnMessage fires for every message delivered on a subscription. The
	// sourceClientID is the identifier of the receiving client.
	OnMessage func(msg types.Message, sourceClientID string)
}

// Client is one logical connection to a broker.
type Client interface {
	// Connect performs a single handshake. A non-success return code is reported
	// both in the ConnectAck and as an error.
	Connect(ctx context.Context) (types.ConnectAck, error)
	// Disconnect closes the connection, allowing up to timeout for in-flight work.
	Disconnect(reason string, timeout time.Duration)
	// Subscribe requests delivery for every filter at its QoS.
	Subscribe(ctx context.Context, filters []types.TopicFilter) error
	// Publish sends a message. It must be safe for concurrent callers.
	Publish(ctx context.Context, msg types.Message) error
	// SetHandlers replaces the event callbacks.
	SetHandlers(h Handlers)
	// IsConnected reports whether the connection is currently established.
	IsConnected() bool
	// ClientID returns the identifier presented to the broker.
	ClientID() string
}
