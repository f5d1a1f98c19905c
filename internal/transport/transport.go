// Package transport defines the client contract for the relay connection.
// Implementations manage a persistent bidirectional connection and expose
// request/response and fire-and-forget primitives on top of it.
package transport

import (
	"context"
	"encoding/json"

	"github.com/edline/chatsync/internal/auth"
)

// Handler receives the payload of a server-pushed event.
type Handler func(payload json.RawMessage)

// Client talks to the message relay.
type Client interface {
	// Connect establishes the connection. It is idempotent: a call while
	// already connected reuses the existing connection.
	Connect(ctx context.Context, creds auth.Credentials) error

	// Request performs a single round-trip with correlation. In-flight
	// requests outstanding at disconnect time are rejected, never left
	// hanging.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)

	// Emit sends a fire-and-forget event.
	Emit(ctx context.Context, event string, payload any) error

	// Subscribe registers a handler for a server-pushed event and returns
	// its unsubscribe function.
	Subscribe(event string, handler Handler) (unsubscribe func())

	// OnReconnect registers a handler invoked after an automatic
	// reconnection completes.
	OnReconnect(handler func())

	// Disconnect closes the connection and disables auto-reconnect.
	Disconnect() error
}
