// Package instance manages the lifecycle of chat-network connections: one
// actor per paired account, owning pairing, reconnection and the bounded
// outbound queue.
package instance

import (
	"context"
	"errors"

	"chatpilot/pkg/proto"
)

var (
	// ErrNotConnected is returned by Send when the instance has no live
	// transport session.
	ErrNotConnected = errors.New("instance not connected")

	// ErrBackpressure is returned by Send when the instance's outbound queue
	// is full. The caller retries later.
	ErrBackpressure = errors.New("outbound queue full")

	// ErrUnknownInstance is returned for instance IDs this manager has never
	// been asked to connect.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrNoInstanceAvailable is returned when a tenant has no connected
	// instance to resolve a send to.
	ErrNoInstanceAvailable = errors.New("no connected instance available")
)

// EventKind discriminates transport session events.
type EventKind int

const (
	// EventPaired signals the remote side confirmed the pairing code.
	EventPaired EventKind = iota
	// EventMessage carries an inbound text from a correspondent.
	EventMessage
	// EventContact carries a correspondent profile snapshot.
	EventContact
	// EventClosed signals the session died. Err carries the cause, nil for a
	// clean remote close.
	EventClosed
)

// Event is one occurrence on a transport session.
type Event struct {
	Kind            EventKind
	CorrespondentID string
	Text            string
	DisplayName     string
	ProfileURL      string
	Err             error
}

// Session is one live link to the chat network for a single instance. Events
// must be delivered in arrival order; the channel is closed after EventClosed.
type Session interface {
	Events() <-chan Event
	Send(ctx context.Context, msg *proto.ChatMsg) error
	Close() error
}

// Transport opens sessions to the chat network. Open starts the pairing
// handshake presenting the given code; the session reports EventPaired once
// the remote side confirms.
type Transport interface {
	Open(ctx context.Context, tenantID, instanceID, pairingCode string) (Session, error)
}

// InboundHandler receives inbound traffic from actors. Implemented by the
// dispatch facade; replies returned from DeliverInbound are enqueued on the
// same actor's outbound queue, which preserves per-correspondent ordering.
type InboundHandler interface {
	DeliverInbound(ctx context.Context, addr proto.Address, text string) ([]*proto.ChatMsg, error)
	EnrichContact(ctx context.Context, addr proto.Address, displayName, profileURL string) error
}
