// Package transport defines the peer link interface consumed by the protocol
// engine and provides implementations for production (TCP) and testing
// (in-memory).
package transport

import "errors"

var (
	ErrUnknownLink = errors.New("transport: unknown link")
	ErrClosed      = errors.New("transport: closed")
)

// EventKind classifies a transport event.
type EventKind int

const (
	LinkUp EventKind = iota
	LinkDown
	Data
)

func (k EventKind) String() string {
	switch k {
	case LinkUp:
		return "link-up"
	case LinkDown:
		return "link-down"
	case Data:
		return "data"
	}
	return "unknown"
}

// Event is delivered on the Events channel. Link names the logical peer
// link; Data is set only for Data events.
type Event struct {
	Kind EventKind
	Link string
	Data []byte
}

// Transport abstracts per-neighbor byte delivery.
// The engine uses this interface exclusively so that tests can inject an
// in-memory transport without needing real network sockets.
type Transport interface {
	// Start begins listening for incoming peer connections.
	Start() error

	// Connect opens a link to addr. Idempotent if already connected.
	Connect(addr string) error

	// Send delivers data on link. Fire-and-forget: no acknowledgment.
	Send(link string, data []byte) error

	// Events returns the channel of link and data events from all peers.
	// Events from concurrent connections are serialised onto this channel.
	Events() <-chan Event

	// PeerCount returns the number of currently open links.
	PeerCount() int

	// Close shuts down the transport and all links.
	Close() error
}
