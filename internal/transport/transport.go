// Package transport defines the seam between the engine and the messaging
// channel's client library. The engine never speaks the wire protocol itself;
// it drives a Transport and reacts to its events.
package transport

import (
	"context"

	"github.com/botdesk/messaging-engine/internal/model"
)

// EventKind classifies events emitted by a channel connection.
type EventKind int

const (
	// EventQRCode carries a pairing code the user must scan.
	EventQRCode EventKind = iota
	// EventPairConfirmed fires once the QR scan is accepted.
	EventPairConfirmed
	// EventSessionSynced fires once the session is fully usable.
	EventSessionSynced
	// EventAuthFailure fires when the channel rejects the credentials.
	EventAuthFailure
	// EventConnectionLost fires on any transport-level drop.
	EventConnectionLost
)

// Event is one occurrence on an account's channel connection.
type Event struct {
	Kind  EventKind
	Code  string // pairing code, for EventQRCode
	Phone string // phone identity, for EventPairConfirmed
	Err   error  // cause, for EventAuthFailure / EventConnectionLost
}

// Payload is an outbound message handed to the channel.
type Payload struct {
	ConversationID string
	CustomerID     string
	Body           string
	MediaRef       *string
}

// Transport is the external channel collaborator.
type Transport interface {
	// Dial opens the channel connection for an account. Connection events
	// arrive on the returned channel until Close or a terminal failure.
	Dial(ctx context.Context, accountID string) (<-chan Event, error)

	// Send transmits one payload over an established connection.
	Send(ctx context.Context, accountID string, payload Payload) (*model.DeliveryReceipt, error)

	// Close tears down the connection for an account.
	Close(accountID string) error
}
