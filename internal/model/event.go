package model

import (
	"time"
)

// EventType names a realtime event delivered to dashboard clients.
type EventType string

const (
	EventTypeQRCode        EventType = "qr_code"
	EventTypeReady         EventType = "ready"
	EventTypeMessage       EventType = "message"
	EventTypeMessageCreate EventType = "message_create"
	EventTypeAuthFailure   EventType = "auth_failure"
	EventTypeDisconnected  EventType = "disconnected"
	EventTypeStateChange   EventType = "state_change"
	EventTypeSafety        EventType = "safety_event"
	EventTypeEscalation    EventType = "escalation"
)

// Event is the envelope fanned out to connected dashboard clients.
// Delivery is at-most-once best-effort; missed events are recovered via the
// catch-up query against the durable outbox.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StateChangePayload carries a connection state transition.
type StateChangePayload struct {
	From ConnectionState `json:"from"`
	To   ConnectionState `json:"to"`
}

// QRCodePayload carries the pairing code supplied by the channel transport.
type QRCodePayload struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EscalationPayload notifies operators that a conversation needs a human.
type EscalationPayload struct {
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	Reason         string `json:"reason"`
}

// HeartbeatEvent keeps SSE connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
