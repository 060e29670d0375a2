package model

import (
	"time"
)

// SenderKind represents who authored a message.
type SenderKind string

const (
	SenderCustomer SenderKind = "CUSTOMER"
	SenderBot      SenderKind = "BOT"
	SenderAdmin    SenderKind = "ADMIN"
)

// Message represents a single message within a conversation.
// Immutable once created; insertion order is the display order.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"tenant_id"`
	AccountID      string `json:"account_id"`

	// Content
	Sender   SenderKind `json:"sender"`
	Body     string     `json:"body"`
	MediaRef *string    `json:"media_ref,omitempty"`

	// Provider metadata (nil for non-bot messages)
	Provider  *string `json:"provider,omitempty"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Outbox metadata (populated on read from the stream)
	Sequence uint64 `json:"sequence,omitempty"`
}

// InboundMessage is the normalized shape handed to the engine by the channel
// client library.
type InboundMessage struct {
	AccountID  string    `json:"account_id"`
	CustomerID string    `json:"customer_id"`
	Body       string    `json:"body"`
	MediaRef   *string   `json:"media_ref,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SendMessageRequest is the request to post an outbound message to a conversation.
type SendMessageRequest struct {
	Body   string     `json:"body"`
	Sender SenderKind `json:"sender,omitempty"`
}

// ListMessagesResponse is the response for listing conversation messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}
