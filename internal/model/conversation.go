package model

import (
	"time"
)

// ConversationStatus represents the handling state of a conversation.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "ACTIVE"
	ConversationPending ConversationStatus = "PENDING" // escalated, waiting for a human
	ConversationClosed  ConversationStatus = "CLOSED"
)

// Conversation represents an ordered exchange between one account and one customer.
// Closed conversations are immutable except for the reopen transition.
type Conversation struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	AccountID    string             `json:"account_id"`
	CustomerID   string             `json:"customer_id"`
	Status       ConversationStatus `json:"status"`
	BotHandled   bool               `json:"bot_handled"`
	MessageCount int                `json:"message_count"`
	LastMessage  *Message           `json:"last_message,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	CreatedAt    time.Time          `json:"created_at"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
