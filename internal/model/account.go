// Package model defines data structures for the orchestration engine.
package model

import (
	"time"
)

// ConnectionState represents the lifecycle state of a messaging account.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateQRPending    ConnectionState = "QR_PENDING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReady        ConnectionState = "READY"
	StateDegraded     ConnectionState = "DEGRADED"
	StateTimeout      ConnectionState = "TIMEOUT"
)

// RiskLevel classifies how close an account is to being flagged by the channel operator.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the display name for a risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Account represents one managed messaging-channel identity.
// Mutated only through SessionManager state-machine transitions.
type Account struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	DisplayName   string          `json:"display_name"`
	PhoneNumber   *string         `json:"phone_number,omitempty"` // nil until paired
	State         ConnectionState `json:"state"`
	SentToday     int             `json:"sent_today"`
	FailureStreak int             `json:"failure_streak"`
	Risk          RiskLevel       `json:"risk_level"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreateAccountRequest is the request to register a new account.
type CreateAccountRequest struct {
	DisplayName string `json:"display_name"`
}

// ListAccountsResponse is the response for listing accounts.
type ListAccountsResponse struct {
	Accounts []Account `json:"accounts"`
	Total    int       `json:"total"`
}

// DeliveryReceipt is returned by the transport after a successful send.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id"`
	AccountID string    `json:"account_id"`
	Timestamp time.Time `json:"timestamp"`
}
