package model

import (
	"time"
)

// SafetyEventType classifies entries in the safety audit log.
type SafetyEventType string

const (
	EventRateLimitWarning   SafetyEventType = "RATE_LIMIT_WARNING"
	EventRateLimitExceeded  SafetyEventType = "RATE_LIMIT_EXCEEDED"
	EventSuspiciousActivity SafetyEventType = "SUSPICIOUS_ACTIVITY"
	EventAccountWarning     SafetyEventType = "ACCOUNT_WARNING"
	EventConnectionError    SafetyEventType = "CONNECTION_ERROR"
)

// Severity grades a safety event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SafetyEvent is one append-only entry in the per-account safety audit log.
type SafetyEvent struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	AccountID string            `json:"account_id"`
	Type      SafetyEventType   `json:"type"`
	Severity  Severity          `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
