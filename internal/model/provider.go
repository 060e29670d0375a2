package model

import (
	"time"
)

// CircuitState represents the breaker state of an AI provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ProviderRecord is the observable state of one AI provider in the pool.
// Mutated only by the pool after each call outcome.
type ProviderRecord struct {
	ID           string       `json:"id"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`
	Circuit      CircuitState `json:"circuit"`
	Failures     int          `json:"consecutive_failures"`
	LastSuccess  *time.Time   `json:"last_success,omitempty"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	CooldownSecs float64      `json:"cooldown_seconds,omitempty"`
}

// ListProvidersResponse is the response for listing provider records.
type ListProvidersResponse struct {
	Providers []ProviderRecord `json:"providers"`
}
