// Package provider implements the prioritized, failover-capable pool of AI
// text-generation providers behind bot replies.
package provider

import (
	"context"
)

// ChatMessage is one turn of conversation context handed to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries the conversation context and constraints for one
// reply generation.
type GenerateRequest struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Generation is the produced reply.
type Generation struct {
	Text      string
	Provider  string
	LatencyMs int64
}

// Client is the uniform capability every AI provider exposes.
type Client interface {
	// Generate produces a reply from the given context.
	Generate(ctx context.Context, req *GenerateRequest) (*Generation, error)

	// Name returns the provider name.
	Name() string
}
