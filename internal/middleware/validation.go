package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateMessageContent validates message body content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("body cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("body exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("body must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateAccountID validates an account ID.
func ValidateAccountID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid account ID format")
	}
	return nil
}

// ValidateCustomerID validates a customer identity.
func ValidateCustomerID(id string) error {
	if len(id) == 0 {
		return errors.New("customer ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("customer ID exceeds maximum length")
	}
	return nil
}

// ValidateDisplayName validates an account display name.
func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return errors.New("display name cannot be empty")
	}
	if len(name) > 256 {
		return errors.New("display name exceeds maximum length")
	}
	if !utf8.ValidString(name) {
		return errors.New("display name must be valid UTF-8")
	}
	return nil
}
