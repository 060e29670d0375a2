package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAccount is returned for an account ID with no registration.
var ErrUnknownAccount = errors.New("unknown account")

// ErrNotReady is returned when send is attempted outside the READY state.
// Callers should retry once the account reaches READY; this is not fatal.
var ErrNotReady = errors.New("account not ready")

// ErrAlreadyConnected is returned when connect is called on a live session.
var ErrAlreadyConnected = errors.New("account already connected")

// SendError is a transport failure that survived bounded retries.
type SendError struct {
	AccountID string
	Attempts  int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed for account %s after %d attempts: %v", e.AccountID, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// RateLimitedError is a SafetyGuard denial. The message was never handed to
// the transport; the caller decides whether to queue or reject.
type RateLimitedError struct {
	AccountID  string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("send blocked for account %s: %s", e.AccountID, e.Reason)
}
