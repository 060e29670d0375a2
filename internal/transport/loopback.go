package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botdesk/messaging-engine/internal/model"
)

// Loopback is an in-process Transport that completes the pairing handshake on
// timers and acknowledges every send. It backs local development and tests
// when no real channel library is configured.
type Loopback struct {
	// QRDelay is how long after Dial the pairing code is issued.
	QRDelay time.Duration
	// PairDelay is how long after the code the scan is confirmed.
	PairDelay time.Duration
	// SyncDelay is how long after pairing the session sync completes.
	SyncDelay time.Duration

	// SendFunc, when set, replaces the default send behavior. Used to
	// inject transport failures.
	SendFunc func(accountID string, payload Payload) (*model.DeliveryReceipt, error)

	mu    sync.Mutex
	conns map[string]chan Event
}

// NewLoopback creates a loopback transport with fast handshake timers.
func NewLoopback() *Loopback {
	return &Loopback{
		QRDelay:   10 * time.Millisecond,
		PairDelay: 10 * time.Millisecond,
		SyncDelay: 10 * time.Millisecond,
		conns:     make(map[string]chan Event),
	}
}

// Dial opens a fake connection and walks it through the handshake.
func (l *Loopback) Dial(ctx context.Context, accountID string) (<-chan Event, error) {
	ch := make(chan Event, 8)

	l.mu.Lock()
	if old, ok := l.conns[accountID]; ok {
		close(old)
	}
	l.conns[accountID] = ch
	l.mu.Unlock()

	go l.handshake(ctx, accountID, ch)

	return ch, nil
}

func (l *Loopback) handshake(ctx context.Context, accountID string, ch chan Event) {
	steps := []struct {
		delay time.Duration
		event Event
	}{
		{l.QRDelay, Event{Kind: EventQRCode, Code: "loopback-" + uuid.New().String()}},
		{l.PairDelay, Event{Kind: EventPairConfirmed, Phone: "+15550" + accountID}},
		{l.SyncDelay, Event{Kind: EventSessionSynced}},
	}

	for _, step := range steps {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return
		}

		// The liveness check and the send happen under one lock so Close or
		// a redial cannot close the channel in between. The channel buffer
		// exceeds the handshake length, so the send never blocks here.
		l.mu.Lock()
		current, active := l.conns[accountID]
		if !active || current != ch {
			l.mu.Unlock()
			return
		}
		ch <- step.event
		l.mu.Unlock()
	}
}

// Send acknowledges the payload with a synthetic receipt.
func (l *Loopback) Send(ctx context.Context, accountID string, payload Payload) (*model.DeliveryReceipt, error) {
	if l.SendFunc != nil {
		return l.SendFunc(accountID, payload)
	}

	l.mu.Lock()
	_, connected := l.conns[accountID]
	l.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("account %s not connected", accountID)
	}

	return &model.DeliveryReceipt{
		MessageID: uuid.New().String(),
		AccountID: accountID,
		Timestamp: time.Now(),
	}, nil
}

// Close tears down the fake connection.
func (l *Loopback) Close(accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.conns[accountID]; ok {
		close(ch)
		delete(l.conns, accountID)
	}
	return nil
}
