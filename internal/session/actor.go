package session

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/safety"
	"github.com/botdesk/messaging-engine/internal/transport"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdSend
)

type sendResult struct {
	receipt *model.DeliveryReceipt
	err     error
}

type command struct {
	kind      cmdKind
	ctx       context.Context
	sender    model.SenderKind
	payload   transport.Payload
	sendReply chan sendResult
	done      chan error
}

// account is one registry entry plus its actor mailbox. The mu guards the
// snapshot fields for readers; only the actor goroutine writes them.
type account struct {
	mu            sync.Mutex
	id            string
	tenantID      string
	displayName   string
	phone         *string
	state         model.ConnectionState
	sentToday     int
	failureStreak int
	createdAt     time.Time
	updatedAt     time.Time

	cmds chan command
	stop chan struct{}
}

// ask submits a command to the actor and waits for acknowledgment.
func (a *account) ask(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	select {
	case a.cmds <- cmd:
	case <-a.stop:
		return ErrUnknownAccount
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *account) snapshot(guard Authorizer) model.Account {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc := model.Account{
		ID:            a.id,
		TenantID:      a.tenantID,
		DisplayName:   a.displayName,
		PhoneNumber:   a.phone,
		State:         a.state,
		SentToday:     a.sentToday,
		FailureStreak: a.failureStreak,
		CreatedAt:     a.createdAt,
		UpdatedAt:     a.updatedAt,
	}
	if guard != nil {
		acc.Risk = guard.Risk(a.id)
	}
	return acc
}

// run is the actor loop. All state transitions happen here, so no two can
// ever apply concurrently for the same account.
func (m *Manager) run(a *account) {
	var (
		connCtx    context.Context
		connCancel context.CancelFunc
		events     <-chan transport.Event
		reconnect  *time.Timer
		reconnectC <-chan time.Time
		handshake  *time.Timer
		handshakeC <-chan time.Time
		attempts   int
		backoff    = m.cfg.ReconnectBackoff
	)

	clearReconnect := func() {
		if reconnect != nil {
			reconnect.Stop()
			reconnect = nil
			reconnectC = nil
		}
	}

	clearHandshake := func() {
		if handshake != nil {
			handshake.Stop()
			handshake = nil
			handshakeC = nil
		}
	}

	teardown := func() {
		clearReconnect()
		clearHandshake()
		if connCancel != nil {
			connCancel()
			connCancel = nil
		}
		events = nil
		_ = m.transport.Close(a.id)
	}

	// dial arms the pairing deadline: a connection that never reaches READY
	// is torn down instead of sitting in QR_PENDING forever.
	dial := func() error {
		connCtx, connCancel = context.WithCancel(context.Background())
		ch, err := m.transport.Dial(connCtx, a.id)
		if err != nil {
			connCancel()
			connCancel = nil
			return err
		}
		events = ch
		clearHandshake()
		t := time.NewTimer(m.cfg.HandshakeTimeout)
		handshake = t
		handshakeC = t.C
		return nil
	}

	for {
		select {
		case <-a.stop:
			teardown()
			m.transition(a, model.StateDisconnected)
			return

		case cmd := <-a.cmds:
			switch cmd.kind {
			case cmdConnect:
				cmd.done <- m.handleConnect(a, dial, teardown, &attempts, &backoff)

			case cmdDisconnect:
				teardown()
				attempts = 0
				backoff = m.cfg.ReconnectBackoff
				m.transition(a, model.StateDisconnected)
				m.publish(a, model.EventTypeDisconnected, nil)
				cmd.done <- nil

			case cmdSend:
				cmd.done <- nil
				res := m.handleSend(a, cmd)
				cmd.sendReply <- res
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				m.degrade(a, &attempts, &backoff, &reconnect, &reconnectC, teardown)
				continue
			}
			if ev.Kind == transport.EventSessionSynced {
				clearHandshake()
			}
			m.handleTransportEvent(a, ev, &attempts, &backoff, &reconnect, &reconnectC, teardown)

		case <-handshakeC:
			clearHandshake()
			m.logger.Warn("pairing handshake deadline exceeded",
				zap.String("account_id", a.id),
				zap.Duration("timeout", m.cfg.HandshakeTimeout),
			)
			m.degrade(a, &attempts, &backoff, &reconnect, &reconnectC, teardown)

		case <-reconnectC:
			clearReconnect()
			m.logger.Info("reconnecting account",
				zap.String("account_id", a.id),
				zap.Int("attempt", attempts),
			)
			m.transition(a, model.StateConnecting)
			if err := dial(); err != nil {
				m.degrade(a, &attempts, &backoff, &reconnect, &reconnectC, teardown)
			}
		}
	}
}

func (m *Manager) handleConnect(a *account, dial func() error, teardown func(), attempts *int, backoff *time.Duration) error {
	state := a.currentState()
	if state != model.StateDisconnected && state != model.StateTimeout && state != model.StateDegraded {
		return ErrAlreadyConnected
	}

	teardown()
	*attempts = 0
	*backoff = m.cfg.ReconnectBackoff

	m.transition(a, model.StateConnecting)
	if err := dial(); err != nil {
		m.transition(a, model.StateTimeout)
		return err
	}
	return nil
}

func (m *Manager) handleTransportEvent(a *account, ev transport.Event, attempts *int, backoff *time.Duration, reconnect **time.Timer, reconnectC *<-chan time.Time, teardown func()) {
	switch ev.Kind {
	case transport.EventQRCode:
		m.transition(a, model.StateQRPending)
		m.publish(a, model.EventTypeQRCode, &model.QRCodePayload{
			Code:      ev.Code,
			ExpiresAt: time.Now().Add(m.cfg.HandshakeTimeout),
		})

	case transport.EventPairConfirmed:
		a.mu.Lock()
		if ev.Phone != "" {
			phone := ev.Phone
			a.phone = &phone
		}
		a.mu.Unlock()
		m.transition(a, model.StateConnected)

	case transport.EventSessionSynced:
		*attempts = 0
		*backoff = m.cfg.ReconnectBackoff
		m.transition(a, model.StateReady)
		m.publish(a, model.EventTypeReady, nil)

	case transport.EventAuthFailure:
		m.logger.Warn("authentication failed",
			zap.String("account_id", a.id),
			zap.Error(ev.Err),
		)
		teardown()
		m.transition(a, model.StateTimeout)
		m.publish(a, model.EventTypeAuthFailure, nil)

	case transport.EventConnectionLost:
		m.degrade(a, attempts, backoff, reconnect, reconnectC, teardown)
	}
}

// degrade moves the account to DEGRADED and schedules a capped-backoff
// reconnect, or to TIMEOUT once attempts are exhausted.
func (m *Manager) degrade(a *account, attempts *int, backoff *time.Duration, reconnect **time.Timer, reconnectC *<-chan time.Time, teardown func()) {
	teardown()

	if *attempts >= m.cfg.ReconnectTries {
		m.logger.Warn("reconnect attempts exhausted",
			zap.String("account_id", a.id),
			zap.Int("attempts", *attempts),
		)
		m.transition(a, model.StateTimeout)
		m.publish(a, model.EventTypeDisconnected, nil)
		return
	}

	m.transition(a, model.StateDegraded)

	wait := *backoff
	*attempts++
	*backoff *= 2
	if *backoff > m.cfg.ReconnectMax {
		*backoff = m.cfg.ReconnectMax
	}

	t := time.NewTimer(wait)
	*reconnect = t
	*reconnectC = t.C
}

// handleSend runs entirely on the actor goroutine: the safety check, any
// required delay and the bounded retry loop all hold the account's queue, so
// per-account ordering survives delays and retries.
func (m *Manager) handleSend(a *account, cmd command) sendResult {
	if a.currentState() != model.StateReady {
		metrics.SendsTotal.WithLabelValues(a.id, "not_ready").Inc()
		return sendResult{err: ErrNotReady}
	}

	// Safety gate. The admission is counted inside Authorize; a Delay
	// verdict paces the whole account queue rather than dropping or
	// reordering the message.
	verdict := m.guard.Authorize(a.tenantID, a.id, cmd.sender, cmd.payload.Body)
	switch verdict.Decision {
	case safety.Block:
		metrics.SendsTotal.WithLabelValues(a.id, "blocked").Inc()
		return sendResult{err: &RateLimitedError{
			AccountID:  a.id,
			Reason:     verdict.Reason,
			RetryAfter: verdict.RetryAfter,
		}}
	case safety.Delay:
		select {
		case <-time.After(verdict.RetryAfter):
		case <-cmd.ctx.Done():
			return sendResult{err: cmd.ctx.Err()}
		case <-a.stop:
			return sendResult{err: ErrUnknownAccount}
		}
	}

	receipt, attempts, err := m.transmit(a, cmd)
	if err != nil {
		a.mu.Lock()
		a.failureStreak++
		streak := a.failureStreak
		a.updatedAt = time.Now()
		a.mu.Unlock()

		m.guard.ReportFailure(a.tenantID, a.id, streak)
		metrics.SendsTotal.WithLabelValues(a.id, "failed").Inc()
		return sendResult{err: &SendError{AccountID: a.id, Attempts: attempts, Err: err}}
	}

	a.mu.Lock()
	a.failureStreak = 0
	a.sentToday++
	a.updatedAt = time.Now()
	a.mu.Unlock()

	metrics.SendsTotal.WithLabelValues(a.id, "sent").Inc()
	m.publish(a, model.EventTypeMessage, receipt)
	return sendResult{receipt: receipt}
}

// transmit retries the transport send with exponential backoff and jitter.
func (m *Manager) transmit(a *account, cmd command) (*model.DeliveryReceipt, int, error) {
	var lastErr error
	backoff := m.cfg.SendBackoff

	for attempt := 1; attempt <= m.cfg.SendRetries; attempt++ {
		receipt, err := m.transport.Send(cmd.ctx, a.id, cmd.payload)
		if err == nil {
			return receipt, attempt, nil
		}
		lastErr = err

		if attempt == m.cfg.SendRetries {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-cmd.ctx.Done():
			return nil, attempt, cmd.ctx.Err()
		case <-a.stop:
			return nil, attempt, ErrUnknownAccount
		}

		backoff *= 2
		if backoff > m.cfg.SendBackoffMax {
			backoff = m.cfg.SendBackoffMax
		}
	}

	return nil, m.cfg.SendRetries, lastErr
}

func (a *account) currentState() model.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// transition applies a state change, emits the realtime event and persists
// the transition record. The actor goroutine is the only caller.
func (m *Manager) transition(a *account, to model.ConnectionState) {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return
	}
	a.state = to
	a.updatedAt = time.Now()
	a.mu.Unlock()

	metrics.SetSessionState(a.id, string(from), string(to))
	m.logger.Info("connection state changed",
		zap.String("account_id", a.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	m.publish(a, model.EventTypeStateChange, &model.StateChangePayload{From: from, To: to})
	m.persistTransition(a, from, to)
}
