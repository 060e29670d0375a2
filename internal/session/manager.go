// Package session owns the lifecycle of every messaging-account connection.
// Each account runs as one actor goroutine: connect, disconnect and send for
// the same account are strictly ordered, while accounts proceed in parallel.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/safety"
	"github.com/botdesk/messaging-engine/internal/transport"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// Config tunes retry and reconnect behavior.
type Config struct {
	SendRetries      int
	SendBackoff      time.Duration
	SendBackoffMax   time.Duration
	ReconnectBackoff time.Duration
	ReconnectMax     time.Duration
	ReconnectTries   int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendRetries:      3,
		SendBackoff:      500 * time.Millisecond,
		SendBackoffMax:   5 * time.Second,
		ReconnectBackoff: 2 * time.Second,
		ReconnectMax:     60 * time.Second,
		ReconnectTries:   6,
		HandshakeTimeout: 2 * time.Minute,
	}
}

// EventPublisher fans state transitions and delivery events out to dashboards.
type EventPublisher interface {
	Publish(ev *model.Event)
}

// TransitionStore persists state transitions to the durable outbox.
type TransitionStore interface {
	SaveStateChange(ctx context.Context, tenantID, accountID string, payload *model.StateChangePayload) (uint64, error)
}

// Authorizer gates every outbound send; see the safety package.
type Authorizer interface {
	Authorize(tenantID, accountID string, kind model.SenderKind, body string) safety.Verdict
	ReportFailure(tenantID, accountID string, streak int)
	Risk(accountID string) model.RiskLevel
}

// Manager is the explicit account registry and state-machine owner.
type Manager struct {
	cfg       Config
	transport transport.Transport
	pub       EventPublisher
	store     TransitionStore
	guard     Authorizer
	logger    *logger.Logger

	mu       sync.RWMutex
	accounts map[string]*account
}

// NewManager creates a session manager over a transport.
func NewManager(cfg Config, tp transport.Transport, guard Authorizer, pub EventPublisher, store TransitionStore, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		transport: tp,
		pub:       pub,
		store:     store,
		guard:     guard,
		logger:    log,
		accounts:  make(map[string]*account),
	}
}

// Register adds an account to the registry in DISCONNECTED state and starts
// its actor. The returned snapshot is safe to retain.
func (m *Manager) Register(tenantID, displayName string) model.Account {
	now := time.Now()
	a := &account{
		id:          uuid.Must(uuid.NewV7()).String(),
		tenantID:    tenantID,
		displayName: displayName,
		state:       model.StateDisconnected,
		createdAt:   now,
		updatedAt:   now,
		cmds:        make(chan command),
		stop:        make(chan struct{}),
	}

	m.mu.Lock()
	m.accounts[a.id] = a
	m.mu.Unlock()

	metrics.SetSessionState(a.id, "", string(model.StateDisconnected))
	go m.run(a)

	return a.snapshot(m.guard)
}

// Remove destroys an account: its session is torn down and the registry
// entry removed.
func (m *Manager) Remove(accountID string) error {
	m.mu.Lock()
	a, ok := m.accounts[accountID]
	if ok {
		delete(m.accounts, accountID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrUnknownAccount
	}
	close(a.stop)
	return nil
}

// Shutdown stops every account actor. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	accounts := m.accounts
	m.accounts = make(map[string]*account)
	m.mu.Unlock()

	for _, a := range accounts {
		close(a.stop)
	}
}

func (m *Manager) lookup(accountID string) (*account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return a, nil
}

// Connect starts the connection handshake for an account.
func (m *Manager) Connect(ctx context.Context, accountID string) error {
	a, err := m.lookup(accountID)
	if err != nil {
		return err
	}
	return a.ask(ctx, command{kind: cmdConnect})
}

// Disconnect tears the account's session down.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	a, err := m.lookup(accountID)
	if err != nil {
		return err
	}
	return a.ask(ctx, command{kind: cmdDisconnect})
}

// Send transmits one payload for an account. It is accepted only in READY
// state, gated by the SafetyGuard, and retried with bounded backoff on
// transport failure. Sends for one account are strictly FIFO: a safety Delay
// holds later messages back rather than letting them overtake.
func (m *Manager) Send(ctx context.Context, accountID string, kind model.SenderKind, payload transport.Payload) (*model.DeliveryReceipt, error) {
	a, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}

	reply := make(chan sendResult, 1)
	if err := a.ask(ctx, command{kind: cmdSend, ctx: ctx, sender: kind, payload: payload, sendReply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CurrentState returns the connection state for an account.
func (m *Manager) CurrentState(accountID string) (model.ConnectionState, error) {
	a, err := m.lookup(accountID)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

// Get returns a snapshot of one account.
func (m *Manager) Get(accountID string) (model.Account, error) {
	a, err := m.lookup(accountID)
	if err != nil {
		return model.Account{}, err
	}
	return a.snapshot(m.guard), nil
}

// List returns snapshots of every account for a tenant, oldest first.
func (m *Manager) List(tenantID string) []model.Account {
	m.mu.RLock()
	accounts := make([]*account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.tenantID == tenantID {
			accounts = append(accounts, a)
		}
	}
	m.mu.RUnlock()

	out := make([]model.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.snapshot(m.guard))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TenantOf resolves the owning tenant of an account.
func (m *Manager) TenantOf(accountID string) (string, error) {
	a, err := m.lookup(accountID)
	if err != nil {
		return "", err
	}
	return a.tenantID, nil
}

// publish emits a realtime event. Fire-and-forget relative to the actor.
func (m *Manager) publish(a *account, typ model.EventType, payload any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(&model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		TenantID:  a.tenantID,
		AccountID: a.id,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// persistTransition hands the transition to the durable outbox off the actor
// goroutine. Storage failures are logged, never surfaced to the caller.
func (m *Manager) persistTransition(a *account, from, to model.ConnectionState) {
	if m.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := m.store.SaveStateChange(ctx, a.tenantID, a.id, &model.StateChangePayload{From: from, To: to}); err != nil {
			m.logger.Error("failed to persist state transition",
				zap.String("account_id", a.id),
				zap.String("to", string(to)),
				zap.Error(err),
			)
		}
	}()
}
