package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/safety"
	"github.com/botdesk/messaging-engine/internal/transport"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

func testConfig() Config {
	return Config{
		SendRetries:      3,
		SendBackoff:      5 * time.Millisecond,
		SendBackoffMax:   20 * time.Millisecond,
		ReconnectBackoff: 10 * time.Millisecond,
		ReconnectMax:     40 * time.Millisecond,
		ReconnectTries:   3,
		HandshakeTimeout: time.Second,
	}
}

// fakeTransport is a scripted transport: tests control the event channel and
// the outcome of each send.
type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	events  chan transport.Event
	sends   []transport.Payload
	sendErr func(call int) error
}

func (f *fakeTransport) Dial(ctx context.Context, accountID string) (<-chan transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	f.events = make(chan transport.Event, 8)
	return f.events, nil
}

func (f *fakeTransport) Send(ctx context.Context, accountID string, payload transport.Payload) (*model.DeliveryReceipt, error) {
	f.mu.Lock()
	f.sends = append(f.sends, payload)
	call := len(f.sends)
	errFn := f.sendErr
	f.mu.Unlock()

	if errFn != nil {
		if err := errFn(call); err != nil {
			return nil, err
		}
	}
	return &model.DeliveryReceipt{MessageID: fmt.Sprintf("mid-%d", call), AccountID: accountID, Timestamp: time.Now()}, nil
}

func (f *fakeTransport) Close(accountID string) error { return nil }

func (f *fakeTransport) emit(ev transport.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeTransport) dropConnection() {
	f.mu.Lock()
	ch := f.events
	f.events = nil
	f.mu.Unlock()
	close(ch)
}

func (f *fakeTransport) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, p := range f.sends {
		out[i] = p.Body
	}
	return out
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// scriptGuard returns scripted verdicts, Allow once the script runs out.
type scriptGuard struct {
	mu       sync.Mutex
	verdicts []safety.Verdict
	failures []int
}

func (g *scriptGuard) Authorize(tenantID, accountID string, kind model.SenderKind, body string) safety.Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.verdicts) == 0 {
		return safety.Verdict{Decision: safety.Allow}
	}
	v := g.verdicts[0]
	g.verdicts = g.verdicts[1:]
	return v
}

func (g *scriptGuard) ReportFailure(tenantID, accountID string, streak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, streak)
}

func (g *scriptGuard) Risk(accountID string) model.RiskLevel { return model.RiskLow }

func (g *scriptGuard) reportedStreaks() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, len(g.failures))
	copy(out, g.failures)
	return out
}

type recordingPub struct {
	mu     sync.Mutex
	events []*model.Event
}

func (p *recordingPub) Publish(ev *model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPub) byType(typ model.EventType) []*model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, tp transport.Transport, guard Authorizer, pub EventPublisher) *Manager {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	m := NewManager(testConfig(), tp, guard, pub, nil, log)
	t.Cleanup(m.Shutdown)
	return m
}

func waitForState(t *testing.T, m *Manager, accountID string, want model.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := m.CurrentState(accountID)
		return err == nil && state == want
	}, 2*time.Second, 2*time.Millisecond, "waiting for state %s", want)
}

func TestRegisterStartsDisconnected(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, &scriptGuard{}, nil)

	acc := m.Register("t1", "Support Desk")
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, "t1", acc.TenantID)
	assert.Equal(t, model.StateDisconnected, acc.State)

	tenant, err := m.TenantOf(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant)
}

func TestConnectWalksHandshakeToReady(t *testing.T) {
	tp := transport.NewLoopback()
	pub := &recordingPub{}
	m := newTestManager(t, tp, &scriptGuard{}, pub)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateReady)

	// The QR code and the ready signal both reached the dashboard feed.
	assert.NotEmpty(t, pub.byType(model.EventTypeQRCode))
	assert.NotEmpty(t, pub.byType(model.EventTypeReady))

	// Every intermediate state was announced.
	var seen []model.ConnectionState
	for _, ev := range pub.byType(model.EventTypeStateChange) {
		seen = append(seen, ev.Payload.(*model.StateChangePayload).To)
	}
	assert.Equal(t, []model.ConnectionState{
		model.StateConnecting,
		model.StateQRPending,
		model.StateConnected,
		model.StateReady,
	}, seen)

	got, err := m.Get(acc.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.PhoneNumber)
}

func TestConnectWhileLiveReturnsAlreadyConnected(t *testing.T) {
	tp := transport.NewLoopback()
	m := newTestManager(t, tp, &scriptGuard{}, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateReady)

	err := m.Connect(context.Background(), acc.ID)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectUnknownAccount(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, &scriptGuard{}, nil)
	err := m.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSendRequiresReady(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, &scriptGuard{}, nil)
	acc := m.Register("t1", "desk")

	_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "hi"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSendDeliversAndCountsAgainstDaily(t *testing.T) {
	tp := transport.NewLoopback()
	m := newTestManager(t, tp, &scriptGuard{}, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateReady)

	receipt, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)

	got, err := m.Get(acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentToday)
	assert.Equal(t, 0, got.FailureStreak)
}

func TestSendBlockedBySafetyPolicy(t *testing.T) {
	tp := transport.NewLoopback()
	guard := &scriptGuard{verdicts: []safety.Verdict{{
		Decision:   safety.Block,
		RetryAfter: 30 * time.Second,
		Reason:     "per-minute send ceiling reached",
	}}}
	m := newTestManager(t, tp, guard, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateReady)

	_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "spam"})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, acc.ID, limited.AccountID)
	assert.Equal(t, 30*time.Second, limited.RetryAfter)
}

func TestSendRetriesThenFails(t *testing.T) {
	tp := &fakeTransport{sendErr: func(call int) error {
		return errors.New("wire dropped")
	}}
	guard := &scriptGuard{}
	m := newTestManager(t, tp, guard, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "doomed"})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 3, sendErr.Attempts)
	assert.Len(t, tp.sentBodies(), 3)

	// The failure streak reached the guard.
	assert.Equal(t, []int{1}, guard.reportedStreaks())
	got, _ := m.Get(acc.ID)
	assert.Equal(t, 1, got.FailureStreak)
}

func TestSendRecoversOnRetry(t *testing.T) {
	tp := &fakeTransport{sendErr: func(call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}}
	m := newTestManager(t, tp, &scriptGuard{}, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	receipt, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "retry me"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)

	got, _ := m.Get(acc.ID)
	assert.Equal(t, 0, got.FailureStreak)
	assert.Equal(t, 1, got.SentToday)
}

func TestDelayVerdictHoldsQueueOrder(t *testing.T) {
	tp := &fakeTransport{}
	guard := &scriptGuard{verdicts: []safety.Verdict{{
		Decision:   safety.Delay,
		RetryAfter: 100 * time.Millisecond,
		Reason:     "approaching per-minute ceiling",
	}}}
	m := newTestManager(t, tp, guard, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "first"})
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "second"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	// The delayed first message holds the queue; the second never overtakes.
	assert.Equal(t, []string{"first", "second"}, tp.sentBodies())
}

func TestConnectionLostDegradesAndReconnects(t *testing.T) {
	tp := &fakeTransport{}
	pub := &recordingPub{}
	m := newTestManager(t, tp, &scriptGuard{}, pub)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	tp.dropConnection()
	require.Eventually(t, func() bool { return tp.dialCount() >= 2 }, 2*time.Second, 2*time.Millisecond)

	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	var seen []model.ConnectionState
	for _, ev := range pub.byType(model.EventTypeStateChange) {
		seen = append(seen, ev.Payload.(*model.StateChangePayload).To)
	}
	assert.Contains(t, seen, model.StateDegraded)
}

func TestReconnectExhaustionEndsInTimeout(t *testing.T) {
	tp := &fakeTransport{}
	pub := &recordingPub{}
	m := newTestManager(t, tp, &scriptGuard{}, pub)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)

	// Refuse every redial; each drop burns one attempt.
	tp.mu.Lock()
	tp.dialErr = errors.New("refused")
	tp.mu.Unlock()
	tp.dropConnection()

	waitForState(t, m, acc.ID, model.StateTimeout)

	// TIMEOUT is terminal until a manual connect.
	_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "x"})
	assert.ErrorIs(t, err, ErrNotReady)

	tp.mu.Lock()
	tp.dialErr = nil
	tp.mu.Unlock()
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventSessionSynced})
	waitForState(t, m, acc.ID, model.StateReady)
}

func TestStalledHandshakeTimesOut(t *testing.T) {
	tp := &fakeTransport{}
	pub := &recordingPub{}
	log, err := logger.New("error")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.HandshakeTimeout = 20 * time.Millisecond
	m := NewManager(cfg, tp, &scriptGuard{}, pub, nil, log)
	t.Cleanup(m.Shutdown)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventQRCode, Code: "never scanned"})

	// The QR is never scanned: the deadline degrades the session, redials
	// burn the reconnect budget, and the account ends in TIMEOUT.
	waitForState(t, m, acc.ID, model.StateTimeout)
	assert.GreaterOrEqual(t, tp.dialCount(), 2)

	var seen []model.ConnectionState
	for _, ev := range pub.byType(model.EventTypeStateChange) {
		seen = append(seen, ev.Payload.(*model.StateChangePayload).To)
	}
	assert.Contains(t, seen, model.StateDegraded)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	tp := &fakeTransport{}
	pub := &recordingPub{}
	m := newTestManager(t, tp, &scriptGuard{}, pub)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	tp.emit(transport.Event{Kind: transport.EventAuthFailure, Err: errors.New("session revoked")})

	waitForState(t, m, acc.ID, model.StateTimeout)
	assert.NotEmpty(t, pub.byType(model.EventTypeAuthFailure))

	// No automatic redial after an auth failure.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tp.dialCount())
}

func TestDisconnectStopsSession(t *testing.T) {
	tp := transport.NewLoopback()
	m := newTestManager(t, tp, &scriptGuard{}, nil)

	acc := m.Register("t1", "desk")
	require.NoError(t, m.Connect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateReady)

	require.NoError(t, m.Disconnect(context.Background(), acc.ID))
	waitForState(t, m, acc.ID, model.StateDisconnected)

	_, err := m.Send(context.Background(), acc.ID, model.SenderBot, transport.Payload{Body: "x"})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRemoveForgetsAccount(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, &scriptGuard{}, nil)
	acc := m.Register("t1", "desk")

	require.NoError(t, m.Remove(acc.ID))
	assert.ErrorIs(t, m.Remove(acc.ID), ErrUnknownAccount)

	_, err := m.Get(acc.ID)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestListFiltersByTenant(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, &scriptGuard{}, nil)
	a := m.Register("t1", "first")
	time.Sleep(2 * time.Millisecond)
	b := m.Register("t1", "second")
	m.Register("t2", "other tenant")

	accounts := m.List("t1")
	require.Len(t, accounts, 2)
	assert.Equal(t, a.ID, accounts[0].ID)
	assert.Equal(t, b.ID, accounts[1].ID)
}

func TestAccountsProceedIndependently(t *testing.T) {
	tp := transport.NewLoopback()
	m := newTestManager(t, tp, &scriptGuard{}, nil)

	first := m.Register("t1", "one")
	second := m.Register("t1", "two")

	require.NoError(t, m.Connect(context.Background(), first.ID))
	waitForState(t, m, first.ID, model.StateReady)

	// The second account never connected; the first is unaffected by it.
	state, err := m.CurrentState(second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDisconnected, state)
}
