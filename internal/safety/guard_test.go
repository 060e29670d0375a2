package safety

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*model.SafetyEvent
}

func (s *recordingSink) SaveSafetyEvent(ctx context.Context, ev *model.SafetyEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return uint64(len(s.events)), nil
}

func (s *recordingSink) byType(typ model.SafetyEventType) []*model.SafetyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SafetyEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestGuard(t *testing.T, cfg Config, sink EventSink, clock *time.Time) *Guard {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)
	g := NewGuard(cfg, sink, nil, log)
	if clock != nil {
		g.now = func() time.Time { return *clock }
	}
	return g
}

func TestGuardAllowsUnderLimit(t *testing.T) {
	g := newTestGuard(t, DefaultConfig(), nil, nil)

	for i := 0; i < 10; i++ {
		v := g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("message %d", i))
		assert.Equal(t, Allow, v.Decision)
	}
}

func TestGuardDelaysAtSoftThreshold(t *testing.T) {
	clock := time.Now()
	g := newTestGuard(t, DefaultConfig(), nil, &clock)

	// Soft threshold is 80% of 20: the 17th send in the minute is delayed.
	for i := 0; i < 16; i++ {
		v := g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
		require.Equal(t, Allow, v.Decision, "send %d", i)
	}

	v := g.Authorize("t1", "acc1", model.SenderBot, "paced")
	assert.Equal(t, Delay, v.Decision)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
}

func TestGuardBlocksAtMinuteCeiling(t *testing.T) {
	clock := time.Now()
	g := newTestGuard(t, DefaultConfig(), nil, &clock)

	for i := 0; i < 20; i++ {
		v := g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
		require.NotEqual(t, Block, v.Decision, "send %d", i)
	}

	v := g.Authorize("t1", "acc1", model.SenderBot, "over the top")
	assert.Equal(t, Block, v.Decision)
	assert.Greater(t, v.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, v.RetryAfter, time.Minute)
}

func TestGuardMinuteWindowSlides(t *testing.T) {
	clock := time.Now()
	g := newTestGuard(t, DefaultConfig(), nil, &clock)

	for i := 0; i < 20; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
	}
	require.Equal(t, Block, g.Authorize("t1", "acc1", model.SenderBot, "x").Decision)

	// A minute later the window is empty again.
	clock = clock.Add(61 * time.Second)
	v := g.Authorize("t1", "acc1", model.SenderBot, "fresh")
	assert.Equal(t, Allow, v.Decision)
}

func TestGuardDailyCeiling(t *testing.T) {
	clock := time.Now()
	cfg := DefaultConfig()
	cfg.SendsPerDay = 40
	sink := &recordingSink{}
	g := newTestGuard(t, cfg, sink, &clock)

	// Spread sends across minutes so only the daily counter binds.
	for i := 0; i < 40; i++ {
		v := g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
		require.NotEqual(t, Block, v.Decision, "send %d", i)
		if (i+1)%10 == 0 {
			clock = clock.Add(2 * time.Minute)
		}
	}

	v := g.Authorize("t1", "acc1", model.SenderBot, "over")
	assert.Equal(t, Block, v.Decision)
	assert.Equal(t, "daily send ceiling reached", v.Reason)

	require.Eventually(t, func() bool {
		for _, ev := range sink.byType(model.EventRateLimitExceeded) {
			if ev.Context["window"] == "day" {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func TestGuardDailyCounterRollsOver(t *testing.T) {
	clock := time.Date(2026, 8, 28, 23, 50, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.SendsPerDay = 5
	g := newTestGuard(t, cfg, nil, &clock)

	for i := 0; i < 5; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
		clock = clock.Add(time.Minute)
	}
	require.Equal(t, Block, g.Authorize("t1", "acc1", model.SenderBot, "x").Decision)

	// Past midnight the ceiling resets.
	clock = clock.Add(10 * time.Minute)
	v := g.Authorize("t1", "acc1", model.SenderBot, "new day")
	assert.Equal(t, Allow, v.Decision)
}

func TestGuardIdenticalContentBurst(t *testing.T) {
	clock := time.Now()
	sink := &recordingSink{}
	g := newTestGuard(t, DefaultConfig(), sink, &clock)

	for i := 0; i < 5; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, "identical body")
		clock = clock.Add(10 * time.Second)
	}

	require.Eventually(t, func() bool {
		return len(sink.byType(model.EventSuspiciousActivity)) > 0
	}, time.Second, 2*time.Millisecond)

	events := sink.byType(model.EventSuspiciousActivity)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)
	assert.Equal(t, "identical_content_burst", events[0].Context["heuristic"])
	assert.Equal(t, model.RiskMedium, g.Risk("acc1"))
}

func TestGuardBurstIgnoresCustomerEcho(t *testing.T) {
	clock := time.Now()
	sink := &recordingSink{}
	g := newTestGuard(t, DefaultConfig(), sink, &clock)

	// Customer-authored duplicates are not an automation signal.
	for i := 0; i < 8; i++ {
		g.Authorize("t1", "acc1", model.SenderCustomer, "ok")
		clock = clock.Add(5 * time.Second)
	}

	assert.Empty(t, sink.byType(model.EventSuspiciousActivity))
	assert.Equal(t, model.RiskLow, g.Risk("acc1"))
}

func TestGuardBurstWindowExpires(t *testing.T) {
	clock := time.Now()
	sink := &recordingSink{}
	g := newTestGuard(t, DefaultConfig(), sink, &clock)

	// Four copies, then a gap longer than the burst window, then four more:
	// never five inside one window.
	for i := 0; i < 4; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, "same text")
		clock = clock.Add(10 * time.Second)
	}
	clock = clock.Add(3 * time.Minute)
	for i := 0; i < 4; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, "same text")
		clock = clock.Add(10 * time.Second)
	}

	assert.Empty(t, sink.byType(model.EventSuspiciousActivity))
}

func TestGuardRiskDecaysAfterCleanPeriod(t *testing.T) {
	clock := time.Now()
	g := newTestGuard(t, DefaultConfig(), nil, &clock)

	// A failure streak of 5 escalates risk.
	g.ReportFailure("t1", "acc1", 5)
	require.Equal(t, model.RiskMedium, g.Risk("acc1"))

	// Risk holds until the account stays clean long enough.
	clock = clock.Add(10 * time.Minute)
	assert.Equal(t, model.RiskMedium, g.Risk("acc1"))

	clock = clock.Add(25 * time.Minute)
	assert.Equal(t, model.RiskLow, g.Risk("acc1"))
}

func TestGuardFailureSeverityTiers(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGuard(t, DefaultConfig(), sink, nil)

	g.ReportFailure("t1", "acc1", 1)
	g.ReportFailure("t1", "acc1", 3)
	g.ReportFailure("t1", "acc1", 5)
	g.ReportFailure("t1", "acc1", 10)

	require.Eventually(t, func() bool {
		return len(sink.byType(model.EventConnectionError)) == 4
	}, time.Second, 2*time.Millisecond)

	// Persistence is asynchronous; arrival order is not guaranteed.
	var severities []model.Severity
	for _, ev := range sink.byType(model.EventConnectionError) {
		severities = append(severities, ev.Severity)
	}
	assert.ElementsMatch(t, []model.Severity{
		model.SeverityLow,
		model.SeverityMedium,
		model.SeverityHigh,
		model.SeverityCritical,
	}, severities)
}

// stuckSink blocks every save until released, standing in for an
// unresponsive outbox.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) SaveSafetyEvent(ctx context.Context, ev *model.SafetyEvent) (uint64, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return 0, ctx.Err()
}

func TestGuardSlowSinkDoesNotStallAuthorize(t *testing.T) {
	sink := &stuckSink{release: make(chan struct{})}
	t.Cleanup(func() { close(sink.release) })
	g := newTestGuard(t, DefaultConfig(), sink, nil)

	// Trip the per-minute ceiling so every further check raises an event.
	// Admission must keep answering even though the sink never does.
	for i := 0; i < 20; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
	}

	done := make(chan Verdict, 1)
	go func() {
		done <- g.Authorize("t1", "acc1", model.SenderBot, "over")
	}()

	select {
	case v := <-done:
		assert.Equal(t, Block, v.Decision)
	case <-time.After(time.Second):
		t.Fatal("Authorize blocked on a slow event sink")
	}
}

func TestGuardAccountsIsolated(t *testing.T) {
	clock := time.Now()
	g := newTestGuard(t, DefaultConfig(), nil, &clock)

	for i := 0; i < 20; i++ {
		g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", i))
	}
	require.Equal(t, Block, g.Authorize("t1", "acc1", model.SenderBot, "x").Decision)

	// Another account on the same tenant is unaffected.
	v := g.Authorize("t1", "acc2", model.SenderBot, "hello")
	assert.Equal(t, Allow, v.Decision)
}

func TestGuardConcurrentAuthorizeNeverOverAdmits(t *testing.T) {
	g := newTestGuard(t, DefaultConfig(), nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v := g.Authorize("t1", "acc1", model.SenderBot, fmt.Sprintf("m%d", n))
			if v.Decision != Block {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// Check-and-count under one lock: exactly the ceiling is admitted.
	assert.Equal(t, 20, admitted)
}
