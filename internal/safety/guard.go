// Package safety enforces per-account anti-ban policy: send-rate ceilings,
// anomaly heuristics and a risk level that escalates toward account
// protection before the channel operator intervenes.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// Decision is the outcome of an authorize check.
type Decision int

const (
	// Allow permits the send immediately.
	Allow Decision = iota
	// Delay requires the caller to wait before retrying; the message must
	// not be dropped.
	Delay
	// Block rejects the send; the caller decides whether to queue or fail.
	Block
)

// Verdict is the full authorize result.
type Verdict struct {
	Decision   Decision
	RetryAfter time.Duration
	Reason     string
}

// EventSink persists safety events to the durable audit log.
type EventSink interface {
	SaveSafetyEvent(ctx context.Context, ev *model.SafetyEvent) (uint64, error)
}

// EventPublisher fans safety events out to dashboard subscribers.
type EventPublisher interface {
	Publish(ev *model.Event)
}

// Config tunes the guard's policy.
type Config struct {
	SendsPerMinute int
	SendsPerDay    int
	// SoftRatio of the per-minute ceiling at which sends start being delayed.
	SoftRatio float64
	// BurstThreshold identical bodies within BurstWindow raise suspicion.
	BurstThreshold int
	BurstWindow    time.Duration
	// RiskDecayAfter is the clean period after which risk steps down a level.
	RiskDecayAfter time.Duration
}

// DefaultConfig returns production policy defaults.
func DefaultConfig() Config {
	return Config{
		SendsPerMinute: 20,
		SendsPerDay:    1000,
		SoftRatio:      0.8,
		BurstThreshold: 5,
		BurstWindow:    2 * time.Minute,
		RiskDecayAfter: 30 * time.Minute,
	}
}

type accountWindow struct {
	mu sync.Mutex

	minute []time.Time // send timestamps inside the sliding minute
	day    int
	dayKey string // rollover marker, YYYY-MM-DD

	bodies map[string][]time.Time // body hash -> recent send times

	risk        model.RiskLevel
	lastEventAt time.Time
}

// Guard is the per-account safety policy engine. Counters are checked and
// advanced under one lock so two near-limit concurrent sends cannot both pass.
type Guard struct {
	cfg    Config
	sink   EventSink
	pub    EventPublisher
	logger *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	accounts map[string]*accountWindow
}

// NewGuard creates a guard.
func NewGuard(cfg Config, sink EventSink, pub EventPublisher, log *logger.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		sink:     sink,
		pub:      pub,
		logger:   log,
		now:      time.Now,
		accounts: make(map[string]*accountWindow),
	}
}

func (g *Guard) window(accountID string) *accountWindow {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.accounts[accountID]
	if !ok {
		w = &accountWindow{bodies: make(map[string][]time.Time)}
		g.accounts[accountID] = w
	}
	return w
}

// Authorize decides whether one outbound send may proceed. An allowed or
// delayed send is counted against the window at admission time.
func (g *Guard) Authorize(tenantID, accountID string, kind model.SenderKind, body string) Verdict {
	w := g.window(accountID)
	now := g.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	g.decayRiskLocked(w, now)
	g.pruneLocked(w, now)

	// Daily ceiling.
	if w.day >= g.cfg.SendsPerDay {
		w.lastEventAt = now
		g.raiseLocked(tenantID, accountID, w, model.EventRateLimitExceeded, model.SeverityHigh, map[string]string{
			"window": "day",
		})
		metrics.SafetyVerdictsTotal.WithLabelValues(accountID, "block").Inc()
		return Verdict{Decision: Block, Reason: "daily send ceiling reached"}
	}

	// Hard per-minute ceiling.
	if len(w.minute) >= g.cfg.SendsPerMinute {
		w.lastEventAt = now
		g.raiseLocked(tenantID, accountID, w, model.EventRateLimitExceeded, model.SeverityMedium, map[string]string{
			"window": "minute",
		})
		metrics.SafetyVerdictsTotal.WithLabelValues(accountID, "block").Inc()
		retry := w.minute[0].Add(time.Minute).Sub(now)
		return Verdict{Decision: Block, RetryAfter: retry, Reason: "per-minute send ceiling reached"}
	}

	verdict := Verdict{Decision: Allow}

	// Soft threshold: admit but require pacing.
	soft := int(float64(g.cfg.SendsPerMinute) * g.cfg.SoftRatio)
	if len(w.minute) >= soft {
		g.raiseLocked(tenantID, accountID, w, model.EventRateLimitWarning, model.SeverityLow, map[string]string{
			"window": "minute",
		})
		retry := w.minute[0].Add(time.Minute).Sub(now)
		if retry < 0 {
			retry = time.Second
		}
		verdict = Verdict{Decision: Delay, RetryAfter: retry, Reason: "approaching per-minute ceiling"}
	}

	// Identical-content burst heuristic.
	if kind == model.SenderBot || kind == model.SenderAdmin {
		h := bodyHash(body)
		w.bodies[h] = append(w.bodies[h], now)
		if len(w.bodies[h]) >= g.cfg.BurstThreshold {
			w.lastEventAt = now
			g.escalateRiskLocked(w)
			g.raiseLocked(tenantID, accountID, w, model.EventSuspiciousActivity, model.SeverityHigh, map[string]string{
				"heuristic": "identical_content_burst",
			})
		}
	}

	// Count the admission.
	w.minute = append(w.minute, now)
	w.day++

	label := "allow"
	if verdict.Decision == Delay {
		label = "delay"
	}
	metrics.SafetyVerdictsTotal.WithLabelValues(accountID, label).Inc()
	return verdict
}

// ReportFailure records a transport failure streak against an account and
// raises a safety event whose severity grows with the streak.
func (g *Guard) ReportFailure(tenantID, accountID string, streak int) {
	w := g.window(accountID)
	now := g.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	sev := model.SeverityLow
	switch {
	case streak >= 10:
		sev = model.SeverityCritical
	case streak >= 5:
		sev = model.SeverityHigh
	case streak >= 3:
		sev = model.SeverityMedium
	}
	if streak >= 5 {
		g.escalateRiskLocked(w)
	}
	w.lastEventAt = now
	g.raiseLocked(tenantID, accountID, w, model.EventConnectionError, sev, map[string]string{
		"failure_streak": strconv.Itoa(streak),
	})
}

// ReportWarning records an operator-visible account warning.
func (g *Guard) ReportWarning(tenantID, accountID, reason string) {
	w := g.window(accountID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastEventAt = g.now()
	g.raiseLocked(tenantID, accountID, w, model.EventAccountWarning, model.SeverityMedium, map[string]string{
		"reason": reason,
	})
}

// Risk returns the current risk level for an account.
func (g *Guard) Risk(accountID string) model.RiskLevel {
	w := g.window(accountID)
	w.mu.Lock()
	defer w.mu.Unlock()

	g.decayRiskLocked(w, g.now())
	return w.risk
}

// pruneLocked drops send timestamps outside the sliding windows and rolls
// the daily counter at midnight.
func (g *Guard) pruneLocked(w *accountWindow, now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.minute) && !w.minute[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.minute = append(w.minute[:0], w.minute[i:]...)
	}

	day := now.Format("2006-01-02")
	if w.dayKey != day {
		w.dayKey = day
		w.day = 0
	}

	burstCutoff := now.Add(-g.cfg.BurstWindow)
	for h, times := range w.bodies {
		j := 0
		for j < len(times) && !times[j].After(burstCutoff) {
			j++
		}
		if j == len(times) {
			delete(w.bodies, h)
		} else if j > 0 {
			w.bodies[h] = times[j:]
		}
	}
}

// escalateRiskLocked raises risk one level. Risk never decreases here;
// decay happens only after a clean period.
func (g *Guard) escalateRiskLocked(w *accountWindow) {
	if w.risk < model.RiskCritical {
		w.risk++
	}
}

func (g *Guard) decayRiskLocked(w *accountWindow, now time.Time) {
	if w.risk == model.RiskLow || w.lastEventAt.IsZero() {
		return
	}
	if now.Sub(w.lastEventAt) >= g.cfg.RiskDecayAfter {
		w.risk--
		w.lastEventAt = now
	}
}

// raiseLocked appends one audit entry and fans it out. Persistence runs off
// the window lock so a slow outbox cannot stall admission; failures are
// logged, never propagated: policy decisions stand on their own.
func (g *Guard) raiseLocked(tenantID, accountID string, w *accountWindow, typ model.SafetyEventType, sev model.Severity, ctxFields map[string]string) {
	ev := &model.SafetyEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TenantID:  tenantID,
		AccountID: accountID,
		Type:      typ,
		Severity:  sev,
		Context:   ctxFields,
		CreatedAt: g.now(),
	}

	metrics.SafetyEventsTotal.WithLabelValues(accountID, string(typ), string(sev)).Inc()

	if g.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := g.sink.SaveSafetyEvent(ctx, ev); err != nil {
				g.logger.Error("failed to persist safety event",
					zap.String("account_id", accountID),
					zap.String("type", string(typ)),
					zap.Error(err),
				)
			}
		}()
	}

	if g.pub != nil {
		g.pub.Publish(&model.Event{
			ID:        uuid.New().String(),
			Type:      model.EventTypeSafety,
			TenantID:  tenantID,
			AccountID: accountID,
			Payload:   ev,
			CreatedAt: ev.CreatedAt,
		})
	}
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:8])
}
