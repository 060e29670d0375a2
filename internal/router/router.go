// Package router maps inbound messages to conversations, decides bot-versus-
// human handling and drives reply generation through the provider pool.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/provider"
	"github.com/botdesk/messaging-engine/internal/session"
	"github.com/botdesk/messaging-engine/internal/transport"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// ErrUnknownConversation is returned for a conversation ID with no entry.
var ErrUnknownConversation = errors.New("unknown conversation")

// ErrConversationClosed is returned when appending to a closed conversation.
var ErrConversationClosed = errors.New("conversation is closed")

// historyLimit bounds how many recent turns are handed to the provider pool.
const historyLimit = 20

// Generator produces bot replies; see the provider package.
type Generator interface {
	Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.Generation, error)
}

// Sender transmits outbound messages; see the session package.
type Sender interface {
	Send(ctx context.Context, accountID string, kind model.SenderKind, payload transport.Payload) (*model.DeliveryReceipt, error)
	TenantOf(accountID string) (string, error)
}

// MessageStore persists messages to the durable outbox.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *model.Message) (uint64, error)
}

// EventPublisher fans new-message and escalation events out to dashboards.
type EventPublisher interface {
	Publish(ev *model.Event)
}

type conversation struct {
	mu sync.Mutex // serializes processing within one conversation

	id           string
	tenantID     string
	accountID    string
	customerID   string
	status       model.ConversationStatus
	botHandled   bool
	messages     []model.Message // append-only, arrival order
	lastActivity time.Time
	createdAt    time.Time
}

func (c *conversation) snapshot() model.Conversation {
	conv := model.Conversation{
		ID:           c.id,
		TenantID:     c.tenantID,
		AccountID:    c.accountID,
		CustomerID:   c.customerID,
		Status:       c.status,
		BotHandled:   c.botHandled,
		MessageCount: len(c.messages),
		LastActivity: c.lastActivity,
		CreatedAt:    c.createdAt,
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		conv.LastMessage = &last
	}
	return conv
}

// Router owns conversations and the inbound-to-reply pipeline.
type Router struct {
	pool     Generator
	sessions Sender
	store    MessageStore
	pub      EventPublisher
	logger   *logger.Logger

	mu      sync.RWMutex
	byID    map[string]*conversation
	byPeer  map[string]*conversation // accountID + "\x00" + customerID
}

// New creates a conversation router.
func New(pool Generator, sessions Sender, store MessageStore, pub EventPublisher, log *logger.Logger) *Router {
	return &Router{
		pool:     pool,
		sessions: sessions,
		store:    store,
		pub:      pub,
		logger:   log,
		byID:     make(map[string]*conversation),
		byPeer:   make(map[string]*conversation),
	}
}

func peerKey(accountID, customerID string) string {
	return accountID + "\x00" + customerID
}

// resolve finds or creates the conversation for (account, customer).
func (r *Router) resolve(accountID, customerID string) (*conversation, error) {
	key := peerKey(accountID, customerID)

	r.mu.RLock()
	c, ok := r.byPeer[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	tenantID, err := r.sessions.TenantOf(accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byPeer[key]; ok {
		return c, nil
	}

	now := time.Now()
	c = &conversation{
		id:           uuid.Must(uuid.NewV7()).String(),
		tenantID:     tenantID,
		accountID:    accountID,
		customerID:   customerID,
		status:       model.ConversationActive,
		botHandled:   true,
		lastActivity: now,
		createdAt:    now,
	}
	r.byID[c.id] = c
	r.byPeer[key] = c
	return c, nil
}

// HandleInbound appends a customer message and, for bot-handled
// conversations, generates and dispatches a reply. Messages within one
// conversation are processed strictly in arrival order.
func (r *Router) HandleInbound(ctx context.Context, in model.InboundMessage) (model.Conversation, error) {
	c, err := r.resolve(in.AccountID, in.CustomerID)
	if err != nil {
		return model.Conversation{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == model.ConversationClosed {
		// A customer writing into a closed conversation reopens it.
		c.status = model.ConversationActive
	}

	msg := r.appendLocked(ctx, c, model.SenderCustomer, in.Body, in.MediaRef, nil, in.Timestamp)
	r.publishMessage(c, msg, model.EventTypeMessage)

	if c.botHandled && c.status == model.ConversationActive {
		r.replyLocked(ctx, c)
	}

	return c.snapshot(), nil
}

// replyLocked generates a bot reply and hands it to the session layer.
// Called with the conversation lock held so the reply cannot be reordered
// against later customer turns.
func (r *Router) replyLocked(ctx context.Context, c *conversation) {
	gen, err := r.pool.Generate(ctx, &provider.GenerateRequest{
		Messages: r.historyLocked(c),
	})
	if err != nil {
		if errors.Is(err, provider.ErrAllProvidersFailed) {
			r.escalateLocked(c, "no AI provider available")
			return
		}
		r.logger.Error("reply generation failed",
			zap.String("conversation_id", c.id),
			zap.Error(err),
		)
		r.escalateLocked(c, "reply generation failed")
		return
	}

	// Dispatch first; the reply joins the history only once the channel
	// accepted it, same as HandleOutbound. An undelivered reply must not
	// linger in the conversation.
	_, err = r.sessions.Send(ctx, c.accountID, model.SenderBot, transport.Payload{
		ConversationID: c.id,
		CustomerID:     c.customerID,
		Body:           gen.Text,
	})
	if err != nil {
		var limited *session.RateLimitedError
		if errors.As(err, &limited) {
			// Never drop silently: hand the conversation to a human.
			r.logger.Warn("bot reply blocked by safety policy",
				zap.String("conversation_id", c.id),
				zap.String("reason", limited.Reason),
			)
			r.escalateLocked(c, "send blocked by safety policy")
			return
		}
		r.logger.Error("bot reply dispatch failed",
			zap.String("conversation_id", c.id),
			zap.String("account_id", c.accountID),
			zap.Error(err),
		)
		return
	}

	providerName := gen.Provider
	latency := gen.LatencyMs
	botMsg := r.appendLocked(ctx, c, model.SenderBot, gen.Text, nil, &providerName, time.Now())
	botMsg.LatencyMs = &latency
	r.publishMessage(c, botMsg, model.EventTypeMessageCreate)
}

// HandleOutbound appends and dispatches an operator (or system) message.
// An ADMIN send to an escalated conversation returns it to ACTIVE.
func (r *Router) HandleOutbound(ctx context.Context, conversationID, text string, sender model.SenderKind) (model.Message, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return model.Message{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == model.ConversationClosed {
		return model.Message{}, ErrConversationClosed
	}

	_, err = r.sessions.Send(ctx, c.accountID, sender, transport.Payload{
		ConversationID: c.id,
		CustomerID:     c.customerID,
		Body:           text,
	})
	if err != nil {
		return model.Message{}, err
	}

	msg := r.appendLocked(ctx, c, sender, text, nil, nil, time.Now())
	if sender == model.SenderAdmin && c.status == model.ConversationPending {
		c.status = model.ConversationActive
	}
	r.publishMessage(c, msg, model.EventTypeMessageCreate)

	return *msg, nil
}

// Escalate hands a conversation to human operators.
func (r *Router) Escalate(conversationID, reason string) (model.Conversation, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return model.Conversation{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == model.ConversationClosed {
		return model.Conversation{}, ErrConversationClosed
	}
	r.escalateLocked(c, reason)
	return c.snapshot(), nil
}

// Close marks a conversation CLOSED. Closed conversations are immutable
// except for reopening.
func (r *Router) Close(conversationID string) (model.Conversation, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return model.Conversation{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = model.ConversationClosed
	c.lastActivity = time.Now()
	return c.snapshot(), nil
}

// Reopen returns a closed conversation to ACTIVE bot handling.
func (r *Router) Reopen(conversationID string) (model.Conversation, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return model.Conversation{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = model.ConversationActive
	c.botHandled = true
	c.lastActivity = time.Now()
	return c.snapshot(), nil
}

// Get returns a snapshot of one conversation.
func (r *Router) Get(conversationID string) (model.Conversation, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

// List returns conversations for a tenant ordered by last activity,
// most recent first.
func (r *Router) List(tenantID string, limit, offset int) model.ListConversationsResponse {
	r.mu.RLock()
	var convs []model.Conversation
	for _, c := range r.byID {
		c.mu.Lock()
		if c.tenantID == tenantID {
			convs = append(convs, c.snapshot())
		}
		c.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})

	total := len(convs)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return model.ListConversationsResponse{
		Conversations: convs[start:end],
		Total:         total,
		HasMore:       end < total,
	}
}

// Messages returns the in-memory history of one conversation in insertion
// order. The durable outbox serves paged catch-up reads.
func (r *Router) Messages(conversationID string) ([]model.Message, error) {
	c, err := r.get(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

func (r *Router) get(conversationID string) (*conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return c, nil
}

// appendLocked appends one immutable message and persists it. Called with
// the conversation lock held; insertion order is the display order.
func (r *Router) appendLocked(ctx context.Context, c *conversation, sender model.SenderKind, body string, mediaRef *string, providerName *string, ts time.Time) *model.Message {
	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.id,
		TenantID:       c.tenantID,
		AccountID:      c.accountID,
		Sender:         sender,
		Body:           body,
		MediaRef:       mediaRef,
		Provider:       providerName,
		CreatedAt:      ts,
	}

	c.messages = append(c.messages, msg)
	c.lastActivity = ts
	metrics.MessagesTotal.WithLabelValues(c.tenantID, string(sender)).Inc()

	if r.store != nil {
		if seq, err := r.store.SaveMessage(ctx, &msg); err != nil {
			r.logger.Error("failed to persist message",
				zap.String("conversation_id", c.id),
				zap.Error(err),
			)
		} else {
			c.messages[len(c.messages)-1].Sequence = seq
		}
	}

	return &c.messages[len(c.messages)-1]
}

// historyLocked converts the most recent turns into provider chat context.
func (r *Router) historyLocked(c *conversation) []provider.ChatMessage {
	start := 0
	if len(c.messages) > historyLimit {
		start = len(c.messages) - historyLimit
	}

	history := make([]provider.ChatMessage, 0, len(c.messages)-start)
	for _, msg := range c.messages[start:] {
		role := "user"
		if msg.Sender != model.SenderCustomer {
			role = "assistant"
		}
		history = append(history, provider.ChatMessage{Role: role, Content: msg.Body})
	}
	return history
}

// escalateLocked marks the conversation PENDING and notifies operators.
func (r *Router) escalateLocked(c *conversation, reason string) {
	c.status = model.ConversationPending
	c.botHandled = false
	c.lastActivity = time.Now()

	metrics.EscalationsTotal.WithLabelValues(c.tenantID, reason).Inc()
	r.logger.Warn("conversation escalated",
		zap.String("conversation_id", c.id),
		zap.String("reason", reason),
	)

	if r.pub != nil {
		r.pub.Publish(&model.Event{
			ID:             uuid.New().String(),
			Type:           model.EventTypeEscalation,
			TenantID:       c.tenantID,
			AccountID:      c.accountID,
			ConversationID: c.id,
			Payload: &model.EscalationPayload{
				ConversationID: c.id,
				CustomerID:     c.customerID,
				Reason:         reason,
			},
			CreatedAt: time.Now(),
		})
	}
}

func (r *Router) publishMessage(c *conversation, msg *model.Message, typ model.EventType) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(&model.Event{
		ID:             uuid.New().String(),
		Type:           typ,
		TenantID:       c.tenantID,
		AccountID:      c.accountID,
		ConversationID: c.id,
		Payload:        msg,
		CreatedAt:      time.Now(),
	})
}
