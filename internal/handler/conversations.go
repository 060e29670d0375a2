package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/botdesk/messaging-engine/internal/middleware"
	"github.com/botdesk/messaging-engine/internal/model"
	natsclient "github.com/botdesk/messaging-engine/internal/nats"
	"github.com/botdesk/messaging-engine/internal/router"
	"github.com/botdesk/messaging-engine/internal/session"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	router *router.Router
	outbox *natsclient.Outbox
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(rt *router.Router, outbox *natsclient.Outbox, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		router: rt,
		outbox: outbox,
		logger: log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp := h.router.List(tenantID, limit, offset)
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/:id/messages
// With ?after_sequence=N the durable outbox serves a catch-up page;
// otherwise the live in-memory history is returned.
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" && h.outbox != nil {
		afterSequence, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}

		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
				limit = parsed
			}
		}

		messages, lastSeq, hasMore, err := h.outbox.GetMessages(r.Context(), conv.TenantID, conv.AccountID, conv.ID, afterSequence, limit)
		if err != nil {
			h.logger.Error("failed to read message history")
			writeError(w, http.StatusInternalServerError, "failed to read message history")
			return
		}

		writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
			Messages:     messages,
			HasMore:      hasMore,
			LastSequence: lastSeq,
		})
		return
	}

	messages, err := h.router.Messages(conv.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var lastSeq uint64
	if n := len(messages); n > 0 {
		lastSeq = messages[n-1].Sequence
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{
		Messages:     messages,
		LastSequence: lastSeq,
	})
}

// Send handles POST /api/v1/conversations/:id/messages
// Operator and system sends go through the same safety gate as bot replies.
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sender := req.Sender
	if sender == "" {
		sender = model.SenderAdmin
	}
	if sender != model.SenderAdmin && sender != model.SenderBot {
		writeError(w, http.StatusBadRequest, "invalid sender kind")
		return
	}

	msg, err := h.router.HandleOutbound(r.Context(), conv.ID, req.Body, sender)
	if err != nil {
		h.writeSendError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Escalate handles POST /api/v1/conversations/:id/escalate
func (h *ConversationHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}

	updated, err := h.router.Escalate(conv.ID, "manual escalation")
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Close handles POST /api/v1/conversations/:id/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}

	updated, err := h.router.Close(conv.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Reopen handles POST /api/v1/conversations/:id/reopen
func (h *ConversationHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.resolve(w, r)
	if !ok {
		return
	}

	updated, err := h.router.Reopen(conv.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *ConversationHandler) resolve(w http.ResponseWriter, r *http.Request) (model.Conversation, bool) {
	tenantID := middleware.GetTenantID(r.Context())
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.Conversation{}, false
	}

	conv, err := h.router.Get(conversationID)
	if err != nil || conv.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "conversation not found")
		return model.Conversation{}, false
	}
	return conv, true
}

func (h *ConversationHandler) writeSendError(w http.ResponseWriter, err error) {
	var limited *session.RateLimitedError
	var sendErr *session.SendError

	switch {
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusConflict, "account not ready")
	case errors.Is(err, router.ErrConversationClosed):
		writeError(w, http.StatusConflict, "conversation is closed")
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, limited.Reason)
	case errors.As(err, &sendErr):
		writeError(w, http.StatusBadGateway, "message delivery failed")
	default:
		h.logger.Error("failed to send message")
		writeError(w, http.StatusInternalServerError, "failed to send message")
	}
}
