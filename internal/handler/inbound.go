package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/botdesk/messaging-engine/internal/middleware"
	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/router"
	"github.com/botdesk/messaging-engine/internal/session"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

// InboundHandler receives normalized inbound messages from the channel
// client library.
type InboundHandler struct {
	router   *router.Router
	sessions *session.Manager
	logger   *logger.Logger
}

// NewInboundHandler creates a new inbound webhook handler.
func NewInboundHandler(rt *router.Router, sessions *session.Manager, log *logger.Logger) *InboundHandler {
	return &InboundHandler{
		router:   rt,
		sessions: sessions,
		logger:   log,
	}
}

// Receive handles POST /api/v1/inbound
func (h *InboundHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var in model.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateAccountID(in.AccountID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateCustomerID(in.CustomerID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(in.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	// The webhook is tenant-scoped like the rest of the API: a caller may
	// only inject messages into accounts its tenant owns.
	owner, err := h.sessions.TenantOf(in.AccountID)
	if err != nil || owner != middleware.GetTenantID(r.Context()) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	conv, err := h.router.HandleInbound(r.Context(), in)
	if err != nil {
		h.logger.Error("failed to route inbound message")
		writeError(w, http.StatusBadGateway, "failed to route inbound message")
		return
	}

	writeJSON(w, http.StatusAccepted, conv)
}
