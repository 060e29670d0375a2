package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botdesk/messaging-engine/internal/events"
	"github.com/botdesk/messaging-engine/internal/middleware"
	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/metrics"
)

// heartbeatInterval keeps idle SSE connections from being reaped by proxies.
const heartbeatInterval = 25 * time.Second

// StreamHandler is the realtime gateway: it bridges the event bus to SSE
// dashboard clients.
type StreamHandler struct {
	bus    *events.Bus
	logger *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(bus *events.Bus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:    bus,
		logger: log,
	}
}

// Stream handles GET /api/v1/stream
// Optional ?account_id= and ?conversation_id= narrow the fanout.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	filter := events.Filter{TenantID: tenantID}
	if accountID := r.URL.Query().Get("account_id"); accountID != "" {
		if err := middleware.ValidateAccountID(accountID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.AccountID = accountID
	}
	if conversationID := r.URL.Query().Get("conversation_id"); conversationID != "" {
		if err := middleware.ValidateConversationID(conversationID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.ConversationID = conversationID
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe(filter)
	defer h.bus.Unsubscribe(sub.ID)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
