package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/provider"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

// ProviderHandler exposes provider pool administration.
type ProviderHandler struct {
	pool   *provider.Pool
	logger *logger.Logger
}

// NewProviderHandler creates a new provider handler.
func NewProviderHandler(pool *provider.Pool, log *logger.Logger) *ProviderHandler {
	return &ProviderHandler{
		pool:   pool,
		logger: log,
	}
}

// List handles GET /api/v1/providers
func (h *ProviderHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &model.ListProvidersResponse{
		Providers: h.pool.Records(),
	})
}

// Enable handles POST /api/v1/providers/:id/enable
func (h *ProviderHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/v1/providers/:id/disable
func (h *ProviderHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *ProviderHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := h.pool.SetEnabled(id, enabled); err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
