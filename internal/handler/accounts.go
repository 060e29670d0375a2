// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botdesk/messaging-engine/internal/middleware"
	"github.com/botdesk/messaging-engine/internal/model"
	"github.com/botdesk/messaging-engine/internal/session"
	"github.com/botdesk/messaging-engine/pkg/logger"
)

// AccountHandler handles account lifecycle endpoints.
type AccountHandler struct {
	sessions *session.Manager
	logger   *logger.Logger
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(sessions *session.Manager, log *logger.Logger) *AccountHandler {
	return &AccountHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Create handles POST /api/v1/accounts
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req model.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateDisplayName(req.DisplayName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	acc := h.sessions.Register(tenantID, req.DisplayName)
	writeJSON(w, http.StatusCreated, acc)
}

// List handles GET /api/v1/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	accounts := h.sessions.List(tenantID)
	writeJSON(w, http.StatusOK, &model.ListAccountsResponse{
		Accounts: accounts,
		Total:    len(accounts),
	})
}

// Get handles GET /api/v1/accounts/:id
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// Connect handles POST /api/v1/accounts/:id/connect
func (h *AccountHandler) Connect(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Connect(r.Context(), acc.ID); err != nil {
		if errors.Is(err, session.ErrAlreadyConnected) {
			writeError(w, http.StatusConflict, "account already connected")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to start connection")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Disconnect handles POST /api/v1/accounts/:id/disconnect
func (h *AccountHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Disconnect(r.Context(), acc.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/accounts/:id
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if err := h.sessions.Remove(acc.ID); err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// resolve loads the account from the URL and enforces tenant ownership.
func (h *AccountHandler) resolve(w http.ResponseWriter, r *http.Request) (model.Account, bool) {
	tenantID := middleware.GetTenantID(r.Context())
	accountID := chi.URLParam(r, "id")

	if err := middleware.ValidateAccountID(accountID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.Account{}, false
	}

	acc, err := h.sessions.Get(accountID)
	if err != nil || acc.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "account not found")
		return model.Account{}, false
	}
	return acc, true
}
