package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/zapboard/session-server/internal/errors"
	"github.com/zapboard/session-server/internal/httputil"
	"github.com/zapboard/session-server/internal/model"
	"github.com/zapboard/session-server/internal/session"
	"github.com/zapboard/session-server/internal/transport"
	"github.com/zapboard/session-server/internal/util"
)

// SessionManager is the slice of the lifecycle controller the HTTP layer
// consumes. An interface so handlers can be tested without a transport.
type SessionManager interface {
	StartSession(ctx context.Context, tenantID int64, phone string) (*session.StartResult, error)
	GetQR(sessionID string) string
	GetStatus(sessionID string) model.SessionStatus
	DisconnectSession(ctx context.Context, sessionID string) (bool, error)
	DisconnectAllForTenant(ctx context.Context, tenantID int64) (int, error)
	SendMessage(ctx context.Context, sessionID, to, text string) (*transport.SendResult, error)
	ListSessions() []session.SessionInfo
	ListSessionsForTenant(tenantID int64) []session.SessionInfo
	ComplianceCheck(tenantID int64, phone, message string) (*session.ComplianceResult, error)
}

var _ SessionManager = (*session.Manager)(nil)

type SessionHandler struct {
	manager SessionManager
}

func NewSessionHandler(manager SessionManager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Start)
	r.Get("/", h.List)
	r.Get("/{sessionId}/status", h.Status)
	r.Get("/{sessionId}/qr", h.QR)
	r.Post("/{sessionId}/messages", h.SendMessage)
	r.Delete("/{sessionId}", h.Disconnect)
	r.Delete("/tenant/{tenantId}", h.DisconnectTenant)

	return r
}

type startRequest struct {
	TenantID int64  `json:"tenantId"`
	Phone    string `json:"phone"`
}

// POST /v1/sessions
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	result, err := h.manager.StartSession(r.Context(), req.TenantID, req.Phone)
	if err != nil {
		if !apperrors.IsValidation(err) {
			log.Error().Err(err).Int64("tenantId", req.TenantID).Msg("failed to start session")
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// GET /v1/sessions?tenantId=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("tenantId"); raw != "" {
		tenantID, err := util.ValidateTenantID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"sessions": h.manager.ListSessionsForTenant(tenantID),
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": h.manager.ListSessions(),
	})
}

// GET /v1/sessions/{sessionId}/status
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := util.ValidateSessionID(sessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": string(h.manager.GetStatus(sessionID)),
	})
}

// GET /v1/sessions/{sessionId}/qr
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := util.ValidateSessionID(sessionID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	qrCode := h.manager.GetQR(sessionID)
	if qrCode == "" {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"qrCode": nil})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"qrCode": qrCode})
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// POST /v1/sessions/{sessionId}/messages
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	result, err := h.manager.SendMessage(r.Context(), sessionID, req.To, req.Body)
	if err != nil {
		if !apperrors.IsValidation(err) {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to send message")
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// DELETE /v1/sessions/{sessionId}
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	disconnected, err := h.manager.DisconnectSession(r.Context(), sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"disconnected": disconnected})
}

// DELETE /v1/sessions/tenant/{tenantId}
func (h *SessionHandler) DisconnectTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := util.ValidateTenantID(chi.URLParam(r, "tenantId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	count, err := h.manager.DisconnectAllForTenant(r.Context(), tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int{"disconnected": count})
}

type complianceRequest struct {
	TenantID int64  `json:"tenantId"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
}

// ComplianceHandler serves the advisory policy check.
type ComplianceHandler struct {
	manager SessionManager
}

func NewComplianceHandler(manager SessionManager) *ComplianceHandler {
	return &ComplianceHandler{manager: manager}
}

// POST /v1/compliance/check
func (h *ComplianceHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req complianceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	result, err := h.manager.ComplianceCheck(req.TenantID, req.Phone, req.Message)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}
