package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/platformsec/session-lifecycle-service/internal/http/response"
	"github.com/platformsec/session-lifecycle-service/internal/observability"
	"github.com/platformsec/session-lifecycle-service/internal/security"
	"github.com/platformsec/session-lifecycle-service/internal/service"
)

type SessionHandler struct {
	sessions  service.SessionLifecycle
	jwtMgr    *security.JWTManager
	accessTTL time.Duration
	logger    *slog.Logger
}

func NewSessionHandler(sessions service.SessionLifecycle, jwtMgr *security.JWTManager, accessTTL time.Duration, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, jwtMgr: jwtMgr, accessTTL: accessTTL, logger: logger}
}

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	UserRole  string `json:"user_role"`
	UserAgent string `json:"user_agent"`
	ClientIP  string `json:"client_ip"`
}

type createSessionResponse struct {
	SessionID    string    `json:"session_id"`
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Create is called by the credential verifier after it has authenticated
// the user; the (user_id, user_role) pair is trusted as given.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body", nil)
		return
	}
	if req.UserID == "" || req.UserRole == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "user_id and user_role are required", nil)
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	if req.ClientIP == "" {
		req.ClientIP = r.RemoteAddr
	}

	created, err := h.sessions.Create(r.Context(), req.UserID, req.UserRole, req.UserAgent, req.ClientIP)
	if err != nil {
		h.writeFailure(w, r, "session.create", err)
		return
	}
	access, err := h.jwtMgr.SignAccessToken(created.UserID, created.UserRole, created.SessionID, h.accessTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sign access token failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}

	observability.Audit(r, "session.created", "user_id", created.UserID, "session_id", created.SessionID)
	response.JSON(w, r, http.StatusCreated, createSessionResponse{
		SessionID:    created.SessionID,
		RefreshToken: created.RefreshToken,
		AccessToken:  access,
		ExpiresAt:    created.ExpiresAt,
	})
}

type validateSessionResponse struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"user_id,omitempty"`
	UserRole string `json:"user_role,omitempty"`
}

func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	decision, err := h.sessions.Validate(r.Context(), sessionID)
	if err != nil {
		h.writeFailure(w, r, "session.validate", err)
		return
	}
	if !decision.Valid {
		// The reason stays server-side; the caller only learns invalid.
		h.logger.InfoContext(r.Context(), "session rejected", "session_id", sessionID, "reason", decision.Reason)
		response.JSON(w, r, http.StatusOK, validateSessionResponse{Valid: false})
		return
	}
	response.JSON(w, r, http.StatusOK, validateSessionResponse{
		Valid:    true,
		UserID:   decision.UserID,
		UserRole: decision.UserRole,
	})
}

type refreshSessionRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshSessionResponse struct {
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req refreshSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body", nil)
		return
	}
	if req.RefreshToken == "" {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "refresh_token is required", nil)
		return
	}

	rotated, err := h.sessions.Refresh(r.Context(), sessionID, req.RefreshToken)
	if err != nil {
		h.writeFailure(w, r, "session.refresh", err)
		return
	}
	access, err := h.jwtMgr.SignAccessToken(rotated.UserID, rotated.UserRole, rotated.SessionID, h.accessTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "sign access token failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}

	observability.Audit(r, "session.refreshed", "session_id", rotated.SessionID)
	response.JSON(w, r, http.StatusOK, refreshSessionResponse{
		RefreshToken: rotated.RefreshToken,
		AccessToken:  access,
		ExpiresAt:    rotated.ExpiresAt,
	})
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessions.Revoke(r.Context(), sessionID); err != nil {
		h.writeFailure(w, r, "session.revoke", err)
		return
	}
	observability.Audit(r, "session.revoked", "session_id", sessionID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *SessionHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.sessions.RevokeUserSessions(r.Context(), userID); err != nil {
		h.writeFailure(w, r, "session.revoke_user", err)
		return
	}
	observability.Audit(r, "session.user_revoked", "user_id", userID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *SessionHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	views, err := h.sessions.ListUserSessions(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, "session.list_user", err)
		return
	}
	response.JSON(w, r, http.StatusOK, views)
}

// writeFailure maps manager errors onto the wire. Every terminal auth
// failure collapses into one generic 401 so the taxonomy cannot be used
// to enumerate sessions; only transient store failures invite a retry.
func (h *SessionHandler) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case service.IsTerminalAuthFailure(err):
		h.logger.InfoContext(r.Context(), "terminal auth failure", "operation", op, "error", err)
		response.Unauthorized(w, r)
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.ErrorContext(r.Context(), "store unavailable", "operation", op, "error", err)
		response.Unavailable(w, r)
	default:
		h.logger.ErrorContext(r.Context(), "unexpected failure", "operation", op, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
