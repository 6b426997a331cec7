package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/platformsec/session-lifecycle-service/internal/security"
	"github.com/platformsec/session-lifecycle-service/internal/service"
)

type fakeLifecycle struct {
	created    *service.CreatedSession
	validation service.Validation
	rotated    *service.RotatedSession
	views      []service.SessionView
	err        error

	revokedID     string
	revokedUserID string
}

func (f *fakeLifecycle) Create(ctx context.Context, userID, userRole, userAgent, clientIP string) (*service.CreatedSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.created, nil
}

func (f *fakeLifecycle) Validate(ctx context.Context, sessionID string) (service.Validation, error) {
	if f.err != nil {
		return service.Validation{}, f.err
	}
	return f.validation, nil
}

func (f *fakeLifecycle) Refresh(ctx context.Context, sessionID, refreshToken string) (*service.RotatedSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rotated, nil
}

func (f *fakeLifecycle) Revoke(ctx context.Context, sessionID string) error {
	f.revokedID = sessionID
	return f.err
}

func (f *fakeLifecycle) RevokeUserSessions(ctx context.Context, userID string) error {
	f.revokedUserID = userID
	return f.err
}

func (f *fakeLifecycle) ListUserSessions(ctx context.Context, userID string) ([]service.SessionView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.views, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newHandlerForTest(fake *fakeLifecycle) *SessionHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtMgr := security.NewJWTManager("test-issuer", "test-audience", "test-secret")
	return NewSessionHandler(fake, jwtMgr, 15*time.Minute, logger)
}

func newTestRouter(h *SessionHandler) http.Handler {
	r := chi.NewRouter()
	r.Post("/sessions", h.Create)
	r.Get("/sessions/{sessionID}", h.Validate)
	r.Post("/sessions/{sessionID}/refresh", h.Refresh)
	r.Delete("/sessions/{sessionID}", h.Revoke)
	r.Delete("/users/{userID}/sessions", h.RevokeUserSessions)
	r.Get("/users/{userID}/sessions", h.ListUserSessions)
	return r
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestCreateReturnsSessionAndAccessToken(t *testing.T) {
	fake := &fakeLifecycle{created: &service.CreatedSession{
		SessionID:    "sess-1",
		UserID:       "user-1",
		UserRole:     "member",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	router := newTestRouter(newHandlerForTest(fake))

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"user_id":"user-1","user_role":"member"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Fatal("expected success envelope")
	}
	var data createSessionResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.SessionID != "sess-1" || data.RefreshToken != "refresh-token" {
		t.Fatalf("unexpected payload: %+v", data)
	}
	if data.AccessToken == "" {
		t.Fatal("expected a signed access token")
	}

	jwtMgr := security.NewJWTManager("test-issuer", "test-audience", "test-secret")
	claims, err := jwtMgr.ParseAccessToken(data.AccessToken)
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.Role != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCreateRejectsMissingFields(t *testing.T) {
	router := newTestRouter(newHandlerForTest(&fakeLifecycle{}))

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"user_id":"user-1"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error envelope: %+v", env.Error)
	}
}

func TestValidateHidesRejectionReason(t *testing.T) {
	fake := &fakeLifecycle{validation: service.Validation{Valid: false, Reason: "revoked"}}
	router := newTestRouter(newHandlerForTest(fake))

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "revoked") {
		t.Fatalf("rejection reason leaked to caller: %s", rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var data validateSessionResponse
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Valid || data.UserID != "" {
		t.Fatalf("expected bare invalid decision, got %+v", data)
	}
}

func TestTerminalFailuresAreIndistinguishable(t *testing.T) {
	terminalErrs := []error{
		service.ErrSessionNotFound,
		service.ErrSessionExpired,
		service.ErrSessionRevoked,
		service.ErrInvalidRefreshToken,
	}

	var bodies []string
	for _, terminal := range terminalErrs {
		fake := &fakeLifecycle{err: terminal}
		router := newTestRouter(newHandlerForTest(fake))

		req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/refresh", strings.NewReader(`{"refresh_token":"whatever"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%v: expected 401, got %d", terminal, rec.Code)
		}
		env := decodeEnvelope(t, rec)
		if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
			t.Fatalf("%v: unexpected error envelope: %+v", terminal, env.Error)
		}
		bodies = append(bodies, env.Error.Code+"|"+env.Error.Message)
	}
	for _, b := range bodies[1:] {
		if b != bodies[0] {
			t.Fatalf("terminal failure responses differ: %q vs %q", bodies[0], b)
		}
	}
}

func TestStoreOutageMapsToServiceUnavailable(t *testing.T) {
	fake := &fakeLifecycle{err: service.ErrStoreUnavailable}
	router := newTestRouter(newHandlerForTest(fake))

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRevokeRoutesPassIdentifiers(t *testing.T) {
	fake := &fakeLifecycle{}
	router := newTestRouter(newHandlerForTest(fake))

	req := httptest.NewRequest(http.MethodDelete, "/sessions/sess-9", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", rec.Code)
	}
	if fake.revokedID != "sess-9" {
		t.Fatalf("expected revoke of sess-9, got %q", fake.revokedID)
	}

	req = httptest.NewRequest(http.MethodDelete, "/users/user-3/sessions", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke user: expected 200, got %d", rec.Code)
	}
	if fake.revokedUserID != "user-3" {
		t.Fatalf("expected user revoke of user-3, got %q", fake.revokedUserID)
	}
}

func TestRefreshRequiresToken(t *testing.T) {
	router := newTestRouter(newHandlerForTest(&fakeLifecycle{}))

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/refresh", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
