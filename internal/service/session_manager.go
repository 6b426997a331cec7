package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
	"github.com/platformsec/session-lifecycle-service/internal/observability"
	"github.com/platformsec/session-lifecycle-service/internal/repository"
	"github.com/platformsec/session-lifecycle-service/internal/security"
)

const (
	reasonRevoked     = "revoked"
	reasonUserRevoked = "user_revoked"
)

// CreatedSession is the result of a successful create: the raw refresh
// token leaves the process exactly once, here.
type CreatedSession struct {
	SessionID    string
	UserID       string
	UserRole     string
	RefreshToken string
	ExpiresAt    time.Time
}

// Validation is a decision, not an error: rejected sessions are an
// expected outcome and carry an internal reason for logging only.
type Validation struct {
	Valid    bool
	UserID   string
	UserRole string
	Reason   string
}

type RotatedSession struct {
	SessionID    string
	UserID       string
	UserRole     string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionManager orchestrates the session lifecycle across the durable
// store and the cache tier. It holds no mutable state of its own, so any
// number of replicas can run concurrently; refresh races are resolved
// solely by the store's conditional update.
type SessionManager struct {
	repo   repository.SessionRepository
	cache  SessionCache
	logger *slog.Logger

	pepper        string
	sessionTTL    time.Duration
	cacheTTL      time.Duration
	userSetMargin time.Duration
	opTimeout     time.Duration

	lookups singleflight.Group
}

type SessionManagerOptions struct {
	TokenPepper      string
	SessionTTL       time.Duration
	CacheTTL         time.Duration
	UserSetTTLMargin time.Duration
	OperationTimeout time.Duration
}

func NewSessionManager(repo repository.SessionRepository, cache SessionCache, logger *slog.Logger, opts SessionManagerOptions) *SessionManager {
	if cache == nil {
		cache = NewNoopSessionCache()
	}
	return &SessionManager{
		repo:          repo,
		cache:         cache,
		logger:        logger,
		pepper:        opts.TokenPepper,
		sessionTTL:    opts.SessionTTL,
		cacheTTL:      opts.CacheTTL,
		userSetMargin: opts.UserSetTTLMargin,
		opTimeout:     opts.OperationTimeout,
	}
}

// Create persists a new session and hands back the only copy of its
// refresh token. The store write is the correctness boundary; cache
// population afterwards is best-effort and self-heals on the next read.
func (m *SessionManager) Create(ctx context.Context, userID, userRole, userAgent, clientIP string) (*CreatedSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	token, err := security.NewRefreshToken()
	if err != nil {
		observability.RecordSessionOperation(ctx, "create", "error")
		return nil, err
	}
	now := time.Now().UTC()
	session := &domain.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		UserRole:         userRole,
		RefreshTokenHash: security.HashRefreshToken(token, m.pepper),
		UserAgent:        userAgent,
		ClientIP:         clientIP,
		ExpiresAt:        now.Add(m.sessionTTL),
	}
	if err := m.repo.Create(ctx, session); err != nil {
		observability.RecordSessionOperation(ctx, "create", "store_error")
		return nil, fmt.Errorf("create session: %w: %w", ErrStoreUnavailable, err)
	}

	m.populateCache(ctx, session)

	observability.RecordSessionOperation(ctx, "create", "success")
	return &CreatedSession{
		SessionID:    session.ID,
		UserID:       session.UserID,
		UserRole:     session.UserRole,
		RefreshToken: token,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// Validate answers whether a session is live, serving from the cache and
// reading through to the store on a miss. Only transient store failures
// surface as errors; every rejected state is a Valid=false decision.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (Validation, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	snap, ok, err := m.cache.GetSnapshot(ctx, sessionID)
	if err != nil {
		observability.RecordCacheLookup(ctx, "validate", "error")
		m.logger.WarnContext(ctx, "session cache read failed", "session_id", sessionID, "error", err)
	} else if ok {
		observability.RecordCacheLookup(ctx, "validate", "hit")
		if time.Now().Before(snap.ExpiresAt) {
			observability.RecordSessionOperation(ctx, "validate", "valid")
			return Validation{Valid: true, UserID: snap.UserID, UserRole: snap.UserRole, Reason: "cache"}, nil
		}
		// Entry TTLs are capped at the store expiry, so a lingering
		// expired snapshot is only possible inside clock-skew margins.
		observability.RecordSessionOperation(ctx, "validate", "expired")
		return Validation{Reason: "expired"}, nil
	} else {
		observability.RecordCacheLookup(ctx, "validate", "miss")
	}

	// Collapse concurrent misses on the same id into one store read. The
	// shared read runs under its own deadline, detached from whichever
	// caller happened to enter first, so one caller's cancellation cannot
	// fail every coalesced waiter.
	v, err, _ := m.lookups.Do(sessionID, func() (any, error) {
		lookupCtx, cancel := m.opContext(context.WithoutCancel(ctx))
		defer cancel()
		return m.validateFromStore(lookupCtx, sessionID)
	})
	if err != nil {
		observability.RecordSessionOperation(ctx, "validate", "store_error")
		return Validation{}, err
	}
	decision := v.(Validation)
	observability.RecordSessionOperation(ctx, "validate", decisionStatus(decision))
	return decision, nil
}

func (m *SessionManager) validateFromStore(ctx context.Context, sessionID string) (Validation, error) {
	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return Validation{Reason: "not_found"}, nil
		}
		return Validation{}, fmt.Errorf("validate session: %w: %w", ErrStoreUnavailable, err)
	}
	now := time.Now()
	switch {
	case session.RevokedAt != nil:
		return Validation{Reason: "revoked"}, nil
	case !now.Before(session.ExpiresAt):
		return Validation{Reason: "expired"}, nil
	}
	m.populateCache(ctx, session)
	return Validation{Valid: true, UserID: session.UserID, UserRole: session.UserRole, Reason: "store"}, nil
}

// Refresh rotates the session's refresh token. The read always goes to
// the store; the swap is a compare-and-swap on the prior hash, so under
// concurrent replays of the same token exactly one caller wins and every
// other receives ErrInvalidRefreshToken.
func (m *SessionManager) Refresh(ctx context.Context, sessionID, refreshToken string) (*RotatedSession, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	session, err := m.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordSessionOperation(ctx, "refresh", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordSessionOperation(ctx, "refresh", "store_error")
		return nil, fmt.Errorf("refresh session: %w: %w", ErrStoreUnavailable, err)
	}
	now := time.Now()
	if session.RevokedAt != nil {
		observability.RecordSessionOperation(ctx, "refresh", "revoked")
		return nil, ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		observability.RecordSessionOperation(ctx, "refresh", "expired")
		return nil, ErrSessionExpired
	}
	if !security.VerifyRefreshToken(refreshToken, m.pepper, session.RefreshTokenHash) {
		observability.RecordSessionOperation(ctx, "refresh", "invalid_token")
		return nil, ErrInvalidRefreshToken
	}

	newToken, err := security.NewRefreshToken()
	if err != nil {
		observability.RecordSessionOperation(ctx, "refresh", "error")
		return nil, err
	}
	newHash := security.HashRefreshToken(newToken, m.pepper)
	rotated, err := m.repo.Rotate(ctx, sessionID, session.RefreshTokenHash, newHash, now.Add(m.sessionTTL))
	if err != nil {
		if errors.Is(err, repository.ErrRotationConflict) {
			// Lost the CAS: someone rotated first with the same token.
			observability.RecordSessionOperation(ctx, "refresh", "conflict")
			return nil, ErrInvalidRefreshToken
		}
		observability.RecordSessionOperation(ctx, "refresh", "store_error")
		return nil, fmt.Errorf("rotate session: %w: %w", ErrStoreUnavailable, err)
	}

	m.populateCache(ctx, rotated)

	observability.RecordSessionOperation(ctx, "refresh", "success")
	return &RotatedSession{
		SessionID:    rotated.ID,
		UserID:       rotated.UserID,
		UserRole:     rotated.UserRole,
		RefreshToken: newToken,
		ExpiresAt:    rotated.ExpiresAt,
	}, nil
}

// Revoke terminates a session. It is idempotent: revoking an unknown or
// already-revoked session succeeds, after a store lookup confirms the id
// really is unknown rather than merely uncached.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	userID := ""
	snap, ok, err := m.cache.GetSnapshot(ctx, sessionID)
	if err != nil {
		m.logger.WarnContext(ctx, "session cache read failed during revoke", "session_id", sessionID, "error", err)
	} else if ok {
		userID = snap.UserID
	}
	if userID == "" {
		session, err := m.repo.FindByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				observability.RecordSessionOperation(ctx, "revoke", "already_revoked")
				return nil
			}
			observability.RecordSessionOperation(ctx, "revoke", "store_error")
			return fmt.Errorf("revoke session: %w: %w", ErrStoreUnavailable, err)
		}
		userID = session.UserID
	}

	if err := m.cache.DeleteSnapshot(ctx, sessionID); err != nil {
		m.logger.WarnContext(ctx, "session cache delete failed", "session_id", sessionID, "error", err)
	}
	if err := m.cache.RemoveUserSession(ctx, userID, sessionID); err != nil {
		m.logger.WarnContext(ctx, "user session set cleanup failed", "user_id", userID, "session_id", sessionID, "error", err)
	}

	changed, err := m.repo.MarkRevoked(ctx, sessionID, reasonRevoked)
	if err != nil {
		observability.RecordSessionOperation(ctx, "revoke", "store_error")
		return fmt.Errorf("revoke session: %w: %w", ErrStoreUnavailable, err)
	}
	if changed {
		observability.RecordSessionOperation(ctx, "revoke", "success")
	} else {
		observability.RecordSessionOperation(ctx, "revoke", "already_revoked")
	}
	return nil
}

// RevokeUserSessions terminates every session owned by a user. The store
// mark is bulk and authoritative, covering sessions absent from the
// cache's user set; per-entry cache cleanup afterwards skips failures
// because the stale entries expire on their own.
func (m *SessionManager) RevokeUserSessions(ctx context.Context, userID string) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	// Snapshot cleanup targets the union of the cached user set and the
	// store listing. The set alone is not enough: a snapshot whose
	// membership write was swallowed as best-effort would keep answering
	// valid from cache after the store row is revoked. The listing must
	// be read before the bulk mark, which flips the rows to inactive.
	ids, err := m.cache.UserSessionIDs(ctx, userID)
	if err != nil {
		m.logger.WarnContext(ctx, "user session set read failed", "user_id", userID, "error", err)
		ids = nil
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	sessions, err := m.repo.ListActiveByUserID(ctx, userID)
	if err != nil {
		observability.RecordSessionOperation(ctx, "revoke_user", "store_error")
		return fmt.Errorf("revoke user sessions: %w: %w", ErrStoreUnavailable, err)
	}
	for _, s := range sessions {
		if _, ok := seen[s.ID]; !ok {
			ids = append(ids, s.ID)
		}
	}

	if _, err := m.repo.RevokeAllForUser(ctx, userID, reasonUserRevoked); err != nil {
		observability.RecordSessionOperation(ctx, "revoke_user", "store_error")
		return fmt.Errorf("revoke user sessions: %w: %w", ErrStoreUnavailable, err)
	}

	for _, id := range ids {
		if err := m.cache.DeleteSnapshot(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "session cache delete failed", "session_id", id, "error", err)
		}
	}
	if err := m.cache.DeleteUserSessions(ctx, userID); err != nil {
		m.logger.WarnContext(ctx, "user session set delete failed", "user_id", userID, "error", err)
	}

	observability.RecordSessionOperation(ctx, "revoke_user", "success")
	return nil
}

// SessionView is the listing projection for per-user session management.
type SessionView struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	UserAgent string     `json:"user_agent"`
	ClientIP  string     `json:"client_ip"`
}

func (m *SessionManager) ListUserSessions(ctx context.Context, userID string) ([]SessionView, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	sessions, err := m.repo.ListActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w: %w", ErrStoreUnavailable, err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, SessionView{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			RevokedAt: s.RevokedAt,
			UserAgent: s.UserAgent,
			ClientIP:  s.ClientIP,
		})
	}
	return views, nil
}

// populateCache writes the derived projection after a store mutation or
// read-through. Failures are logged and swallowed: the store already
// holds the truth and the next read repopulates.
func (m *SessionManager) populateCache(ctx context.Context, session *domain.Session) {
	ttl := m.snapshotTTL(session.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := m.cache.PutSnapshot(ctx, session.Snapshot(), ttl); err != nil {
		observability.RecordCacheLookup(ctx, "populate", "error")
		m.logger.WarnContext(ctx, "session cache write failed", "session_id", session.ID, "error", err)
		return
	}
	if err := m.cache.AddUserSession(ctx, session.UserID, session.ID, m.sessionTTL+m.userSetMargin); err != nil {
		observability.RecordCacheLookup(ctx, "populate", "error")
		m.logger.WarnContext(ctx, "user session set write failed", "user_id", session.UserID, "session_id", session.ID, "error", err)
	}
}

// snapshotTTL bounds the cache entry's lifetime by both the configured
// cache TTL and the store-side expiry, so the cache can never answer
// "valid" for a session the store considers expired.
func (m *SessionManager) snapshotTTL(expiresAt time.Time) time.Duration {
	remaining := time.Until(expiresAt)
	if remaining < m.cacheTTL {
		return remaining
	}
	return m.cacheTTL
}

func (m *SessionManager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.opTimeout)
}

func decisionStatus(v Validation) string {
	if v.Valid {
		return "valid"
	}
	if v.Reason == "" {
		return "invalid"
	}
	return v.Reason
}
