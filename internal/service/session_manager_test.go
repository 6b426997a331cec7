package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
	"github.com/platformsec/session-lifecycle-service/internal/repository"
)

// fakeSessionRepo is a deterministic in-memory store implementing the
// repository contract, including the rotation CAS.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session

	failAll bool
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session)}
}

var errFakeStoreDown = errors.New("fake store down")

func (r *fakeSessionRepo) Create(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return errFakeStoreDown
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return nil, errFakeStoreDown
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) ListActiveByUserID(_ context.Context, userID string) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return nil, errFakeStoreDown
	}
	now := time.Now()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID && s.LiveAt(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeSessionRepo) Rotate(_ context.Context, id, priorHash, newHash string, expiresAt time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return nil, errFakeStoreDown
	}
	s, ok := r.sessions[id]
	if !ok || s.RefreshTokenHash != priorHash || !s.LiveAt(time.Now()) {
		return nil, repository.ErrRotationConflict
	}
	s.RefreshTokenHash = newHash
	s.RotationCounter++
	s.ExpiresAt = expiresAt
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) MarkRevoked(_ context.Context, id, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return false, errFakeStoreDown
	}
	s, ok := r.sessions[id]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	s.RevokedAt = &now
	s.RevokedReason = &reason
	return true, nil
}

func (r *fakeSessionRepo) RevokeAllForUser(_ context.Context, userID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return 0, errFakeStoreDown
	}
	now := time.Now().UTC()
	var n int64
	for _, s := range r.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			s.RevokedAt = &now
			s.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) CleanupExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if !before.Before(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeSessionRepo) get(id string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func newManagerForTest(repo repository.SessionRepository, cache SessionCache) *SessionManager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSessionManager(repo, cache, logger, SessionManagerOptions{
		TokenPepper:      "test-pepper",
		SessionTTL:       time.Hour,
		CacheTTL:         30 * time.Minute,
		UserSetTTLMargin: 24 * time.Hour,
		OperationTimeout: 3 * time.Second,
	})
}

func TestSessionLifecycleEndToEnd(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "Chrome/1.0", "10.0.0.5")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.RefreshToken == "" || created.SessionID == "" {
		t.Fatalf("incomplete create result: %+v", created)
	}
	if remaining := time.Until(created.ExpiresAt); remaining < 59*time.Minute || remaining > time.Hour {
		t.Fatalf("unexpected expiry: %v", created.ExpiresAt)
	}

	v, err := mgr.Validate(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Valid || v.UserID != "u1" || v.UserRole != "student" {
		t.Fatalf("unexpected validation: %+v", v)
	}

	rotated, err := mgr.Refresh(ctx, created.SessionID, created.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == created.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if !rotated.ExpiresAt.After(created.ExpiresAt) {
		t.Fatalf("expiry not extended: %v -> %v", created.ExpiresAt, rotated.ExpiresAt)
	}

	// Replaying the pre-rotation token is indistinguishable from a forgery.
	if _, err := mgr.Refresh(ctx, created.SessionID, created.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken on replay, got %v", err)
	}

	if err := mgr.Revoke(ctx, created.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	v, err = mgr.Validate(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("validate after revoke: %v", err)
	}
	if v.Valid {
		t.Fatal("revoked session must be invalid")
	}
}

func TestValidateDecisionMatchesStoreState(t *testing.T) {
	repo := newFakeSessionRepo()
	mgr := newManagerForTest(repo, NewInMemorySessionCache())
	ctx := context.Background()

	v, err := mgr.Validate(ctx, "unknown-id")
	if err != nil {
		t.Fatalf("validate unknown: %v", err)
	}
	if v.Valid || v.Reason != "not_found" {
		t.Fatalf("unexpected decision for unknown id: %+v", v)
	}

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Force expiry in the store and validate through a cold cache.
	repo.mu.Lock()
	repo.sessions[created.SessionID].ExpiresAt = time.Now().Add(-time.Minute)
	repo.mu.Unlock()
	mgr2 := newManagerForTest(repo, NewInMemorySessionCache())
	v, err = mgr2.Validate(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("validate expired: %v", err)
	}
	if v.Valid || v.Reason != "expired" {
		t.Fatalf("unexpected decision for expired session: %+v", v)
	}
}

func TestValidateReadThroughRepopulatesCache(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate early eviction.
	if err := cache.DeleteSnapshot(ctx, created.SessionID); err != nil {
		t.Fatalf("evict: %v", err)
	}

	v, err := mgr.Validate(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Valid || v.Reason != "store" {
		t.Fatalf("expected store-served decision, got %+v", v)
	}

	snap, ok, err := cache.GetSnapshot(ctx, created.SessionID)
	if err != nil || !ok {
		t.Fatalf("expected cache repopulated, ok=%v err=%v", ok, err)
	}
	if snap.ExpiresAt.After(repo.get(created.SessionID).ExpiresAt) {
		t.Fatal("cached expiry must not exceed the store expiry")
	}
}

// ctxSensitiveRepo rejects reads once the caller's context is done, the
// way a real driver would.
type ctxSensitiveRepo struct {
	repository.SessionRepository
}

func (r *ctxSensitiveRepo) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.SessionRepository.FindByID(ctx, id)
}

func TestValidateStoreReadSurvivesCallerCancellation(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(&ctxSensitiveRepo{SessionRepository: repo}, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cache.DeleteSnapshot(ctx, created.SessionID); err != nil {
		t.Fatalf("evict: %v", err)
	}

	// The store read is shared between coalesced validators, so it must
	// not die with whichever caller happened to start it.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	v, err := mgr.Validate(cancelled, created.SessionID)
	if err != nil {
		t.Fatalf("validate with cancelled caller: %v", err)
	}
	if !v.Valid || v.Reason != "store" {
		t.Fatalf("expected store-served decision, got %+v", v)
	}
}

func TestSnapshotTTLNeverExceedsStoreExpiry(t *testing.T) {
	mgr := newManagerForTest(newFakeSessionRepo(), NewInMemorySessionCache())

	if ttl := mgr.snapshotTTL(time.Now().Add(5 * time.Minute)); ttl > 5*time.Minute {
		t.Fatalf("ttl %v exceeds remaining lifetime", ttl)
	}
	if ttl := mgr.snapshotTTL(time.Now().Add(10 * time.Hour)); ttl > 30*time.Minute {
		t.Fatalf("ttl %v exceeds configured cache ttl", ttl)
	}
	if ttl := mgr.snapshotTTL(time.Now().Add(-time.Minute)); ttl > 0 {
		t.Fatalf("expired session must not be cached, ttl=%v", ttl)
	}
}

func TestCreateSurvivesCacheFailure(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	cache.FailWrites = true
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create must tolerate cache failure: %v", err)
	}

	// Next validate self-heals through the store.
	cache.FailWrites = false
	v, err := mgr.Validate(ctx, created.SessionID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Valid {
		t.Fatalf("expected valid decision, got %+v", v)
	}
}

func TestCreateSurfacesStoreFailure(t *testing.T) {
	repo := newFakeSessionRepo()
	repo.failAll = true
	mgr := newManagerForTest(repo, NewInMemorySessionCache())

	_, err := mgr.Create(context.Background(), "u1", "student", "ua", "ip")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRefreshErrorTaxonomy(t *testing.T) {
	repo := newFakeSessionRepo()
	mgr := newManagerForTest(repo, NewInMemorySessionCache())
	ctx := context.Background()

	if _, err := mgr.Refresh(ctx, "unknown", "tok"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := mgr.Refresh(ctx, created.SessionID, "wrong-token"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}

	repo.mu.Lock()
	repo.sessions[created.SessionID].ExpiresAt = time.Now().Add(-time.Minute)
	repo.mu.Unlock()
	if _, err := mgr.Refresh(ctx, created.SessionID, created.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	repo.mu.Lock()
	repo.sessions[created.SessionID].ExpiresAt = time.Now().Add(time.Hour)
	now := time.Now().UTC()
	repo.sessions[created.SessionID].RevokedAt = &now
	repo.mu.Unlock()
	if _, err := mgr.Refresh(ctx, created.SessionID, created.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestConcurrentRefreshExactlyOneWinner(t *testing.T) {
	repo := newFakeSessionRepo()
	mgr := newManagerForTest(repo, NewInMemorySessionCache())
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 16
	results := make(chan error, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := mgr.Refresh(ctx, created.SessionID, created.RefreshToken)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var wins, replays int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidRefreshToken):
			replays++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning refresh, got %d", wins)
	}
	if replays != racers-1 {
		t.Fatalf("expected %d losers, got %d", racers-1, replays)
	}
	if counter := repo.get(created.SessionID).RotationCounter; counter != 1 {
		t.Fatalf("expected rotation counter 1, got %d", counter)
	}
}

func TestRevokeIsIdempotentIncludingUnknownIDs(t *testing.T) {
	repo := newFakeSessionRepo()
	mgr := newManagerForTest(repo, NewInMemorySessionCache())
	ctx := context.Background()

	if err := mgr.Revoke(ctx, "never-existed"); err != nil {
		t.Fatalf("revoking an unknown session must succeed: %v", err)
	}

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Revoke(ctx, created.SessionID); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := mgr.Revoke(ctx, created.SessionID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if repo.get(created.SessionID).RevokedAt == nil {
		t.Fatal("expected RevokedAt set in the store")
	}
}

func TestRevokeFallsBackToStoreWhenUncached(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Session is live in the store but missing from the cache; revoke must
	// still find and revoke it rather than declaring it unknown.
	if err := cache.DeleteSnapshot(ctx, created.SessionID); err != nil {
		t.Fatalf("evict: %v", err)
	}

	if err := mgr.Revoke(ctx, created.SessionID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if repo.get(created.SessionID).RevokedAt == nil {
		t.Fatal("live-but-uncached session was not revoked in the store")
	}
}

func TestRevokeUserSessionsCoversStoreOnlySessions(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	s1, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create s1: %v", err)
	}
	s2, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create s2: %v", err)
	}
	other, err := mgr.Create(ctx, "u2", "editor", "ua", "ip")
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	// s2 disappears from the cache's user set entirely; the store must
	// still revoke it.
	if err := cache.RemoveUserSession(ctx, "u1", s2.SessionID); err != nil {
		t.Fatalf("remove from set: %v", err)
	}
	if err := cache.DeleteSnapshot(ctx, s2.SessionID); err != nil {
		t.Fatalf("evict: %v", err)
	}

	if err := mgr.RevokeUserSessions(ctx, "u1"); err != nil {
		t.Fatalf("revoke user sessions: %v", err)
	}

	for _, id := range []string{s1.SessionID, s2.SessionID} {
		v, err := mgr.Validate(ctx, id)
		if err != nil {
			t.Fatalf("validate %s: %v", id, err)
		}
		if v.Valid {
			t.Fatalf("session %s should be revoked", id)
		}
	}

	v, err := mgr.Validate(ctx, other.SessionID)
	if err != nil {
		t.Fatalf("validate other: %v", err)
	}
	if !v.Valid {
		t.Fatal("another user's session must be untouched")
	}
}

// membershipDropCache loses the first user-set add, leaving a snapshot
// cached without corresponding set membership.
type membershipDropCache struct {
	*InMemorySessionCache
	dropped bool
}

func (c *membershipDropCache) AddUserSession(ctx context.Context, userID, sessionID string, setTTL time.Duration) error {
	if !c.dropped {
		c.dropped = true
		return errors.New("set write lost")
	}
	return c.InMemorySessionCache.AddUserSession(ctx, userID, sessionID, setTTL)
}

func TestRevokeUserSessionsDropsSnapshotsMissingFromUserSet(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := &membershipDropCache{InMemorySessionCache: NewInMemorySessionCache()}
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	// The first create's set membership write is lost (a tolerated
	// best-effort failure), so its snapshot is cached but invisible to
	// the user set.
	orphan, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	tracked, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create tracked: %v", err)
	}

	if _, ok, _ := cache.GetSnapshot(ctx, orphan.SessionID); !ok {
		t.Fatal("expected the first session's snapshot to be cached")
	}
	ids, err := cache.UserSessionIDs(ctx, "u1")
	if err != nil {
		t.Fatalf("user set: %v", err)
	}
	for _, id := range ids {
		if id == orphan.SessionID {
			t.Fatal("first session should be absent from the user set")
		}
	}

	if err := mgr.RevokeUserSessions(ctx, "u1"); err != nil {
		t.Fatalf("revoke user sessions: %v", err)
	}

	if _, ok, _ := cache.GetSnapshot(ctx, orphan.SessionID); ok {
		t.Fatal("snapshot outside the user set must be deleted on bulk revoke")
	}
	for _, id := range []string{orphan.SessionID, tracked.SessionID} {
		v, err := mgr.Validate(ctx, id)
		if err != nil {
			t.Fatalf("validate %s: %v", id, err)
		}
		if v.Valid {
			t.Fatalf("session %s still validates after bulk revoke", id)
		}
	}
}

func TestRevokeUserSessionsSkipsCacheCleanupFailures(t *testing.T) {
	repo := newFakeSessionRepo()
	cache := NewInMemorySessionCache()
	mgr := newManagerForTest(repo, cache)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "u1", "student", "ua", "ip")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cache.FailWrites = true
	if err := mgr.RevokeUserSessions(ctx, "u1"); err != nil {
		t.Fatalf("bulk revoke must tolerate cache cleanup failure: %v", err)
	}
	if repo.get(created.SessionID).RevokedAt == nil {
		t.Fatal("store revocation mark is authoritative and must be applied")
	}
}

func TestListUserSessions(t *testing.T) {
	repo := newFakeSessionRepo()
	mgr := newManagerForTest(repo, NewInMemorySessionCache())
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "u1", "student", "Chrome/1.0", "10.0.0.5"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.Create(ctx, "u1", "student", "Firefox/2.0", "10.0.0.6"); err != nil {
		t.Fatalf("create: %v", err)
	}

	views, err := mgr.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(views))
	}
}
