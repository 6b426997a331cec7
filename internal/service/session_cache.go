package service

import (
	"context"
	"sync"
	"time"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
)

// SessionCache is the TTL-bound read accelerator over session snapshots
// plus the per-user session-id sets used for bulk revocation. Every
// implementation must be safe for concurrent use; callers treat all
// mutations as best-effort.
type SessionCache interface {
	GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, bool, error)
	PutSnapshot(ctx context.Context, snap domain.SessionSnapshot, ttl time.Duration) error
	DeleteSnapshot(ctx context.Context, sessionID string) error

	AddUserSession(ctx context.Context, userID, sessionID string, setTTL time.Duration) error
	RemoveUserSession(ctx context.Context, userID, sessionID string) error
	UserSessionIDs(ctx context.Context, userID string) ([]string, error)
	DeleteUserSessions(ctx context.Context, userID string) error
}

// NoopSessionCache satisfies SessionCache without caching anything. Used
// when Redis is not configured; every read is a miss and the store serves
// all traffic.
type NoopSessionCache struct{}

func NewNoopSessionCache() *NoopSessionCache { return &NoopSessionCache{} }

func (c *NoopSessionCache) GetSnapshot(context.Context, string) (*domain.SessionSnapshot, bool, error) {
	return nil, false, nil
}
func (c *NoopSessionCache) PutSnapshot(context.Context, domain.SessionSnapshot, time.Duration) error {
	return nil
}
func (c *NoopSessionCache) DeleteSnapshot(context.Context, string) error { return nil }
func (c *NoopSessionCache) AddUserSession(context.Context, string, string, time.Duration) error {
	return nil
}
func (c *NoopSessionCache) RemoveUserSession(context.Context, string, string) error { return nil }
func (c *NoopSessionCache) UserSessionIDs(context.Context, string) ([]string, error) {
	return nil, nil
}
func (c *NoopSessionCache) DeleteUserSessions(context.Context, string) error { return nil }

type inMemoryEntry struct {
	snap      domain.SessionSnapshot
	expiresAt time.Time
}

// InMemorySessionCache is the test double used to exercise manager
// behavior deterministically, including injected cache failures.
type InMemorySessionCache struct {
	mu       sync.RWMutex
	entries  map[string]inMemoryEntry
	userSets map[string]map[string]time.Time

	// FailWrites makes every mutation return FailErr, simulating an
	// unavailable cache tier.
	FailWrites bool
	FailReads  bool
	FailErr    error
}

func NewInMemorySessionCache() *InMemorySessionCache {
	return &InMemorySessionCache{
		entries:  make(map[string]inMemoryEntry),
		userSets: make(map[string]map[string]time.Time),
	}
}

func (c *InMemorySessionCache) GetSnapshot(_ context.Context, sessionID string) (*domain.SessionSnapshot, bool, error) {
	if c.FailReads {
		return nil, false, c.failure()
	}
	c.mu.RLock()
	entry, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, sessionID)
		c.mu.Unlock()
		return nil, false, nil
	}
	snap := entry.snap
	return &snap, true, nil
}

func (c *InMemorySessionCache) PutSnapshot(_ context.Context, snap domain.SessionSnapshot, ttl time.Duration) error {
	if c.FailWrites {
		return c.failure()
	}
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[snap.ID] = inMemoryEntry{snap: snap, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (c *InMemorySessionCache) DeleteSnapshot(_ context.Context, sessionID string) error {
	if c.FailWrites {
		return c.failure()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	return nil
}

func (c *InMemorySessionCache) AddUserSession(_ context.Context, userID, sessionID string, setTTL time.Duration) error {
	if c.FailWrites {
		return c.failure()
	}
	if setTTL <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.userSets[userID]
	if !ok {
		set = make(map[string]time.Time)
		c.userSets[userID] = set
	}
	set[sessionID] = time.Now().Add(setTTL)
	return nil
}

func (c *InMemorySessionCache) RemoveUserSession(_ context.Context, userID, sessionID string) error {
	if c.FailWrites {
		return c.failure()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.userSets[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.userSets, userID)
		}
	}
	return nil
}

func (c *InMemorySessionCache) UserSessionIDs(_ context.Context, userID string) ([]string, error) {
	if c.FailReads {
		return nil, c.failure()
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.userSets[userID]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(set))
	for id, expiresAt := range set {
		if now.After(expiresAt) {
			delete(set, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *InMemorySessionCache) DeleteUserSessions(_ context.Context, userID string) error {
	if c.FailWrites {
		return c.failure()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userSets, userID)
	return nil
}

func (c *InMemorySessionCache) failure() error {
	if c.FailErr != nil {
		return c.FailErr
	}
	return errTestCacheUnavailable
}

var errTestCacheUnavailable = &cacheUnavailableError{}

type cacheUnavailableError struct{}

func (e *cacheUnavailableError) Error() string { return "session cache unavailable" }
