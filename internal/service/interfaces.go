package service

import "context"

// SessionLifecycle is the surface consumed by the transport layer.
type SessionLifecycle interface {
	Create(ctx context.Context, userID, userRole, userAgent, clientIP string) (*CreatedSession, error)
	Validate(ctx context.Context, sessionID string) (Validation, error)
	Refresh(ctx context.Context, sessionID, refreshToken string) (*RotatedSession, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeUserSessions(ctx context.Context, userID string) error
	ListUserSessions(ctx context.Context, userID string) ([]SessionView, error)
}
