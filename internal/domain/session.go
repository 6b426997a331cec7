package domain

import "time"

// Session is the authoritative record of an authenticated session. The
// durable store owns it; everything in the cache tier is derived from it.
type Session struct {
	ID               string     `gorm:"primaryKey;size:64" json:"id"`
	UserID           string     `gorm:"index;size:64;not null" json:"user_id"`
	UserRole         string     `gorm:"size:64;not null" json:"user_role"`
	RefreshTokenHash string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	UserAgent        string     `gorm:"size:512" json:"user_agent"`
	ClientIP         string     `gorm:"size:64" json:"client_ip"`
	RotationCounter  uint64     `gorm:"not null;default:0" json:"-"`
	ExpiresAt        time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt        *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason    *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// LiveAt reports whether the session is neither revoked nor expired at now.
func (s *Session) LiveAt(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// SessionSnapshot is the cache-tier projection of a live session. It is
// never authoritative and carries no token material.
type SessionSnapshot struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserRole  string    `json:"user_role"`
	UserAgent string    `json:"user_agent"`
	ClientIP  string    `json:"client_ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot projects the cacheable view of the session.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:        s.ID,
		UserID:    s.UserID,
		UserRole:  s.UserRole,
		UserAgent: s.UserAgent,
		ClientIP:  s.ClientIP,
		ExpiresAt: s.ExpiresAt,
	}
}
