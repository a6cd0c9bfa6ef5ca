package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

// refreshWindow is the trailing slice of a session's lifetime during which
// callers are told to rotate instead of having the session extended.
const refreshWindow = time.Hour

// ClientMeta is optional client metadata recorded on session creation.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// Validation is the three-way outcome of a session check. RequiresRefresh
// distinguishes "gone, rotate to recover" and "still valid but about to
// expire" from a plain pass/fail so callers can trigger rotation instead of
// forcing a full re-auth.
type Validation struct {
	Valid           bool
	RequiresRefresh bool
	Session         *model.Session
}

// SessionManager creates, validates, and revokes sessions.
type SessionManager struct {
	db         *gorm.DB
	sessionTTL time.Duration
}

// NewSessionManager creates a SessionManager issuing sessions of the given
// fixed length.
func NewSessionManager(db *gorm.DB, sessionTTL time.Duration) *SessionManager {
	return &SessionManager{db: db, sessionTTL: sessionTTL}
}

// Create inserts a session expiring sessionTTL from now.
func (m *SessionManager) Create(ctx context.Context, userID string, meta ClientMeta) (*model.Session, error) {
	now := time.Now()
	sess := &model.Session{
		UserID:         userID,
		ExpiresAt:      now.Add(m.sessionTTL),
		LastActivityAt: now,
		UserAgent:      meta.UserAgent,
		IPAddress:      meta.IPAddress,
	}
	if err := m.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Validate classifies a session:
//   - not found or revoked: invalid
//   - past expiry: invalid, but recoverable via refresh
//   - inside the trailing refresh window: valid, rotation advised, activity
//     not bumped (a session about to be superseded is not extended)
//   - otherwise: valid, activity bumped to now
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (Validation, error) {
	var sess model.Session
	err := m.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Validation{}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("load session: %w", err)
	}
	if sess.RevokedAt != nil {
		return Validation{}, nil
	}

	now := time.Now()
	if !now.Before(sess.ExpiresAt) {
		return Validation{RequiresRefresh: true}, nil
	}
	if sess.ExpiresAt.Sub(now) <= refreshWindow {
		return Validation{Valid: true, RequiresRefresh: true, Session: &sess}, nil
	}

	if err := m.db.WithContext(ctx).Model(&sess).
		Update("last_activity_at", now).Error; err != nil {
		return Validation{}, fmt.Errorf("bump session activity: %w", err)
	}
	return Validation{Valid: true, Session: &sess}, nil
}

// Revoke revokes one session and every still-active refresh token bound to
// it. Tokens are revoked first so a revoked session can never leave a usable
// token behind, whichever statement fails.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	now := time.Now()
	if err := m.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("session_id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	if err := m.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every session and refresh token the user owns.
// Each statement is a single server-side bulk UPDATE, not a row-by-row loop.
// Used for "sign out everywhere" and as the mandatory response to detected
// token replay.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) error {
	now := time.Now()
	if err := m.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	if err := m.db.WithContext(ctx).Model(&model.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now).Error; err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}
