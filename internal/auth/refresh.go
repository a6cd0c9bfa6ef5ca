package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrTokenInvalid is the ordinary invalid-credential failure: the hash
	// was never issued or the token has expired. No security escalation.
	ErrTokenInvalid = errors.New("refresh token invalid or expired")
	// ErrReplayDetected means an already-revoked token hash was presented.
	// By the time the caller sees this, every session and token the user
	// owned has been revoked.
	ErrReplayDetected = errors.New("refresh token replay detected")
)

// RotateResult carries the successor token and its chain metadata.
type RotateResult struct {
	Token     string // plaintext secret, returned once, stored nowhere
	TokenID   string
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// RefreshRotator issues and rotates chained single-use refresh tokens and
// detects replay of already-consumed ones.
type RefreshRotator struct {
	db         *gorm.DB
	sessions   *SessionManager
	events     *Recorder
	refreshTTL time.Duration
}

// NewRefreshRotator creates a RefreshRotator. refreshTTL is expected to be
// strictly longer than the session TTL so the refresh capability outlives the
// sessions it renews.
func NewRefreshRotator(db *gorm.DB, sessions *SessionManager, events *Recorder, refreshTTL time.Duration) *RefreshRotator {
	return &RefreshRotator{db: db, sessions: sessions, events: events, refreshTTL: refreshTTL}
}

// Issue generates a secure random secret, stores only its SHA-256 hash, and
// returns the plaintext to the caller. previousTokenID is non-empty when the
// token supersedes another in the chain.
func (r *RefreshRotator) Issue(ctx context.Context, userID, sessionID, previousTokenID string) (RotateResult, error) {
	raw, err := generateSecret()
	if err != nil {
		return RotateResult{}, fmt.Errorf("generate refresh token: %w", err)
	}

	rt := &model.RefreshToken{
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: hashSecret(raw),
		ExpiresAt: time.Now().Add(r.refreshTTL),
	}
	if previousTokenID != "" {
		rt.PreviousTokenID = &previousTokenID
	}
	if err := r.db.WithContext(ctx).Create(rt).Error; err != nil {
		return RotateResult{}, fmt.Errorf("store refresh token: %w", err)
	}
	return RotateResult{
		Token:     raw,
		TokenID:   rt.ID,
		UserID:    userID,
		SessionID: sessionID,
		ExpiresAt: rt.ExpiresAt,
	}, nil
}

// Rotate validates the presented secret and answers one of three outcomes:
//
//  1. active: the presented token is revoked and a chained successor minted.
//  2. not found or expired: ErrTokenInvalid, no escalation.
//  3. hash found but already revoked: replay. The whole session family is
//     treated as compromised, every session and token the user owns is
//     revoked, and ErrReplayDetected is returned so the caller can force a
//     full re-authentication.
//
// Two near-simultaneous rotations of the same token race on a conditional
// single-statement revoke; the loser is routed down the replay path rather
// than given a generic error.
func (r *RefreshRotator) Rotate(ctx context.Context, rawToken string) (RotateResult, error) {
	h := hashSecret(rawToken)

	var rt model.RefreshToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", h).First(&rt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RotateResult{}, ErrTokenInvalid
	}
	if err != nil {
		return RotateResult{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	if rt.RevokedAt != nil {
		return RotateResult{}, r.escalateReplay(ctx, &rt)
	}
	if time.Now().After(rt.ExpiresAt) {
		return RotateResult{}, ErrTokenInvalid
	}

	// Single enforcement point against concurrent rotation: only one caller
	// can flip revoked_at from NULL.
	res := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", rt.ID).
		Update("revoked_at", time.Now())
	if res.Error != nil {
		return RotateResult{}, fmt.Errorf("revoke presented token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return RotateResult{}, r.escalateReplay(ctx, &rt)
	}

	out, err := r.Issue(ctx, rt.UserID, rt.SessionID, rt.ID)
	if err != nil {
		// Minting the successor failed after the presented token was
		// revoked. Restore it so the session is not left without a usable
		// token; if even that fails, revoke the session outright.
		if rerr := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
			Where("id = ?", rt.ID).
			Update("revoked_at", nil).Error; rerr != nil {
			_ = r.sessions.Revoke(ctx, rt.SessionID)
			return RotateResult{}, errors.Join(err, rerr)
		}
		return RotateResult{}, err
	}

	r.events.Record(ctx, rt.UserID, model.EventRefresh, "", model.JSONMap{
		"session_id":        rt.SessionID,
		"previous_token_id": rt.ID,
	})
	return out, nil
}

// RevokeByHash revokes the token matching the presented secret, if any.
func (r *RefreshRotator) RevokeByHash(ctx context.Context, rawToken string) error {
	return r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hashSecret(rawToken)).
		Update("revoked_at", time.Now()).Error
}

func (r *RefreshRotator) escalateReplay(ctx context.Context, rt *model.RefreshToken) error {
	if err := r.sessions.RevokeAllForUser(ctx, rt.UserID); err != nil {
		return errors.Join(ErrReplayDetected, fmt.Errorf("bulk revoke after replay: %w", err))
	}
	r.events.Record(ctx, rt.UserID, model.EventTokenRevoked, "", model.JSONMap{
		"reason":     "replay_detected",
		"token_id":   rt.ID,
		"session_id": rt.SessionID,
	})
	return ErrReplayDetected
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
