package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyLinked means the (provider, subject) pair belongs to a
	// different user.
	ErrAlreadyLinked = errors.New("identity already linked to another account")
	// ErrLastIdentity means unlinking would leave the user with no way to
	// sign in.
	ErrLastIdentity = errors.New("cannot remove last auth method")
	// ErrIdentityNotFound means no identity matched the lookup.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrUserIDRequired is a structural misuse: Resolve was asked to create
	// an identity without an owning user.
	ErrUserIDRequired = errors.New("user id is required to create an identity")
)

// ResolveInput carries the provider callback payload into Resolve.
type ResolveInput struct {
	Provider      model.Provider
	Subject       string
	Email         string // empty means the provider withheld it
	EmailVerified bool
	RawProfile    model.JSONMap
	UserID        string // required only when no identity exists yet
}

// IdentityResolver maps external (provider, subject) pairs to internal users.
type IdentityResolver struct {
	db     *gorm.DB
	events *Recorder
}

// NewIdentityResolver creates an IdentityResolver.
func NewIdentityResolver(db *gorm.DB, events *Recorder) *IdentityResolver {
	return &IdentityResolver{db: db, events: events}
}

// Resolve returns the identity for (provider, subject), refreshing its email,
// verification flag, and raw profile in place when it already exists. The
// owning user is immutable once set; Resolve never moves an identity between
// users. When no row exists, in.UserID must be set and a new identity is
// created (isNew=true).
func (r *IdentityResolver) Resolve(ctx context.Context, in ResolveInput) (*model.AuthIdentity, bool, error) {
	if !in.Provider.Valid() {
		return nil, false, fmt.Errorf("unknown provider %q", in.Provider)
	}
	if in.Subject == "" {
		return nil, false, errors.New("provider subject is required")
	}

	var ident model.AuthIdentity
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_sub = ?", in.Provider, in.Subject).
		First(&ident).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"email_verified": in.EmailVerified,
			"raw_profile":    in.RawProfile,
		}
		if in.Email != "" {
			updates["email"] = in.Email
		}
		if err := r.db.WithContext(ctx).Model(&ident).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("refresh identity: %w", err)
		}
		return &ident, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if in.UserID == "" {
			return nil, false, ErrUserIDRequired
		}
		ident = model.AuthIdentity{
			Provider:      in.Provider,
			ProviderSub:   in.Subject,
			UserID:        in.UserID,
			EmailVerified: in.EmailVerified,
			RawProfile:    in.RawProfile,
		}
		if in.Email != "" {
			ident.Email = &in.Email
		}
		if err := r.db.WithContext(ctx).Create(&ident).Error; err != nil {
			return nil, false, fmt.Errorf("create identity: %w", err)
		}
		return &ident, true, nil
	default:
		return nil, false, fmt.Errorf("lookup identity: %w", err)
	}
}

// Link attaches (provider, subject) to userID. If the pair already belongs to
// a different user it fails with ErrAlreadyLinked and mutates nothing.
func (r *IdentityResolver) Link(ctx context.Context, userID string, in ResolveInput) (*model.AuthIdentity, error) {
	var existing model.AuthIdentity
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_sub = ?", in.Provider, in.Subject).
		First(&existing).Error
	if err == nil && existing.UserID != userID {
		return nil, ErrAlreadyLinked
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	in.UserID = userID
	ident, _, err := r.Resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	r.events.Record(ctx, userID, model.EventLink, in.Provider, model.JSONMap{"provider_sub": in.Subject})
	return ident, nil
}

// Unlink removes the user's identity for the given provider. A user must
// retain at least one identity, so unlinking the last one fails with
// ErrLastIdentity and performs no deletion.
func (r *IdentityResolver) Unlink(ctx context.Context, userID string, provider model.Provider) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.AuthIdentity{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("count identities: %w", err)
	}
	if count < 2 {
		return ErrLastIdentity
	}

	res := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&model.AuthIdentity{})
	if res.Error != nil {
		return fmt.Errorf("delete identity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIdentityNotFound
	}
	r.events.Record(ctx, userID, model.EventUnlink, provider, nil)
	return nil
}

// CheckEmailConflict reports whether email is already attached to an identity
// owned by someone other than excludingUserID. Read-only; used by UI flows to
// warn before linking. Email is deliberately not part of the identity key.
func (r *IdentityResolver) CheckEmailConflict(ctx context.Context, email, excludingUserID string) (bool, error) {
	if email == "" {
		return false, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.AuthIdentity{}).
		Where("email = ? AND user_id <> ?", email, excludingUserID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("count identities by email: %w", err)
	}
	return count > 0, nil
}

// Identities lists the user's linked identities.
func (r *IdentityResolver) Identities(ctx context.Context, userID string) ([]model.AuthIdentity, error) {
	var idents []model.AuthIdentity
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&idents).Error; err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return idents, nil
}
