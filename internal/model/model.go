// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Provider identifies an external identity provider.
type Provider string

// Supported identity providers.
const (
	ProviderGoogle Provider = "google"
	ProviderApple  Provider = "apple"
	ProviderEmail  Provider = "email"
)

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderApple, ProviderEmail:
		return true
	}
	return false
}

// DraftStatus is the lifecycle state of a post draft.
type DraftStatus string

// Draft lifecycle states. Published and discarded are terminal.
const (
	DraftEditing   DraftStatus = "editing"
	DraftScheduled DraftStatus = "scheduled"
	DraftPublished DraftStatus = "published"
	DraftDiscarded DraftStatus = "discarded"
)

// MediaStatus is the lifecycle state of an uploaded file record.
type MediaStatus string

// Media lifecycle states. A record moves pending -> uploaded -> attached
// and never backward except on explicit deletion.
const (
	MediaPending  MediaStatus = "pending"
	MediaUploaded MediaStatus = "uploaded"
	MediaAttached MediaStatus = "attached"
	MediaExpired  MediaStatus = "expired"
	MediaFailed   MediaStatus = "failed"
)

// AuthEventType labels rows in the auth_events audit log.
type AuthEventType string

// Audit event types.
const (
	EventSignup         AuthEventType = "SIGNUP"
	EventSignin         AuthEventType = "SIGNIN"
	EventSignout        AuthEventType = "SIGNOUT"
	EventLink           AuthEventType = "LINK"
	EventUnlink         AuthEventType = "UNLINK"
	EventRefresh        AuthEventType = "REFRESH"
	EventTokenRevoked   AuthEventType = "TOKEN_REVOKED"
	EventSessionExpired AuthEventType = "SESSION_EXPIRED"
	EventConsentRevoked AuthEventType = "CONSENT_REVOKED"
	EventError          AuthEventType = "ERROR"
)

// JSONMap is a map GORM serialises as JSON for both SQLite and PostgreSQL
// (TEXT column in either case).
type JSONMap map[string]any

// User is the GORM model for the users table.
type User struct {
	ID            string  `gorm:"type:text;primaryKey"`
	Email         *string `gorm:"type:text;uniqueIndex"`
	Username      *string `gorm:"type:text;uniqueIndex"`
	DisplayName   string  `gorm:"type:text;not null;default:''"`
	PasswordHash  string  `gorm:"type:text;not null;default:''"`
	DeactivatedAt *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// AuthIdentity binds one external-provider credential to one internal user.
// (provider, provider_sub) is globally unique; the owning user is immutable
// once the row exists.
type AuthIdentity struct {
	ID            string    `gorm:"type:text;primaryKey"`
	Provider      Provider  `gorm:"type:text;not null;uniqueIndex:idx_provider_sub"`
	ProviderSub   string    `gorm:"type:text;not null;uniqueIndex:idx_provider_sub"`
	UserID        string    `gorm:"type:text;not null;index"`
	Email         *string   `gorm:"type:text"`
	EmailVerified bool      `gorm:"not null;default:false"`
	RawProfile    JSONMap   `gorm:"type:text;serializer:json"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (i *AuthIdentity) BeforeCreate(_ *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// Session represents one authenticated device/browser instance.
// A session is valid iff revoked_at IS NULL and now() < expires_at.
type Session struct {
	ID             string    `gorm:"type:text;primaryKey"`
	UserID         string    `gorm:"type:text;not null;index"`
	ExpiresAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null"`
	UserAgent      string    `gorm:"type:text;not null;default:''"`
	IPAddress      string    `gorm:"type:text;not null;default:''"`
	RevokedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// RefreshToken is a single-use credential forming a forward-linked chain.
// Only the SHA-256 hash of the secret is stored. PreviousTokenID points at
// the token this one superseded.
type RefreshToken struct {
	ID              string    `gorm:"type:text;primaryKey"`
	UserID          string    `gorm:"type:text;not null;index"`
	SessionID       string    `gorm:"type:text;not null;index"`
	TokenHash       string    `gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt       time.Time `gorm:"not null"`
	RevokedAt       *time.Time
	PreviousTokenID *string   `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (rt *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	return nil
}

// AuthEvent is one row of the append-only auth audit log.
type AuthEvent struct {
	ID        string        `gorm:"type:text;primaryKey"`
	UserID    *string       `gorm:"type:text;index"`
	EventType AuthEventType `gorm:"type:text;not null"`
	Provider  Provider      `gorm:"type:text;not null;default:''"`
	Metadata  JSONMap       `gorm:"type:text;serializer:json"`
	CreatedAt time.Time     `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (e *AuthEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// Group is a destination community for posts.
type Group struct {
	ID        string    `gorm:"type:text;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Slug      string    `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (g *Group) BeforeCreate(_ *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	return nil
}

// GroupMember links a user to a group. Status is "approved" or "pending".
type GroupMember struct {
	ID        string    `gorm:"type:text;primaryKey"`
	GroupID   string    `gorm:"type:text;not null;uniqueIndex:idx_group_user"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_group_user"`
	Status    string    `gorm:"type:text;not null;default:'approved'"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (m *GroupMember) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// PostDraft is a post under composition, owned by one user and scoped to one
// destination group. Exactly one terminal transition to published per draft.
type PostDraft struct {
	ID        string      `gorm:"type:text;primaryKey"`
	UserID    string      `gorm:"type:text;not null;index"`
	GroupID   string      `gorm:"type:text;not null;index"`
	Title     string      `gorm:"type:text;not null;default:''"`
	Content   string      `gorm:"type:text;not null;default:''"`
	Metadata  JSONMap     `gorm:"type:text;serializer:json"`
	Status    DraftStatus `gorm:"type:text;not null;default:'editing'"`
	CreatedAt time.Time   `gorm:"not null"`
	UpdatedAt time.Time   `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (d *PostDraft) BeforeCreate(_ *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// DraftMedia tracks an uploaded file against a draft. The row ID doubles as
// the upload identifier handed to clients by the two-phase upload protocol.
type DraftMedia struct {
	ID           string      `gorm:"type:text;primaryKey"`
	DraftID      string      `gorm:"type:text;not null;index"`
	FileID       string      `gorm:"type:text;not null"`
	URL          string      `gorm:"type:text;not null;default:''"`
	ThumbnailURL *string     `gorm:"type:text"`
	MimeType     string      `gorm:"type:text;not null"`
	FileSize     int64       `gorm:"not null"`
	OrderIndex   int         `gorm:"not null"`
	Status       MediaStatus `gorm:"type:text;not null;default:'pending'"`
	CreatedAt    time.Time   `gorm:"not null"`
	UpdatedAt    time.Time   `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (m *DraftMedia) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// Post is a published post. SourceDraftID tags the draft it was materialised
// from and is the lookup key for idempotent re-publish detection.
type Post struct {
	ID            string    `gorm:"type:text;primaryKey"`
	UserID        string    `gorm:"type:text;not null;index"`
	GroupID       string    `gorm:"type:text;not null;index"`
	Title         string    `gorm:"type:text;not null;default:''"`
	Content       string    `gorm:"type:text;not null;default:''"`
	Metadata      JSONMap   `gorm:"type:text;serializer:json"`
	Visibility    string    `gorm:"type:text;not null;default:'public'"`
	SourceDraftID string    `gorm:"type:text;not null;index"`
	CreatedAt     time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (p *Post) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// PostMedia is an attached, immutable media record on a published post.
// Order index is unique within its post.
type PostMedia struct {
	ID           string    `gorm:"type:text;primaryKey"`
	PostID       string    `gorm:"type:text;not null;uniqueIndex:idx_post_order"`
	FileID       string    `gorm:"type:text;not null"`
	URL          string    `gorm:"type:text;not null"`
	ThumbnailURL *string   `gorm:"type:text"`
	MimeType     string    `gorm:"type:text;not null"`
	FileSize     int64     `gorm:"not null"`
	OrderIndex   int       `gorm:"not null;uniqueIndex:idx_post_order"`
	CreatedAt    time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (m *PostMedia) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// Notification is a best-effort fanout record for group members.
type Notification struct {
	ID        string `gorm:"type:text;primaryKey"`
	UserID    string `gorm:"type:text;not null;index"`
	ActorID   string `gorm:"type:text;not null"`
	Type      string `gorm:"type:text;not null"`
	PostID    string `gorm:"type:text;not null;default:''"`
	GroupID   string `gorm:"type:text;not null;default:''"`
	ReadAt    *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (n *Notification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}

// All returns every model, for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&AuthIdentity{},
		&Session{},
		&RefreshToken{},
		&AuthEvent{},
		&Group{},
		&GroupMember{},
		&PostDraft{},
		&DraftMedia{},
		&Post{},
		&PostMedia{},
		&Notification{},
	}
}
