// Package seed creates the default group and an admin account on first boot
// when the users table is empty.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcalloway/civitas/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const defaultGroupSlug = "general"

// Options configures the seed admin user and default group.
type Options struct {
	AdminEmail    string
	AdminPassword string // if empty, a random password is generated
	GroupSlug     string // defaults to "general"
}

// EnsureDefaults creates the default group, and when no users exist yet, an
// admin user with an email identity and an approved membership in that group.
// It prints a generated password to stdout exactly once. The function is
// idempotent and safe to call on every startup.
func EnsureDefaults(ctx context.Context, db *gorm.DB, opts Options, log *slog.Logger) error {
	slug := opts.GroupSlug
	if slug == "" {
		slug = defaultGroupSlug
	}
	group, err := ensureDefaultGroup(ctx, db, slug)
	if err != nil {
		return err
	}

	var count int64
	if err := db.WithContext(ctx).Model(&model.User{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Debug("seed admin already exists")
		return nil
	}

	password := opts.AdminPassword
	if password == "" {
		password, err = generatePassword()
		if err != nil {
			return fmt.Errorf("generate seed password: %w", err)
		}
		fmt.Printf("[civitas] seed admin password: %s\n", password)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	username := "admin"
	u := &model.User{
		Email:        &opts.AdminEmail,
		Username:     &username,
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("insert seed admin: %w", err)
	}

	ident := &model.AuthIdentity{
		Provider:      model.ProviderEmail,
		ProviderSub:   opts.AdminEmail,
		UserID:        u.ID,
		Email:         &opts.AdminEmail,
		EmailVerified: true,
	}
	if err := db.WithContext(ctx).Create(ident).Error; err != nil {
		return fmt.Errorf("insert seed admin identity: %w", err)
	}

	member := &model.GroupMember{
		GroupID: group.ID,
		UserID:  u.ID,
		Status:  "approved",
	}
	if err := db.WithContext(ctx).Create(member).Error; err != nil {
		return fmt.Errorf("insert seed membership: %w", err)
	}

	log.Info("seed admin created", "email", opts.AdminEmail, "group", group.Slug)
	return nil
}

func ensureDefaultGroup(ctx context.Context, db *gorm.DB, slug string) (*model.Group, error) {
	var group model.Group
	err := db.WithContext(ctx).Where("slug = ?", slug).First(&group).Error
	if err == nil {
		return &group, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup default group: %w", err)
	}

	group = model.Group{Name: "General", Slug: slug}
	if err := db.WithContext(ctx).Create(&group).Error; err != nil {
		return nil, fmt.Errorf("insert default group: %w", err)
	}
	return &group, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
