package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

const (
	usernameMinLen   = 3
	usernameMaxLen   = 20
	suggestMaxTries  = 10
	randomSuffixBase = 10000
)

var (
	// ErrUsernameInvalid means the name fails the format check.
	ErrUsernameInvalid = errors.New("username must be 3-20 characters: lowercase letters, digits, underscore")
	// ErrUsernameTaken means the name is already reserved, whether caught by
	// the advisory read or the store's unique constraint.
	ErrUsernameTaken = errors.New("username already taken")
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)
var invalidChars = regexp.MustCompile(`[^a-z0-9_]+`)

// UsernameAllocator derives, validates, and reserves unique handles.
// Suggest is best-effort, not a reservation: the store's unique constraint at
// Reserve time is authoritative.
type UsernameAllocator struct {
	db *gorm.DB
}

// NewUsernameAllocator creates a UsernameAllocator.
func NewUsernameAllocator(db *gorm.DB) *UsernameAllocator {
	return &UsernameAllocator{db: db}
}

// Validate checks the format and case-insensitive availability of name.
func (a *UsernameAllocator) Validate(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if !usernamePattern.MatchString(name) {
		return ErrUsernameInvalid
	}
	taken, err := a.taken(ctx, name)
	if err != nil {
		return err
	}
	if taken {
		return ErrUsernameTaken
	}
	return nil
}

// Suggest derives an available candidate from the display name (preferred),
// the email local-part (fallback), or a random handle. On collision it tries
// numbered variants up to a fixed ceiling, then falls back to a random
// numeric suffix.
func (a *UsernameAllocator) Suggest(ctx context.Context, email, displayName string) (string, error) {
	base := normalizeBase(displayName)
	if base == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			base = normalizeBase(email[:at])
		}
	}
	if base == "" {
		n, err := randomInt(randomSuffixBase)
		if err != nil {
			return "", err
		}
		base = "user" + strconv.Itoa(n)
	}
	for len(base) < usernameMinLen {
		n, err := randomInt(10)
		if err != nil {
			return "", err
		}
		base += strconv.Itoa(n)
	}
	if len(base) > usernameMaxLen {
		base = base[:usernameMaxLen]
	}

	for i := 0; i < suggestMaxTries; i++ {
		candidate := base
		if i > 0 {
			suffix := strconv.Itoa(i)
			candidate = trimTo(base, usernameMaxLen-len(suffix)) + suffix
		}
		taken, err := a.taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	// All numbered variants taken: four-digit random suffix, effectively
	// always free.
	n, err := randomInt(9000)
	if err != nil {
		return "", err
	}
	suffix := strconv.Itoa(1000 + n)
	return trimTo(base, usernameMaxLen-len(suffix)) + suffix, nil
}

// Reserve re-validates and writes the username onto the user row. A unique
// constraint violation surfaced by the store at write time is translated to
// ErrUsernameTaken. The read-time check is advisory, the constraint is
// authoritative.
func (a *UsernameAllocator) Reserve(ctx context.Context, userID, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if err := a.Validate(ctx, name); err != nil {
		return err
	}
	res := a.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("username", name)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("reserve username: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reserve username: user %s not found", userID)
	}
	return nil
}

func (a *UsernameAllocator) taken(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := a.db.WithContext(ctx).Model(&model.User{}).
		Where("LOWER(username) = ?", name).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return count > 0, nil
}

func normalizeBase(s string) string {
	s = invalidChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
	return s
}

func trimTo(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func randomInt(max int64) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return 0, fmt.Errorf("random suffix: %w", err)
	}
	return int(n.Int64()), nil
}
