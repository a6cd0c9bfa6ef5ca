package auth_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/jmcalloway/civitas/internal/auth"
	"github.com/jmcalloway/civitas/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Format(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)
	ctx := context.Background()

	for _, bad := range []string{"", "ab", "Has Space", "way_too_long_for_the_limit", "dash-ed", "émile"} {
		assert.ErrorIs(t, a.Validate(ctx, bad), auth.ErrUsernameInvalid, "input %q", bad)
	}
	require.NoError(t, a.Validate(ctx, "fine_name42"))
}

func TestValidate_CaseInsensitiveUniqueness(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)
	ctx := context.Background()

	taken := "alice"
	require.NoError(t, db.Create(&model.User{Username: &taken}).Error)

	assert.ErrorIs(t, a.Validate(ctx, "ALICE"), auth.ErrUsernameTaken)
	assert.ErrorIs(t, a.Validate(ctx, "alice"), auth.ErrUsernameTaken)
}

func TestSuggest_DerivesFromDisplayName(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)

	got, err := a.Suggest(context.Background(), "ignored@example.com", "Jane Q. Public")
	require.NoError(t, err)
	assert.Equal(t, "janeqpublic", got)
}

func TestSuggest_FallsBackToEmailLocalPart(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)

	got, err := a.Suggest(context.Background(), "jdoe42@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "jdoe42", got)
}

func TestSuggest_CollisionExhaustionUsesRandomSuffix(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)
	ctx := context.Background()

	// Take the base and every numbered variant up to the retry ceiling.
	occupied := map[string]bool{}
	for i := 0; i < 10; i++ {
		name := "crowded"
		if i > 0 {
			name += strconv.Itoa(i)
		}
		occupied[name] = true
		n := name
		require.NoError(t, db.Create(&model.User{Username: &n}).Error)
	}

	got, err := a.Suggest(ctx, "", "Crowded")
	require.NoError(t, err)
	assert.False(t, occupied[got], "suggestion %q collides", got)
	// The fallback suggestion itself passes validation.
	require.NoError(t, a.Validate(ctx, got))
}

func TestReserve_StoreConstraintIsAuthoritative(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)
	ctx := context.Background()

	first := createUser(t, db, "a@example.com")
	second := createUser(t, db, "b@example.com")

	require.NoError(t, a.Reserve(ctx, first.ID, "contender"))

	// Advisory read already reports the collision.
	err := a.Reserve(ctx, second.ID, "contender")
	require.ErrorIs(t, err, auth.ErrUsernameTaken)

	var stored model.User
	require.NoError(t, db.First(&stored, "id = ?", second.ID).Error)
	assert.Nil(t, stored.Username)
}

func TestReserve_NormalizesCase(t *testing.T) {
	db := openTestDB(t)
	a := auth.NewUsernameAllocator(db)
	user := createUser(t, db, "a@example.com")

	require.NoError(t, a.Reserve(context.Background(), user.ID, "  MixedCase  "))

	var stored model.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	require.NotNil(t, stored.Username)
	assert.Equal(t, "mixedcase", *stored.Username)
}
