package auth_test

import (
	"context"
	"testing"

	"github.com/jmcalloway/civitas/internal/auth"
	"github.com/jmcalloway/civitas/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_CreatesThenUpdatesInPlace(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	user := createUser(t, db, "a@example.com")
	ctx := context.Background()

	ident, isNew, err := r.Resolve(ctx, auth.ResolveInput{
		Provider:      model.ProviderGoogle,
		Subject:       "sub-1",
		Email:         "a@example.com",
		EmailVerified: true,
		RawProfile:    model.JSONMap{"name": "Alice"},
		UserID:        user.ID,
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, user.ID, ident.UserID)

	// Second resolve with a different profile updates the row in place.
	again, isNew, err := r.Resolve(ctx, auth.ResolveInput{
		Provider:   model.ProviderGoogle,
		Subject:    "sub-1",
		Email:      "renamed@example.com",
		RawProfile: model.JSONMap{"name": "Alicia"},
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, ident.ID, again.ID)
	assert.Equal(t, user.ID, again.UserID)

	var count int64
	require.NoError(t, db.Model(&model.AuthIdentity{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var stored model.AuthIdentity
	require.NoError(t, db.First(&stored, "id = ?", ident.ID).Error)
	require.NotNil(t, stored.Email)
	assert.Equal(t, "renamed@example.com", *stored.Email)
	assert.Equal(t, "Alicia", stored.RawProfile["name"])
}

func TestResolve_MissingUserIDIsStructuralError(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))

	_, _, err := r.Resolve(context.Background(), auth.ResolveInput{
		Provider: model.ProviderApple,
		Subject:  "sub-new",
	})
	require.ErrorIs(t, err, auth.ErrUserIDRequired)
}

func TestLink_RefusesIdentityOwnedByAnotherUser(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	owner := createUser(t, db, "owner@example.com")
	other := createUser(t, db, "other@example.com")
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, auth.ResolveInput{
		Provider: model.ProviderGoogle,
		Subject:  "shared-sub",
		UserID:   owner.ID,
	})
	require.NoError(t, err)

	_, err = r.Link(ctx, other.ID, auth.ResolveInput{
		Provider: model.ProviderGoogle,
		Subject:  "shared-sub",
	})
	require.ErrorIs(t, err, auth.ErrAlreadyLinked)

	// The row still belongs to the original owner.
	var stored model.AuthIdentity
	require.NoError(t, db.First(&stored, "provider_sub = ?", "shared-sub").Error)
	assert.Equal(t, owner.ID, stored.UserID)
}

func TestLink_RecordsAuditEvent(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	user := createUser(t, db, "u@example.com")

	_, err := r.Link(context.Background(), user.ID, auth.ResolveInput{
		Provider: model.ProviderApple,
		Subject:  "apple-sub",
	})
	require.NoError(t, err)

	var ev model.AuthEvent
	require.NoError(t, db.First(&ev, "event_type = ?", model.EventLink).Error)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, user.ID, *ev.UserID)
}

func TestUnlink_LastIdentityGuard(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	user := createUser(t, db, "u@example.com")
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, auth.ResolveInput{
		Provider: model.ProviderGoogle,
		Subject:  "only-sub",
		UserID:   user.ID,
	})
	require.NoError(t, err)

	err = r.Unlink(ctx, user.ID, model.ProviderGoogle)
	require.ErrorIs(t, err, auth.ErrLastIdentity)

	var count int64
	require.NoError(t, db.Model(&model.AuthIdentity{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUnlink_WithTwoIdentitiesLeavesOne(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	user := createUser(t, db, "u@example.com")
	ctx := context.Background()

	for _, in := range []auth.ResolveInput{
		{Provider: model.ProviderGoogle, Subject: "g-sub", UserID: user.ID},
		{Provider: model.ProviderApple, Subject: "a-sub", UserID: user.ID},
	} {
		_, _, err := r.Resolve(ctx, in)
		require.NoError(t, err)
	}

	require.NoError(t, r.Unlink(ctx, user.ID, model.ProviderGoogle))

	idents, err := r.Identities(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, idents, 1)
	assert.Equal(t, model.ProviderApple, idents[0].Provider)
}

func TestCheckEmailConflict(t *testing.T) {
	db := openTestDB(t)
	r := auth.NewIdentityResolver(db, auth.NewRecorder(db, testLogger()))
	owner := createUser(t, db, "owner@example.com")
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, auth.ResolveInput{
		Provider: model.ProviderGoogle,
		Subject:  "g-sub",
		Email:    "shared@example.com",
		UserID:   owner.ID,
	})
	require.NoError(t, err)

	conflict, err := r.CheckEmailConflict(ctx, "shared@example.com", "someone-else")
	require.NoError(t, err)
	assert.True(t, conflict)

	// Excluding the owner themselves reports no conflict.
	conflict, err = r.CheckEmailConflict(ctx, "shared@example.com", owner.ID)
	require.NoError(t, err)
	assert.False(t, conflict)
}
