package seed_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jmcalloway/civitas/internal/model"
	"github.com/jmcalloway/civitas/internal/seed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func TestEnsureDefaults_FirstBoot(t *testing.T) {
	db := openTestDB(t)

	err := seed.EnsureDefaults(context.Background(), db, seed.Options{
		AdminEmail:    "admin@civitas.local",
		AdminPassword: "seed-password-1",
	}, slog.Default())
	require.NoError(t, err)

	var group model.Group
	require.NoError(t, db.Where("slug = ?", "general").First(&group).Error)

	var u model.User
	require.NoError(t, db.Where("email = ?", "admin@civitas.local").First(&u).Error)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("seed-password-1")))

	var ident model.AuthIdentity
	require.NoError(t, db.Where("user_id = ?", u.ID).First(&ident).Error)
	assert.Equal(t, model.ProviderEmail, ident.Provider)
	assert.True(t, ident.EmailVerified)

	var member model.GroupMember
	require.NoError(t, db.Where("group_id = ? AND user_id = ?", group.ID, u.ID).First(&member).Error)
	assert.Equal(t, "approved", member.Status)
}

func TestEnsureDefaults_Idempotent(t *testing.T) {
	db := openTestDB(t)
	opts := seed.Options{AdminEmail: "admin@civitas.local", AdminPassword: "seed-password-1"}

	require.NoError(t, seed.EnsureDefaults(context.Background(), db, opts, slog.Default()))
	require.NoError(t, seed.EnsureDefaults(context.Background(), db, opts, slog.Default()))

	var users, groups int64
	require.NoError(t, db.Model(&model.User{}).Count(&users).Error)
	require.NoError(t, db.Model(&model.Group{}).Count(&groups).Error)
	assert.EqualValues(t, 1, users)
	assert.EqualValues(t, 1, groups)
}

func TestEnsureDefaults_SkipsWhenUsersExist(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&model.User{}).Error)

	err := seed.EnsureDefaults(context.Background(), db, seed.Options{
		AdminEmail: "admin@civitas.local",
	}, slog.Default())
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&model.User{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
