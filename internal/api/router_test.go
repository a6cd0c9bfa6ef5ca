package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	civitasapi "github.com/jmcalloway/civitas/internal/api"
	"github.com/jmcalloway/civitas/internal/api/handler"
	"github.com/jmcalloway/civitas/internal/auth"
	"github.com/jmcalloway/civitas/internal/health"
	"github.com/jmcalloway/civitas/internal/media"
	"github.com/jmcalloway/civitas/internal/model"
	"github.com/jmcalloway/civitas/internal/publish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const jwtSecret = "test-secret-at-least-32-bytes!!!"

// memBlobStore is an in-memory media.BlobStore for route tests.
type memBlobStore struct{}

func (memBlobStore) PresignUpload(_ context.Context, key, _ string, _ int64, _ time.Duration) (string, error) {
	return "https://blob.test/upload/" + key, nil
}
func (memBlobStore) PublicURL(key string) string { return "https://cdn.test/" + key }

func (memBlobStore) Delete(_ context.Context, _ string) error { return nil }

type testStack struct {
	db    *gorm.DB
	mux   *http.ServeMux
	group *model.Group
}

func setupStack(t *testing.T) *testStack {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(model.All()...))

	group := &model.Group{Name: "General", Slug: "general"}
	require.NoError(t, db.Create(group).Error)

	log := slog.Default()
	events := auth.NewRecorder(db, log)
	identities := auth.NewIdentityResolver(db, events)
	sessions := auth.NewSessionManager(db, 24*time.Hour)
	rotator := auth.NewRefreshRotator(db, sessions, events, 720*time.Hour)
	usernames := auth.NewUsernameAllocator(db)

	mediaSvc := media.NewService(db, memBlobStore{}, log, media.Options{
		MaxFileSize:      50 << 20,
		MaxFilesPerDraft: 10,
		UploadURLTTL:     15 * time.Minute,
		StaleThreshold:   24 * time.Hour,
	})
	publisher := publish.NewService(db, publish.NewSanitizer(), nil, log, publish.Options{
		MaxContentLength: 50000,
		PostBaseURL:      "/posts",
	})

	handlers := civitasapi.Handlers{
		Health: health.New(health.Dependency{Name: "db", Pinger: &okPinger{}}),
		Auth: handler.NewAuthHandler(
			db, identities, sessions, rotator, usernames, events, log,
			jwtSecret, 15*time.Minute,
		),
		Username: handler.NewUsernameHandler(usernames),
		Drafts:   handler.NewDraftHandler(publisher, mediaSvc),
		Uploads:  handler.NewUploadHandler(mediaSvc),
		Publish:  handler.NewPublishHandler(publisher),
	}

	mux := http.NewServeMux()
	civitasapi.RegisterRoutes(mux, handlers, civitasapi.Options{
		JWTSecret:     jwtSecret,
		GatewaySecret: jwtSecret,
		Sessions:      sessions,
	})
	return &testStack{db: db, mux: mux, group: group}
}

type okPinger struct{}

func (okPinger) Ping(_ context.Context) error { return nil }

func (s *testStack) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

// tokens extracts access/refresh tokens from an auth_token document.
func tokens(t *testing.T, w *httptest.ResponseRecorder) (access, refresh string) {
	t.Helper()
	var doc struct {
		Data struct {
			Attributes map[string]string `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	return doc.Data.Attributes["access_token"], doc.Data.Attributes["refresh_token"]
}

func (s *testStack) signup(t *testing.T, email string) (access, refresh string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email":        email,
		"password":     "hunter2hunter2",
		"display_name": "Test User",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return tokens(t, w)
}

func TestSignupSigninFlow(t *testing.T) {
	s := setupStack(t)

	access, _ := s.signup(t, "alice@example.com")
	require.NotEmpty(t, access)

	// Duplicate signup conflicts.
	w := s.do(t, http.MethodPost, "/api/v1/auth/signup", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Signin with the same credentials works.
	w = s.do(t, http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	// Wrong password is rejected without distinguishing which field failed.
	w = s.do(t, http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRotationAndReplay(t *testing.T) {
	s := setupStack(t)
	_, refresh := s.signup(t, "bob@example.com")

	// First rotation succeeds and returns a new pair.
	w := s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	access2, refresh2 := tokens(t, w)
	require.NotEmpty(t, access2)
	require.NotEqual(t, refresh, refresh2)

	// Replaying the consumed token trips the replay escalation.
	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "replay_detected")

	// The escalation revoked everything, including the successor.
	w = s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": refresh2})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	s := setupStack(t)
	access, _ := s.signup(t, "carol@example.com")

	w := s.do(t, http.MethodPost, "/api/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// The token still parses but its session is gone.
	w = s.do(t, http.MethodPost, "/api/v1/drafts", access, map[string]string{"group_id": s.group.ID})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDraftUploadPublishFlow(t *testing.T) {
	s := setupStack(t)
	access, _ := s.signup(t, "dave@example.com")

	// Create a draft.
	w := s.do(t, http.MethodPost, "/api/v1/drafts", access, map[string]any{
		"group_id": s.group.ID,
		"title":    "hello",
		"content":  "<p>world</p><script>alert(1)</script>",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var draftDoc struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &draftDoc))
	draftID := draftDoc.Data.ID

	// Two-phase upload. These endpoints keep their legacy camelCase keys.
	w = s.do(t, http.MethodPost, "/api/v1/uploads/init", access, map[string]any{
		"filename": "photo.png",
		"mimeType": "image/png",
		"size":     2048,
		"draftId":  draftID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var uploadDoc struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				UploadURL string `json:"uploadUrl"`
				FileID    string `json:"fileId"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &uploadDoc))
	require.NotEmpty(t, uploadDoc.Data.Attributes.UploadURL)

	w = s.do(t, http.MethodPost, "/api/v1/uploads/complete", access, map[string]string{
		"uploadId": uploadDoc.Data.ID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), uploadDoc.Data.Attributes.FileID)

	// Publish. The endpoint keeps its legacy camelCase wire shape.
	w = s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{
		"draftId": draftID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pubDoc struct {
		Data struct {
			Attributes struct {
				PostID             string `json:"postId"`
				AttachedMediaCount int    `json:"attachedMediaCount"`
				AlreadyPublished   bool   `json:"alreadyPublished"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pubDoc))
	assert.Equal(t, 1, pubDoc.Data.Attributes.AttachedMediaCount)
	assert.False(t, pubDoc.Data.Attributes.AlreadyPublished)

	// Duplicate submit returns the same post with a 200.
	w = s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{
		"draftId": draftID,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var pubDoc2 struct {
		Data struct {
			Attributes struct {
				PostID           string `json:"postId"`
				AlreadyPublished bool   `json:"alreadyPublished"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pubDoc2))
	assert.True(t, pubDoc2.Data.Attributes.AlreadyPublished)
	assert.Equal(t, pubDoc.Data.Attributes.PostID, pubDoc2.Data.Attributes.PostID)

	// Script tags never reach the stored post.
	var post model.Post
	require.NoError(t, s.db.First(&post, "id = ?", pubDoc.Data.Attributes.PostID).Error)
	assert.NotContains(t, post.Content, "<script>")
}

func TestPublishErrorCodes(t *testing.T) {
	s := setupStack(t)
	access, _ := s.signup(t, "erin@example.com")

	w := s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_DRAFT_ID")

	w = s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{"draftId": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "DRAFT_NOT_FOUND")

	// Empty draft fails the content gate.
	w = s.do(t, http.MethodPost, "/api/v1/drafts", access, map[string]any{"group_id": s.group.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	var draftDoc struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &draftDoc))

	w = s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{"draftId": draftDoc.Data.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "INSUFFICIENT_CONTENT")

	// Someone else's draft is forbidden, not hidden.
	otherAccess, _ := s.signup(t, "frank@example.com")
	w = s.do(t, http.MethodPost, "/api/v1/publish-post", otherAccess, map[string]any{"draftId": draftDoc.Data.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "ACCESS_DENIED")

	// A discarded draft never publishes.
	w = s.do(t, http.MethodDelete, "/api/v1/drafts/"+draftDoc.Data.ID, access, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/publish-post", access, map[string]any{"draftId": draftDoc.Data.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DRAFT_NOT_EDITABLE")
}

func TestProviderSigninRequiresGateway(t *testing.T) {
	s := setupStack(t)

	body := map[string]any{
		"provider": "google",
		"subject":  "google-sub-1",
		"email":    "gina@example.com",
	}
	w := s.do(t, http.MethodPost, "/api/v1/auth/provider", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	gatewayToken, err := auth.IssueAccessToken("gateway", "gateway", "", jwtSecret, time.Minute)
	require.NoError(t, err)

	// First call provisions a user, second call signs the same one in.
	w = s.do(t, http.MethodPost, "/api/v1/auth/provider", gatewayToken, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/auth/provider", gatewayToken, body)
	require.Equal(t, http.StatusOK, w.Code)

	var users int64
	require.NoError(t, s.db.Model(&model.User{}).Count(&users).Error)
	assert.EqualValues(t, 1, users)
}

func TestIdentityLinkAndUnlink(t *testing.T) {
	s := setupStack(t)
	access, _ := s.signup(t, "hana@example.com")

	// Link a second provider.
	w := s.do(t, http.MethodPost, "/api/v1/auth/identities", access, map[string]any{
		"provider": "google",
		"subject":  "google-sub-2",
		"email":    "hana@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Unlink it again.
	w = s.do(t, http.MethodDelete, "/api/v1/auth/identities/google", access, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The remaining email identity cannot be removed.
	w = s.do(t, http.MethodDelete, "/api/v1/auth/identities/email", access, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "last_identity")
}

func TestUsernameEndpoints(t *testing.T) {
	s := setupStack(t)
	access, _ := s.signup(t, "ivan@example.com")

	w := s.do(t, http.MethodGet, "/api/v1/username/check?name=brand_new", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":true`)

	w = s.do(t, http.MethodGet, "/api/v1/username/check?name=X!", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/username", access, map[string]string{"username": "brand_new"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Now taken for everyone else.
	other, _ := s.signup(t, "judy@example.com")
	w = s.do(t, http.MethodPost, "/api/v1/username", other, map[string]string{"username": "brand_new"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := setupStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
