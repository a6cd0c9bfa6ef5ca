package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/auth"
)

// UsernameHandler handles /api/v1/username/* routes.
type UsernameHandler struct {
	usernames *auth.UsernameAllocator
}

// NewUsernameHandler creates a UsernameHandler.
func NewUsernameHandler(usernames *auth.UsernameAllocator) *UsernameHandler {
	return &UsernameHandler{usernames: usernames}
}

type usernameAttrs struct {
	Username  string `json:"username"`
	Available bool   `json:"available"`
}

// Check handles GET /api/v1/username/check?name=...
// Availability is advisory: only Reserve is authoritative.
func (h *UsernameHandler) Check(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "missing_parameter", "Bad Request", "name query parameter is required")
		return
	}

	err := h.usernames.Validate(r.Context(), name)
	switch {
	case errors.Is(err, auth.ErrUsernameInvalid):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "username_invalid", "Unprocessable Entity", err.Error())
	case errors.Is(err, auth.ErrUsernameTaken):
		jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
			Type:       "username_check",
			ID:         name,
			Attributes: usernameAttrs{Username: name, Available: false},
		})
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "username check failed")
	default:
		jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
			Type:       "username_check",
			ID:         name,
			Attributes: usernameAttrs{Username: name, Available: true},
		})
	}
}

// Suggest handles GET /api/v1/username/suggest?email=...&display_name=...
func (h *UsernameHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	suggestion, err := h.usernames.Suggest(r.Context(), q.Get("email"), q.Get("display_name"))
	if err != nil {
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "username suggestion failed")
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type:       "username_suggestion",
		ID:         suggestion,
		Attributes: usernameAttrs{Username: suggestion, Available: true},
	})
}

type reserveRequest struct {
	Username string `json:"username"`
}

// Reserve handles POST /api/v1/username: claim a handle for the caller.
func (h *UsernameHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "username is required")
		return
	}

	err := h.usernames.Reserve(r.Context(), claims.UserID, req.Username)
	switch {
	case errors.Is(err, auth.ErrUsernameInvalid):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "username_invalid", "Unprocessable Entity", err.Error())
	case errors.Is(err, auth.ErrUsernameTaken):
		jsonapi.RenderError(w, http.StatusConflict, "username_taken", "Conflict", "that username is already taken")
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "username reservation failed")
	default:
		jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
			Type:       "username",
			ID:         claims.UserID,
			Attributes: usernameAttrs{Username: req.Username, Available: false},
		})
	}
}
