package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/publish"
)

// PublishHandler handles POST /api/v1/publish-post.
//
// This endpoint predates the rest of the API and keeps its original wire
// shape: camelCase body keys and uppercase error codes that clients switch on.
type PublishHandler struct {
	publisher *publish.Service
}

// NewPublishHandler creates a PublishHandler.
func NewPublishHandler(publisher *publish.Service) *PublishHandler {
	return &PublishHandler{publisher: publisher}
}

type publishRequest struct {
	DraftID        string `json:"draftId"`
	Visibility     string `json:"visibility"`
	PublishOptions struct {
		NotifyMembers bool `json:"notifyMembers"`
	} `json:"publishOptions"`
}

type publishAttrs struct {
	PostID             string `json:"postId"`
	PostURL            string `json:"postUrl"`
	AttachedMediaCount int    `json:"attachedMediaCount"`
	AlreadyPublished   bool   `json:"alreadyPublished"`
}

// Publish materialises a post from a draft. Safe to retry: a duplicate
// submit returns the already-published post with a 200.
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "INVALID_BODY", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.DraftID == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "MISSING_DRAFT_ID", "Bad Request", "draftId is required")
		return
	}

	res, err := h.publisher.Publish(r.Context(), claims.UserID, req.DraftID, publish.PublishOptions{
		Visibility:    req.Visibility,
		NotifyMembers: req.PublishOptions.NotifyMembers,
	})
	switch {
	case errors.Is(err, publish.ErrDraftNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "DRAFT_NOT_FOUND", "Not Found", "the draft does not exist")
		return
	case errors.Is(err, publish.ErrAccessDenied):
		jsonapi.RenderError(w, http.StatusForbidden, "ACCESS_DENIED", "Forbidden", "the draft belongs to another user")
		return
	case errors.Is(err, publish.ErrDraftNotEditable):
		jsonapi.RenderError(w, http.StatusConflict, "DRAFT_NOT_EDITABLE", "Conflict", "the draft was discarded and cannot be published")
		return
	case errors.Is(err, publish.ErrInsufficientContent):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_CONTENT", "Unprocessable Entity",
			"a post needs a title, content, or at least one media item")
		return
	case errors.Is(err, publish.ErrContentTooLong):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "CONTENT_TOO_LONG", "Unprocessable Entity",
			"the post content exceeds the maximum length")
		return
	case errors.Is(err, publish.ErrPublishFailed):
		jsonapi.RenderError(w, http.StatusInternalServerError, "PUBLISH_DB_ERROR", "Internal Server Error",
			"publishing failed and all partial writes were rolled back")
		return
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error",
			"publishing failed unexpectedly")
		return
	}

	status := http.StatusCreated
	if res.AlreadyPublished {
		status = http.StatusOK
	}
	jsonapi.RenderOne(w, status, jsonapi.ResourceObject{
		Type: "post",
		ID:   res.PostID,
		Attributes: publishAttrs{
			PostID:             res.PostID,
			PostURL:            res.PostURL,
			AttachedMediaCount: res.AttachedMediaCount,
			AlreadyPublished:   res.AlreadyPublished,
		},
	})
}
