package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/media"
	"github.com/jmcalloway/civitas/internal/model"
	"github.com/jmcalloway/civitas/internal/publish"
)

// DraftHandler handles /api/v1/drafts/* routes.
type DraftHandler struct {
	drafts *publish.Service
	media  *media.Service
}

// NewDraftHandler creates a DraftHandler.
func NewDraftHandler(drafts *publish.Service, mediaSvc *media.Service) *DraftHandler {
	return &DraftHandler{drafts: drafts, media: mediaSvc}
}

type draftRequest struct {
	GroupID  string        `json:"group_id"`
	Title    string        `json:"title"`
	Content  string        `json:"content"`
	Metadata model.JSONMap `json:"metadata"`
}

type draftAttrs struct {
	GroupID   string            `json:"group_id"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Status    model.DraftStatus `json:"status"`
	Metadata  model.JSONMap     `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func draftResource(d *model.PostDraft) jsonapi.ResourceObject {
	return jsonapi.ResourceObject{
		Type: "post_draft",
		ID:   d.ID,
		Attributes: draftAttrs{
			GroupID:   d.GroupID,
			Title:     d.Title,
			Content:   d.Content,
			Status:    d.Status,
			Metadata:  d.Metadata,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		},
	}
}

// renderDraftError maps draft service errors onto JSON:API responses.
func renderDraftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, publish.ErrDraftNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "draft_not_found", "Not Found", "the draft does not exist")
	case errors.Is(err, publish.ErrAccessDenied):
		jsonapi.RenderError(w, http.StatusForbidden, "access_denied", "Forbidden", "the draft belongs to another user")
	case errors.Is(err, publish.ErrDraftNotEditable):
		jsonapi.RenderError(w, http.StatusConflict, "draft_not_editable", "Conflict", "the draft is no longer editable")
	case errors.Is(err, publish.ErrGroupNotFound):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "group_not_found", "Unprocessable Entity", "the destination group does not exist")
	default:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "draft operation failed")
	}
}

// Create handles POST /api/v1/drafts.
func (h *DraftHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.GroupID == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "group_id is required")
		return
	}

	draft, err := h.drafts.CreateDraft(r.Context(), claims.UserID, publish.DraftInput{
		GroupID:  req.GroupID,
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		renderDraftError(w, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, draftResource(draft))
}

// Get handles GET /api/v1/drafts/{id}.
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	draft, err := h.drafts.GetDraft(r.Context(), claims.UserID, r.PathValue("id"))
	if err != nil {
		renderDraftError(w, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, draftResource(draft))
}

// Update handles PATCH /api/v1/drafts/{id}.
func (h *DraftHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req draftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}

	draft, err := h.drafts.UpdateDraft(r.Context(), claims.UserID, r.PathValue("id"), publish.DraftInput{
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		renderDraftError(w, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, draftResource(draft))
}

// Discard handles DELETE /api/v1/drafts/{id}.
func (h *DraftHandler) Discard(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	if err := h.drafts.DiscardDraft(r.Context(), claims.UserID, r.PathValue("id")); err != nil {
		renderDraftError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mediaAttrs struct {
	FileID       string            `json:"file_id"`
	URL          string            `json:"url"`
	ThumbnailURL *string           `json:"thumbnail_url,omitempty"`
	MimeType     string            `json:"mime_type"`
	FileSize     int64             `json:"file_size"`
	OrderIndex   int               `json:"order_index"`
	Status       model.MediaStatus `json:"status"`
}

// ListMedia handles GET /api/v1/drafts/{id}/media.
func (h *DraftHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	items, err := h.media.ListForDraft(r.Context(), claims.UserID, r.PathValue("id"))
	switch {
	case errors.Is(err, media.ErrDraftNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "draft_not_found", "Not Found", "the draft does not exist")
		return
	case errors.Is(err, media.ErrAccessDenied):
		jsonapi.RenderError(w, http.StatusForbidden, "access_denied", "Forbidden", "the draft belongs to another user")
		return
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "media lookup failed")
		return
	}

	data := make([]any, 0, len(items))
	for _, m := range items {
		data = append(data, jsonapi.ResourceObject{
			Type: "draft_media",
			ID:   m.ID,
			Attributes: mediaAttrs{
				FileID:       m.FileID,
				URL:          m.URL,
				ThumbnailURL: m.ThumbnailURL,
				MimeType:     m.MimeType,
				FileSize:     m.FileSize,
				OrderIndex:   m.OrderIndex,
				Status:       m.Status,
			},
		})
	}
	jsonapi.RenderList(w, http.StatusOK, data)
}
