package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmcalloway/civitas/internal/api/jsonapi"
	"github.com/jmcalloway/civitas/internal/api/middleware"
	"github.com/jmcalloway/civitas/internal/media"
)

// UploadHandler handles the two-phase upload routes under /api/v1/uploads.
//
// Like the publish endpoint, these routes predate the rest of the API and
// keep their original camelCase body and attribute keys.
type UploadHandler struct {
	media *media.Service
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(mediaSvc *media.Service) *UploadHandler {
	return &UploadHandler{media: mediaSvc}
}

type initUploadRequest struct {
	Filename string `json:"filename"` // advisory; object keys are server-generated
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	DraftID  string `json:"draftId"`
}

type initUploadAttrs struct {
	UploadURL  string    `json:"uploadUrl"`
	FileID     string    `json:"fileId"`
	OrderIndex int       `json:"orderIndex"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Init handles POST /api/v1/uploads/init: validate, reserve a slot, presign.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be valid JSON")
		return
	}
	if req.DraftID == "" || req.MimeType == "" {
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "missing_field", "Unprocessable Entity", "draftId and mimeType are required")
		return
	}

	res, err := h.media.InitUpload(r.Context(), claims.UserID, req.DraftID, req.MimeType, req.Size)
	switch {
	case errors.Is(err, media.ErrUnsupportedType):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "unsupported_type", "Unprocessable Entity", "that file type is not accepted")
		return
	case errors.Is(err, media.ErrFileTooLarge):
		jsonapi.RenderError(w, http.StatusUnprocessableEntity, "file_too_large", "Unprocessable Entity", "the file exceeds the maximum size")
		return
	case errors.Is(err, media.ErrTooManyFiles):
		jsonapi.RenderError(w, http.StatusConflict, "too_many_files", "Conflict", "the draft already has the maximum number of files")
		return
	case errors.Is(err, media.ErrDraftNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "draft_not_found", "Not Found", "the draft does not exist")
		return
	case errors.Is(err, media.ErrAccessDenied):
		jsonapi.RenderError(w, http.StatusForbidden, "access_denied", "Forbidden", "the draft belongs to another user")
		return
	case errors.Is(err, media.ErrDraftNotEditable):
		jsonapi.RenderError(w, http.StatusConflict, "draft_not_editable", "Conflict", "the draft is no longer editable")
		return
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "upload initialisation failed")
		return
	}

	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.ResourceObject{
		Type: "upload",
		ID:   res.UploadID,
		Attributes: initUploadAttrs{
			UploadURL:  res.UploadURL,
			FileID:     res.FileID,
			OrderIndex: res.OrderIndex,
			ExpiresAt:  res.ExpiresAt,
		},
	})
}

type completeUploadRequest struct {
	UploadID string `json:"uploadId"`
}

type uploadedMediaAttrs struct {
	FileID       string  `json:"fileId"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	MimeType     string  `json:"mimeType"`
	Size         int64   `json:"size"`
	OrderIndex   int     `json:"orderIndex"`
}

// Complete handles POST /api/v1/uploads/complete.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())

	var req completeUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UploadID == "" {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "uploadId is required")
		return
	}

	rec, err := h.media.CompleteUpload(r.Context(), claims.UserID, req.UploadID)
	switch {
	case errors.Is(err, media.ErrUploadNotFound):
		jsonapi.RenderError(w, http.StatusNotFound, "upload_not_found", "Not Found", "no pending upload with that id")
		return
	case errors.Is(err, media.ErrUploadNotPending):
		jsonapi.RenderError(w, http.StatusConflict, "upload_not_pending", "Conflict", "the upload was already completed or expired")
		return
	case errors.Is(err, media.ErrAccessDenied):
		jsonapi.RenderError(w, http.StatusForbidden, "access_denied", "Forbidden", "the upload belongs to another user")
		return
	case err != nil:
		jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "upload completion failed")
		return
	}

	jsonapi.RenderOne(w, http.StatusOK, jsonapi.ResourceObject{
		Type: "draft_media",
		ID:   rec.ID,
		Attributes: uploadedMediaAttrs{
			FileID:       rec.FileID,
			URL:          rec.URL,
			ThumbnailURL: rec.ThumbnailURL,
			MimeType:     rec.MimeType,
			Size:         rec.FileSize,
			OrderIndex:   rec.OrderIndex,
		},
	})
}
