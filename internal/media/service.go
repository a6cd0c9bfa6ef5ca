// Package media implements the two-phase upload protocol for draft
// attachments: init reserves a slot and returns a presigned upload URL,
// complete confirms the bytes landed and resolves the public URL.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrDraftNotFound means the target draft does not exist.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrAccessDenied means the draft belongs to another user.
	ErrAccessDenied = errors.New("draft access denied")
	// ErrDraftNotEditable means the draft can no longer take uploads.
	ErrDraftNotEditable = errors.New("draft is not editable")
	// ErrUnsupportedType means the declared mime type is not allowed.
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrFileTooLarge means the declared size exceeds the ceiling.
	ErrFileTooLarge = errors.New("file exceeds the maximum size")
	// ErrTooManyFiles means the draft is at its attachment cap.
	ErrTooManyFiles = errors.New("draft already has the maximum number of files")
	// ErrUploadNotFound means no pending upload matched the id.
	ErrUploadNotFound = errors.New("upload not found")
	// ErrUploadNotPending means the upload is not awaiting completion.
	ErrUploadNotPending = errors.New("upload is not pending")
)

// allowedMimeTypes maps accepted mime types to the object key extension.
var allowedMimeTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
}

// BlobStore abstracts the object store the presigned URLs point at.
type BlobStore interface {
	PresignUpload(ctx context.Context, key, mimeType string, size int64, expires time.Duration) (string, error)
	PublicURL(key string) string
	Delete(ctx context.Context, key string) error
}

// Options configures a Service.
type Options struct {
	MaxFileSize      int64
	MaxFilesPerDraft int
	UploadURLTTL     time.Duration
	StaleThreshold   time.Duration
}

// Service owns draft media records and talks to the blob store.
type Service struct {
	db    *gorm.DB
	store BlobStore
	log   *slog.Logger
	opts  Options
}

// NewService creates a Service.
func NewService(db *gorm.DB, store BlobStore, log *slog.Logger, opts Options) *Service {
	return &Service{db: db, store: store, log: log, opts: opts}
}

// InitResult is what a client needs to perform the actual upload.
type InitResult struct {
	UploadID   string
	UploadURL  string
	FileID     string
	OrderIndex int
	ExpiresAt  time.Time
}

// InitUpload validates the declared file, reserves the next order slot on the
// draft, and returns a presigned PUT URL. All gates run before the store is
// touched so a rejected request never presigns anything.
func (s *Service) InitUpload(ctx context.Context, userID, draftID, mimeType string, size int64) (InitResult, error) {
	ext, ok := allowedMimeTypes[mimeType]
	if !ok {
		return InitResult{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if size <= 0 || size > s.opts.MaxFileSize {
		return InitResult{}, ErrFileTooLarge
	}

	draft, err := s.loadOwned(ctx, userID, draftID)
	if err != nil {
		return InitResult{}, err
	}
	if draft.Status != model.DraftEditing {
		return InitResult{}, ErrDraftNotEditable
	}

	// Count only live records: expired and failed slots are reusable.
	var live int64
	if err := s.db.WithContext(ctx).Model(&model.DraftMedia{}).
		Where("draft_id = ? AND status IN ?", draftID,
			[]model.MediaStatus{model.MediaPending, model.MediaUploaded, model.MediaAttached}).
		Count(&live).Error; err != nil {
		return InitResult{}, fmt.Errorf("count draft media: %w", err)
	}
	if int(live) >= s.opts.MaxFilesPerDraft {
		return InitResult{}, ErrTooManyFiles
	}

	key := fmt.Sprintf("drafts/%s/%s%s", draftID, uuid.New().String(), ext)
	rec := &model.DraftMedia{
		DraftID:    draftID,
		FileID:     key,
		MimeType:   mimeType,
		FileSize:   size,
		OrderIndex: int(live),
		Status:     model.MediaPending,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return InitResult{}, fmt.Errorf("create media record: %w", err)
	}

	url, err := s.store.PresignUpload(ctx, key, mimeType, size, s.opts.UploadURLTTL)
	if err != nil {
		// The pending row will be swept as stale; no need to unwind here.
		return InitResult{}, fmt.Errorf("presign upload: %w", err)
	}

	return InitResult{
		UploadID:   rec.ID,
		UploadURL:  url,
		FileID:     key,
		OrderIndex: rec.OrderIndex,
		ExpiresAt:  time.Now().Add(s.opts.UploadURLTTL),
	}, nil
}

// CompleteUpload confirms the client finished the PUT and moves the record to
// uploaded, resolving its public URL.
func (s *Service) CompleteUpload(ctx context.Context, userID, uploadID string) (*model.DraftMedia, error) {
	var rec model.DraftMedia
	err := s.db.WithContext(ctx).First(&rec, "id = ?", uploadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}

	if _, err := s.loadOwned(ctx, userID, rec.DraftID); err != nil {
		return nil, err
	}
	if rec.Status != model.MediaPending {
		return nil, ErrUploadNotPending
	}

	rec.URL = s.store.PublicURL(rec.FileID)
	rec.Status = model.MediaUploaded
	if err := s.db.WithContext(ctx).Model(&rec).Updates(map[string]any{
		"url":    rec.URL,
		"status": rec.Status,
	}).Error; err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return &rec, nil
}

// ListForDraft returns a draft's media ordered by slot, scoped to the owner.
func (s *Service) ListForDraft(ctx context.Context, userID, draftID string) ([]model.DraftMedia, error) {
	if _, err := s.loadOwned(ctx, userID, draftID); err != nil {
		return nil, err
	}
	var media []model.DraftMedia
	if err := s.db.WithContext(ctx).
		Where("draft_id = ? AND status IN ?", draftID,
			[]model.MediaStatus{model.MediaPending, model.MediaUploaded, model.MediaAttached}).
		Order("order_index").
		Find(&media).Error; err != nil {
		return nil, fmt.Errorf("list draft media: %w", err)
	}
	return media, nil
}

// SweepStale expires pending records older than the stale threshold and
// deletes their blobs best-effort. Returns the number of records expired.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.opts.StaleThreshold)

	var stale []model.DraftMedia
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.MediaPending, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("list stale media: %w", err)
	}

	expired := 0
	for _, rec := range stale {
		if err := s.db.WithContext(ctx).Model(&model.DraftMedia{}).
			Where("id = ? AND status = ?", rec.ID, model.MediaPending).
			Update("status", model.MediaExpired).Error; err != nil {
			s.log.Warn("stale media expire failed", "upload_id", rec.ID, "err", err)
			continue
		}
		expired++
		if err := s.store.Delete(ctx, rec.FileID); err != nil {
			s.log.Warn("stale blob delete failed", "file_id", rec.FileID, "err", err)
		}
	}
	return expired, nil
}

func (s *Service) loadOwned(ctx context.Context, userID, draftID string) (*model.PostDraft, error) {
	var draft model.PostDraft
	err := s.db.WithContext(ctx).First(&draft, "id = ?", draftID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if draft.UserID != userID {
		return nil, ErrAccessDenied
	}
	return &draft, nil
}
