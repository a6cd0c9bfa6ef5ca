// Package publish manages the post draft lifecycle: composition, ordered
// media attachment, and the atomic draft -> post publish pipeline with
// compensating rollback.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

var (
	// ErrDraftNotFound means no draft matched the id.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrAccessDenied means the draft exists but belongs to someone else.
	// Kept distinct from not-found so handlers can render 403 vs 404 without
	// leaking other users' draft ids.
	ErrAccessDenied = errors.New("draft access denied")
	// ErrDraftNotEditable means the draft is in a terminal state.
	ErrDraftNotEditable = errors.New("draft is not editable")
	// ErrInsufficientContent means the draft has no title, no content, and
	// no media. An empty post is never publishable.
	ErrInsufficientContent = errors.New("post needs a title, content, or at least one media item")
	// ErrContentTooLong means the content body exceeds the length ceiling.
	ErrContentTooLong = errors.New("post content exceeds the maximum length")
	// ErrGroupNotFound means the destination group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrPublishFailed means the publish pipeline failed mid-flight and all
	// partial writes were rolled back.
	ErrPublishFailed = errors.New("publish pipeline failed")
)

// NotificationEnqueuer hands post-publish fanout to the background queue.
type NotificationEnqueuer interface {
	EnqueueFanout(ctx context.Context, postID string) error
}

// Options configures a Service.
type Options struct {
	MaxContentLength int    // runes; 0 disables the ceiling
	PostBaseURL      string // prefix for returned post URLs
}

// Service owns drafts and the publish pipeline.
type Service struct {
	db        *gorm.DB
	sanitizer *Sanitizer
	queue     NotificationEnqueuer
	log       *slog.Logger
	opts      Options
}

// NewService creates a Service. queue may be nil to disable fanout entirely.
func NewService(db *gorm.DB, sanitizer *Sanitizer, queue NotificationEnqueuer, log *slog.Logger, opts Options) *Service {
	return &Service{db: db, sanitizer: sanitizer, queue: queue, log: log, opts: opts}
}

// SetQueue wires the fanout queue after construction. The worker that backs
// the queue needs the Service first, so the two are wired in two steps.
func (s *Service) SetQueue(queue NotificationEnqueuer) {
	s.queue = queue
}

// DraftInput carries user-editable draft fields.
type DraftInput struct {
	GroupID  string
	Title    string
	Content  string
	Metadata model.JSONMap
}

// CreateDraft opens a new editing draft in the destination group.
func (s *Service) CreateDraft(ctx context.Context, userID string, in DraftInput) (*model.PostDraft, error) {
	var group model.Group
	if err := s.db.WithContext(ctx).First(&group, "id = ?", in.GroupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("load group: %w", err)
	}

	draft := &model.PostDraft{
		UserID:   userID,
		GroupID:  in.GroupID,
		Title:    in.Title,
		Content:  in.Content,
		Metadata: in.Metadata,
		Status:   model.DraftEditing,
	}
	if err := s.db.WithContext(ctx).Create(draft).Error; err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	return draft, nil
}

// GetDraft loads a draft scoped to the requesting user.
func (s *Service) GetDraft(ctx context.Context, userID, draftID string) (*model.PostDraft, error) {
	return s.loadOwned(ctx, userID, draftID)
}

// UpdateDraft applies edits to a still-editing draft.
func (s *Service) UpdateDraft(ctx context.Context, userID, draftID string, in DraftInput) (*model.PostDraft, error) {
	draft, err := s.loadOwned(ctx, userID, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != model.DraftEditing {
		return nil, ErrDraftNotEditable
	}

	updates := map[string]any{
		"title":   in.Title,
		"content": in.Content,
	}
	if in.Metadata != nil {
		updates["metadata"] = in.Metadata
	}
	if err := s.db.WithContext(ctx).Model(draft).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	return draft, nil
}

// DiscardDraft moves a still-editing draft to its discarded terminal state.
func (s *Service) DiscardDraft(ctx context.Context, userID, draftID string) error {
	draft, err := s.loadOwned(ctx, userID, draftID)
	if err != nil {
		return err
	}
	if draft.Status != model.DraftEditing {
		return ErrDraftNotEditable
	}
	if err := s.db.WithContext(ctx).Model(draft).
		Update("status", model.DraftDiscarded).Error; err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}
	return nil
}

// PublishOptions tunes one publish call.
type PublishOptions struct {
	Visibility    string
	NotifyMembers bool
}

// PublishResult identifies the materialized post.
type PublishResult struct {
	PostID             string
	AttachedMediaCount int
	PostURL            string
	AlreadyPublished   bool
}

// Publish materializes a post from a draft: insert the post, attach ordered
// media, mark the draft consumed, then fan out notifications. Idempotent: a
// post already tagged with this draft id is returned as-is. The write steps
// run as a saga; any failure unwinds everything already written, so the
// caller always gets a definite success or a definite failure, never a
// half-published post. Notifications sit outside the atomicity boundary.
func (s *Service) Publish(ctx context.Context, userID, draftID string, opts PublishOptions) (PublishResult, error) {
	// Idempotency gate: a duplicate submit by the owner returns the existing
	// post. Scoped by user so a non-owner probing a published draft id still
	// falls through to the ownership check below.
	var existing model.Post
	err := s.db.WithContext(ctx).
		Where("source_draft_id = ? AND user_id = ?", draftID, userID).
		First(&existing).Error
	if err == nil {
		var mediaCount int64
		if err := s.db.WithContext(ctx).Model(&model.PostMedia{}).
			Where("post_id = ?", existing.ID).
			Count(&mediaCount).Error; err != nil {
			return PublishResult{}, fmt.Errorf("count post media: %w", err)
		}
		return PublishResult{
			PostID:             existing.ID,
			AttachedMediaCount: int(mediaCount),
			PostURL:            s.postURL(existing.ID),
			AlreadyPublished:   true,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return PublishResult{}, fmt.Errorf("check existing post: %w", err)
	}

	draft, err := s.loadOwned(ctx, userID, draftID)
	if err != nil {
		return PublishResult{}, err
	}
	// Only an editing draft may enter the pipeline. The already-published
	// case was handled by the gate above; a discarded draft stays discarded.
	if draft.Status != model.DraftEditing {
		return PublishResult{}, ErrDraftNotEditable
	}

	var media []model.DraftMedia
	if err := s.db.WithContext(ctx).
		Where("draft_id = ? AND status = ?", draftID, model.MediaUploaded).
		Order("order_index").
		Find(&media).Error; err != nil {
		return PublishResult{}, fmt.Errorf("load draft media: %w", err)
	}

	title := strings.TrimSpace(draft.Title)
	content := strings.TrimSpace(draft.Content)
	if title == "" && content == "" && len(media) == 0 {
		return PublishResult{}, ErrInsufficientContent
	}
	if s.opts.MaxContentLength > 0 && utf8.RuneCountInString(content) > s.opts.MaxContentLength {
		return PublishResult{}, ErrContentTooLong
	}

	content = s.sanitizer.Sanitize(content)

	visibility := opts.Visibility
	if visibility == "" {
		visibility = "public"
	}
	post := &model.Post{
		UserID:        userID,
		GroupID:       draft.GroupID,
		Title:         title,
		Content:       content,
		Metadata:      draft.Metadata,
		Visibility:    visibility,
		SourceDraftID: draftID,
	}

	mediaIDs := make([]string, len(media))
	for i, m := range media {
		mediaIDs[i] = m.ID
	}

	steps := []Step{
		{
			Name: "insert post",
			Run: func(ctx context.Context) error {
				return s.db.WithContext(ctx).Create(post).Error
			},
			Compensate: func(ctx context.Context) error {
				return s.db.WithContext(ctx).Delete(&model.Post{}, "id = ?", post.ID).Error
			},
		},
		{
			Name: "insert post media",
			Run: func(ctx context.Context) error {
				for _, m := range media {
					pm := &model.PostMedia{
						PostID:       post.ID,
						FileID:       m.FileID,
						URL:          m.URL,
						ThumbnailURL: m.ThumbnailURL,
						MimeType:     m.MimeType,
						FileSize:     m.FileSize,
						OrderIndex:   m.OrderIndex,
					}
					if err := s.db.WithContext(ctx).Create(pm).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.db.WithContext(ctx).Delete(&model.PostMedia{}, "post_id = ?", post.ID).Error
			},
		},
		{
			Name: "attach draft media",
			Run: func(ctx context.Context) error {
				if len(mediaIDs) == 0 {
					return nil
				}
				return s.db.WithContext(ctx).Model(&model.DraftMedia{}).
					Where("id IN ?", mediaIDs).
					Update("status", model.MediaAttached).Error
			},
			Compensate: func(ctx context.Context) error {
				if len(mediaIDs) == 0 {
					return nil
				}
				return s.db.WithContext(ctx).Model(&model.DraftMedia{}).
					Where("id IN ?", mediaIDs).
					Update("status", model.MediaUploaded).Error
			},
		},
		{
			Name: "mark draft published",
			Run: func(ctx context.Context) error {
				return s.db.WithContext(ctx).Model(&model.PostDraft{}).
					Where("id = ?", draftID).
					Update("status", model.DraftPublished).Error
			},
		},
	}

	if err := runSaga(ctx, s.log, steps); err != nil {
		return PublishResult{}, fmt.Errorf("%w: draft %s: %v", ErrPublishFailed, draftID, err)
	}

	// Best-effort fanout; never unwinds the committed publish.
	if opts.NotifyMembers && s.queue != nil {
		if err := s.queue.EnqueueFanout(ctx, post.ID); err != nil {
			s.log.Warn("notification fanout enqueue failed", "post_id", post.ID, "err", err)
		}
	}

	return PublishResult{
		PostID:             post.ID,
		AttachedMediaCount: len(media),
		PostURL:            s.postURL(post.ID),
	}, nil
}

// FanoutNotifications inserts one notification per approved member of the
// post's group, excluding the author. Called from the background worker.
func (s *Service) FanoutNotifications(ctx context.Context, postID string) error {
	var post model.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		return fmt.Errorf("load post: %w", err)
	}

	var members []model.GroupMember
	if err := s.db.WithContext(ctx).
		Where("group_id = ? AND status = ? AND user_id <> ?", post.GroupID, "approved", post.UserID).
		Find(&members).Error; err != nil {
		return fmt.Errorf("list group members: %w", err)
	}

	for _, m := range members {
		n := &model.Notification{
			UserID:  m.UserID,
			ActorID: post.UserID,
			Type:    "group_post",
			PostID:  post.ID,
			GroupID: post.GroupID,
		}
		if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
			// Best-effort per recipient.
			s.log.Warn("notification insert failed", "post_id", post.ID, "user_id", m.UserID, "err", err)
		}
	}
	return nil
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

func (s *Service) postURL(postID string) string {
	return strings.TrimSuffix(s.opts.PostBaseURL, "/") + "/" + postID
}
