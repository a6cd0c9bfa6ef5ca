package auth

import (
	"context"
	"log/slog"

	"github.com/jmcalloway/civitas/internal/model"
	"gorm.io/gorm"
)

// Recorder appends rows to the auth_events audit log. Audit writes are
// best-effort: a failed insert is logged and never fails the calling
// operation.
type Recorder struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewRecorder creates a Recorder backed by the given GORM DB.
func NewRecorder(db *gorm.DB, log *slog.Logger) *Recorder {
	return &Recorder{db: db, log: log}
}

// Record appends one audit event. userID may be empty for pre-auth failures.
func (r *Recorder) Record(ctx context.Context, userID string, eventType model.AuthEventType, provider model.Provider, metadata model.JSONMap) {
	ev := &model.AuthEvent{
		EventType: eventType,
		Provider:  provider,
		Metadata:  metadata,
	}
	if userID != "" {
		ev.UserID = &userID
	}
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		r.log.Warn("audit event insert failed", "event_type", eventType, "err", err)
	}
}
