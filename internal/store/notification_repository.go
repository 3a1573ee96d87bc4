package store

import (
	"context"

	"smarthome-automations/internal/models"

	"gorm.io/gorm"
)

// NotificationRepository handles notification data access
type NotificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create stores a notification for a user
func (r *NotificationRepository) Create(ctx context.Context, userID int64, title, message string) (*models.Notification, error) {
	rec := NotificationRecord{UserID: userID, Title: title, Message: message}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &models.Notification{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Title:     rec.Title,
		Message:   rec.Message,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// ListForUser returns the newest notifications of a user
func (r *NotificationRepository) ListForUser(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	if limit < 1 || limit > MaxPerPage {
		limit = MaxPerPage
	}
	var recs []NotificationRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Notification, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.Notification{
			ID:        rec.ID,
			UserID:    rec.UserID,
			Title:     rec.Title,
			Message:   rec.Message,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}
