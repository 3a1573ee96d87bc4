package services

import (
	"context"
	"encoding/json"
	"fmt"

	"smarthome-automations/internal/models"

	"github.com/rs/zerolog/log"
)

// NotificationStore persists notifications
type NotificationStore interface {
	Create(ctx context.Context, userID int64, title, message string) (*models.Notification, error)
}

// AsyncPublisher publishes without waiting for the broker
type AsyncPublisher interface {
	PublishAsync(topic string, payload []byte) error
}

// NotificationService creates user notifications and pushes them to connected clients
type NotificationService struct {
	store     NotificationStore
	publisher AsyncPublisher
}

// NewNotificationService creates the service. publisher may be nil.
func NewNotificationService(store NotificationStore, publisher AsyncPublisher) *NotificationService {
	return &NotificationService{store: store, publisher: publisher}
}

// UserTopic is the MQTT topic a user's notifications are pushed to
func UserTopic(userID int64) string {
	return fmt.Sprintf("users/%d/notifications", userID)
}

// CreateNotification stores the notification. Pushing it over MQTT is best-effort.
func (s *NotificationService) CreateNotification(ctx context.Context, userID int64, title, message string) error {
	n, err := s.store.Create(ctx, userID, title, message)
	if err != nil {
		return err
	}
	if s.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(n)
	if err == nil {
		err = s.publisher.PublishAsync(UserTopic(userID), payload)
	}
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to push notification")
	}
	return nil
}
