package services

import (
	"context"
	"fmt"

	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationService 站内通知
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger}
}

// Notify 写入一条通知
func (s *NotificationService) Notify(ctx context.Context, projectID, userID, title, message string) error {
	n := &models.Notification{
		ProjectID: projectID,
		UserID:    userID,
		Title:     title,
		Message:   message,
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"user_id":    userID,
	}).Debug("notification created")
	return nil
}
