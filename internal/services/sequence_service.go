package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidtrack/internal/automation"
	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrSequenceNotFound = errors.New("sequence not found")
var ErrSequenceInactive = errors.New("sequence is not active")

// SequenceService 外联序列报名
type SequenceService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewSequenceService(db *gorm.DB, logger *logrus.Logger) *SequenceService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SequenceService{db: db, logger: logger}
}

// Enroll 报名；重复报名返回 automation.ErrAlreadyEnrolled
func (s *SequenceService) Enroll(ctx context.Context, projectID, sequenceID, personID string) (string, error) {
	var enrollment models.SequenceEnrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		if err := tx.Where("id = ? AND project_id = ?", sequenceID, projectID).First(&seq).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return automation.Permanent(fmt.Errorf("sequence %s: %w", sequenceID, ErrSequenceNotFound))
			}
			return err
		}
		if !seq.IsActive {
			return automation.Permanent(fmt.Errorf("sequence %s: %w", sequenceID, ErrSequenceInactive))
		}

		var count int64
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND person_id = ?", sequenceID, personID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return automation.ErrAlreadyEnrolled
		}

		enrollment = models.SequenceEnrollment{
			ProjectID:  projectID,
			SequenceID: sequenceID,
			PersonID:   personID,
			Status:     "active",
			EnrolledAt: time.Now().UTC(),
		}
		return tx.Create(&enrollment).Error
	})
	if err != nil {
		if errors.Is(err, automation.ErrAlreadyEnrolled) || automation.IsPermanent(err) {
			return "", err
		}
		// 并发报名撞上唯一索引
		if s.enrolled(ctx, sequenceID, personID) {
			return "", automation.ErrAlreadyEnrolled
		}
		return "", fmt.Errorf("enroll person: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"project_id":  projectID,
		"sequence_id": sequenceID,
		"person_id":   personID,
	}).Info("person enrolled in sequence")
	return enrollment.ID, nil
}

func (s *SequenceService) enrolled(ctx context.Context, sequenceID, personID string) bool {
	var count int64
	s.db.WithContext(ctx).Model(&models.SequenceEnrollment{}).
		Where("sequence_id = ? AND person_id = ?", sequenceID, personID).
		Count(&count)
	return count > 0
}
