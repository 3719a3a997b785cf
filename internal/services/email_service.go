package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"bidtrack/internal/automation"
	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EmailService 渲染模板并写入发件箱；实际投递由外部发送 worker 完成
type EmailService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewEmailService(db *gorm.DB, logger *logrus.Logger) *EmailService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EmailService{db: db, logger: logger}
}

// SendEmail queues a rendered message and returns its id.
func (s *EmailService) SendEmail(ctx context.Context, req automation.EmailRequest) (string, error) {
	var tpl models.EmailTemplate
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", req.TemplateID, req.ProjectID).
		First(&tpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("template %s: %w", req.TemplateID, automation.ErrTemplateNotFound)
		}
		return "", fmt.Errorf("load template: %w", err)
	}

	subject, err := renderTemplate("subject", tpl.Subject, req.Variables)
	if err != nil {
		return "", automation.Permanent(err)
	}
	body, err := renderTemplate("body", tpl.Body, req.Variables)
	if err != nil {
		return "", automation.Permanent(err)
	}

	msg := &models.EmailMessage{
		ProjectID:  req.ProjectID,
		TemplateID: tpl.ID,
		To:         req.To,
		Subject:    subject,
		Body:       body,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Status:     "queued",
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return "", fmt.Errorf("queue email: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"project_id":  req.ProjectID,
		"template_id": tpl.ID,
		"message_id":  msg.ID,
	}).Info("email queued")
	return msg.ID, nil
}

// renderTemplate 缺失变量渲染为空串
func renderTemplate(name, text string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}
