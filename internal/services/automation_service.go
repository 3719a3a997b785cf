package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bidtrack/internal/automation"
	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrAutomationNotFound = errors.New("automation not found")
var ErrExecutionNotFound = errors.New("execution not found")

// ValidationError lists every problem found in an automation definition.
type ValidationError struct {
	Problems []string `json:"problems"`
}

func (e *ValidationError) Error() string {
	return "invalid automation: " + strings.Join(e.Problems, "; ")
}

// AutomationService 管理自动化规则与执行记录，同时实现引擎的存储接口
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{db: db, logger: logger}
}

// AutomationRequest 创建/更新自动化的请求
type AutomationRequest struct {
	Name          string                 `json:"name" binding:"required"`
	Description   string                 `json:"description"`
	IsActive      *bool                  `json:"is_active"`
	TriggerType   automation.TriggerType `json:"trigger_type" binding:"required"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Conditions    []automation.Condition `json:"conditions"`
	Actions       []automation.Action    `json:"actions"`
	CreatedBy     string                 `json:"-"`
}

// AutomationListRequest 列表过滤
type AutomationListRequest struct {
	TriggerType string `form:"trigger_type"`
	Active      *bool  `form:"active"`
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
}

// ExecutionListRequest 执行记录过滤
type ExecutionListRequest struct {
	AutomationID string `form:"automation_id"`
	EntityType   string `form:"entity_type"`
	EntityID     string `form:"entity_id"`
	Status       string `form:"status"`
	Page         int    `form:"page,default=1"`
	PageSize     int    `form:"page_size,default=20"`
}

// ValidateAutomation runs every authoring-time check and reports all problems
// at once.
func ValidateAutomation(req *AutomationRequest) error {
	if req == nil {
		return &ValidationError{Problems: []string{"request required"}}
	}
	var problems []string
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !req.TriggerType.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported trigger_type: %q", req.TriggerType))
	}
	problems = append(problems, validateTriggerConfig(req.TriggerType, req.TriggerConfig)...)

	for i, cond := range req.Conditions {
		if strings.TrimSpace(cond.Field) == "" {
			problems = append(problems, fmt.Sprintf("conditions[%d]: field is required", i))
		}
		if !automation.ValidOperator(cond.Operator) {
			problems = append(problems, fmt.Sprintf("conditions[%d]: unsupported operator %q", i, cond.Operator))
			continue
		}
		if cond.Operator == automation.OpGreaterThan || cond.Operator == automation.OpLessThan {
			if !isNumeric(cond.Value) {
				problems = append(problems, fmt.Sprintf("conditions[%d]: %s needs a numeric value", i, cond.Operator))
			}
		}
	}

	if len(req.Actions) == 0 {
		problems = append(problems, "at least one action is required")
	}
	for i, action := range req.Actions {
		if err := automation.ValidateAction(action); err != nil {
			problems = append(problems, fmt.Sprintf("actions[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// trigger_config 保持宽松：未知键按事件数据比较，这里只检查类型
func validateTriggerConfig(trigger automation.TriggerType, cfg map[string]interface{}) []string {
	var problems []string
	for key, v := range cfg {
		if v == nil {
			continue
		}
		switch key {
		case automation.ConfigDays:
			if !isNumeric(v) {
				problems = append(problems, "trigger_config.days must be a number")
			} else if !trigger.TimeBased() {
				problems = append(problems, "trigger_config.days only applies to time triggers")
			}
		case automation.ConfigEntityType, automation.ConfigFieldName,
			automation.ConfigFromStage, automation.ConfigToStage,
			automation.ConfigFromStatus, automation.ConfigToStatus:
			if _, ok := v.(string); !ok {
				problems = append(problems, fmt.Sprintf("trigger_config.%s must be a string", key))
			}
		}
	}
	return problems
}

func isNumeric(v interface{}) bool {
	switch t := v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return err == nil
	default:
		return false
	}
}

func toModel(projectID string, req *AutomationRequest, m *models.Automation) error {
	cfg := req.TriggerConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	conds := req.Conditions
	if conds == nil {
		conds = []automation.Condition{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("invalid trigger_config: %w", err)
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return fmt.Errorf("invalid actions: %w", err)
	}

	m.ProjectID = projectID
	m.Name = strings.TrimSpace(req.Name)
	m.Description = req.Description
	m.TriggerType = string(req.TriggerType)
	m.TriggerConfig = datatypes.JSON(cfgJSON)
	m.Conditions = datatypes.JSON(condJSON)
	m.Actions = datatypes.JSON(actJSON)
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	return nil
}

// ToDomain decodes a stored row into the engine's view of an automation.
func ToDomain(m models.Automation) (automation.Automation, error) {
	a := automation.Automation{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		IsActive:    m.IsActive,
		TriggerType: automation.TriggerType(m.TriggerType),
		UpdatedAt:   m.UpdatedAt,
	}
	if len(m.TriggerConfig) > 0 {
		if err := json.Unmarshal(m.TriggerConfig, &a.TriggerConfig); err != nil {
			return a, fmt.Errorf("decode trigger_config: %w", err)
		}
	}
	if len(m.Conditions) > 0 {
		if err := json.Unmarshal(m.Conditions, &a.Conditions); err != nil {
			return a, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(m.Actions) > 0 {
		if err := json.Unmarshal(m.Actions, &a.Actions); err != nil {
			return a, fmt.Errorf("decode actions: %w", err)
		}
	}
	return a, nil
}

// CreateAutomation 新建自动化
func (s *AutomationService) CreateAutomation(ctx context.Context, projectID string, req *AutomationRequest) (*models.Automation, error) {
	if err := ValidateAutomation(req); err != nil {
		return nil, err
	}
	m := &models.Automation{IsActive: true, CreatedBy: req.CreatedBy}
	if err := toModel(projectID, req, m); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"automation_id": m.ID, "project_id": projectID}).
		Infof("automation %q created for %s", m.Name, m.TriggerType)
	return m, nil
}

// UpdateAutomation 全量更新自动化定义
func (s *AutomationService) UpdateAutomation(ctx context.Context, projectID, id string, req *AutomationRequest) (*models.Automation, error) {
	if err := ValidateAutomation(req); err != nil {
		return nil, err
	}
	m, err := s.GetAutomation(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if err := toModel(projectID, req, m); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(m).
		Select("name", "description", "is_active", "trigger_type", "trigger_config", "conditions", "actions", "updated_at").
		Updates(m).Error; err != nil {
		return nil, fmt.Errorf("update automation: %w", err)
	}
	return m, nil
}

// SetActive 启用/停用
func (s *AutomationService) SetActive(ctx context.Context, projectID, id string, active bool) (*models.Automation, error) {
	res := s.db.WithContext(ctx).Model(&models.Automation{}).
		Where("id = ? AND project_id = ?", id, projectID).
		Updates(map[string]interface{}{"is_active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAutomationNotFound
	}
	return s.GetAutomation(ctx, projectID, id)
}

// GetAutomation 获取单个自动化
func (s *AutomationService) GetAutomation(ctx context.Context, projectID, id string) (*models.Automation, error) {
	var m models.Automation
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAutomationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadAutomation returns the decoded automation for manual runs.
func (s *AutomationService) LoadAutomation(ctx context.Context, projectID, id string) (automation.Automation, error) {
	m, err := s.GetAutomation(ctx, projectID, id)
	if err != nil {
		return automation.Automation{}, err
	}
	return ToDomain(*m)
}

// ListAutomations 列出项目的自动化
func (s *AutomationService) ListAutomations(ctx context.Context, projectID string, req *AutomationListRequest) ([]models.Automation, int64, error) {
	if req == nil {
		req = &AutomationListRequest{}
	}
	page, size := NormalizePage(req.Page, req.PageSize)

	query := s.db.WithContext(ctx).Model(&models.Automation{}).Where("project_id = ?", projectID)
	if req.TriggerType != "" {
		query = query.Where("trigger_type = ?", req.TriggerType)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.Automation
	if err := query.Order("created_at DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// DeleteAutomation 删除自动化，执行记录保留用于审计
func (s *AutomationService) DeleteAutomation(ctx context.Context, projectID, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).Delete(&models.Automation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

// ListActiveAutomations implements automation.AutomationStore.
func (s *AutomationService) ListActiveAutomations(ctx context.Context, projectID string, trigger automation.TriggerType) ([]automation.Automation, error) {
	var rows []models.Automation
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND trigger_type = ? AND is_active = ?", projectID, string(trigger), true).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decodeAll(rows), nil
}

// ListActiveByTrigger returns active automations of every project; the
// scanner uses it to decide which projects to query.
func (s *AutomationService) ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]automation.Automation, error) {
	var rows []models.Automation
	if err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND is_active = ?", string(trigger), true).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.decodeAll(rows), nil
}

func (s *AutomationService) decodeAll(rows []models.Automation) []automation.Automation {
	out := make([]automation.Automation, 0, len(rows))
	for _, row := range rows {
		a, err := ToDomain(row)
		if err != nil {
			s.logger.WithField("automation_id", row.ID).Warnf("automation: skipping undecodable definition: %v", err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// SaveExecution implements automation.AutomationStore.
func (s *AutomationService) SaveExecution(ctx context.Context, exec *automation.Execution) error {
	evtJSON, err := json.Marshal(exec.TriggerEvent)
	if err != nil {
		return fmt.Errorf("encode trigger event: %w", err)
	}
	results := exec.ActionsResults
	if results == nil {
		results = []automation.ActionResult{}
	}
	resJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode action results: %w", err)
	}
	row := &models.AutomationExecution{
		ID:             exec.ID,
		AutomationID:   exec.AutomationID,
		ProjectID:      exec.ProjectID,
		Status:         string(exec.Status),
		EntityType:     exec.EntityType,
		EntityID:       exec.EntityID,
		TriggerEvent:   datatypes.JSON(evtJSON),
		ActionsResults: datatypes.JSON(resJSON),
		DurationMS:     exec.DurationMS,
		ErrorMessage:   exec.ErrorMessage,
		CascadeDepth:   exec.CascadeDepth,
		ExecutedAt:     exec.ExecutedAt,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ListExecutions 查询执行记录，按执行时间倒序
func (s *AutomationService) ListExecutions(ctx context.Context, projectID string, req *ExecutionListRequest) ([]models.AutomationExecution, int64, error) {
	if req == nil {
		req = &ExecutionListRequest{}
	}
	page, size := NormalizePage(req.Page, req.PageSize)

	query := s.db.WithContext(ctx).Model(&models.AutomationExecution{}).Where("project_id = ?", projectID)
	if req.AutomationID != "" {
		query = query.Where("automation_id = ?", req.AutomationID)
	}
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}
	if req.EntityID != "" {
		query = query.Where("entity_id = ?", req.EntityID)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []models.AutomationExecution
	if err := query.Order("executed_at DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// GetExecution 获取单条执行记录
func (s *AutomationService) GetExecution(ctx context.Context, projectID, id string) (*models.AutomationExecution, error) {
	var row models.AutomationExecution
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// NormalizePage clamps paging input to page >= 1 and 1..100 rows per page.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}
