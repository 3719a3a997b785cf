package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bidtrack/internal/automation"
	"bidtrack/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entityTable struct {
	name       string
	softDelete bool
	custom     bool // has custom_fields
}

// 实体类型 → 表
var entityTables = map[string]entityTable{
	"organization": {name: "organizations", softDelete: true, custom: true},
	"person":       {name: "people", softDelete: true, custom: true},
	"opportunity":  {name: "opportunities", softDelete: true, custom: true},
	"rfp":          {name: "rfps", softDelete: true, custom: true},
	"task":         {name: "tasks"},
	"activity":     {name: "activities"},
}

// 不允许自动化改写的列
var readOnlyColumns = map[string]bool{
	"id": true, "project_id": true, "created_at": true, "updated_at": true, "deleted_at": true,
}

var closedStates = []string{"closed", "won", "lost"}

// EntityService is the generic entity read/write surface used by the engine
// and the time trigger scanner.
type EntityService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time

	columns sync.Map // "table.column" → bool
}

func NewEntityService(db *gorm.DB, logger *logrus.Logger) *EntityService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EntityService{db: db, logger: logger, now: time.Now}
}

func lookupTable(entityType string) (entityTable, error) {
	t, ok := entityTables[entityType]
	if !ok {
		return entityTable{}, fmt.Errorf("unknown entity type %q: %w", entityType, automation.ErrEntityNotFound)
	}
	return t, nil
}

func (s *EntityService) scoped(ctx context.Context, t entityTable, projectID, id string) *gorm.DB {
	q := s.db.WithContext(ctx).Table(t.name).Where("id = ? AND project_id = ?", id, projectID)
	if t.softDelete {
		q = q.Where("deleted_at IS NULL")
	}
	return q
}

// GetEntity 读取实体当前快照
func (s *EntityService) GetEntity(ctx context.Context, projectID, entityType, entityID string) (map[string]interface{}, error) {
	t, err := lookupTable(entityType)
	if err != nil {
		return nil, err
	}
	row := map[string]interface{}{}
	res := s.scoped(ctx, t, projectID, entityID).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, automation.ErrEntityNotFound
	}
	delete(row, "deleted_at")
	if raw, ok := row["custom_fields"]; ok {
		row["custom_fields"] = decodeJSONMap(raw)
	}
	return row, nil
}

func decodeJSONMap(raw interface{}) map[string]interface{} {
	var b []byte
	switch v := raw.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		return v
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &out)
	}
	return out
}

func (s *EntityService) hasColumn(table, column string) bool {
	key := table + "." + column
	if v, ok := s.columns.Load(key); ok {
		return v.(bool)
	}
	has := s.db.Migrator().HasColumn(table, column)
	s.columns.Store(key, has)
	return has
}

// UpdateEntity writes fields to the entity. Keys that are not columns land in
// custom_fields for tables that have it.
func (s *EntityService) UpdateEntity(ctx context.Context, projectID, entityType, entityID string, fields map[string]interface{}) error {
	t, err := lookupTable(entityType)
	if err != nil {
		return err
	}
	columns := map[string]interface{}{}
	custom := map[string]interface{}{}
	for k, v := range fields {
		switch {
		case readOnlyColumns[k]:
			return automation.Permanent(fmt.Errorf("field %q is read-only", k))
		case s.hasColumn(t.name, k):
			columns[k] = v
		case t.custom:
			custom[k] = v
		default:
			return automation.Permanent(fmt.Errorf("%s has no field %q", entityType, k))
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(custom) > 0 {
			var current struct{ CustomFields sql.NullString }
			res := tx.Table(t.name).Select("custom_fields").
				Where("id = ? AND project_id = ?", entityID, projectID).Limit(1).Find(&current)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return automation.ErrEntityNotFound
			}
			merged := decodeJSONMap(current.CustomFields.String)
			for k, v := range custom {
				merged[k] = v
			}
			b, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("encode custom_fields: %w", err)
			}
			columns["custom_fields"] = datatypes.JSON(b)
		}
		columns["updated_at"] = s.now().UTC()

		q := tx.Table(t.name).Where("id = ? AND project_id = ?", entityID, projectID)
		if t.softDelete {
			q = q.Where("deleted_at IS NULL")
		}
		res := q.Updates(columns)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return automation.ErrEntityNotFound
		}
		return nil
	})
}

// CreateTask 创建任务
func (s *EntityService) CreateTask(ctx context.Context, in automation.TaskInput) (string, error) {
	task := &models.Task{
		ProjectID:   in.ProjectID,
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Title:       in.Title,
		Description: in.Description,
		AssigneeID:  in.AssigneeID,
		Priority:    in.Priority,
		Status:      "open",
		DueDate:     in.DueDate,
	}
	if task.Priority == "" {
		task.Priority = "normal"
	}
	if in.AutomationID != "" {
		id := in.AutomationID
		task.AutomationID = &id
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return task.ID, nil
}

// CreateActivity 写入活动时间线
func (s *EntityService) CreateActivity(ctx context.Context, in automation.ActivityInput) (string, error) {
	act := &models.Activity{
		ProjectID:  in.ProjectID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Type:       in.Type,
		Subject:    in.Subject,
		Body:       in.Body,
	}
	if in.AutomationID != "" {
		id := in.AutomationID
		act.AutomationID = &id
	}
	if err := s.db.WithContext(ctx).Create(act).Error; err != nil {
		return "", fmt.Errorf("create activity: %w", err)
	}
	return act.ID, nil
}

// AddTag 幂等添加标签
func (s *EntityService) AddTag(ctx context.Context, projectID, entityType, entityID, tag string) error {
	row := &models.EntityTag{ProjectID: projectID, EntityType: entityType, EntityID: entityID, Tag: tag}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func (s *EntityService) RemoveTag(ctx context.Context, projectID, entityType, entityID, tag string) error {
	return s.db.WithContext(ctx).
		Where("project_id = ? AND entity_type = ? AND entity_id = ? AND tag = ?", projectID, entityType, entityID, tag).
		Delete(&models.EntityTag{}).Error
}

// ListTags 返回实体标签
func (s *EntityService) ListTags(ctx context.Context, projectID, entityType, entityID string) ([]string, error) {
	var tags []string
	err := s.db.WithContext(ctx).Model(&models.EntityTag{}).
		Where("project_id = ? AND entity_type = ? AND entity_id = ?", projectID, entityType, entityID).
		Order("tag").Pluck("tag", &tags).Error
	return tags, err
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}

// OverdueTasks 到期未完成（且未暂缓）的任务
func (s *EntityService) OverdueTasks(ctx context.Context, projectID string, now time.Time, minDays int) ([]automation.ScanHit, error) {
	now = now.UTC()
	cutoff := now.Add(-time.Duration(minDays) * 24 * time.Hour)
	var tasks []models.Task
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND due_date IS NOT NULL AND due_date < ?", projectID, cutoff).
		Where("status NOT IN ?", []string{"completed", "snoozed"}).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("query overdue tasks: %w", err)
	}
	hits := make([]automation.ScanHit, 0, len(tasks))
	for _, task := range tasks {
		data := map[string]interface{}{
			"title":               task.Title,
			"assignee_id":         task.AssigneeID,
			"status":              task.Status,
			"due_date":            task.DueDate.UTC().Format(time.RFC3339),
			"related_entity_type": task.EntityType,
			"related_entity_id":   task.EntityID,
		}
		data[automation.AttrDaysOverdue] = daysBetween(task.DueDate.UTC(), now)
		hits = append(hits, automation.ScanHit{EntityType: "task", EntityID: task.ID, Data: data})
	}
	return hits, nil
}

type lastActivityRow struct {
	ID             string
	OwnerID        string
	LastActivityAt *time.Time
	CreatedAt      time.Time
}

// InactiveEntities 超过 minDays 没有活动的机构/联系人/商机/招标
func (s *EntityService) InactiveEntities(ctx context.Context, projectID string, now time.Time, minDays int) ([]automation.ScanHit, error) {
	now = now.UTC()
	cutoff := now.Add(-time.Duration(minDays) * 24 * time.Hour)
	var hits []automation.ScanHit
	for _, entityType := range []string{"organization", "person", "opportunity", "rfp"} {
		t := entityTables[entityType]
		var rows []lastActivityRow
		if err := s.db.WithContext(ctx).Table(t.name).
			Select("id, owner_id, last_activity_at, created_at").
			Where("project_id = ? AND deleted_at IS NULL", projectID).
			Where("COALESCE(last_activity_at, created_at) < ?", cutoff).
			Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("query inactive %s: %w", t.name, err)
		}
		for _, row := range rows {
			last := row.CreatedAt
			if row.LastActivityAt != nil {
				last = *row.LastActivityAt
			}
			data := map[string]interface{}{
				"owner_id":         row.OwnerID,
				"last_activity_at": last.UTC().Format(time.RFC3339),
			}
			data[automation.AttrDaysInactive] = daysBetween(last.UTC(), now)
			hits = append(hits, automation.ScanHit{EntityType: entityType, EntityID: row.ID, Data: data})
		}
	}
	return hits, nil
}

type closeDateRow struct {
	ID        string
	OwnerID   string
	Stage     string
	CloseDate *time.Time
}

// ClosingSoon 截止日期在 maxDays 内的商机与招标
func (s *EntityService) ClosingSoon(ctx context.Context, projectID string, now time.Time, maxDays int) ([]automation.ScanHit, error) {
	now = now.UTC()
	horizon := now.Add(time.Duration(maxDays) * 24 * time.Hour)
	var hits []automation.ScanHit
	for _, entityType := range []string{"opportunity", "rfp"} {
		t := entityTables[entityType]
		var rows []closeDateRow
		if err := s.db.WithContext(ctx).Table(t.name).
			Select("id, owner_id, stage, close_date").
			Where("project_id = ? AND deleted_at IS NULL", projectID).
			Where("close_date IS NOT NULL AND close_date >= ? AND close_date <= ?", now, horizon).
			Where("status NOT IN ? AND stage NOT IN ?", closedStates, closedStates).
			Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("query closing %s: %w", t.name, err)
		}
		for _, row := range rows {
			if row.CloseDate == nil {
				continue
			}
			data := map[string]interface{}{
				"owner_id":   row.OwnerID,
				"stage":      row.Stage,
				"close_date": row.CloseDate.UTC().Format(time.RFC3339),
			}
			data[automation.AttrDaysUntilClose] = daysBetween(now, row.CloseDate.UTC())
			hits = append(hits, automation.ScanHit{EntityType: entityType, EntityID: row.ID, Data: data})
		}
	}
	return hits, nil
}

// ScanStore combines automation lookup with the entity time queries.
type ScanStore struct {
	automations *AutomationService
	entities    *EntityService
}

func NewScanStore(automations *AutomationService, entities *EntityService) *ScanStore {
	return &ScanStore{automations: automations, entities: entities}
}

func (s *ScanStore) ListActiveByTrigger(ctx context.Context, trigger automation.TriggerType) ([]automation.Automation, error) {
	return s.automations.ListActiveByTrigger(ctx, trigger)
}

func (s *ScanStore) OverdueTasks(ctx context.Context, projectID string, now time.Time, minDays int) ([]automation.ScanHit, error) {
	return s.entities.OverdueTasks(ctx, projectID, now, minDays)
}

func (s *ScanStore) InactiveEntities(ctx context.Context, projectID string, now time.Time, minDays int) ([]automation.ScanHit, error) {
	return s.entities.InactiveEntities(ctx, projectID, now, minDays)
}

func (s *ScanStore) ClosingSoon(ctx context.Context, projectID string, now time.Time, maxDays int) ([]automation.ScanHit, error) {
	return s.entities.ClosingSoon(ctx, projectID, now, maxDays)
}

// IsNotFound reports whether err means a missing entity or automation.
func IsNotFound(err error) bool {
	return errors.Is(err, automation.ErrEntityNotFound) ||
		errors.Is(err, ErrAutomationNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}
