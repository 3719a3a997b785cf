package models

import (
	"time"

	"gorm.io/datatypes"
)

// Automation 自动化规则定义
type Automation struct {
	Base
	ProjectID     string         `gorm:"type:varchar(36);index:idx_automation_lookup,priority:1;not null" json:"project_id"`
	Name          string         `gorm:"not null" json:"name"`
	Description   string         `gorm:"type:text" json:"description"`
	IsActive      bool           `gorm:"index:idx_automation_lookup,priority:3" json:"is_active"`
	TriggerType   string         `gorm:"index:idx_automation_lookup,priority:2;not null" json:"trigger_type"`
	TriggerConfig datatypes.JSON `json:"trigger_config"` // {entity_type, field_name, to_value, days, ...}
	Conditions    datatypes.JSON `json:"conditions"`     // [{field, operator, value}]
	Actions       datatypes.JSON `json:"actions"`        // [{type, config}]
	CreatedBy     string         `gorm:"type:varchar(36)" json:"created_by,omitempty"`
}

// AutomationExecution 执行记录，写入后不再修改；规则删除后仍保留
type AutomationExecution struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	AutomationID   string         `gorm:"type:varchar(36);index;not null" json:"automation_id"`
	ProjectID      string         `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Status         string         `gorm:"index;not null" json:"status"` // success, partial_failure, failed, skipped
	EntityType     string         `gorm:"index:idx_execution_entity,priority:1" json:"entity_type"`
	EntityID       string         `gorm:"type:varchar(64);index:idx_execution_entity,priority:2" json:"entity_id"`
	TriggerEvent   datatypes.JSON `json:"trigger_event"`
	ActionsResults datatypes.JSON `json:"actions_results"`
	DurationMS     int64          `json:"duration_ms"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	CascadeDepth   int            `gorm:"default:0" json:"cascade_depth"`
	ExecutedAt     time.Time      `gorm:"index" json:"executed_at"`
}
