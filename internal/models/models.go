package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base 所有表共用的主键与时间戳
type Base struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate 生成 uuid 主键
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

func (e *AutomationExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// 机构
type Organization struct {
	Base
	ProjectID      string            `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Name           string            `gorm:"not null" json:"name"`
	Domain         string            `json:"domain"`
	Industry       string            `json:"industry"`
	Email          string            `json:"email"`
	Stage          string            `json:"stage"`
	Status         string            `gorm:"default:'active'" json:"status"`
	OwnerID        string            `gorm:"type:varchar(36);index" json:"owner_id"`
	LastActivityAt *time.Time        `gorm:"index" json:"last_activity_at"`
	CustomFields   datatypes.JSONMap `json:"custom_fields"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
}

// 联系人
type Person struct {
	Base
	ProjectID      string            `gorm:"type:varchar(36);index;not null" json:"project_id"`
	OrganizationID string            `gorm:"type:varchar(36);index" json:"organization_id"`
	FirstName      string            `json:"first_name"`
	LastName       string            `json:"last_name"`
	Email          string            `gorm:"index" json:"email"`
	Title          string            `json:"title"`
	Stage          string            `json:"stage"`
	Status         string            `gorm:"default:'active'" json:"status"`
	OwnerID        string            `gorm:"type:varchar(36);index" json:"owner_id"`
	LastActivityAt *time.Time        `gorm:"index" json:"last_activity_at"`
	CustomFields   datatypes.JSONMap `json:"custom_fields"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (Person) TableName() string { return "people" }

// 商机
type Opportunity struct {
	Base
	ProjectID      string            `gorm:"type:varchar(36);index;not null" json:"project_id"`
	OrganizationID string            `gorm:"type:varchar(36);index" json:"organization_id"`
	PersonID       string            `gorm:"type:varchar(36);index" json:"person_id"`
	Name           string            `gorm:"not null" json:"name"`
	Stage          string            `gorm:"index" json:"stage"`           // qualification, proposal, negotiation, won, lost
	Status         string            `gorm:"default:'open'" json:"status"` // open, closed
	Amount         float64           `json:"amount"`
	Email          string            `json:"email"`
	CloseDate      *time.Time        `gorm:"index" json:"close_date"`
	OwnerID        string            `gorm:"type:varchar(36);index" json:"owner_id"`
	LastActivityAt *time.Time        `gorm:"index" json:"last_activity_at"`
	CustomFields   datatypes.JSONMap `json:"custom_fields"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
}

// RFP 招标
type RFP struct {
	Base
	ProjectID      string            `gorm:"type:varchar(36);index;not null" json:"project_id"`
	OrganizationID string            `gorm:"type:varchar(36);index" json:"organization_id"`
	PersonID       string            `gorm:"type:varchar(36);index" json:"person_id"`
	Title          string            `gorm:"not null" json:"title"`
	Agency         string            `json:"agency"`
	Stage          string            `gorm:"index" json:"stage"` // identified, drafting, submitted, awarded, lost
	Status         string            `gorm:"default:'open'" json:"status"`
	Value          float64           `json:"value"`
	Email          string            `json:"email"`
	CloseDate      *time.Time        `gorm:"index" json:"close_date"` // 提交截止日期
	OwnerID        string            `gorm:"type:varchar(36);index" json:"owner_id"`
	LastActivityAt *time.Time        `gorm:"index" json:"last_activity_at"`
	CustomFields   datatypes.JSONMap `json:"custom_fields"`
	DeletedAt      gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (RFP) TableName() string { return "rfps" }

// 任务
type Task struct {
	Base
	ProjectID    string     `gorm:"type:varchar(36);index;not null" json:"project_id"`
	EntityType   string     `gorm:"index:idx_task_entity,priority:1" json:"entity_type"`
	EntityID     string     `gorm:"type:varchar(36);index:idx_task_entity,priority:2" json:"entity_id"`
	Title        string     `gorm:"not null" json:"title"`
	Description  string     `gorm:"type:text" json:"description"`
	AssigneeID   string     `gorm:"type:varchar(36);index" json:"assignee_id"`
	Priority     string     `gorm:"default:'normal'" json:"priority"`   // low, normal, high, urgent
	Status       string     `gorm:"default:'open';index" json:"status"` // open, completed, snoozed
	DueDate      *time.Time `gorm:"index" json:"due_date"`
	CompletedAt  *time.Time `json:"completed_at"`
	AutomationID *string    `gorm:"type:varchar(36)" json:"automation_id,omitempty"`
}

// 活动时间线
type Activity struct {
	Base
	ProjectID    string  `gorm:"type:varchar(36);index;not null" json:"project_id"`
	EntityType   string  `gorm:"index:idx_activity_entity,priority:1" json:"entity_type"`
	EntityID     string  `gorm:"type:varchar(36);index:idx_activity_entity,priority:2" json:"entity_id"`
	Type         string  `gorm:"not null" json:"type"` // note, call, meeting, email, ai_research
	Subject      string  `json:"subject"`
	Body         string  `gorm:"type:text" json:"body"`
	AutomationID *string `gorm:"type:varchar(36)" json:"automation_id,omitempty"`
}

// 实体标签，同一实体同名标签唯一
type EntityTag struct {
	Base
	ProjectID  string `gorm:"type:varchar(36);index;not null" json:"project_id"`
	EntityType string `gorm:"uniqueIndex:idx_entity_tag,priority:1" json:"entity_type"`
	EntityID   string `gorm:"type:varchar(36);uniqueIndex:idx_entity_tag,priority:2" json:"entity_id"`
	Tag        string `gorm:"uniqueIndex:idx_entity_tag,priority:3" json:"tag"`
}

// 站内通知
type Notification struct {
	Base
	ProjectID string     `gorm:"type:varchar(36);index;not null" json:"project_id"`
	UserID    string     `gorm:"type:varchar(36);index;not null" json:"user_id"`
	Title     string     `json:"title"`
	Message   string     `gorm:"type:text" json:"message"`
	ReadAt    *time.Time `json:"read_at"`
}

// 邮件模板
type EmailTemplate struct {
	Base
	ProjectID string `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Name      string `gorm:"not null" json:"name"`
	Subject   string `json:"subject"`
	Body      string `gorm:"type:text" json:"body"`
}

// 邮件发件箱，由发送 worker 消费
type EmailMessage struct {
	Base
	ProjectID  string     `gorm:"type:varchar(36);index;not null" json:"project_id"`
	TemplateID string     `gorm:"type:varchar(36);index" json:"template_id"`
	To         string     `gorm:"not null" json:"to"`
	Subject    string     `json:"subject"`
	Body       string     `gorm:"type:text" json:"body"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `gorm:"type:varchar(36)" json:"entity_id"`
	Status     string     `gorm:"default:'queued';index" json:"status"` // queued, sent, bounced
	SentAt     *time.Time `json:"sent_at"`
}

// 外联序列
type Sequence struct {
	Base
	ProjectID string `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Name      string `gorm:"not null" json:"name"`
	IsActive  bool   `gorm:"default:true" json:"is_active"`
}

// 序列报名，同一序列中一个联系人只能报名一次
type SequenceEnrollment struct {
	Base
	ProjectID   string    `gorm:"type:varchar(36);index;not null" json:"project_id"`
	SequenceID  string    `gorm:"type:varchar(36);uniqueIndex:idx_sequence_person,priority:1" json:"sequence_id"`
	PersonID    string    `gorm:"type:varchar(36);uniqueIndex:idx_sequence_person,priority:2" json:"person_id"`
	Status      string    `gorm:"default:'active'" json:"status"` // active, completed, replied, stopped
	CurrentStep int       `gorm:"default:0" json:"current_step"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// AllModels 迁移用的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&Automation{},
		&AutomationExecution{},
		&Organization{},
		&Person{},
		&Opportunity{},
		&RFP{},
		&Task{},
		&Activity{},
		&EntityTag{},
		&Notification{},
		&EmailTemplate{},
		&EmailMessage{},
		&Sequence{},
		&SequenceEnrollment{},
	}
}
