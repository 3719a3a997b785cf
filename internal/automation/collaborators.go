package automation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEntityNotFound is returned by stores when the addressed row is missing.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrAlreadyEnrolled is returned by a SequenceEnroller for duplicate enrollments.
	ErrAlreadyEnrolled = errors.New("person already enrolled in sequence")
	// ErrTemplateNotFound is returned by an EmailSender for unknown templates.
	ErrTemplateNotFound = errors.New("email template not found")
)

// AutomationStore reads rule definitions and persists execution records.
type AutomationStore interface {
	ListActiveAutomations(ctx context.Context, projectID string, trigger TriggerType) ([]Automation, error)
	SaveExecution(ctx context.Context, exec *Execution) error
}

// EntityStore is the generic read/write surface over entity tables addressed
// by entity_type/entity_id. Every call is scoped to a project.
type EntityStore interface {
	GetEntity(ctx context.Context, projectID, entityType, entityID string) (map[string]interface{}, error)
	UpdateEntity(ctx context.Context, projectID, entityType, entityID string, fields map[string]interface{}) error
	CreateTask(ctx context.Context, task TaskInput) (string, error)
	CreateActivity(ctx context.Context, activity ActivityInput) (string, error)
	AddTag(ctx context.Context, projectID, entityType, entityID, tag string) error
	RemoveTag(ctx context.Context, projectID, entityType, entityID, tag string) error
}

// TaskInput describes a task created by an automation.
type TaskInput struct {
	ProjectID    string
	EntityType   string
	EntityID     string
	Title        string
	Description  string
	AssigneeID   string
	Priority     string
	DueDate      *time.Time
	AutomationID string
}

// ActivityInput describes a timeline activity created by an automation.
type ActivityInput struct {
	ProjectID    string
	EntityType   string
	EntityID     string
	Type         string
	Subject      string
	Body         string
	AutomationID string
}

// Notifier delivers in-app notifications.
type Notifier interface {
	Notify(ctx context.Context, projectID, userID, title, message string) error
}

// EmailRequest asks the email collaborator to send a templated message.
type EmailRequest struct {
	ProjectID  string
	TemplateID string
	To         string
	EntityType string
	EntityID   string
	Variables  map[string]interface{}
}

// EmailSender queues templated emails. It returns the message id.
type EmailSender interface {
	SendEmail(ctx context.Context, req EmailRequest) (string, error)
}

// WebhookPoster performs a signed outbound POST and returns the HTTP status.
type WebhookPoster interface {
	Post(ctx context.Context, url string, payload interface{}, secret string, headers map[string]string) (int, error)
}

// SequenceEnroller enrolls a person in an outreach sequence and returns the
// enrollment id.
type SequenceEnroller interface {
	Enroll(ctx context.Context, projectID, sequenceID, personID string) (string, error)
}

// ResearchRequest asks the generation collaborator for account research.
type ResearchRequest struct {
	ProjectID  string
	EntityType string
	EntityID   string
	Prompt     string
	Focus      string
	Entity     map[string]interface{}
}

// ResearchResult is the research text plus where it came from. Fallback is
// set when no model produced it.
type ResearchResult struct {
	Text     string
	Model    string
	Fallback bool
}

// Researcher produces AI research text for an entity.
type Researcher interface {
	Research(ctx context.Context, req ResearchRequest) (ResearchResult, error)
}

// Collaborators bundles the handles the executor needs. Nil handles make the
// corresponding actions fail rather than panic.
type Collaborators struct {
	Entities  EntityStore
	Notifier  Notifier
	Email     EmailSender
	Webhooks  WebhookPoster
	Sequences SequenceEnroller
	Research  Researcher
}
