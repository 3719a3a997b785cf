package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ActionType is the kind of a side-effecting step.
type ActionType string

const (
	ActionCreateTask       ActionType = "create_task"
	ActionUpdateField      ActionType = "update_field"
	ActionChangeStage      ActionType = "change_stage"
	ActionChangeStatus     ActionType = "change_status"
	ActionAssignOwner      ActionType = "assign_owner"
	ActionSendNotification ActionType = "send_notification"
	ActionSendEmail        ActionType = "send_email"
	ActionEnrollInSequence ActionType = "enroll_in_sequence"
	ActionAddTag           ActionType = "add_tag"
	ActionRemoveTag        ActionType = "remove_tag"
	ActionRunAIResearch    ActionType = "run_ai_research"
	ActionCreateActivity   ActionType = "create_activity"
	ActionFireWebhook      ActionType = "fire_webhook"
)

// ActionConfig is the typed configuration of one action kind.
type ActionConfig interface {
	Kind() ActionType
}

type CreateTaskConfig struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description,omitempty"`
	DueInDays   *int   `json:"due_in_days,omitempty" validate:"omitempty,min=0"`
	AssigneeID  string `json:"assignee_id,omitempty" validate:"omitempty,uuid"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
}

type UpdateFieldConfig struct {
	Field string      `json:"field" validate:"required"`
	Value interface{} `json:"value"`
}

type ChangeStageConfig struct {
	Stage string `json:"stage" validate:"required"`
}

type ChangeStatusConfig struct {
	Status string `json:"status" validate:"required"`
}

type AssignOwnerConfig struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Field  string `json:"field,omitempty"`
}

type SendNotificationConfig struct {
	UserID  string `json:"user_id,omitempty" validate:"omitempty,uuid"`
	ToOwner bool   `json:"to_owner,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message" validate:"required"`
}

type SendEmailConfig struct {
	TemplateID string `json:"template_id" validate:"required"`
	To         string `json:"to,omitempty" validate:"omitempty,email"`
}

type EnrollInSequenceConfig struct {
	SequenceID string `json:"sequence_id" validate:"required,uuid"`
}

// TagConfig serves both add_tag and remove_tag.
type TagConfig struct {
	Remove bool   `json:"-"`
	Tag    string `json:"tag" validate:"required"`
}

type RunAIResearchConfig struct {
	Prompt string `json:"prompt,omitempty"`
	Focus  string `json:"focus,omitempty"`
}

type CreateActivityConfig struct {
	ActivityType string `json:"activity_type" validate:"required"`
	Subject      string `json:"subject" validate:"required"`
	Body         string `json:"body,omitempty"`
}

type FireWebhookConfig struct {
	URL     string            `json:"url" validate:"required,url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (CreateTaskConfig) Kind() ActionType       { return ActionCreateTask }
func (UpdateFieldConfig) Kind() ActionType      { return ActionUpdateField }
func (ChangeStageConfig) Kind() ActionType      { return ActionChangeStage }
func (ChangeStatusConfig) Kind() ActionType     { return ActionChangeStatus }
func (AssignOwnerConfig) Kind() ActionType      { return ActionAssignOwner }
func (SendNotificationConfig) Kind() ActionType { return ActionSendNotification }
func (SendEmailConfig) Kind() ActionType        { return ActionSendEmail }
func (EnrollInSequenceConfig) Kind() ActionType { return ActionEnrollInSequence }
func (RunAIResearchConfig) Kind() ActionType    { return ActionRunAIResearch }
func (CreateActivityConfig) Kind() ActionType   { return ActionCreateActivity }
func (FireWebhookConfig) Kind() ActionType      { return ActionFireWebhook }

func (c TagConfig) Kind() ActionType {
	if c.Remove {
		return ActionRemoveTag
	}
	return ActionAddTag
}

// Action is one step of an automation: a kind plus its typed config.
type Action struct {
	Type   ActionType
	Config ActionConfig
}

type rawAction struct {
	Type   ActionType      `json:"type"`
	Config json.RawMessage `json:"config"`
}

// UnmarshalJSON decodes {"type": ..., "config": {...}} into the typed config
// for the action kind. Validation is left to ValidateAction.
func (a *Action) UnmarshalJSON(b []byte) error {
	var raw rawAction
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseAction(raw.Type, raw.Config)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	cfg := a.Config
	if cfg == nil {
		return json.Marshal(rawAction{Type: a.Type, Config: json.RawMessage("{}")})
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawAction{Type: a.Type, Config: b})
}

// ParseAction decodes a raw config into the typed config of kind t.
func ParseAction(t ActionType, raw json.RawMessage) (Action, error) {
	var cfg ActionConfig
	switch t {
	case ActionCreateTask:
		cfg = &CreateTaskConfig{}
	case ActionUpdateField:
		cfg = &UpdateFieldConfig{}
	case ActionChangeStage:
		cfg = &ChangeStageConfig{}
	case ActionChangeStatus:
		cfg = &ChangeStatusConfig{}
	case ActionAssignOwner:
		cfg = &AssignOwnerConfig{}
	case ActionSendNotification:
		cfg = &SendNotificationConfig{}
	case ActionSendEmail:
		cfg = &SendEmailConfig{}
	case ActionEnrollInSequence:
		cfg = &EnrollInSequenceConfig{}
	case ActionAddTag:
		cfg = &TagConfig{}
	case ActionRemoveTag:
		cfg = &TagConfig{Remove: true}
	case ActionRunAIResearch:
		cfg = &RunAIResearchConfig{}
	case ActionCreateActivity:
		cfg = &CreateActivityConfig{}
	case ActionFireWebhook:
		cfg = &FireWebhookConfig{}
	default:
		return Action{}, fmt.Errorf("unsupported action type: %q", t)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return Action{}, fmt.Errorf("invalid %s config: %w", t, err)
		}
	}
	return Action{Type: t, Config: deref(cfg)}, nil
}

// deref stores configs by value so type switches stay on value types.
func deref(cfg ActionConfig) ActionConfig {
	switch c := cfg.(type) {
	case *CreateTaskConfig:
		return *c
	case *UpdateFieldConfig:
		return *c
	case *ChangeStageConfig:
		return *c
	case *ChangeStatusConfig:
		return *c
	case *AssignOwnerConfig:
		return *c
	case *SendNotificationConfig:
		return *c
	case *SendEmailConfig:
		return *c
	case *EnrollInSequenceConfig:
		return *c
	case *TagConfig:
		return *c
	case *RunAIResearchConfig:
		return *c
	case *CreateActivityConfig:
		return *c
	case *FireWebhookConfig:
		return *c
	default:
		return cfg
	}
}

// IsMutating reports whether the action writes to the triggering entity.
func (a Action) IsMutating() bool {
	switch a.Type {
	case ActionUpdateField, ActionChangeStage, ActionChangeStatus, ActionAssignOwner:
		return true
	default:
		return false
	}
}

// BestEffort reports whether a failure of the action may never make a whole
// execution fail.
func (a Action) BestEffort() bool {
	return a.Type == ActionRunAIResearch
}

// Retryable reports whether failed attempts of the action are retried.
func (a Action) Retryable() bool {
	return a.Type == ActionFireWebhook || a.Type == ActionSendEmail
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateAction performs the authoring-time checks for one action.
func ValidateAction(a Action) error {
	if a.Config == nil {
		return fmt.Errorf("%s: config is required", a.Type)
	}
	if a.Config.Kind() != a.Type {
		return fmt.Errorf("%s: config of kind %s", a.Type, a.Config.Kind())
	}
	if err := validate.Struct(a.Config); err != nil {
		return fmt.Errorf("%s: %s", a.Type, describeValidation(err))
	}
	switch c := a.Config.(type) {
	case FireWebhookConfig:
		u, err := url.Parse(c.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s: url must be an http or https URL", a.Type)
		}
	case SendNotificationConfig:
		if c.UserID == "" && !c.ToOwner {
			return fmt.Errorf("%s: user_id or to_owner is required", a.Type)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
