package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
)

// ActionResult is the outcome of one action, mirrored into the execution record.
type ActionResult struct {
	ActionType ActionType  `json:"action_type"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	BestEffort bool        `json:"best_effort,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// ExecutionContext is the per-run state shared by the actions of one
// automation. Entity is updated in place after successful mutations so later
// actions observe the effects of earlier ones.
type ExecutionContext struct {
	Automation Automation
	Event      Event
	Entity     map[string]interface{}

	derived []Event
}

// Derived returns the follow-up events produced by successful actions.
func (c *ExecutionContext) Derived() []Event { return c.derived }

// Timeouts bound a single action attempt sequence.
type Timeouts struct {
	Action     time.Duration
	Webhook    time.Duration
	AIResearch time.Duration
}

// DefaultTimeouts keeps network-bound actions on the tightest budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{Action: 15 * time.Second, Webhook: 5 * time.Second, AIResearch: 10 * time.Second}
}

// Executor runs actions against the collaborators.
type Executor struct {
	deps     Collaborators
	timeouts Timeouts
	retry    RetryPolicy
	logger   *logrus.Logger
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithTimeouts(t Timeouts) ExecutorOption {
	return func(x *Executor) { x.timeouts = t }
}

func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(x *Executor) { x.retry = p }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(x *Executor) { x.now = now }
}

func NewExecutor(deps Collaborators, logger *logrus.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	x := &Executor{
		deps:     deps,
		timeouts: DefaultTimeouts(),
		retry:    DefaultRetryPolicy(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ExecuteAll runs actions sequentially in declared order. A failing action
// never stops the ones after it.
func (x *Executor) ExecuteAll(ctx context.Context, actions []Action, ectx *ExecutionContext) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, x.Execute(ctx, action, ectx))
	}
	return results
}

// Execute runs one action under its own timeout and captures any error or
// panic into the result.
func (x *Executor) Execute(ctx context.Context, action Action, ectx *ExecutionContext) ActionResult {
	start := time.Now()
	res := ActionResult{ActionType: action.Type, BestEffort: action.BestEffort()}

	actx, cancel := context.WithTimeout(ctx, x.timeoutFor(action))
	defer cancel()

	var (
		out interface{}
		err error
	)
	if action.Retryable() {
		res.Attempts, err = x.retry.Retry(actx, func(c context.Context) error {
			var runErr error
			out, runErr = x.safeDispatch(c, action, ectx)
			return runErr
		})
	} else {
		res.Attempts = 1
		out, err = x.safeDispatch(actx, action, ectx)
	}

	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", x.timeoutFor(action), err)
		}
		res.Error = err.Error()
		x.logger.WithFields(logrus.Fields{
			"automation_id": ectx.Automation.ID,
			"event_id":      ectx.Event.ID,
			"action":        action.Type,
			"attempts":      res.Attempts,
		}).Warnf("automation: action failed: %v", err)
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (x *Executor) timeoutFor(action Action) time.Duration {
	var d time.Duration
	switch action.Type {
	case ActionFireWebhook:
		d = x.timeouts.Webhook
	case ActionRunAIResearch:
		d = x.timeouts.AIResearch
	default:
		d = x.timeouts.Action
	}
	if d <= 0 {
		d = DefaultTimeouts().Action
	}
	return d
}

func (x *Executor) safeDispatch(ctx context.Context, action Action, ectx *ExecutionContext) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("action panicked: %v", r))
		}
	}()
	return x.dispatch(ctx, action, ectx)
}

// dispatch switches exhaustively over the typed configs.
func (x *Executor) dispatch(ctx context.Context, action Action, ectx *ExecutionContext) (interface{}, error) {
	switch cfg := action.Config.(type) {
	case UpdateFieldConfig:
		return x.mutate(ctx, ectx, map[string]interface{}{cfg.Field: cfg.Value})
	case ChangeStageConfig:
		return x.mutate(ctx, ectx, map[string]interface{}{"stage": cfg.Stage})
	case ChangeStatusConfig:
		return x.mutate(ctx, ectx, map[string]interface{}{"status": cfg.Status})
	case AssignOwnerConfig:
		field := cfg.Field
		if field == "" {
			field = "owner_id"
		}
		return x.mutate(ctx, ectx, map[string]interface{}{field: cfg.UserID})
	case CreateTaskConfig:
		return x.createTask(ctx, ectx, cfg)
	case CreateActivityConfig:
		return x.createActivity(ctx, ectx, cfg)
	case SendNotificationConfig:
		return x.sendNotification(ctx, ectx, cfg)
	case SendEmailConfig:
		return x.sendEmail(ctx, ectx, cfg)
	case EnrollInSequenceConfig:
		return x.enroll(ctx, ectx, cfg)
	case TagConfig:
		return x.tag(ctx, ectx, cfg)
	case RunAIResearchConfig:
		return x.research(ctx, ectx, cfg)
	case FireWebhookConfig:
		return x.fireWebhook(ctx, ectx, cfg)
	case nil:
		return nil, Permanent(fmt.Errorf("%s: missing config", action.Type))
	default:
		return nil, Permanent(fmt.Errorf("unsupported action config %T", cfg))
	}
}

// mutate writes fields to the triggering entity, folds them into the snapshot
// and derives the change events the write implies.
func (x *Executor) mutate(ctx context.Context, ectx *ExecutionContext, fields map[string]interface{}) (interface{}, error) {
	if x.deps.Entities == nil {
		return nil, Permanent(errors.New("entity store not configured"))
	}
	evt := ectx.Event
	if err := x.deps.Entities.UpdateEntity(ctx, evt.ProjectID, evt.EntityType, evt.EntityID, fields); err != nil {
		return nil, err
	}

	if ectx.Entity == nil {
		ectx.Entity = map[string]interface{}{}
	}
	previous := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		previous[k] = ectx.Entity[k]
		ectx.Entity[k] = v
	}

	auto := ectx.Automation.ID
	ectx.derived = append(ectx.derived,
		evt.derive(TriggerEntityUpdated, evt.EntityType, evt.EntityID, copyMap(fields), copyMap(previous), auto),
		evt.derive(TriggerFieldChanged, evt.EntityType, evt.EntityID, copyMap(fields), copyMap(previous), auto),
	)
	if _, ok := fields["stage"]; ok {
		ectx.derived = append(ectx.derived,
			evt.derive(TriggerStageChanged, evt.EntityType, evt.EntityID, copyMap(fields), copyMap(previous), auto))
	}
	if _, ok := fields["status"]; ok {
		ectx.derived = append(ectx.derived,
			evt.derive(TriggerStatusChanged, evt.EntityType, evt.EntityID, copyMap(fields), copyMap(previous), auto))
	}
	return map[string]interface{}{"updated": fields}, nil
}

func (x *Executor) createTask(ctx context.Context, ectx *ExecutionContext, cfg CreateTaskConfig) (interface{}, error) {
	if x.deps.Entities == nil {
		return nil, Permanent(errors.New("entity store not configured"))
	}
	evt := ectx.Event
	in := TaskInput{
		ProjectID:    evt.ProjectID,
		EntityType:   evt.EntityType,
		EntityID:     evt.EntityID,
		Title:        x.render(cfg.Title, ectx),
		Description:  x.render(cfg.Description, ectx),
		AssigneeID:   cfg.AssigneeID,
		Priority:     cfg.Priority,
		AutomationID: ectx.Automation.ID,
	}
	if in.AssigneeID == "" {
		in.AssigneeID = toString(ectx.Entity["owner_id"])
	}
	if cfg.DueInDays != nil {
		due := x.now().UTC().AddDate(0, 0, *cfg.DueInDays)
		in.DueDate = &due
	}
	id, err := x.deps.Entities.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	ectx.derived = append(ectx.derived, evt.derive(TriggerEntityCreated, "task", id, map[string]interface{}{
		"title":       in.Title,
		"entity_type": in.EntityType,
		"entity_id":   in.EntityID,
		"assignee_id": in.AssigneeID,
	}, nil, ectx.Automation.ID))
	return map[string]interface{}{"task_id": id}, nil
}

func (x *Executor) createActivity(ctx context.Context, ectx *ExecutionContext, cfg CreateActivityConfig) (interface{}, error) {
	if x.deps.Entities == nil {
		return nil, Permanent(errors.New("entity store not configured"))
	}
	evt := ectx.Event
	id, err := x.deps.Entities.CreateActivity(ctx, ActivityInput{
		ProjectID:    evt.ProjectID,
		EntityType:   evt.EntityType,
		EntityID:     evt.EntityID,
		Type:         cfg.ActivityType,
		Subject:      x.render(cfg.Subject, ectx),
		Body:         x.render(cfg.Body, ectx),
		AutomationID: ectx.Automation.ID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"activity_id": id}, nil
}

func (x *Executor) sendNotification(ctx context.Context, ectx *ExecutionContext, cfg SendNotificationConfig) (interface{}, error) {
	if x.deps.Notifier == nil {
		return nil, Permanent(errors.New("notifier not configured"))
	}
	userID := cfg.UserID
	if userID == "" && cfg.ToOwner {
		userID = toString(ectx.Entity["owner_id"])
	}
	if userID == "" {
		return nil, Permanent(errors.New("notification has no recipient"))
	}
	title := x.render(cfg.Title, ectx)
	if title == "" {
		title = ectx.Automation.Name
	}
	if err := x.deps.Notifier.Notify(ctx, ectx.Event.ProjectID, userID, title, x.render(cfg.Message, ectx)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"user_id": userID}, nil
}

func (x *Executor) sendEmail(ctx context.Context, ectx *ExecutionContext, cfg SendEmailConfig) (interface{}, error) {
	if x.deps.Email == nil {
		return nil, Permanent(errors.New("email sender not configured"))
	}
	to := cfg.To
	if to == "" {
		to = toString(ectx.Entity["email"])
	}
	if to == "" {
		return nil, Permanent(errors.New("email has no recipient"))
	}
	evt := ectx.Event
	id, err := x.deps.Email.SendEmail(ctx, EmailRequest{
		ProjectID:  evt.ProjectID,
		TemplateID: cfg.TemplateID,
		To:         to,
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		Variables:  x.variables(ectx),
	})
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return map[string]interface{}{"message_id": id, "to": to}, nil
}

func (x *Executor) enroll(ctx context.Context, ectx *ExecutionContext, cfg EnrollInSequenceConfig) (interface{}, error) {
	if x.deps.Sequences == nil {
		return nil, Permanent(errors.New("sequence enroller not configured"))
	}
	personID := ""
	if ectx.Event.EntityType == "person" {
		personID = ectx.Event.EntityID
	} else {
		personID = toString(ectx.Entity["person_id"])
	}
	if personID == "" {
		return nil, Permanent(fmt.Errorf("%s %s has no linked person", ectx.Event.EntityType, ectx.Event.EntityID))
	}
	id, err := x.deps.Sequences.Enroll(ctx, ectx.Event.ProjectID, cfg.SequenceID, personID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"enrollment_id": id, "person_id": personID}, nil
}

func (x *Executor) tag(ctx context.Context, ectx *ExecutionContext, cfg TagConfig) (interface{}, error) {
	if x.deps.Entities == nil {
		return nil, Permanent(errors.New("entity store not configured"))
	}
	evt := ectx.Event
	var err error
	if cfg.Remove {
		err = x.deps.Entities.RemoveTag(ctx, evt.ProjectID, evt.EntityType, evt.EntityID, cfg.Tag)
	} else {
		err = x.deps.Entities.AddTag(ctx, evt.ProjectID, evt.EntityType, evt.EntityID, cfg.Tag)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tag": cfg.Tag}, nil
}

func (x *Executor) research(ctx context.Context, ectx *ExecutionContext, cfg RunAIResearchConfig) (interface{}, error) {
	if x.deps.Research == nil {
		return nil, errors.New("research collaborator not configured")
	}
	evt := ectx.Event
	out, err := x.deps.Research.Research(ctx, ResearchRequest{
		ProjectID:  evt.ProjectID,
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		Prompt:     x.render(cfg.Prompt, ectx),
		Focus:      cfg.Focus,
		Entity:     copyMap(ectx.Entity),
	})
	if err != nil {
		return nil, err
	}
	result := map[string]interface{}{"summary": truncate(out.Text, 280)}
	subject := "AI research"
	if out.Fallback {
		result["fallback"] = true
		subject = "AI research (fallback)"
	} else if out.Model != "" {
		result["model"] = out.Model
	}
	if x.deps.Entities != nil {
		id, err := x.deps.Entities.CreateActivity(ctx, ActivityInput{
			ProjectID:    evt.ProjectID,
			EntityType:   evt.EntityType,
			EntityID:     evt.EntityID,
			Type:         "ai_research",
			Subject:      subject,
			Body:         out.Text,
			AutomationID: ectx.Automation.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("store research: %w", err)
		}
		result["activity_id"] = id
	}
	return result, nil
}

// WebhookPayload is the body posted by fire_webhook.
type WebhookPayload struct {
	EventID        string                 `json:"event_id"`
	AutomationID   string                 `json:"automation_id"`
	AutomationName string                 `json:"automation_name"`
	ProjectID      string                 `json:"project_id"`
	TriggerType    TriggerType            `json:"trigger_type"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Data           map[string]interface{} `json:"data,omitempty"`
	PreviousData   map[string]interface{} `json:"previous_data,omitempty"`
	Entity         map[string]interface{} `json:"entity,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

func (x *Executor) fireWebhook(ctx context.Context, ectx *ExecutionContext, cfg FireWebhookConfig) (interface{}, error) {
	if x.deps.Webhooks == nil {
		return nil, Permanent(errors.New("webhook transport not configured"))
	}
	evt := ectx.Event
	payload := WebhookPayload{
		EventID:        evt.ID,
		AutomationID:   ectx.Automation.ID,
		AutomationName: ectx.Automation.Name,
		ProjectID:      evt.ProjectID,
		TriggerType:    evt.TriggerType,
		EntityType:     evt.EntityType,
		EntityID:       evt.EntityID,
		Data:           evt.Data,
		PreviousData:   evt.PreviousData,
		Entity:         ectx.Entity,
		OccurredAt:     evt.OccurredAt,
	}
	status, err := x.deps.Webhooks.Post(ctx, cfg.URL, payload, cfg.Secret, cfg.Headers)
	if err == nil && (status < 200 || status > 299) {
		err = fmt.Errorf("webhook responded with status %d", status)
	}
	if err != nil {
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return map[string]interface{}{"status_code": status}, nil
}

// variables is the data made available to templates.
func (x *Executor) variables(ectx *ExecutionContext) map[string]interface{} {
	vars := copyMap(ectx.Entity)
	for k, v := range ectx.Event.Data {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}
	vars["entity_type"] = ectx.Event.EntityType
	vars["entity_id"] = ectx.Event.EntityID
	vars["automation_name"] = ectx.Automation.Name
	return vars
}

// render expands {{.field}} placeholders; the raw text is kept when the
// template does not parse or execute.
func (x *Executor) render(text string, ectx *ExecutionContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("action").Parse(text)
	if err != nil {
		return text
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, x.variables(ectx)); err != nil {
		return text
	}
	return strings.ReplaceAll(buf.String(), "<no value>", "")
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
