package automation

// TriggerType is the class of event an automation reacts to.
type TriggerType string

const (
	TriggerEntityCreated TriggerType = "entity.created"
	TriggerEntityUpdated TriggerType = "entity.updated"
	TriggerEntityDeleted TriggerType = "entity.deleted"
	TriggerFieldChanged  TriggerType = "field.changed"
	TriggerStageChanged  TriggerType = "stage.changed"
	TriggerStatusChanged TriggerType = "status.changed"

	TriggerEmailOpened  TriggerType = "email.opened"
	TriggerEmailClicked TriggerType = "email.clicked"
	TriggerEmailReplied TriggerType = "email.replied"
	TriggerEmailBounced TriggerType = "email.bounced"

	TriggerSequenceCompleted TriggerType = "sequence.completed"
	TriggerSequenceReplied   TriggerType = "sequence.replied"

	TriggerMeetingScheduled TriggerType = "meeting.scheduled"
	TriggerMeetingOutcome   TriggerType = "meeting.outcome"
	TriggerTaskCompleted    TriggerType = "task.completed"

	// 时间类触发器：由 Scanner 周期性合成事件
	TriggerTaskOverdue          TriggerType = "time.task_overdue"
	TriggerEntityInactive       TriggerType = "time.entity_inactive"
	TriggerCloseDateApproaching TriggerType = "time.close_date_approaching"
)

// AllTriggerTypes lists every supported trigger type.
var AllTriggerTypes = []TriggerType{
	TriggerEntityCreated, TriggerEntityUpdated, TriggerEntityDeleted,
	TriggerFieldChanged, TriggerStageChanged, TriggerStatusChanged,
	TriggerEmailOpened, TriggerEmailClicked, TriggerEmailReplied, TriggerEmailBounced,
	TriggerSequenceCompleted, TriggerSequenceReplied,
	TriggerMeetingScheduled, TriggerMeetingOutcome, TriggerTaskCompleted,
	TriggerTaskOverdue, TriggerEntityInactive, TriggerCloseDateApproaching,
}

// TimeBasedTriggers are the triggers that have no natural event source.
var TimeBasedTriggers = []TriggerType{
	TriggerTaskOverdue, TriggerEntityInactive, TriggerCloseDateApproaching,
}

func (t TriggerType) Valid() bool {
	for _, known := range AllTriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TimeBased reports whether the trigger is synthesized by the scanner.
func (t TriggerType) TimeBased() bool {
	switch t {
	case TriggerTaskOverdue, TriggerEntityInactive, TriggerCloseDateApproaching:
		return true
	default:
		return false
	}
}

// Trigger config keys with dedicated matching rules.
const (
	ConfigEntityType = "entity_type"
	ConfigFieldName  = "field_name"
	ConfigFromValue  = "from_value"
	ConfigToValue    = "to_value"
	ConfigFromStage  = "from_stage"
	ConfigToStage    = "to_stage"
	ConfigFromStatus = "from_status"
	ConfigToStatus   = "to_status"
	ConfigDays       = "days"
)

// Attributes the scanner puts on synthesized events.
const (
	AttrDaysOverdue    = "days_overdue"
	AttrDaysInactive   = "days_inactive"
	AttrDaysUntilClose = "days_until_close"
)
