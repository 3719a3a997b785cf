package automation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a transient domain fact used to probe automations for a match.
type Event struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	TriggerType  TriggerType            `json:"trigger_type"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	Data         map[string]interface{} `json:"data,omitempty"`
	PreviousData map[string]interface{} `json:"previous_data,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`

	// Depth is 0 for events emitted by the CRUD layer and grows by one for
	// every event derived from an automation's actions.
	Depth int `json:"depth"`
	// OriginAutomationID names the automation whose action produced this event.
	OriginAutomationID string `json:"origin_automation_id,omitempty"`
}

// normalize fills id and timestamp for events built by callers.
func (e *Event) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if !e.TriggerType.Valid() {
		return fmt.Errorf("unsupported trigger type: %q", e.TriggerType)
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	return nil
}

// ChangedFields returns the keys whose value differs between PreviousData and
// Data. Without PreviousData nothing is considered changed.
func (e Event) ChangedFields() []string {
	if e.PreviousData == nil {
		return nil
	}
	var changed []string
	for k, v := range e.Data {
		prev, ok := e.PreviousData[k]
		if !ok || !looseEqual(prev, v) {
			changed = append(changed, k)
		}
	}
	for k := range e.PreviousData {
		if _, ok := e.Data[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// derive builds a follow-up event produced by an action of automationID.
func (e Event) derive(trigger TriggerType, entityType, entityID string, data, previous map[string]interface{}, automationID string) Event {
	return Event{
		ProjectID:          e.ProjectID,
		TriggerType:        trigger,
		EntityType:         entityType,
		EntityID:           entityID,
		Data:               data,
		PreviousData:       previous,
		Depth:              e.Depth + 1,
		OriginAutomationID: automationID,
	}
}
