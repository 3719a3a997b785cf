package automation

import "time"

// Automation is a persisted trigger + conditions + actions rule, as seen by the
// engine. The engine never mutates it.
type Automation struct {
	ID            string                 `json:"id"`
	ProjectID     string                 `json:"project_id"`
	Name          string                 `json:"name"`
	IsActive      bool                   `json:"is_active"`
	TriggerType   TriggerType            `json:"trigger_type"`
	TriggerConfig map[string]interface{} `json:"trigger_config"`
	Conditions    []Condition            `json:"conditions"`
	Actions       []Action               `json:"actions"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Match returns, in input order, the automations triggered by evt. It is a pure
// filter: inactive automations, other trigger types and automations whose
// trigger_config disagrees with the event are excluded.
func Match(evt Event, automations []Automation) []Automation {
	var matched []Automation
	for _, a := range automations {
		if Matches(evt, a) {
			matched = append(matched, a)
		}
	}
	return matched
}

// Matches reports whether a single automation is triggered by evt.
func Matches(evt Event, a Automation) bool {
	if !a.IsActive || a.ProjectID != evt.ProjectID || a.TriggerType != evt.TriggerType {
		return false
	}
	for key, want := range a.TriggerConfig {
		if !configKeyMatches(evt, key, want, a.TriggerConfig) {
			return false
		}
	}
	return true
}

// configKeyMatches checks one trigger_config key. A nil value means "don't care".
func configKeyMatches(evt Event, key string, want interface{}, cfg map[string]interface{}) bool {
	if want == nil {
		return true
	}
	switch key {
	case ConfigEntityType:
		return looseEqual(evt.EntityType, want)

	case ConfigFieldName:
		field := toString(want)
		for _, f := range evt.ChangedFields() {
			if f == field {
				return true
			}
		}
		return false

	case ConfigFromValue:
		return transitionMatches(evt, cfg, want, func(f string) interface{} { return lookupPrevious(evt, f) })

	case ConfigToValue:
		return transitionMatches(evt, cfg, want, func(f string) interface{} { return evt.Data[f] })

	case ConfigFromStage:
		return looseEqual(lookupPrevious(evt, "stage"), want)
	case ConfigToStage:
		return looseEqual(evt.Data["stage"], want)
	case ConfigFromStatus:
		return looseEqual(lookupPrevious(evt, "status"), want)
	case ConfigToStatus:
		return looseEqual(evt.Data["status"], want)

	case ConfigDays:
		return daysMatch(evt, want)

	default:
		return looseEqual(evt.Data[key], want)
	}
}

// transitionMatches compares from_value/to_value against the configured
// field_name, or against any changed field when field_name is absent.
func transitionMatches(evt Event, cfg map[string]interface{}, want interface{}, value func(string) interface{}) bool {
	if field, ok := cfg[ConfigFieldName]; ok && field != nil {
		return looseEqual(value(toString(field)), want)
	}
	for _, f := range evt.ChangedFields() {
		if looseEqual(value(f), want) {
			return true
		}
	}
	return false
}

func lookupPrevious(evt Event, field string) interface{} {
	if evt.PreviousData == nil {
		return nil
	}
	return evt.PreviousData[field]
}

// daysMatch applies the relative-time threshold of time-based triggers.
func daysMatch(evt Event, want interface{}) bool {
	threshold, ok := toFloat(want)
	if !ok {
		return false
	}
	switch evt.TriggerType {
	case TriggerTaskOverdue:
		v, ok := toFloat(evt.Data[AttrDaysOverdue])
		return ok && v >= threshold
	case TriggerEntityInactive:
		v, ok := toFloat(evt.Data[AttrDaysInactive])
		return ok && v >= threshold
	case TriggerCloseDateApproaching:
		v, ok := toFloat(evt.Data[AttrDaysUntilClose])
		return ok && v <= threshold
	default:
		return looseEqual(evt.Data[ConfigDays], want)
	}
}
