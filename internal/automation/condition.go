package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// ValidOperator reports whether op is a known operator. Unknown operators are
// configuration defects the authoring layer should have rejected.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan,
		OpIsEmpty, OpIsNotEmpty, OpIn, OpNotIn:
		return true
	default:
		return false
	}
}

// Condition is a single field/operator/value test.
type Condition struct {
	Field    string      `json:"field" validate:"required"`
	Operator Operator    `json:"operator" validate:"required"`
	Value    interface{} `json:"value"`
}

// Attributes is the flat attribute lookup conditions are evaluated against.
type Attributes map[string]interface{}

// previousPrefix addresses values from the event's previous_data.
const previousPrefix = "previous."

// BuildAttributes merges the current entity snapshot with the event. Event data
// wins over the snapshot; previous_data is reachable as "previous.<field>".
func BuildAttributes(entity map[string]interface{}, evt Event) Attributes {
	attrs := make(Attributes, len(entity)+len(evt.Data)+len(evt.PreviousData)+3)
	for k, v := range entity {
		attrs[k] = v
	}
	for k, v := range evt.Data {
		attrs[k] = v
	}
	for k, v := range evt.PreviousData {
		attrs[previousPrefix+k] = v
	}
	attrs["entity_type"] = evt.EntityType
	attrs["entity_id"] = evt.EntityID
	attrs["trigger_type"] = string(evt.TriggerType)
	return attrs
}

// Lookup resolves field, descending into nested maps for dotted paths. A
// missing field resolves to nil.
func (a Attributes) Lookup(field string) interface{} {
	if v, ok := a[field]; ok {
		return v
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return nil
	}
	var cur interface{} = map[string]interface{}(a)
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if am, isAttrs := cur.(Attributes); isAttrs {
				m = am
			} else {
				return nil
			}
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

// Evaluate reports whether every condition holds (AND). An empty list holds.
// It never panics.
func Evaluate(conditions []Condition, attrs Attributes) bool {
	return FirstFailing(conditions, attrs) < 0
}

// FirstFailing returns the index of the first condition that does not hold, or
// -1 when all of them hold.
func FirstFailing(conditions []Condition, attrs Attributes) int {
	for i, cond := range conditions {
		if !evaluateCondition(cond, attrs) {
			return i
		}
	}
	return -1
}

func evaluateCondition(cond Condition, attrs Attributes) bool {
	actual := attrs.Lookup(cond.Field)

	switch cond.Operator {
	case OpEquals:
		return looseEqual(actual, cond.Value)
	case OpNotEquals:
		return !looseEqual(actual, cond.Value)
	case OpContains:
		return contains(actual, cond.Value)
	case OpNotContains:
		return !contains(actual, cond.Value)
	case OpGreaterThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(cond.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(cond.Value)
		return okA && okB && a < b
	case OpIsEmpty:
		return isEmpty(actual)
	case OpIsNotEmpty:
		return !isEmpty(actual)
	case OpIn:
		return in(actual, cond.Value)
	case OpNotIn:
		return !in(actual, cond.Value)
	default:
		return false
	}
}

func contains(actual, expected interface{}) bool {
	if s, ok := actual.(string); ok {
		return strings.Contains(s, toString(expected))
	}
	if items, ok := asSlice(actual); ok {
		for _, item := range items {
			if looseEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

func in(actual, set interface{}) bool {
	members, ok := asSlice(set)
	if !ok {
		return looseEqual(actual, set)
	}
	if items, isSlice := asSlice(actual); isSlice {
		for _, item := range items {
			if in(item, members) {
				return true
			}
		}
		return false
	}
	for _, m := range members {
		if looseEqual(actual, m) {
			return true
		}
	}
	return false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// looseEqual compares scalars after coercion to string. nil only equals nil.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return isNil(a) && isNil(b)
	}
	return toString(a) == toString(b)
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case nil, string, []byte:
		return nil, false
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
