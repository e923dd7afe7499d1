package automation

import (
	"fmt"
	"sort"
)

// filterExpressionKey is accepted by every trigger type. The value is a
// CEL expression AND-combined with the evaluator's own logic; see
// filter.go.
const filterExpressionKey = "filter_expression"

// supportedConditionKeys declares, per trigger type, which keys may
// appear in a rule's TriggerConditions. A key outside this set is a
// configuration error.
var supportedConditionKeys = map[TriggerType][]string{
	TriggerNewMessage:       {"message_types", "customer_patterns", filterExpressionKey},
	TriggerMessageKeywords:  {"required_keywords", "any_keywords", "excluded_keywords", "regex_patterns", filterExpressionKey},
	TriggerMessageType:      {"allowed_types", filterExpressionKey},
	TriggerResponseOverdue:  {"overdue_hours", filterExpressionKey},
	TriggerCustomerFollowup: {"followup_hours", filterExpressionKey},
}

// requiredConfigKeys declares, per action type, which keys must be
// present in a rule's ActionConfig before the executor may run.
var requiredConfigKeys = map[ActionType][]string{
	ActionSendTemplateResponse: {"template_id"},
	ActionSetPriority:          {"priority"},
	ActionSetStatus:            {"status"},
	ActionAddTag:               {"tag"},
	ActionScheduleFollowup:     {"followup_hours"},
}

// ValidateRule checks a rule's shape: known trigger and action types,
// condition keys within the trigger's supported set, and all required
// action config keys present. Run at save time by the management surface
// and again by the orchestrator before executing an action.
func ValidateRule(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if err := ValidateTriggerConditions(r.TriggerType, r.TriggerConditions); err != nil {
		return err
	}
	return ValidateActionConfig(r.ActionType, r.ActionConfig)
}

// ValidateTriggerConditions checks that every key in conditions belongs
// to the supported set for the trigger type.
func ValidateTriggerConditions(t TriggerType, conditions ConditionMap) error {
	if !t.Valid() {
		return fmt.Errorf("unsupported trigger type %q", t)
	}
	supported := supportedConditionKeys[t]
	for key := range conditions {
		found := false
		for _, k := range supported {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("condition key %q is not supported by trigger %q (supported: %v)", key, t, supported)
		}
	}
	return nil
}

// ValidateActionConfig checks that every required key for the action type
// is present and non-empty.
func ValidateActionConfig(a ActionType, config ActionConfig) error {
	if !a.Valid() {
		return fmt.Errorf("unsupported action type %q", a)
	}
	for _, key := range requiredConfigKeys[a] {
		v, ok := config[key]
		if !ok || v == nil || v == "" {
			return fmt.Errorf("action %q requires config key %q", a, key)
		}
	}
	return nil
}

// SupportedConditionKeys returns the sorted supported condition keys for
// a trigger type, for the rule-authoring surface.
func SupportedConditionKeys(t TriggerType) []string {
	keys := append([]string(nil), supportedConditionKeys[t]...)
	sort.Strings(keys)
	return keys
}

// RequiredConfigKeys returns the required config keys for an action type.
func RequiredConfigKeys(a ActionType) []string {
	return append([]string(nil), requiredConfigKeys[a]...)
}

// stringValue reads conditions[key] as a string. Missing or non-string
// values yield "".
func (c ConditionMap) stringValue(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// stringSlice reads conditions[key] as a list of strings. JSON decoding
// produces []any, so both []string and []any are accepted.
func (c ConditionMap) stringSlice(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// hoursValue reads conditions[key] as a number of hours, falling back to
// def when absent or malformed. JSON numbers decode as float64; int is
// accepted for values built in code.
func (c ConditionMap) hoursValue(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	case int64:
		if v > 0 {
			return float64(v)
		}
	}
	return def
}

// stringValue reads config[key] as a string, accepting numeric values for
// convenience of JSON-authored rules.
func (c ActionConfig) stringValue(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	}
	return ""
}

// boolValue reads config[key] as a bool; missing keys are false.
func (c ActionConfig) boolValue(key string) bool {
	v, _ := c[key].(bool)
	return v
}

// hoursValue reads config[key] as a number of hours, falling back to def.
func (c ActionConfig) hoursValue(key string, def float64) float64 {
	return ConditionMap(c).hoursValue(key, def)
}

// mapValue reads config[key] as a nested map.
func (c ActionConfig) mapValue(key string) map[string]any {
	switch v := c[key].(type) {
	case map[string]any:
		return v
	}
	return nil
}
