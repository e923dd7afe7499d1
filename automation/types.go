package automation

import "time"

// TriggerType identifies which condition evaluator decides whether a rule
// fires for an event. The set is closed: adding a member means adding a
// matching evaluator.
type TriggerType string

const (
	TriggerNewMessage       TriggerType = "new_message"
	TriggerMessageKeywords  TriggerType = "message_keywords"
	TriggerMessageType      TriggerType = "message_type"
	TriggerResponseOverdue  TriggerType = "response_overdue"
	TriggerCustomerFollowup TriggerType = "customer_followup"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerNewMessage, TriggerMessageKeywords, TriggerMessageType,
		TriggerResponseOverdue, TriggerCustomerFollowup:
		return true
	}
	return false
}

// ActionType identifies which executor runs when a rule matches.
type ActionType string

const (
	ActionSendTemplateResponse ActionType = "send_template_response"
	ActionSetPriority          ActionType = "set_priority"
	ActionSetStatus            ActionType = "set_status"
	ActionAddTag               ActionType = "add_tag"
	ActionScheduleFollowup     ActionType = "schedule_followup"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSendTemplateResponse, ActionSetPriority, ActionSetStatus,
		ActionAddTag, ActionScheduleFollowup:
		return true
	}
	return false
}

// ConditionMap holds the per-trigger-type condition parameters of a rule.
// Valid keys are determined by the trigger type; see validation.go.
type ConditionMap map[string]any

// ActionConfig holds the per-action-type parameters of a rule.
type ActionConfig map[string]any

// Rule is a stored trigger+action pairing. Rules are authored by an
// external management surface; the engine only reads them.
type Rule struct {
	ID                string       `json:"id"`
	AccountID         string       `json:"account_id"`
	Name              string       `json:"name"`
	TriggerType       TriggerType  `json:"trigger_type"`
	TriggerConditions ConditionMap `json:"trigger_conditions"`
	ActionType        ActionType   `json:"action_type"`
	ActionConfig      ActionConfig `json:"action_config"`
	Active            bool         `json:"is_active"`
	// Priority orders evaluation within one pass; lower runs first.
	Priority int `json:"priority"`

	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventContext is the immutable snapshot of "what happened" passed into
// one orchestration pass. Constructed by the caller (message ingestion or
// an overdue sweep); the engine never mutates it. Message fields are empty
// for sweep events.
type EventContext struct {
	AccountID string    `json:"account_id"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`

	MessageID   string `json:"message_id,omitempty"`
	MessageText string `json:"message_text,omitempty"`
	// MessageType is the message classification assigned upstream
	// (e.g. "shipping_inquiry", "return_request").
	MessageType string `json:"message_type,omitempty"`

	CustomerID       string `json:"customer_id,omitempty"`
	CustomerUsername string `json:"customer_username,omitempty"`
	CustomerName     string `json:"customer_name,omitempty"`
	CustomerEmail    string `json:"customer_email,omitempty"`

	ItemID    string `json:"item_id,omitempty"`
	ItemTitle string `json:"item_title,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

// ExecutionResult is the structured outcome of one action execution.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	ActionTaken ActionType     `json:"action_taken"`
	Details     map[string]any `json:"details,omitempty"`
	Error       error          `json:"-"`
}

// ExecutionStatus is the persisted status of an execution record.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionRecord is the durable audit entry for one rule firing (or one
// failed evaluation). Immutable once written; the engine never updates or
// deletes records.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id"`
	ThreadID     string          `json:"thread_id"`
	Context      EventContext    `json:"context"`
	Result       *ExecutionResult `json:"result,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// RuleOutcome is the in-memory, per-rule result of one pass, returned to
// the caller in evaluation order.
type RuleOutcome struct {
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	Priority int              `json:"priority"`
	Matched  bool             `json:"matched"`
	Executed bool             `json:"executed"`
	Result   *ExecutionResult `json:"result,omitempty"`
	// Err carries an evaluation or dispatch error for this rule. It never
	// affects the processing of other rules in the pass.
	Err error `json:"-"`
}

// ExecutionStats aggregates the recorded executions of one rule.
type ExecutionStats struct {
	Total          int64      `json:"total"`
	Succeeded      int64      `json:"succeeded"`
	Failed         int64      `json:"failed"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
}
