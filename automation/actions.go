package automation

import (
	"context"
	"fmt"
	"time"
)

// ActionExecutor performs one rule's configured effect. Side effects are
// confined to the thread store and template renderer collaborators.
// Execute never panics and never returns a naked error: failures are
// carried inside the result so the orchestrator can keep the pass going.
type ActionExecutor interface {
	Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult
	RequiredConfigKeys() []string
}

func failedResult(action ActionType, err error) *ExecutionResult {
	return &ExecutionResult{Success: false, ActionTaken: action, Error: err}
}

func successResult(action ActionType, details map[string]any) *ExecutionResult {
	return &ExecutionResult{Success: true, ActionTaken: action, Details: details}
}

// sendTemplateResponseExecutor renders a stored template against the
// event context. Rendering is the whole action; nothing is sent. When
// mark_as_responded is set, the thread is additionally marked responded.
type sendTemplateResponseExecutor struct {
	renderer TemplateRenderer
	threads  ThreadStore
	now      func() time.Time
}

func (e *sendTemplateResponseExecutor) RequiredConfigKeys() []string {
	return RequiredConfigKeys(ActionSendTemplateResponse)
}

func (e *sendTemplateResponseExecutor) Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult {
	templateID := config.stringValue("template_id")
	if templateID == "" {
		// Fail before any collaborator call.
		return failedResult(ActionSendTemplateResponse, fmt.Errorf("template_id is required"))
	}

	vars := templateVariables(ec)
	for k, v := range config.mapValue("additional_context") {
		vars[k] = fmt.Sprintf("%v", v)
	}

	rendered, err := e.renderer.Render(ctx, templateID, ec.AccountID, vars)
	if err != nil {
		return failedResult(ActionSendTemplateResponse, fmt.Errorf("failed to render template %s: %w", templateID, err))
	}

	// Usage counting is best-effort; a failed bump never fails the action.
	_ = e.renderer.IncrementUsage(ctx, templateID)

	if config.boolValue("mark_as_responded") {
		fields := map[string]any{
			FieldLastResponseDate: e.now(),
			FieldRequiresResponse: false,
		}
		if err := e.threads.UpdateThread(ctx, ec.ThreadID, fields); err != nil {
			return failedResult(ActionSendTemplateResponse, fmt.Errorf("failed to mark thread responded: %w", err))
		}
	}

	return successResult(ActionSendTemplateResponse, map[string]any{
		"template_id":   templateID,
		"rendered_text": rendered,
	})
}

// templateVariables builds the variable map from the event context.
// Unresolved name placeholders default to bracketed stand-ins so a
// seller reviewing the draft can spot them.
func templateVariables(ec *EventContext) map[string]string {
	vars := map[string]string{
		"customer_name": "[Customer Name]",
		"seller_name":   "[Seller Name]",
	}
	if ec.CustomerName != "" {
		vars["customer_name"] = ec.CustomerName
	}
	if ec.CustomerUsername != "" {
		vars["customer_username"] = ec.CustomerUsername
	}
	if ec.CustomerEmail != "" {
		vars["customer_email"] = ec.CustomerEmail
	}
	if ec.ItemID != "" {
		vars["item_id"] = ec.ItemID
	}
	if ec.ItemTitle != "" {
		vars["item_title"] = ec.ItemTitle
	}
	if ec.OrderID != "" {
		vars["order_id"] = ec.OrderID
	}
	return vars
}

// setPriorityExecutor re-prioritizes the thread.
type setPriorityExecutor struct {
	threads ThreadStore
	now     func() time.Time
}

func (e *setPriorityExecutor) RequiredConfigKeys() []string {
	return RequiredConfigKeys(ActionSetPriority)
}

func (e *setPriorityExecutor) Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult {
	priority := config.stringValue("priority")
	if priority == "" {
		return failedResult(ActionSetPriority, fmt.Errorf("priority is required"))
	}

	fields := map[string]any{
		FieldPriority:         priority,
		FieldLastActivityDate: e.now(),
	}
	if err := e.threads.UpdateThread(ctx, ec.ThreadID, fields); err != nil {
		return failedResult(ActionSetPriority, fmt.Errorf("failed to update thread: %w", err))
	}

	return successResult(ActionSetPriority, map[string]any{"priority": priority})
}

// setStatusExecutor re-statuses the thread; resolving it also clears the
// requires-response flag.
type setStatusExecutor struct {
	threads ThreadStore
	now     func() time.Time
}

func (e *setStatusExecutor) RequiredConfigKeys() []string {
	return RequiredConfigKeys(ActionSetStatus)
}

func (e *setStatusExecutor) Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult {
	status := config.stringValue("status")
	if status == "" {
		return failedResult(ActionSetStatus, fmt.Errorf("status is required"))
	}

	fields := map[string]any{
		FieldStatus:           status,
		FieldLastActivityDate: e.now(),
	}
	if status == "resolved" {
		fields[FieldRequiresResponse] = false
	}
	if err := e.threads.UpdateThread(ctx, ec.ThreadID, fields); err != nil {
		return failedResult(ActionSetStatus, fmt.Errorf("failed to update thread: %w", err))
	}

	return successResult(ActionSetStatus, map[string]any{"status": status})
}

// addTagExecutor appends one tag to the thread.
type addTagExecutor struct {
	threads ThreadStore
}

func (e *addTagExecutor) RequiredConfigKeys() []string {
	return RequiredConfigKeys(ActionAddTag)
}

func (e *addTagExecutor) Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult {
	tag := config.stringValue("tag")
	if tag == "" {
		return failedResult(ActionAddTag, fmt.Errorf("tag is required"))
	}

	if err := e.threads.UpdateThread(ctx, ec.ThreadID, map[string]any{FieldAddTag: tag}); err != nil {
		return failedResult(ActionAddTag, fmt.Errorf("failed to update thread: %w", err))
	}

	return successResult(ActionAddTag, map[string]any{"tag": tag})
}

// scheduleFollowupExecutor sets a future response-due date on the thread
// and flags it as requiring a response again.
type scheduleFollowupExecutor struct {
	threads ThreadStore
	now     func() time.Time
}

func (e *scheduleFollowupExecutor) RequiredConfigKeys() []string {
	return RequiredConfigKeys(ActionScheduleFollowup)
}

func (e *scheduleFollowupExecutor) Execute(ctx context.Context, config ActionConfig, ec *EventContext) *ExecutionResult {
	hours := config.hoursValue("followup_hours", 0)
	if hours <= 0 {
		return failedResult(ActionScheduleFollowup, fmt.Errorf("followup_hours must be a positive number"))
	}

	due := e.now().Add(time.Duration(hours * float64(time.Hour)))
	fields := map[string]any{
		FieldResponseDueDate:  due,
		FieldRequiresResponse: true,
	}
	if err := e.threads.UpdateThread(ctx, ec.ThreadID, fields); err != nil {
		return failedResult(ActionScheduleFollowup, fmt.Errorf("failed to update thread: %w", err))
	}

	return successResult(ActionScheduleFollowup, map[string]any{
		"followup_hours": hours,
		"due_date":       due,
	})
}
