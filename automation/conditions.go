package automation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Default elapsed-hours thresholds for the time-based evaluators.
const (
	defaultOverdueHours  = 24
	defaultFollowupHours = 72
)

// ConditionEvaluator decides whether a rule's trigger matches one event.
// Evaluators are pure over (conditions, context) except for the
// time-based ones, which read current thread state; none of them may
// mutate anything. An error from Evaluate counts as no match and is
// attached to that rule's outcome only.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, conditions ConditionMap, ec *EventContext) (bool, error)
	SupportedConditionKeys() []string
}

// newMessageEvaluator matches any new-message event unless the optional
// allow-lists exclude it.
type newMessageEvaluator struct{}

func (newMessageEvaluator) SupportedConditionKeys() []string {
	return SupportedConditionKeys(TriggerNewMessage)
}

func (newMessageEvaluator) Evaluate(_ context.Context, conditions ConditionMap, ec *EventContext) (bool, error) {
	if ec.MessageID == "" {
		return false, nil
	}

	if types := conditions.stringSlice("message_types"); len(types) > 0 {
		if !containsString(types, ec.MessageType) {
			return false, nil
		}
	}

	if patterns := conditions.stringSlice("customer_patterns"); len(patterns) > 0 {
		if !anyPatternMatchesCustomer(patterns, ec) {
			return false, nil
		}
	}

	return true, nil
}

// anyPatternMatchesCustomer reports whether any pattern is a
// case-insensitive substring of one of the customer identifiers.
func anyPatternMatchesCustomer(patterns []string, ec *EventContext) bool {
	identifiers := []string{ec.CustomerID, ec.CustomerUsername, ec.CustomerName, ec.CustomerEmail}
	for _, pattern := range patterns {
		p := strings.ToLower(pattern)
		if p == "" {
			continue
		}
		for _, id := range identifiers {
			if id != "" && strings.Contains(strings.ToLower(id), p) {
				return true
			}
		}
	}
	return false
}

// keywordEvaluator matches on message text. Each configured group must
// pass independently; an absent group is vacuously true.
type keywordEvaluator struct{}

func (keywordEvaluator) SupportedConditionKeys() []string {
	return SupportedConditionKeys(TriggerMessageKeywords)
}

func (keywordEvaluator) Evaluate(_ context.Context, conditions ConditionMap, ec *EventContext) (bool, error) {
	if ec.MessageText == "" {
		return false, nil
	}
	text := strings.ToLower(ec.MessageText)

	// excluded_keywords wins over everything else.
	for _, kw := range conditions.stringSlice("excluded_keywords") {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return false, nil
		}
	}

	for _, kw := range conditions.stringSlice("required_keywords") {
		if kw != "" && !strings.Contains(text, strings.ToLower(kw)) {
			return false, nil
		}
	}

	if anyKeywords := conditions.stringSlice("any_keywords"); len(anyKeywords) > 0 {
		found := false
		for _, kw := range anyKeywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if patterns := conditions.stringSlice("regex_patterns"); len(patterns) > 0 {
		found := false
		for _, pattern := range patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return false, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
			}
			if re.MatchString(ec.MessageText) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	return true, nil
}

// messageTypeEvaluator matches when the message classification is in the
// configured allow-list.
type messageTypeEvaluator struct{}

func (messageTypeEvaluator) SupportedConditionKeys() []string {
	return SupportedConditionKeys(TriggerMessageType)
}

func (messageTypeEvaluator) Evaluate(_ context.Context, conditions ConditionMap, ec *EventContext) (bool, error) {
	if ec.MessageType == "" {
		return false, nil
	}
	return containsString(conditions.stringSlice("allowed_types"), ec.MessageType), nil
}

// responseOverdueEvaluator reads current thread state and matches when a
// required response is late, either past overdue_hours since the last
// inbound message or past an explicit due date. Read-only: it never
// writes through the thread store.
type responseOverdueEvaluator struct {
	threads ThreadStore
	now     func() time.Time
}

func (e *responseOverdueEvaluator) SupportedConditionKeys() []string {
	return SupportedConditionKeys(TriggerResponseOverdue)
}

func (e *responseOverdueEvaluator) Evaluate(ctx context.Context, conditions ConditionMap, ec *EventContext) (bool, error) {
	thread, err := e.threads.GetThread(ctx, ec.ThreadID)
	if err != nil {
		return false, fmt.Errorf("failed to load thread %s: %w", ec.ThreadID, err)
	}

	if !thread.RequiresResponse {
		return false, nil
	}
	// A response newer than the last inbound message settles the thread.
	if thread.LastResponseDate != nil && thread.LastMessageDate != nil &&
		thread.LastResponseDate.After(*thread.LastMessageDate) {
		return false, nil
	}

	now := e.now()
	overdueAfter := time.Duration(conditions.hoursValue("overdue_hours", defaultOverdueHours) * float64(time.Hour))

	if thread.LastMessageDate != nil && now.Sub(*thread.LastMessageDate) > overdueAfter {
		return true, nil
	}
	if thread.ResponseDueDate != nil && now.After(*thread.ResponseDueDate) {
		return true, nil
	}
	return false, nil
}

// customerFollowupEvaluator mirrors responseOverdue with the elapsed-time
// base on the seller's last outbound response: it matches when the seller
// replied, the customer has been silent since, and followup_hours have
// passed.
type customerFollowupEvaluator struct {
	threads ThreadStore
	now     func() time.Time
}

func (e *customerFollowupEvaluator) SupportedConditionKeys() []string {
	return SupportedConditionKeys(TriggerCustomerFollowup)
}

func (e *customerFollowupEvaluator) Evaluate(ctx context.Context, conditions ConditionMap, ec *EventContext) (bool, error) {
	thread, err := e.threads.GetThread(ctx, ec.ThreadID)
	if err != nil {
		return false, fmt.Errorf("failed to load thread %s: %w", ec.ThreadID, err)
	}

	if thread.LastResponseDate == nil {
		return false, nil
	}
	// The customer wrote again after our response; that is a new inbound
	// conversation, not a follow-up candidate.
	if thread.LastMessageDate != nil && thread.LastMessageDate.After(*thread.LastResponseDate) {
		return false, nil
	}

	quietFor := time.Duration(conditions.hoursValue("followup_hours", defaultFollowupHours) * float64(time.Hour))
	return e.now().Sub(*thread.LastResponseDate) > quietFor, nil
}
