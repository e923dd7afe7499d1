package main

import (
	"time"

	"github.com/quangman2211/ebay-manager-sub002/automation"
)

// API request and response models.

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	Name              string                  `json:"name"`
	TriggerType       automation.TriggerType  `json:"trigger_type"`
	TriggerConditions automation.ConditionMap `json:"trigger_conditions"`
	ActionType        automation.ActionType   `json:"action_type"`
	ActionConfig      automation.ActionConfig `json:"action_config"`
	Active            *bool                   `json:"is_active,omitempty"`
	Priority          int                     `json:"priority"`
}

// TestRuleRequest previews one candidate rule against a sample event.
type TestRuleRequest struct {
	Rule    RuleRequest             `json:"rule"`
	Context automation.EventContext `json:"context"`
}

// EventRequest is the ingest body: one event context.
type EventRequest struct {
	automation.EventContext
	// DryRun evaluates only: no actions, no records.
	DryRun bool `json:"dry_run,omitempty"`
}

// OutcomeResponse is the wire form of one per-rule outcome.
type OutcomeResponse struct {
	RuleID   string                      `json:"rule_id"`
	RuleName string                      `json:"rule_name"`
	Priority int                         `json:"priority"`
	Matched  bool                        `json:"matched"`
	Executed bool                        `json:"executed"`
	Result   *automation.ExecutionResult `json:"result,omitempty"`
	Error    string                      `json:"error,omitempty"`
}

func toOutcomeResponses(outcomes []*automation.RuleOutcome) []OutcomeResponse {
	out := make([]OutcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		resp := OutcomeResponse{
			RuleID:   o.RuleID,
			RuleName: o.RuleName,
			Priority: o.Priority,
			Matched:  o.Matched,
			Executed: o.Executed,
			Result:   o.Result,
		}
		if o.Err != nil {
			resp.Error = o.Err.Error()
		}
		out = append(out, resp)
	}
	return out
}

// ProcessResponse is the response for event ingestion.
type ProcessResponse struct {
	Outcomes       []OutcomeResponse `json:"outcomes"`
	EvaluationTime string            `json:"evaluation_time"`
}

// ExecutionResponse is the wire form of one execution record.
type ExecutionResponse struct {
	ID           string                      `json:"id"`
	RuleID       string                      `json:"rule_id"`
	ThreadID     string                      `json:"thread_id"`
	Status       automation.ExecutionStatus  `json:"status"`
	ErrorMessage string                      `json:"error_message,omitempty"`
	Result       *automation.ExecutionResult `json:"result,omitempty"`
	StartedAt    time.Time                   `json:"started_at"`
	CompletedAt  time.Time                   `json:"completed_at"`
}

func toExecutionResponses(records []*automation.ExecutionRecord) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, ExecutionResponse{
			ID:           rec.ID,
			RuleID:       rec.RuleID,
			ThreadID:     rec.ThreadID,
			Status:       rec.Status,
			ErrorMessage: rec.ErrorMessage,
			Result:       rec.Result,
			StartedAt:    rec.StartedAt,
			CompletedAt:  rec.CompletedAt,
		})
	}
	return out
}
