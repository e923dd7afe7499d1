package automation

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type testEnv struct {
	engine   *Engine
	rules    *InMemoryRuleStore
	threads  *InMemoryThreadStore
	renderer *countingRenderer
	recorder *InMemoryRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	rules := NewInMemoryRuleStore()
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	renderer := &countingRenderer{inner: templateFixture()}
	recorder := NewInMemoryRecorder()

	engine, err := NewEngine(rules, threads, renderer, recorder,
		WithClock(fixedClock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	return &testEnv{engine: engine, rules: rules, threads: threads, renderer: renderer, recorder: recorder}
}

func (e *testEnv) addRule(t *testing.T, rule *Rule) {
	t.Helper()
	if rule.AccountID == "" {
		rule.AccountID = "acct1"
	}
	if err := e.rules.Add(context.Background(), rule); err != nil {
		t.Fatalf("failed to add rule %s: %v", rule.ID, err)
	}
	e.engine.InvalidateRules(rule.AccountID)
}

func urgentEvent() *EventContext {
	return &EventContext{
		AccountID:   "acct1",
		ThreadID:    "t1",
		MessageID:   "m1",
		MessageText: "urgent: where is my order",
		Timestamp:   testNow,
	}
}

func TestProcessEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-b", Name: "urgent to high priority",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSetPriority,
		ActionConfig:      ActionConfig{"priority": "high"},
		Active:            true, Priority: 10,
	})
	env.addRule(t, &Rule{
		ID: "rule-a", Name: "urgent auto-reply",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSendTemplateResponse,
		ActionConfig:      ActionConfig{"template_id": "tpl-5"},
		Active:            true, Priority: 20,
	})

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}

	// Priority 10 first, then 20.
	if outcomes[0].RuleID != "rule-b" || outcomes[1].RuleID != "rule-a" {
		t.Fatalf("outcome order = %s, %s; want rule-b, rule-a", outcomes[0].RuleID, outcomes[1].RuleID)
	}
	for _, o := range outcomes {
		if !o.Matched || !o.Executed || o.Result == nil || !o.Result.Success {
			t.Errorf("rule %s should have fired successfully: %+v", o.RuleID, o)
		}
	}

	thread, _ := env.threads.GetThread(context.Background(), "t1")
	if thread.Priority != "high" {
		t.Errorf("thread priority = %q, want high", thread.Priority)
	}
	if rendered, _ := outcomes[1].Result.Details["rendered_text"].(string); rendered == "" {
		t.Error("template rule should return rendered text")
	}

	for _, ruleID := range []string{"rule-b", "rule-a"} {
		records, _ := env.recorder.Recent(context.Background(), ruleID, 10)
		if len(records) != 1 {
			t.Fatalf("rule %s should have one execution record, got %d", ruleID, len(records))
		}
		if records[0].Status != ExecutionSuccess {
			t.Errorf("rule %s record status = %s, want success", ruleID, records[0].Status)
		}
		if records[0].ThreadID != "t1" {
			t.Errorf("record thread = %s, want t1", records[0].ThreadID)
		}

		rule, _ := env.rules.Get(context.Background(), "acct1", ruleID)
		if rule.ExecutionCount != 1 || rule.SuccessCount != 1 || rule.FailureCount != 0 {
			t.Errorf("rule %s counters = %d/%d/%d, want 1/1/0",
				ruleID, rule.ExecutionCount, rule.SuccessCount, rule.FailureCount)
		}
		if rule.LastExecutedAt == nil || !rule.LastExecutedAt.Equal(testNow) {
			t.Errorf("rule %s last_executed_at = %v, want %v", ruleID, rule.LastExecutedAt, testNow)
		}
	}
}

func TestInactiveRulesAreNeverConsidered(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-off", Name: "disabled",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSetPriority,
		ActionConfig:      ActionConfig{"priority": "high"},
		Active:            false, Priority: 10,
	})

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("inactive rules must not appear in a pass, got %d outcomes", len(outcomes))
	}

	records, _ := env.recorder.Recent(context.Background(), "rule-off", 10)
	if len(records) != 0 {
		t.Error("inactive rule must have no execution records")
	}
}

func TestEqualPriorityTieBreakIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	// Added in reverse lexical order on purpose.
	for _, id := range []string{"rule-c", "rule-a", "rule-b"} {
		env.addRule(t, &Rule{
			ID: id, Name: id,
			TriggerType:       TriggerMessageKeywords,
			TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
			ActionType:        ActionAddTag,
			ActionConfig:      ActionConfig{"tag": id},
			Active:            true, Priority: 10,
		})
	}

	for run := 0; run < 3; run++ {
		outcomes, err := env.engine.Process(context.Background(), urgentEvent())
		if err != nil {
			t.Fatalf("Process() failed: %v", err)
		}
		got := []string{outcomes[0].RuleID, outcomes[1].RuleID, outcomes[2].RuleID}
		want := []string{"rule-a", "rule-b", "rule-c"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d: order = %v, want %v", run, got, want)
			}
		}
	}
}

func TestFailingActionDoesNotHaltPass(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-broken", Name: "missing template",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSendTemplateResponse,
		ActionConfig:      ActionConfig{"template_id": "no-such-template"},
		Active:            true, Priority: 10,
	})
	env.addRule(t, &Rule{
		ID: "rule-next", Name: "still runs",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSetPriority,
		ActionConfig:      ActionConfig{"priority": "high"},
		Active:            true, Priority: 20,
	})

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}

	if outcomes[0].Result == nil || outcomes[0].Result.Success {
		t.Error("first rule should have failed")
	}
	if outcomes[1].Result == nil || !outcomes[1].Result.Success {
		t.Errorf("second rule must still execute: %+v", outcomes[1])
	}

	broken, _ := env.rules.Get(context.Background(), "acct1", "rule-broken")
	if broken.ExecutionCount != 1 || broken.FailureCount != 1 {
		t.Errorf("failed execution must bump counters, got %d/%d", broken.ExecutionCount, broken.FailureCount)
	}
	records, _ := env.recorder.Recent(context.Background(), "rule-broken", 10)
	if len(records) != 1 || records[0].Status != ExecutionFailed {
		t.Error("failed execution must leave a failed record")
	}
	if records[0].ErrorMessage == "" {
		t.Error("failed record must carry an error message")
	}
}

func TestEvaluatorErrorIsIsolatedAndCaptured(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-bad-regex", Name: "bad regex",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"regex_patterns": []string{"("}},
		ActionType:        ActionSetPriority,
		ActionConfig:      ActionConfig{"priority": "high"},
		Active:            true, Priority: 10,
	})
	env.addRule(t, &Rule{
		ID: "rule-ok", Name: "fine",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionAddTag,
		ActionConfig:      ActionConfig{"tag": "urgent"},
		Active:            true, Priority: 20,
	})

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	if outcomes[0].Matched || outcomes[0].Err == nil {
		t.Errorf("evaluator error must be a non-match with the error attached: %+v", outcomes[0])
	}
	if !outcomes[1].Executed {
		t.Error("the next rule must still be evaluated and executed")
	}

	// Evaluation failures are captured in the audit log without an
	// action result.
	records, _ := env.recorder.Recent(context.Background(), "rule-bad-regex", 10)
	if len(records) != 1 || records[0].Status != ExecutionFailed {
		t.Fatal("evaluation failure must leave a failed record")
	}
	if records[0].Result != nil {
		t.Error("evaluation failure record must have no action result")
	}

	// But they are not executions: counters stay untouched.
	rule, _ := env.rules.Get(context.Background(), "acct1", "rule-bad-regex")
	if rule.ExecutionCount != 0 {
		t.Errorf("evaluation failure must not bump execution_count, got %d", rule.ExecutionCount)
	}
}

func TestUnsupportedTriggerTypeIsAFailedOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-weird", Name: "unknown trigger",
		TriggerType:  TriggerType("telepathy"),
		ActionType:   ActionSetPriority,
		ActionConfig: ActionConfig{"priority": "high"},
		Active:       true, Priority: 10,
	})

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Err == nil || !strings.Contains(outcomes[0].Err.Error(), "unsupported trigger") {
		t.Errorf("outcome should carry an unsupported-trigger error, got: %v", outcomes[0].Err)
	}
	if outcomes[0].Matched || outcomes[0].Executed {
		t.Error("an unsupported trigger must never match or execute")
	}
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-a", Name: "urgent auto-reply",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSendTemplateResponse,
		ActionConfig:      ActionConfig{"template_id": "tpl-5"},
		Active:            true, Priority: 10,
	})

	outcomes, err := env.engine.DryRun(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("DryRun() failed: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Matched {
		t.Fatalf("dry run should report the match: %+v", outcomes)
	}
	if outcomes[0].Executed || outcomes[0].Result != nil {
		t.Error("dry run must not execute actions")
	}

	if env.renderer.renderCalls != 0 {
		t.Errorf("dry run must not call the renderer, got %d calls", env.renderer.renderCalls)
	}
	records, _ := env.recorder.Recent(context.Background(), "rule-a", 10)
	if len(records) != 0 {
		t.Error("dry run must not write execution records")
	}
	rule, _ := env.rules.Get(context.Background(), "acct1", "rule-a")
	if rule.ExecutionCount != 0 {
		t.Error("dry run must not bump counters")
	}
}

func TestTestRulePreviewsCandidateRule(t *testing.T) {
	env := newTestEnv(t)

	candidate := &Rule{
		ID: "unsaved", Name: "candidate",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionSetPriority,
		ActionConfig:      ActionConfig{"priority": "high"},
	}

	outcome, err := env.engine.TestRule(context.Background(), candidate, urgentEvent())
	if err != nil {
		t.Fatalf("TestRule() failed: %v", err)
	}
	if !outcome.Matched || outcome.Executed {
		t.Errorf("preview should match without executing: %+v", outcome)
	}

	// Unsupported condition keys are rejected up front.
	candidate.TriggerConditions = ConditionMap{"no_such_key": true}
	if _, err := env.engine.TestRule(context.Background(), candidate, urgentEvent()); err == nil {
		t.Error("TestRule() should reject unsupported condition keys")
	}
}

func TestCancelledContextStopsBetweenRules(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-a", Name: "a",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionAddTag,
		ActionConfig:      ActionConfig{"tag": "a"},
		Active:            true, Priority: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := env.engine.Process(ctx, urgentEvent())
	if err == nil {
		t.Fatal("Process() should surface the cancellation")
	}
	if len(outcomes) != 0 {
		t.Errorf("no rule should start on a cancelled context, got %d outcomes", len(outcomes))
	}
}

func TestProcessWithNoRules(t *testing.T) {
	env := newTestEnv(t)

	outcomes, err := env.engine.Process(context.Background(), urgentEvent())
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("got %d outcomes, want 0", len(outcomes))
	}
}

func TestProcessRequiresAccountAndThread(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Process(context.Background(), nil); err == nil {
		t.Error("Process() should reject a nil context")
	}
	if _, err := env.engine.Process(context.Background(), &EventContext{ThreadID: "t1"}); err == nil {
		t.Error("Process() should reject a missing account id")
	}
}

func TestRuleCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.addRule(t, &Rule{
		ID: "rule-a", Name: "a",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionAddTag,
		ActionConfig:      ActionConfig{"tag": "a"},
		Active:            true, Priority: 10,
	})

	if outcomes, _ := env.engine.Process(context.Background(), urgentEvent()); len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}

	// Bypass the cache invalidation the management surface would do.
	err := env.rules.Add(context.Background(), &Rule{
		ID: "rule-b", AccountID: "acct1", Name: "b",
		TriggerType:       TriggerMessageKeywords,
		TriggerConditions: ConditionMap{"any_keywords": []string{"urgent"}},
		ActionType:        ActionAddTag,
		ActionConfig:      ActionConfig{"tag": "b"},
		Active:            true, Priority: 20,
	})
	if err != nil {
		t.Fatalf("failed to add rule: %v", err)
	}

	if outcomes, _ := env.engine.Process(context.Background(), urgentEvent()); len(outcomes) != 1 {
		t.Fatal("cached rule list should still be served before invalidation")
	}

	env.engine.InvalidateRules("acct1")
	if outcomes, _ := env.engine.Process(context.Background(), urgentEvent()); len(outcomes) != 2 {
		t.Fatal("invalidation should surface the new rule")
	}
}
