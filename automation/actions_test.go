package automation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// countingRenderer wraps a TemplateRenderer and counts Render calls.
type countingRenderer struct {
	inner       TemplateRenderer
	renderCalls int
	usageCalls  int
	failWith    error
}

func (c *countingRenderer) Render(ctx context.Context, templateID, accountID string, vars map[string]string) (string, error) {
	c.renderCalls++
	if c.failWith != nil {
		return "", c.failWith
	}
	return c.inner.Render(ctx, templateID, accountID, vars)
}

func (c *countingRenderer) IncrementUsage(ctx context.Context, templateID string) error {
	c.usageCalls++
	return c.inner.IncrementUsage(ctx, templateID)
}

func templateFixture() *InMemoryTemplateStore {
	store := NewInMemoryTemplateStore()
	store.Put(&Template{
		ID:        "tpl-5",
		AccountID: "acct1",
		Name:      "shipping update",
		Content:   "Hi {{customer_name}}, your order {{order_id}} shipped. - {{seller_name}}",
	})
	return store
}

func TestSendTemplateResponse(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	renderer := &countingRenderer{inner: templateFixture()}
	ex := &sendTemplateResponseExecutor{renderer: renderer, threads: threads, now: fixedClock}

	ec := EventContext{
		AccountID:    "acct1",
		ThreadID:     "t1",
		CustomerName: "Pat",
		OrderID:      "ORD-77",
	}
	result := ex.Execute(context.Background(), ActionConfig{"template_id": "tpl-5"}, &ec)

	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}
	rendered, _ := result.Details["rendered_text"].(string)
	if rendered != "Hi Pat, your order ORD-77 shipped. - [Seller Name]" {
		t.Errorf("unexpected rendered text: %q", rendered)
	}
	if renderer.usageCalls != 1 {
		t.Errorf("usage counter should be bumped once, got %d", renderer.usageCalls)
	}

	// Rendering must not touch the thread unless mark_as_responded is set.
	thread, _ := threads.GetThread(context.Background(), "t1")
	if !thread.RequiresResponse {
		t.Error("thread must be untouched without mark_as_responded")
	}
}

func TestSendTemplateResponseMissingTemplateID(t *testing.T) {
	renderer := &countingRenderer{inner: templateFixture()}
	ex := &sendTemplateResponseExecutor{renderer: renderer, threads: NewInMemoryThreadStore(), now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{}, &EventContext{AccountID: "acct1", ThreadID: "t1"})

	if result.Success {
		t.Fatal("Execute() must fail without template_id")
	}
	if renderer.renderCalls != 0 {
		t.Errorf("renderer must not be called, got %d calls", renderer.renderCalls)
	}
}

func TestSendTemplateResponseMarkAsResponded(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	ex := &sendTemplateResponseExecutor{renderer: &countingRenderer{inner: templateFixture()}, threads: threads, now: fixedClock}

	config := ActionConfig{"template_id": "tpl-5", "mark_as_responded": true}
	result := ex.Execute(context.Background(), config, &EventContext{AccountID: "acct1", ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if thread.RequiresResponse {
		t.Error("requires_response should be cleared")
	}
	if thread.LastResponseDate == nil || !thread.LastResponseDate.Equal(testNow) {
		t.Errorf("last_response_date should be now, got %v", thread.LastResponseDate)
	}
}

func TestSendTemplateResponseRendererFailure(t *testing.T) {
	renderer := &countingRenderer{inner: templateFixture(), failWith: errors.New("renderer down")}
	ex := &sendTemplateResponseExecutor{renderer: renderer, threads: NewInMemoryThreadStore(), now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{"template_id": "tpl-5"}, &EventContext{AccountID: "acct1", ThreadID: "t1"})
	if result.Success {
		t.Fatal("Execute() must fail when the renderer fails")
	}
	if !strings.Contains(result.Error.Error(), "renderer down") {
		t.Errorf("error should carry the renderer failure, got: %v", result.Error)
	}
}

func TestSendTemplateResponseAdditionalContext(t *testing.T) {
	store := NewInMemoryTemplateStore()
	store.Put(&Template{ID: "tpl-9", AccountID: "acct1", Content: "Use code {{promo_code}}, {{customer_name}}"})
	ex := &sendTemplateResponseExecutor{renderer: &countingRenderer{inner: store}, threads: NewInMemoryThreadStore(), now: fixedClock}

	config := ActionConfig{
		"template_id":        "tpl-9",
		"additional_context": map[string]any{"promo_code": "SAVE10"},
	}
	result := ex.Execute(context.Background(), config, &EventContext{AccountID: "acct1", ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}
	rendered, _ := result.Details["rendered_text"].(string)
	if rendered != "Use code SAVE10, [Customer Name]" {
		t.Errorf("unexpected rendered text: %q", rendered)
	}
}

func TestSetPriority(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	ex := &setPriorityExecutor{threads: threads, now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{"priority": "high"}, &EventContext{ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if thread.Priority != "high" {
		t.Errorf("priority = %q, want high", thread.Priority)
	}
	if thread.LastActivityDate == nil || !thread.LastActivityDate.Equal(testNow) {
		t.Errorf("last_activity_date should be now, got %v", thread.LastActivityDate)
	}
}

func TestSetPriorityMissingConfig(t *testing.T) {
	ex := &setPriorityExecutor{threads: NewInMemoryThreadStore(), now: fixedClock}
	result := ex.Execute(context.Background(), ActionConfig{}, &EventContext{ThreadID: "t1"})
	if result.Success {
		t.Fatal("Execute() must fail without priority")
	}
}

func TestSetStatus(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	ex := &setStatusExecutor{threads: threads, now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{"status": "pending"}, &EventContext{ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if thread.Status != "pending" {
		t.Errorf("status = %q, want pending", thread.Status)
	}
	if !thread.RequiresResponse {
		t.Error("non-resolved status must not clear requires_response")
	}
}

func TestSetStatusResolvedClearsRequiresResponse(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	ex := &setStatusExecutor{threads: threads, now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{"status": "resolved"}, &EventContext{ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if thread.Status != "resolved" {
		t.Errorf("status = %q, want resolved", thread.Status)
	}
	if thread.RequiresResponse {
		t.Error("resolved status must clear requires_response")
	}
}

func TestAddTag(t *testing.T) {
	threads := overdueFixture(true, hoursAgo(2), nil, nil)
	ex := &addTagExecutor{threads: threads}

	for i := 0; i < 2; i++ {
		result := ex.Execute(context.Background(), ActionConfig{"tag": "vip"}, &EventContext{ThreadID: "t1"})
		if !result.Success {
			t.Fatalf("Execute() failed: %v", result.Error)
		}
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if len(thread.Tags) != 1 || thread.Tags[0] != "vip" {
		t.Errorf("tags = %v, want exactly one vip", thread.Tags)
	}
}

func TestScheduleFollowup(t *testing.T) {
	threads := overdueFixture(false, hoursAgo(2), hoursAgo(1), nil)
	ex := &scheduleFollowupExecutor{threads: threads, now: fixedClock}

	result := ex.Execute(context.Background(), ActionConfig{"followup_hours": float64(48)}, &EventContext{ThreadID: "t1"})
	if !result.Success {
		t.Fatalf("Execute() failed: %v", result.Error)
	}

	thread, _ := threads.GetThread(context.Background(), "t1")
	if !thread.RequiresResponse {
		t.Error("scheduling a follow-up must set requires_response")
	}
	want := testNow.Add(48 * time.Hour)
	if thread.ResponseDueDate == nil || !thread.ResponseDueDate.Equal(want) {
		t.Errorf("response_due_date = %v, want %v", thread.ResponseDueDate, want)
	}
}

func TestScheduleFollowupRejectsNonPositiveHours(t *testing.T) {
	ex := &scheduleFollowupExecutor{threads: NewInMemoryThreadStore(), now: fixedClock}
	result := ex.Execute(context.Background(), ActionConfig{"followup_hours": float64(-1)}, &EventContext{ThreadID: "t1"})
	if result.Success {
		t.Fatal("Execute() must reject non-positive followup_hours")
	}
}
