package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// defaultCallTimeout bounds every collaborator call (thread store,
// template renderer, recorder) made from inside a pass. A timed-out call
// is a per-rule failure, never a fatal error for the pass.
const defaultCallTimeout = 10 * time.Second

// Engine is the automation orchestrator. Given one event context it
// evaluates the owning account's active rules in priority order and
// executes the configured action of every rule that matches, recording
// an execution record per firing. One rule's failure never affects the
// processing of the remaining rules; that isolation is the engine's core
// correctness property.
//
// An Engine is safe for concurrent use: passes for different accounts,
// or different events of the same account, may run in parallel as long
// as the underlying stores tolerate concurrent writes.
type Engine struct {
	rules    RuleStore
	threads  ThreadStore
	renderer TemplateRenderer
	recorder ExecutionRecorder
	cache    RulesCache

	evaluators map[TriggerType]ConditionEvaluator
	executors  map[ActionType]ActionExecutor
	filters    *filterSet

	log         *slog.Logger
	now         func() time.Time
	callTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(en *Engine) { en.log = log }
}

// WithCache replaces the default in-memory active-rules cache.
func WithCache(cache RulesCache) Option {
	return func(en *Engine) { en.cache = cache }
}

// WithCallTimeout bounds individual collaborator calls.
func WithCallTimeout(d time.Duration) Option {
	return func(en *Engine) {
		if d > 0 {
			en.callTimeout = d
		}
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(en *Engine) { en.now = now }
}

// NewEngine wires the orchestrator to its collaborators and builds the
// evaluator and executor registries for the closed trigger/action sets.
func NewEngine(rules RuleStore, threads ThreadStore, renderer TemplateRenderer, recorder ExecutionRecorder, opts ...Option) (*Engine, error) {
	if rules == nil || threads == nil || renderer == nil || recorder == nil {
		return nil, fmt.Errorf("all collaborators are required")
	}

	filters, err := newFilterSet()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		rules:       rules,
		threads:     threads,
		renderer:    renderer,
		recorder:    recorder,
		cache:       NewInMemoryRulesCache(DefaultCacheConfig()),
		filters:     filters,
		log:         slog.Default(),
		now:         time.Now,
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(en)
	}

	en.evaluators = map[TriggerType]ConditionEvaluator{
		TriggerNewMessage:       newMessageEvaluator{},
		TriggerMessageKeywords:  keywordEvaluator{},
		TriggerMessageType:      messageTypeEvaluator{},
		TriggerResponseOverdue:  &responseOverdueEvaluator{threads: threads, now: en.now},
		TriggerCustomerFollowup: &customerFollowupEvaluator{threads: threads, now: en.now},
	}
	en.executors = map[ActionType]ActionExecutor{
		ActionSendTemplateResponse: &sendTemplateResponseExecutor{renderer: renderer, threads: threads, now: en.now},
		ActionSetPriority:          &setPriorityExecutor{threads: threads, now: en.now},
		ActionSetStatus:            &setStatusExecutor{threads: threads, now: en.now},
		ActionAddTag:               &addTagExecutor{threads: threads},
		ActionScheduleFollowup:     &scheduleFollowupExecutor{threads: threads, now: en.now},
	}

	return en, nil
}

// Process runs one full pass for the event: evaluate every active rule
// of the event's account in priority order, execute matching actions,
// bump counters, and append execution records. The returned outcomes are
// in evaluation order, one per rule considered.
//
// Cancellation is honored between rules only: the rule in flight when
// the context is cancelled always completes, so no action is left half
// applied. The error return is non-nil only when the pass could not
// start or was cut short; per-rule failures live on the outcomes.
func (en *Engine) Process(ctx context.Context, ec *EventContext) ([]*RuleOutcome, error) {
	return en.run(ctx, ec, false)
}

// DryRun evaluates the account's active rules against the event without
// executing any action, bumping any counter, or writing any record.
// Used to preview which rules would fire.
func (en *Engine) DryRun(ctx context.Context, ec *EventContext) ([]*RuleOutcome, error) {
	return en.run(ctx, ec, true)
}

// TestRule previews a single candidate rule, saved or not, against a
// sample context. Evaluation only; nothing is executed or recorded.
func (en *Engine) TestRule(ctx context.Context, rule *Rule, ec *EventContext) (*RuleOutcome, error) {
	if rule == nil || ec == nil {
		return nil, fmt.Errorf("rule and event context are required")
	}
	if err := ValidateTriggerConditions(rule.TriggerType, rule.TriggerConditions); err != nil {
		return nil, err
	}
	return en.processRule(ctx, rule, ec, true), nil
}

// InvalidateRules drops the cached active-rules list for an account.
// The management surface calls this after every rule mutation.
func (en *Engine) InvalidateRules(accountID string) {
	en.cache.Invalidate(accountID)
}

func (en *Engine) run(ctx context.Context, ec *EventContext, dryRun bool) ([]*RuleOutcome, error) {
	if ec == nil {
		return nil, fmt.Errorf("event context is required")
	}
	if ec.AccountID == "" || ec.ThreadID == "" {
		return nil, fmt.Errorf("event context needs account_id and thread_id")
	}

	rules, err := en.activeRules(ctx, ec.AccountID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	sortRules(rules)

	outcomes := make([]*RuleOutcome, 0, len(rules))
	for _, rule := range rules {
		// Honor cancellation between rules; the in-flight rule always
		// finishes before this check is reached again.
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, en.processRule(ctx, rule, ec, dryRun))
	}

	en.log.Debug("automation pass complete",
		"account_id", ec.AccountID,
		"thread_id", ec.ThreadID,
		"rules", len(outcomes),
		"dry_run", dryRun,
	)
	return outcomes, nil
}

func (en *Engine) activeRules(ctx context.Context, accountID string) ([]*Rule, error) {
	if rules := en.cache.Get(accountID); rules != nil {
		return rules, nil
	}

	cctx, cancel := context.WithTimeout(ctx, en.callTimeout)
	defer cancel()

	rules, err := en.rules.ListActive(cctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules for account %s: %w", accountID, err)
	}
	en.cache.Set(accountID, rules)
	return rules, nil
}

// sortRules orders rules by ascending priority; equal priorities fall
// back to ascending rule ID so repeated passes see the same order.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func (en *Engine) processRule(ctx context.Context, rule *Rule, ec *EventContext, dryRun bool) *RuleOutcome {
	outcome := &RuleOutcome{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Priority: rule.Priority,
	}

	matched, err := en.evaluateRule(ctx, rule, ec)
	if err != nil {
		// An evaluator error is a no-match, isolated to this rule, but
		// the failure is still captured in the audit log.
		outcome.Err = err
		en.log.Warn("rule evaluation failed",
			"rule_id", rule.ID, "rule_name", rule.Name, "error", err)
		if !dryRun {
			en.appendRecord(ctx, rule, ec, nil, err, en.now())
		}
		return outcome
	}
	if !matched {
		return outcome
	}

	outcome.Matched = true
	if dryRun {
		return outcome
	}

	started := en.now()
	result := en.executeRule(ctx, rule, ec)
	outcome.Executed = true
	outcome.Result = result
	if result.Error != nil {
		outcome.Err = result.Error
		en.log.Warn("rule action failed",
			"rule_id", rule.ID, "rule_name", rule.Name,
			"action", rule.ActionType, "error", result.Error)
	}

	en.bumpCounters(ctx, rule, result.Success)
	en.appendRecord(ctx, rule, ec, result, result.Error, started)
	return outcome
}

func (en *Engine) evaluateRule(ctx context.Context, rule *Rule, ec *EventContext) (bool, error) {
	evaluator, ok := en.evaluators[rule.TriggerType]
	if !ok {
		return false, fmt.Errorf("unsupported trigger type %q", rule.TriggerType)
	}

	cctx, cancel := context.WithTimeout(ctx, en.callTimeout)
	defer cancel()

	matched, err := evaluator.Evaluate(cctx, rule.TriggerConditions, ec)
	if err != nil || !matched {
		return false, err
	}
	return en.filters.matches(rule.TriggerConditions, ec)
}

func (en *Engine) executeRule(ctx context.Context, rule *Rule, ec *EventContext) *ExecutionResult {
	// Defensive re-check: the management surface validates at save time,
	// but a drifted or hand-edited rule must fail cleanly here instead
	// of reaching a collaborator.
	if err := ValidateActionConfig(rule.ActionType, rule.ActionConfig); err != nil {
		return failedResult(rule.ActionType, err)
	}

	executor, ok := en.executors[rule.ActionType]
	if !ok {
		return failedResult(rule.ActionType, fmt.Errorf("unsupported action type %q", rule.ActionType))
	}

	// The action runs detached from caller cancellation so a cancel
	// mid-pass cannot leave a half-applied write; the call timeout still
	// bounds it.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), en.callTimeout)
	defer cancel()

	return executor.Execute(cctx, rule.ActionConfig, ec)
}

func (en *Engine) bumpCounters(ctx context.Context, rule *Rule, success bool) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), en.callTimeout)
	defer cancel()

	if err := en.rules.RecordExecution(cctx, rule.ID, success, en.now()); err != nil {
		en.log.Warn("failed to update rule counters", "rule_id", rule.ID, "error", err)
	}
}

// appendRecord writes one execution record: a full record for a fired
// rule, or a failure record (no action result) for a failed evaluation.
// Clean non-matches are not persisted.
func (en *Engine) appendRecord(ctx context.Context, rule *Rule, ec *EventContext, result *ExecutionResult, execErr error, started time.Time) {
	record := &ExecutionRecord{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		ThreadID:    ec.ThreadID,
		Context:     *ec,
		Result:      result,
		Status:      ExecutionSuccess,
		StartedAt:   started,
		CompletedAt: en.now(),
	}
	if execErr != nil || (result != nil && !result.Success) {
		record.Status = ExecutionFailed
	}
	if execErr != nil {
		record.ErrorMessage = execErr.Error()
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), en.callTimeout)
	defer cancel()

	if err := en.recorder.Append(cctx, record); err != nil {
		en.log.Warn("failed to append execution record", "rule_id", rule.ID, "error", err)
	}
}
