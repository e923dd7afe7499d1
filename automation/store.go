package automation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RuleStore manages rule persistence and retrieval. The engine itself
// only calls ListActive and RecordExecution; the remaining methods serve
// the rule-management surface.
type RuleStore interface {
	// Add a new rule.
	Add(ctx context.Context, rule *Rule) error

	// Get a rule by ID within an account.
	Get(ctx context.Context, accountID, id string) (*Rule, error)

	// List all rules for an account, active or not.
	List(ctx context.Context, accountID string) ([]*Rule, error)

	// ListActive returns the active rules for an account, in no
	// particular order; the orchestrator does the priority sort.
	ListActive(ctx context.Context, accountID string) ([]*Rule, error)

	// Update an existing rule.
	Update(ctx context.Context, rule *Rule) error

	// Delete a rule.
	Delete(ctx context.Context, accountID, id string) error

	// RecordExecution bumps the rule's denormalized counters after one
	// attempted execution: execution_count always, success_count or
	// failure_count by outcome, last_executed_at to at.
	RecordExecution(ctx context.Context, ruleID string, success bool, at time.Time) error
}

// InMemoryRuleStore implements RuleStore using a mutex-guarded map.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*Rule)}
}

// Add adds a new rule, enforcing unique IDs and setting timestamps.
func (s *InMemoryRuleStore) Add(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID, scoped to the owning account.
func (s *InMemoryRuleStore) Get(_ context.Context, accountID, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists || rule.AccountID != accountID {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	return rule, nil
}

// List returns all rules for an account.
func (s *InMemoryRuleStore) List(_ context.Context, accountID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if rule.AccountID == accountID {
			out = append(out, rule)
		}
	}
	return out, nil
}

// ListActive returns the account's active rules.
func (s *InMemoryRuleStore) ListActive(_ context.Context, accountID string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*Rule
	for _, rule := range s.rules {
		if rule.AccountID == accountID && rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

// Update updates an existing rule, preserving CreatedAt and counters.
func (s *InMemoryRuleStore) Update(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.AccountID != rule.AccountID {
		return fmt.Errorf("rule with ID %s not found", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.ExecutionCount = existing.ExecutionCount
	rule.SuccessCount = existing.SuccessCount
	rule.FailureCount = existing.FailureCount
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule.
func (s *InMemoryRuleStore) Delete(_ context.Context, accountID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists || rule.AccountID != accountID {
		return fmt.Errorf("rule with ID %s not found", id)
	}

	delete(s.rules, id)
	return nil
}

// RecordExecution bumps the rule's execution counters.
func (s *InMemoryRuleStore) RecordExecution(_ context.Context, ruleID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return fmt.Errorf("rule with ID %s not found", ruleID)
	}

	rule.ExecutionCount++
	if success {
		rule.SuccessCount++
	} else {
		rule.FailureCount++
	}
	rule.LastExecutedAt = &at
	return nil
}
