package automation

import (
	"context"
	"sync"
)

// ExecutionRecorder is the append-only audit log of rule firings.
// Records are immutable once appended. Implementations must be safe for
// concurrent writers.
type ExecutionRecorder interface {
	Append(ctx context.Context, record *ExecutionRecord) error
	// Recent returns up to n records for a rule, newest first.
	Recent(ctx context.Context, ruleID string, n int) ([]*ExecutionRecord, error)
	// Stats aggregates success/failure counts over the log for a rule.
	// The denormalized counters on the Rule entity are the O(1) read
	// path; this is the reconciliation path when they drift.
	Stats(ctx context.Context, ruleID string) (*ExecutionStats, error)
}

// InMemoryRecorder implements ExecutionRecorder with per-rule slices.
type InMemoryRecorder struct {
	byRule map[string][]*ExecutionRecord
	mu     sync.RWMutex
}

// NewInMemoryRecorder creates an empty recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{byRule: make(map[string][]*ExecutionRecord)}
}

// Append stores a copy of the record.
func (r *InMemoryRecorder) Append(_ context.Context, record *ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	r.byRule[record.RuleID] = append(r.byRule[record.RuleID], &stored)
	return nil
}

// Recent returns up to n records for the rule, newest first.
func (r *InMemoryRecorder) Recent(_ context.Context, ruleID string, n int) ([]*ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byRule[ruleID]
	if n <= 0 || n > len(records) {
		n = len(records)
	}
	out := make([]*ExecutionRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		rec := *records[i]
		out = append(out, &rec)
	}
	return out, nil
}

// Stats aggregates counts over the stored records for the rule.
func (r *InMemoryRecorder) Stats(_ context.Context, ruleID string) (*ExecutionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &ExecutionStats{}
	for _, rec := range r.byRule[ruleID] {
		stats.Total++
		if rec.Status == ExecutionSuccess {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		if stats.LastExecutedAt == nil || rec.CompletedAt.After(*stats.LastExecutedAt) {
			completed := rec.CompletedAt
			stats.LastExecutedAt = &completed
		}
	}
	return stats, nil
}
