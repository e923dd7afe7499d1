package automation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ThreadSnapshot is the engine's read view of a customer-service thread.
type ThreadSnapshot struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Subject          string     `json:"subject,omitempty"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	RequiresResponse bool       `json:"requires_response"`
	LastMessageDate  *time.Time `json:"last_message_date,omitempty"`
	LastResponseDate *time.Time `json:"last_response_date,omitempty"`
	ResponseDueDate  *time.Time `json:"response_due_date,omitempty"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
}

// Thread field names recognized by UpdateThread implementations.
const (
	FieldStatus           = "status"
	FieldPriority         = "priority"
	FieldRequiresResponse = "requires_response"
	FieldLastResponseDate = "last_response_date"
	FieldLastActivityDate = "last_activity_date"
	FieldResponseDueDate  = "response_due_date"
	// FieldAddTag appends one tag rather than replacing the tag list.
	FieldAddTag = "add_tag"
)

// ThreadStore is the engine's window onto thread state. Implementations
// must be safe for concurrent use; UpdateThread applies only the fields
// present in the map and must leave the rest untouched.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID string) (*ThreadSnapshot, error)
	UpdateThread(ctx context.Context, threadID string, fields map[string]any) error
}

// InMemoryThreadStore implements ThreadStore with a mutex-guarded map.
type InMemoryThreadStore struct {
	threads map[string]*ThreadSnapshot
	mu      sync.RWMutex
}

// NewInMemoryThreadStore creates an empty in-memory thread store.
func NewInMemoryThreadStore() *InMemoryThreadStore {
	return &InMemoryThreadStore{threads: make(map[string]*ThreadSnapshot)}
}

// Put inserts or replaces a thread snapshot.
func (s *InMemoryThreadStore) Put(thread *ThreadSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = thread
}

// GetThread returns a copy of the stored snapshot.
func (s *InMemoryThreadStore) GetThread(_ context.Context, threadID string) (*ThreadSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	snapshot := *t
	snapshot.Tags = append([]string(nil), t.Tags...)
	return &snapshot, nil
}

// UpdateThread applies the recognized fields in the map to the thread.
// Unknown field names are an error so that misconfigured actions surface
// instead of silently writing nothing.
func (s *InMemoryThreadStore) UpdateThread(_ context.Context, threadID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}

	for name, value := range fields {
		switch name {
		case FieldStatus:
			t.Status, _ = value.(string)
		case FieldPriority:
			t.Priority, _ = value.(string)
		case FieldRequiresResponse:
			t.RequiresResponse, _ = value.(bool)
		case FieldLastResponseDate:
			t.LastResponseDate = timeField(value)
		case FieldLastActivityDate:
			t.LastActivityDate = timeField(value)
		case FieldResponseDueDate:
			t.ResponseDueDate = timeField(value)
		case FieldAddTag:
			if tag, ok := value.(string); ok && tag != "" && !containsString(t.Tags, tag) {
				t.Tags = append(t.Tags, tag)
			}
		default:
			return fmt.Errorf("unknown thread field %q", name)
		}
	}
	return nil
}

func timeField(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
