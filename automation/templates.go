package automation

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// TemplateRenderer renders a named message template against a variable
// map. Rendering is the full extent of the collaboration: the engine
// never sends the rendered text anywhere.
type TemplateRenderer interface {
	Render(ctx context.Context, templateID, accountID string, vars map[string]string) (string, error)
	// IncrementUsage bumps the template's usage counter. Callers treat
	// failures as best-effort.
	IncrementUsage(ctx context.Context, templateID string) error
}

// placeholderRe matches the {{placeholder}} syntax used in stored
// templates.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// renderTemplateContent substitutes {{name}} placeholders from vars.
// Placeholders with no binding are left intact so a reviewing seller can
// spot them.
func renderTemplateContent(content string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Template is a stored reply template owned by one account.
type Template struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	UsageCount int64  `json:"usage_count"`
}

// InMemoryTemplateStore implements TemplateRenderer over a map of stored
// templates.
type InMemoryTemplateStore struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// NewInMemoryTemplateStore creates an empty template store.
func NewInMemoryTemplateStore() *InMemoryTemplateStore {
	return &InMemoryTemplateStore{templates: make(map[string]*Template)}
}

// Put inserts or replaces a template.
func (s *InMemoryTemplateStore) Put(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// Render loads the template and substitutes placeholders. Templates are
// account-owned; asking for another account's template is an error.
func (s *InMemoryTemplateStore) Render(_ context.Context, templateID, accountID string, vars map[string]string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[templateID]
	if !ok {
		return "", fmt.Errorf("template %s not found", templateID)
	}
	if t.AccountID != "" && accountID != "" && t.AccountID != accountID {
		return "", fmt.Errorf("template %s does not belong to account %s", templateID, accountID)
	}
	return renderTemplateContent(t.Content, vars), nil
}

// IncrementUsage bumps the stored usage counter.
func (s *InMemoryTemplateStore) IncrementUsage(_ context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.templates[templateID]
	if !ok {
		return fmt.Errorf("template %s not found", templateID)
	}
	t.UsageCount++
	return nil
}
