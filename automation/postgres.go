package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed RuleStore.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, account_id, name, trigger_type, trigger_conditions, action_type, action_config,
	is_active, priority, execution_count, success_count, failure_count, last_executed_at, created_at, updated_at`

// Add inserts a new rule.
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	conditions, config, err := marshalRuleMaps(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules
			(id, account_id, name, trigger_type, trigger_conditions, action_type, action_config,
			 is_active, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rule.ID, rule.AccountID, rule.Name, rule.TriggerType, conditions, rule.ActionType, config,
		rule.Active, rule.Priority, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// Get retrieves one rule within an account.
func (s *PostgresRuleStore) Get(ctx context.Context, accountID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = $1 AND account_id = $2
	`, id, accountID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules for an account, newest first.
func (s *PostgresRuleStore) List(ctx context.Context, accountID string) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE account_id = $1
		ORDER BY created_at DESC
	`, accountID)
}

// ListActive returns the account's active rules.
func (s *PostgresRuleStore) ListActive(ctx context.Context, accountID string) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE account_id = $1 AND is_active = true
	`, accountID)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

// Update modifies an existing rule; counters are untouched.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	conditions, config, err := marshalRuleMaps(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET name = $1, trigger_type = $2, trigger_conditions = $3,
		    action_type = $4, action_config = $5, is_active = $6,
		    priority = $7, updated_at = $8
		WHERE id = $9 AND account_id = $10
	`, rule.Name, rule.TriggerType, conditions, rule.ActionType, config,
		rule.Active, rule.Priority, rule.UpdatedAt, rule.ID, rule.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(result, rule.ID)
}

// Delete removes a rule.
func (s *PostgresRuleStore) Delete(ctx context.Context, accountID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM automation_rules
		WHERE id = $1 AND account_id = $2
	`, id, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(result, id)
}

// RecordExecution bumps the denormalized counters in one statement.
func (s *PostgresRuleStore) RecordExecution(ctx context.Context, ruleID string, success bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET execution_count = execution_count + 1,
		    success_count = success_count + CASE WHEN $1 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $1 THEN 0 ELSE 1 END,
		    last_executed_at = $2
		WHERE id = $3
	`, success, at, ruleID)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return requireRow(result, ruleID)
}

func requireRow(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}
	return nil
}

func marshalRuleMaps(rule *Rule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(rule.TriggerConditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}
	config, err := json.Marshal(rule.ActionConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal action config: %w", err)
	}
	return conditions, config, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var conditions, config []byte
	var lastExecuted sql.NullTime

	err := row.Scan(
		&rule.ID, &rule.AccountID, &rule.Name,
		&rule.TriggerType, &conditions, &rule.ActionType, &config,
		&rule.Active, &rule.Priority,
		&rule.ExecutionCount, &rule.SuccessCount, &rule.FailureCount,
		&lastExecuted, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditions, &rule.TriggerConditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}
	if err := json.Unmarshal(config, &rule.ActionConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
	}
	if lastExecuted.Valid {
		rule.LastExecutedAt = &lastExecuted.Time
	}
	return &rule, nil
}

// PostgresThreadStore implements ThreadStore backed by PostgreSQL.
type PostgresThreadStore struct {
	db *sql.DB
}

// NewPostgresThreadStore creates a PostgreSQL-backed ThreadStore.
func NewPostgresThreadStore(db *sql.DB) *PostgresThreadStore {
	return &PostgresThreadStore{db: db}
}

// GetThread loads one thread snapshot.
func (s *PostgresThreadStore) GetThread(ctx context.Context, threadID string) (*ThreadSnapshot, error) {
	var t ThreadSnapshot
	var lastMessage, lastResponse, responseDue, lastActivity sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, subject, status, priority, requires_response,
		       last_message_date, last_response_date, response_due_date, last_activity_date, tags
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&t.ID, &t.AccountID, &t.Subject, &t.Status, &t.Priority, &t.RequiresResponse,
		&lastMessage, &lastResponse, &responseDue, &lastActivity, pq.Array(&t.Tags),
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if lastMessage.Valid {
		t.LastMessageDate = &lastMessage.Time
	}
	if lastResponse.Valid {
		t.LastResponseDate = &lastResponse.Time
	}
	if responseDue.Valid {
		t.ResponseDueDate = &responseDue.Time
	}
	if lastActivity.Valid {
		t.LastActivityDate = &lastActivity.Time
	}
	return &t, nil
}

// UpdateThread applies the recognized fields to the thread row in one
// statement. Unknown field names are rejected.
func (s *PostgresThreadStore) UpdateThread(ctx context.Context, threadID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	set := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for name, value := range fields {
		switch name {
		case FieldStatus, FieldPriority, FieldRequiresResponse,
			FieldLastResponseDate, FieldLastActivityDate, FieldResponseDueDate:
			args = append(args, value)
			set = append(set, fmt.Sprintf("%s = $%d", name, len(args)))
		case FieldAddTag:
			args = append(args, value)
			n := len(args)
			set = append(set, fmt.Sprintf(
				"tags = CASE WHEN $%d = ANY(tags) THEN tags ELSE array_append(tags, $%d) END", n, n))
		default:
			return fmt.Errorf("unknown thread field %q", name)
		}
	}

	args = append(args, threadID)
	query := fmt.Sprintf("UPDATE threads SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("thread %s not found", threadID)
	}
	return nil
}

// PostgresRecorder implements ExecutionRecorder backed by PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder creates a PostgreSQL-backed ExecutionRecorder.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Append inserts one immutable execution record.
func (r *PostgresRecorder) Append(ctx context.Context, record *ExecutionRecord) error {
	contextJSON, err := json.Marshal(record.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal event context: %w", err)
	}

	var resultJSON []byte
	if record.Result != nil {
		resultJSON, err = json.Marshal(record.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal execution result: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rule_executions
			(id, rule_id, thread_id, context, result, status, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.RuleID, record.ThreadID, contextJSON, resultJSON,
		record.Status, record.ErrorMessage, record.StartedAt, record.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// Recent returns up to n records for a rule, newest first.
func (r *PostgresRecorder) Recent(ctx context.Context, ruleID string, n int) ([]*ExecutionRecord, error) {
	if n <= 0 {
		n = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, thread_id, context, result, status, error_message, started_at, completed_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY completed_at DESC, id DESC
		LIMIT $2
	`, ruleID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var contextJSON, resultJSON []byte

		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.ThreadID, &contextJSON, &resultJSON,
			&rec.Status, &rec.ErrorMessage, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event context: %w", err)
		}
		if len(resultJSON) > 0 {
			rec.Result = &ExecutionResult{}
			if err := json.Unmarshal(resultJSON, rec.Result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution result: %w", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return records, nil
}

// Stats aggregates counts over the log for one rule.
func (r *PostgresRecorder) Stats(ctx context.Context, ruleID string) (*ExecutionStats, error) {
	var stats ExecutionStats
	var last sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       MAX(completed_at)
		FROM rule_executions
		WHERE rule_id = $1
	`, ruleID).Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}
	if last.Valid {
		stats.LastExecutedAt = &last.Time
	}
	return &stats, nil
}

// PostgresTemplateStore implements TemplateRenderer over a table of
// stored templates.
type PostgresTemplateStore struct {
	db *sql.DB
}

// NewPostgresTemplateStore creates a PostgreSQL-backed TemplateRenderer.
func NewPostgresTemplateStore(db *sql.DB) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

// Render loads the template content and substitutes placeholders.
func (s *PostgresTemplateStore) Render(ctx context.Context, templateID, accountID string, vars map[string]string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM message_templates
		WHERE id = $1 AND account_id = $2
	`, templateID, accountID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("template %s not found", templateID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load template: %w", err)
	}
	return renderTemplateContent(content, vars), nil
}

// IncrementUsage bumps the template's usage counter.
func (s *PostgresTemplateStore) IncrementUsage(ctx context.Context, templateID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_templates
		SET usage_count = usage_count + 1
		WHERE id = $1
	`, templateID)
	if err != nil {
		return fmt.Errorf("failed to increment template usage: %w", err)
	}
	return nil
}
