package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const interactionColumns = `id, created_at, conversation_id, user_message, response, model, mocked, status, error,
	input_tokens, output_tokens, document_count, latency_ms`

// SaveInteraction stores an interaction and its tool executions in one
// transaction. Missing tool execution IDs are generated.
func (s *Store) SaveInteraction(ctx context.Context, i Interaction, calls []ToolExecution) error {
	status := i.Status
	if status == "" {
		status = "completed"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning interaction transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, formatTime(i.CreatedAt), i.ConversationID, i.UserMessage, i.Response, i.Model,
		boolInt(i.Mocked), status, i.Error, i.InputTokens, i.OutputTokens, i.DocumentCount, i.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}

	for seq, c := range calls {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		input := c.InputJSON
		if input == "" {
			input = "{}"
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tool_executions
			(id, interaction_id, seq, name, input_json, output, is_error, duration_ms, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i.ID, seq, c.Name, input, c.Output, boolInt(c.IsError), c.DurationMs, formatTime(c.ExecutedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting tool execution %s: %w", c.Name, err)
		}
	}

	return tx.Commit()
}

// GetInteraction returns the interaction with its tool executions in call
// order.
func (s *Store) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	i, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, err
	}

	calls, err := s.ListToolExecutions(ctx, id)
	if err != nil {
		return Interaction{}, err
	}
	i.ToolExecutions = calls
	return i, nil
}

// GetRecentInteractions returns up to limit interactions, newest first.
// When conversationID is non-empty only that conversation is listed.
func (s *Store) GetRecentInteractions(ctx context.Context, conversationID string, limit int) ([]Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

// DeleteInteraction removes an interaction; its tool executions cascade.
func (s *Store) DeleteInteraction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM interactions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) ListToolExecutions(ctx context.Context, interactionID string) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, interaction_id, name, input_json, output, is_error, duration_ms, executed_at
		FROM tool_executions WHERE interaction_id = ? ORDER BY seq ASC`, interactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolExecution
	for rows.Next() {
		var c ToolExecution
		var isError int
		var executedAt string
		if err := rows.Scan(&c.ID, &c.InteractionID, &c.Name, &c.InputJSON, &c.Output, &isError, &c.DurationMs, &executedAt); err != nil {
			return nil, err
		}
		c.IsError = isError != 0
		if c.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, fmt.Errorf("parsing executed_at: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(r rowScanner) (Interaction, error) {
	var i Interaction
	var createdAt string
	var mocked int
	err := r.Scan(&i.ID, &createdAt, &i.ConversationID, &i.UserMessage, &i.Response, &i.Model,
		&mocked, &i.Status, &i.Error, &i.InputTokens, &i.OutputTokens, &i.DocumentCount, &i.LatencyMs)
	if err != nil {
		return Interaction{}, err
	}
	i.Mocked = mocked != 0
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return i, nil
}
