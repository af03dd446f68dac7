package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guptadeepak8/archestra/pkg/models"
)

// AgentPromptService manages the ordered prompt set assigned to an agent.
type AgentPromptService struct {
	db *sql.DB
}

// NewAgentPromptService creates a new AgentPromptService
func NewAgentPromptService(db *sql.DB) *AgentPromptService {
	return &AgentPromptService{db: db}
}

// ReplaceForAgent atomically replaces an agent's prompt assignments. The
// system prompt, when present, is written with order 0 and each regular
// prompt with order i+1 in input order.
func (s *AgentPromptService) ReplaceForAgent(ctx context.Context, agentID string, req models.ReplaceAgentPromptsRequest) ([]*models.AgentPrompt, error) {
	if agentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}

	seen := make(map[string]bool)
	if req.SystemPromptID != nil {
		seen[*req.SystemPromptID] = true
	}
	for _, id := range req.RegularPromptIDs {
		if seen[id] {
			return nil, NewValidationError("prompt_ids", fmt.Sprintf("duplicate prompt id %q", id))
		}
		seen[id] = true
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var agentExists bool
	err = tx.QueryRowContext(writeCtx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&agentExists)
	if err != nil {
		return nil, fmt.Errorf("failed to check agent: %w", err)
	}
	if !agentExists {
		return nil, ErrNotFound
	}

	if req.SystemPromptID != nil {
		if err := checkPromptType(writeCtx, tx, *req.SystemPromptID, models.PromptTypeSystem); err != nil {
			return nil, err
		}
	}
	for _, id := range req.RegularPromptIDs {
		if err := checkPromptType(writeCtx, tx, id, models.PromptTypeRegular); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(writeCtx,
		`DELETE FROM agent_prompts WHERE agent_id = $1`, agentID); err != nil {
		return nil, fmt.Errorf("failed to clear agent prompts: %w", err)
	}

	var assignments []*models.AgentPrompt
	insert := func(promptID string, order int) error {
		ap := &models.AgentPrompt{
			ID:       uuid.New().String(),
			AgentID:  agentID,
			PromptID: promptID,
			Order:    order,
		}
		_, err := tx.ExecContext(writeCtx,
			`INSERT INTO agent_prompts (id, agent_id, prompt_id, "order") VALUES ($1, $2, $3, $4)`,
			ap.ID, ap.AgentID, ap.PromptID, ap.Order)
		if err != nil {
			return fmt.Errorf("failed to assign prompt %s: %w", promptID, err)
		}
		assignments = append(assignments, ap)
		return nil
	}

	if req.SystemPromptID != nil {
		if err := insert(*req.SystemPromptID, 0); err != nil {
			return nil, err
		}
	}
	for i, id := range req.RegularPromptIDs {
		if err := insert(id, i+1); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return assignments, nil
}

// checkPromptType verifies a prompt exists and has the expected type.
func checkPromptType(ctx context.Context, tx *sql.Tx, promptID string, want models.PromptType) error {
	var got models.PromptType
	err := tx.QueryRowContext(ctx,
		`SELECT type FROM prompts WHERE id = $1`, promptID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return NewValidationError("prompt_ids", fmt.Sprintf("prompt %q does not exist", promptID))
	}
	if err != nil {
		return fmt.Errorf("failed to check prompt type: %w", err)
	}
	if got != want {
		return NewValidationError("prompt_ids", fmt.Sprintf("prompt %q has type %q, expected %q", promptID, got, want))
	}
	return nil
}

// ListActiveContentsForAgent returns the contents of an agent's active
// assigned prompts in assignment order. Inactive prompts stay assigned but
// are skipped here, so deactivating a prompt takes effect immediately.
func (s *AgentPromptService) ListActiveContentsForAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.content FROM agent_prompts ap
		 JOIN prompts p ON p.id = ap.prompt_id
		 WHERE ap.agent_id = $1 AND p.is_active = TRUE
		 ORDER BY ap."order" ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent prompt contents: %w", err)
	}
	defer rows.Close()

	var contents []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan prompt content: %w", err)
		}
		contents = append(contents, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent prompt contents: %w", err)
	}

	return contents, nil
}

// ListForAgent returns an agent's prompt assignments ordered by position
func (s *AgentPromptService) ListForAgent(ctx context.Context, agentID string) ([]*models.AgentPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, prompt_id, "order" FROM agent_prompts
		 WHERE agent_id = $1 ORDER BY "order" ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent prompts: %w", err)
	}
	defer rows.Close()

	var assignments []*models.AgentPrompt
	for rows.Next() {
		var ap models.AgentPrompt
		if err := rows.Scan(&ap.ID, &ap.AgentID, &ap.PromptID, &ap.Order); err != nil {
			return nil, fmt.Errorf("failed to scan agent prompt: %w", err)
		}
		assignments = append(assignments, &ap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent prompts: %w", err)
	}

	return assignments, nil
}
