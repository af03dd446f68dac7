package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guptadeepak8/archestra/pkg/llm"
	"github.com/guptadeepak8/archestra/pkg/masking"
	"github.com/guptadeepak8/archestra/pkg/models"
)

// InteractionService persists the immutable audit trail: completion
// request/response pairs, tool-message trust classifications, and refusals.
// Request and response bodies pass through the masking service before they
// are stored.
type InteractionService struct {
	db     *sql.DB
	masker *masking.Service
}

// NewInteractionService creates a new InteractionService
func NewInteractionService(db *sql.DB, masker *masking.Service) *InteractionService {
	return &InteractionService{db: db, masker: masker}
}

const interactionColumns = `id, agent_id, chat_id, type, request, response, input_tokens, output_tokens, content, trusted, blocked, reason, created_at`

func scanInteraction(row interface{ Scan(...any) error }) (*models.Interaction, error) {
	var in models.Interaction
	var chatID, reason sql.NullString
	var request, response, content []byte

	err := row.Scan(&in.ID, &in.AgentID, &chatID, &in.Type, &request, &response,
		&in.InputTokens, &in.OutputTokens, &content, &in.Trusted, &in.Blocked,
		&reason, &in.CreatedAt)
	if err != nil {
		return nil, err
	}

	if chatID.Valid {
		in.ChatID = &chatID.String
	}
	if reason.Valid {
		in.Reason = &reason.String
	}
	if len(request) > 0 {
		in.Request = request
	}
	if len(response) > 0 {
		in.Response = response
	}
	if len(content) > 0 {
		in.Content = content
	}

	return &in, nil
}

// Create persists a new interaction. Uses a background context so a
// completed request is still audited when the caller has gone away.
func (s *InteractionService) Create(httpCtx context.Context, req models.CreateInteractionRequest) (*models.Interaction, error) {
	if req.AgentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}
	if req.Type == "" {
		return nil, NewValidationError("type", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	interaction := &models.Interaction{
		ID:           uuid.New().String(),
		AgentID:      req.AgentID,
		ChatID:       req.ChatID,
		Type:         req.Type,
		Request:      s.masker.MaskJSON(req.Request),
		Response:     s.masker.MaskJSON(req.Response),
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Content:      req.Content,
		Trusted:      req.Trusted,
		Blocked:      req.Blocked,
		Reason:       req.Reason,
		CreatedAt:    time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, agent_id, chat_id, type, request, response, input_tokens, output_tokens, content, trusted, blocked, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		interaction.ID, interaction.AgentID, interaction.ChatID, interaction.Type,
		nullableJSON(interaction.Request), nullableJSON(interaction.Response),
		interaction.InputTokens, interaction.OutputTokens,
		nullableJSON(interaction.Content), interaction.Trusted, interaction.Blocked,
		interaction.Reason, interaction.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create interaction: %w", err)
	}

	return interaction, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Get retrieves an interaction by ID
func (s *InteractionService) Get(ctx context.Context, id string) (*models.Interaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = $1`, id)

	interaction, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}

	return interaction, nil
}

// ListByChat returns a chat's interactions in creation order
func (s *InteractionService) ListByChat(ctx context.Context, chatID string) ([]*models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions by chat: %w", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

// ListToolResults returns a chat's tool_result classifications in creation
// order. The blocked-data filter consumes these to decide which tool
// messages may travel upstream.
func (s *InteractionService) ListToolResults(ctx context.Context, chatID string) ([]*models.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE chat_id = $1 AND type = $2 ORDER BY created_at ASC`,
		chatID, models.InteractionTypeToolResult)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool results: %w", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

// List lists interactions with filtering and pagination, newest first
func (s *InteractionService) List(ctx context.Context, filters models.InteractionFilters) ([]*models.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE 1=1`
	var args []any

	if filters.AgentID != "" {
		args = append(args, filters.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filters.ChatID != "" {
		args = append(args, filters.ChatID)
		query += fmt.Sprintf(" AND chat_id = $%d", len(args))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20 // Default
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	return collectInteractions(rows)
}

func collectInteractions(rows *sql.Rows) ([]*models.Interaction, error) {
	var interactions []*models.Interaction
	for rows.Next() {
		interaction, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		interactions = append(interactions, interaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}
	return interactions, nil
}

// findToolCallScanLimit bounds how many persisted completion interactions the
// tool-call walk inspects per lookup.
const findToolCallScanLimit = 50

// FindToolCall resolves a tool_call_id to the assistant tool call that issued
// it by walking the chat's persisted completion interactions newest-first.
// Returns ErrNotFound when no assistant message in the window carries the id.
func (s *InteractionService) FindToolCall(ctx context.Context, chatID, toolCallID string) (*llm.ToolCall, error) {
	if chatID == "" || toolCallID == "" {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM interactions
		 WHERE chat_id = $1
		   AND type IN ($2, $3)
		   AND content IS NOT NULL
		 ORDER BY created_at DESC
		 LIMIT $4`,
		chatID, models.InteractionTypeAnthropicMessages, models.InteractionTypeOpenAICompletions,
		findToolCallScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions for tool call: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan interaction content: %w", err)
		}

		var envelope struct {
			Role      string `json:"role"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		}
		if err := json.Unmarshal(content, &envelope); err != nil {
			continue
		}
		if envelope.Role != llm.RoleAssistant {
			continue
		}
		for _, call := range envelope.ToolCalls {
			if call.ID == toolCallID {
				return &llm.ToolCall{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				}, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions for tool call: %w", err)
	}

	return nil, ErrNotFound
}
