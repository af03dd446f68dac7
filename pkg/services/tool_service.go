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

// ToolService manages the tool declarations recorded per agent. Tool rows
// are upserted from inbound proxy requests; the two trust flags are admin
// state and are never touched by the upsert path.
type ToolService struct {
	db *sql.DB
}

// NewToolService creates a new ToolService
func NewToolService(db *sql.DB) *ToolService {
	return &ToolService{db: db}
}

const toolColumns = `id, agent_id, name, description, parameters, allow_usage_when_untrusted_data_is_present, data_is_trusted_by_default, created_at, updated_at`

func scanTool(row interface{ Scan(...any) error }) (*models.Tool, error) {
	var t models.Tool
	var parameters []byte

	err := row.Scan(&t.ID, &t.AgentID, &t.Name, &t.Description, &parameters,
		&t.AllowUsageWhenUntrustedDataIsPresent, &t.DataIsTrustedByDefault,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(parameters) > 0 {
		t.Parameters = parameters
	}

	return &t, nil
}

// UpsertByName inserts or refreshes a tool declaration for an agent.
// Description and parameters follow the latest request; trust flags keep
// whatever the admin configured.
func (s *ToolService) UpsertByName(ctx context.Context, agentID string, req models.UpsertToolRequest) (*models.Tool, error) {
	if agentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var parameters any
	if len(req.Parameters) > 0 {
		parameters = []byte(req.Parameters)
	}

	row := s.db.QueryRowContext(writeCtx,
		`INSERT INTO tools (id, agent_id, name, description, parameters, allow_usage_when_untrusted_data_is_present, data_is_trusted_by_default, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (agent_id, name) DO UPDATE
		 SET description = EXCLUDED.description,
		     parameters = EXCLUDED.parameters,
		     updated_at = now()
		 RETURNING `+toolColumns,
		uuid.New().String(), agentID, req.Name, req.Description, parameters,
		req.AllowUsageWhenUntrustedDataIsPresent, req.DataIsTrustedByDefault)

	tool, err := scanTool(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert tool: %w", err)
	}

	return tool, nil
}

// GetByName retrieves an agent's tool by name
func (s *ToolService) GetByName(ctx context.Context, agentID, name string) (*models.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE agent_id = $1 AND name = $2`,
		agentID, name)

	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}

	return tool, nil
}

// GetByID retrieves a tool by ID
func (s *ToolService) GetByID(ctx context.Context, id string) (*models.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)

	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}

	return tool, nil
}

// ListForAgent returns all tools recorded for an agent ordered by name
func (s *ToolService) ListForAgent(ctx context.Context, agentID string) ([]*models.Tool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE agent_id = $1 ORDER BY name ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tools: %w", err)
	}

	return tools, nil
}

// UpdateTrustFlags sets the admin-controlled trust flags on a tool.
// Nil fields are left unchanged.
func (s *ToolService) UpdateTrustFlags(ctx context.Context, agentID, name string, allowWhenUntrusted, trustedByDefault *bool) (*models.Tool, error) {
	if allowWhenUntrusted == nil && trustedByDefault == nil {
		return nil, NewValidationError("body", "no trust flags provided")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(writeCtx,
		`UPDATE tools
		 SET allow_usage_when_untrusted_data_is_present = COALESCE($3, allow_usage_when_untrusted_data_is_present),
		     data_is_trusted_by_default = COALESCE($4, data_is_trusted_by_default),
		     updated_at = now()
		 WHERE agent_id = $1 AND name = $2
		 RETURNING `+toolColumns,
		agentID, name, allowWhenUntrusted, trustedByDefault)

	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tool trust flags: %w", err)
	}

	return tool, nil
}
