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

// PolicyService manages trusted-data policies (attribute rules over tool
// results, assignable to agents) and tool-invocation policies (rules over
// proposed tool calls, scoped to an agent and tool name).
type PolicyService struct {
	db *sql.DB
}

// NewPolicyService creates a new PolicyService
func NewPolicyService(db *sql.DB) *PolicyService {
	return &PolicyService{db: db}
}

const trustedDataPolicyColumns = `id, tool_id, attribute_path, operator, value, action, description, created_at`

func scanTrustedDataPolicy(row interface{ Scan(...any) error }) (*models.TrustedDataPolicy, error) {
	var p models.TrustedDataPolicy
	err := row.Scan(&p.ID, &p.ToolID, &p.AttributePath, &p.Operator, &p.Value,
		&p.Action, &p.Description, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTrustedDataPolicy creates a trusted-data policy bound to a tool
func (s *PolicyService) CreateTrustedDataPolicy(ctx context.Context, req models.CreateTrustedDataPolicyRequest) (*models.TrustedDataPolicy, error) {
	if req.ToolID == "" {
		return nil, NewValidationError("tool_id", "required")
	}
	if req.AttributePath == "" {
		return nil, NewValidationError("attribute_path", "required")
	}
	if !req.Operator.IsValid() {
		return nil, NewValidationError("operator", fmt.Sprintf("invalid operator %q", req.Operator))
	}
	if !req.Action.IsValid() {
		return nil, NewValidationError("action", fmt.Sprintf("invalid action %q", req.Action))
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := &models.TrustedDataPolicy{
		ID:            uuid.New().String(),
		ToolID:        req.ToolID,
		AttributePath: req.AttributePath,
		Operator:      req.Operator,
		Value:         req.Value,
		Action:        req.Action,
		Description:   req.Description,
		CreatedAt:     time.Now(),
	}

	_, err := s.db.ExecContext(writeCtx,
		`INSERT INTO trusted_data_policies (id, tool_id, attribute_path, operator, value, action, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		policy.ID, policy.ToolID, policy.AttributePath, policy.Operator,
		policy.Value, policy.Action, policy.Description, policy.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, NewValidationError("tool_id", "tool does not exist")
		}
		return nil, fmt.Errorf("failed to create trusted-data policy: %w", err)
	}

	return policy, nil
}

// GetTrustedDataPolicy retrieves a trusted-data policy by ID
func (s *PolicyService) GetTrustedDataPolicy(ctx context.Context, id string) (*models.TrustedDataPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trustedDataPolicyColumns+` FROM trusted_data_policies WHERE id = $1`, id)

	policy, err := scanTrustedDataPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trusted-data policy: %w", err)
	}

	return policy, nil
}

// ListTrustedDataPolicies returns all trusted-data policies
func (s *PolicyService) ListTrustedDataPolicies(ctx context.Context) ([]*models.TrustedDataPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trustedDataPolicyColumns+` FROM trusted_data_policies ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted-data policies: %w", err)
	}
	defer rows.Close()

	return collectTrustedDataPolicies(rows)
}

// DeleteTrustedDataPolicy removes a trusted-data policy and its assignments
func (s *PolicyService) DeleteTrustedDataPolicy(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(writeCtx,
		`DELETE FROM trusted_data_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trusted-data policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// AssignTrustedDataPolicy attaches a trusted-data policy to an agent
func (s *PolicyService) AssignTrustedDataPolicy(ctx context.Context, agentID, policyID string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(writeCtx,
		`INSERT INTO agent_trusted_data_policies (agent_id, policy_id) VALUES ($1, $2)`,
		agentID, policyID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to assign trusted-data policy: %w", err)
	}

	return nil
}

// UnassignTrustedDataPolicy detaches a trusted-data policy from an agent
func (s *PolicyService) UnassignTrustedDataPolicy(ctx context.Context, agentID, policyID string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(writeCtx,
		`DELETE FROM agent_trusted_data_policies WHERE agent_id = $1 AND policy_id = $2`,
		agentID, policyID)
	if err != nil {
		return fmt.Errorf("failed to unassign trusted-data policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListTrustedDataPoliciesForAgentTool returns the trusted-data policies
// assigned to an agent that are bound to the given tool.
func (s *PolicyService) ListTrustedDataPoliciesForAgentTool(ctx context.Context, agentID, toolID string) ([]*models.TrustedDataPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.tool_id, p.attribute_path, p.operator, p.value, p.action, p.description, p.created_at
		 FROM trusted_data_policies p
		 JOIN agent_trusted_data_policies ap ON ap.policy_id = p.id
		 WHERE ap.agent_id = $1 AND p.tool_id = $2
		 ORDER BY p.created_at ASC`,
		agentID, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted-data policies for agent tool: %w", err)
	}
	defer rows.Close()

	return collectTrustedDataPolicies(rows)
}

func collectTrustedDataPolicies(rows *sql.Rows) ([]*models.TrustedDataPolicy, error) {
	var policies []*models.TrustedDataPolicy
	for rows.Next() {
		policy, err := scanTrustedDataPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trusted-data policy: %w", err)
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trusted-data policies: %w", err)
	}
	return policies, nil
}

const invocationPolicyColumns = `id, agent_id, tool_name, condition, action, description, created_at`

func scanInvocationPolicy(row interface{ Scan(...any) error }) (*models.ToolInvocationPolicy, error) {
	var p models.ToolInvocationPolicy
	err := row.Scan(&p.ID, &p.AgentID, &p.ToolName, &p.Condition, &p.Action,
		&p.Description, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateToolInvocationPolicy creates a tool-invocation policy for an agent
func (s *PolicyService) CreateToolInvocationPolicy(ctx context.Context, req models.CreateToolInvocationPolicyRequest) (*models.ToolInvocationPolicy, error) {
	if req.AgentID == "" {
		return nil, NewValidationError("agent_id", "required")
	}
	if req.ToolName == "" {
		return nil, NewValidationError("tool_name", "required")
	}
	if !req.Action.IsValid() {
		return nil, NewValidationError("action", fmt.Sprintf("invalid action %q", req.Action))
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := &models.ToolInvocationPolicy{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		ToolName:    req.ToolName,
		Condition:   req.Condition,
		Action:      req.Action,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}

	_, err := s.db.ExecContext(writeCtx,
		`INSERT INTO tool_invocation_policies (id, agent_id, tool_name, condition, action, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		policy.ID, policy.AgentID, policy.ToolName, policy.Condition,
		policy.Action, policy.Description, policy.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, NewValidationError("agent_id", "agent does not exist")
		}
		return nil, fmt.Errorf("failed to create tool-invocation policy: %w", err)
	}

	return policy, nil
}

// GetToolInvocationPolicy retrieves a tool-invocation policy by ID
func (s *PolicyService) GetToolInvocationPolicy(ctx context.Context, id string) (*models.ToolInvocationPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationPolicyColumns+` FROM tool_invocation_policies WHERE id = $1`, id)

	policy, err := scanInvocationPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool-invocation policy: %w", err)
	}

	return policy, nil
}

// ListToolInvocationPolicies returns all tool-invocation policies
func (s *PolicyService) ListToolInvocationPolicies(ctx context.Context) ([]*models.ToolInvocationPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invocationPolicyColumns+` FROM tool_invocation_policies ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool-invocation policies: %w", err)
	}
	defer rows.Close()

	return collectInvocationPolicies(rows)
}

// ListToolInvocationPoliciesForAgentTool returns an agent's invocation
// policies scoped to one tool name.
func (s *PolicyService) ListToolInvocationPoliciesForAgentTool(ctx context.Context, agentID, toolName string) ([]*models.ToolInvocationPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invocationPolicyColumns+` FROM tool_invocation_policies
		 WHERE agent_id = $1 AND tool_name = $2
		 ORDER BY created_at ASC`,
		agentID, toolName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool-invocation policies for agent tool: %w", err)
	}
	defer rows.Close()

	return collectInvocationPolicies(rows)
}

// DeleteToolInvocationPolicy removes a tool-invocation policy
func (s *PolicyService) DeleteToolInvocationPolicy(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(writeCtx,
		`DELETE FROM tool_invocation_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tool-invocation policy: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func collectInvocationPolicies(rows *sql.Rows) ([]*models.ToolInvocationPolicy, error) {
	var policies []*models.ToolInvocationPolicy
	for rows.Next() {
		policy, err := scanInvocationPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool-invocation policy: %w", err)
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tool-invocation policies: %w", err)
	}
	return policies, nil
}
