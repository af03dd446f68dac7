package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/guptadeepak8/archestra/pkg/models"
)

// AgentService manages agents, the unit of policy and quota scoping.
type AgentService struct {
	db *sql.DB
}

// NewAgentService creates a new AgentService
func NewAgentService(db *sql.DB) *AgentService {
	return &AgentService{db: db}
}

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var agent models.Agent
	var labelsJSON []byte

	err := row.Scan(&agent.ID, &agent.Name, &labelsJSON, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &agent.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	// Labels are always returned sorted by key
	sort.Slice(agent.Labels, func(i, j int) bool {
		return agent.Labels[i].Key < agent.Labels[j].Key
	})

	return &agent, nil
}

// GetByID retrieves an agent by ID, including its team memberships
func (s *AgentService) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, labels, created_at, updated_at FROM agents WHERE id = $1`, id)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	agent.TeamIDs, err = s.ListTeamIDs(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	return agent, nil
}

// GetOrCreateByName resolves an agent by name, creating it when absent.
// Used to derive a default agent from the caller's user-agent header.
func (s *AgentService) GetOrCreateByName(ctx context.Context, name string) (*models.Agent, error) {
	if name == "" {
		return nil, NewValidationError("name", "required")
	}

	agent, err := s.getByName(ctx, name)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ON CONFLICT DO NOTHING keeps concurrent first requests from the same
	// client racing each other; the follow-up read returns whichever row won.
	agentID := uuid.New().String()
	now := time.Now()
	_, err = s.db.ExecContext(writeCtx,
		`INSERT INTO agents (id, name, labels, created_at, updated_at)
		 VALUES ($1, $2, '[]', $3, $3)
		 ON CONFLICT (name) DO NOTHING`,
		agentID, name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	agent, err = s.getByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if agent.ID == agentID {
		slog.Info("Created default agent", "agent_id", agentID, "name", name)
	}

	return agent, nil
}

func (s *AgentService) getByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, labels, created_at, updated_at FROM agents WHERE name = $1`, name)

	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}

	agent.TeamIDs, err = s.ListTeamIDs(ctx, agent.ID)
	if err != nil {
		return nil, err
	}

	return agent, nil
}

// List returns all agents ordered by name
func (s *AgentService) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, labels, created_at, updated_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	for _, agent := range agents {
		agent.TeamIDs, err = s.ListTeamIDs(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
	}

	return agents, nil
}

// ListTeamIDs returns the IDs of the teams an agent belongs to
func (s *AgentService) ListTeamIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT team_id FROM agent_teams WHERE agent_id = $1 ORDER BY team_id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent teams: %w", err)
	}
	defer rows.Close()

	var teamIDs []string
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, fmt.Errorf("failed to scan team id: %w", err)
		}
		teamIDs = append(teamIDs, teamID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent teams: %w", err)
	}

	return teamIDs, nil
}

// ListTeams returns the full team rows an agent belongs to. Quota resolution
// uses the team's org_id to find the governing organization.
func (s *AgentService) ListTeams(ctx context.Context, agentID string) ([]*models.Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.org_id, t.name, t.created_at
		 FROM teams t
		 JOIN agent_teams at ON at.team_id = t.id
		 WHERE at.agent_id = $1
		 ORDER BY t.id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*models.Team
	for rows.Next() {
		var team models.Team
		if err := rows.Scan(&team.ID, &team.OrgID, &team.Name, &team.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, &team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate teams: %w", err)
	}

	return teams, nil
}
