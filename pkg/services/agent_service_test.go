package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guptadeepak8/archestra/pkg/models"
	testdb "github.com/guptadeepak8/archestra/test/database"
)

func TestAgentService_GetOrCreateByName(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewAgentService(client.DB())
	ctx := context.Background()

	t.Run("creates agent on first call", func(t *testing.T) {
		agent, err := service.GetOrCreateByName(ctx, "claude-code/1.0")
		require.NoError(t, err)
		require.NotNil(t, agent)

		assert.NotEmpty(t, agent.ID)
		assert.Equal(t, "claude-code/1.0", agent.Name)
		assert.Empty(t, agent.Labels)
		assert.Empty(t, agent.TeamIDs)
		assert.NotZero(t, agent.CreatedAt)
	})

	t.Run("returns existing agent on second call", func(t *testing.T) {
		first, err := service.GetOrCreateByName(ctx, "support-bot")
		require.NoError(t, err)

		second, err := service.GetOrCreateByName(ctx, "support-bot")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		agents, err := service.List(ctx)
		require.NoError(t, err)
		names := make([]string, 0, len(agents))
		for _, a := range agents {
			names = append(names, a.Name)
		}
		assert.Contains(t, names, "support-bot")
	})

	t.Run("validates name required", func(t *testing.T) {
		_, err := service.GetOrCreateByName(ctx, "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestAgentService_GetByID(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewAgentService(client.DB())
	ctx := context.Background()

	agent, err := service.GetOrCreateByName(ctx, "billing-agent")
	require.NoError(t, err)

	t.Run("retrieves agent by id", func(t *testing.T) {
		got, err := service.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, got.ID)
		assert.Equal(t, "billing-agent", got.Name)
	})

	t.Run("returns ErrNotFound for missing agent", func(t *testing.T) {
		_, err := service.GetByID(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAgentService_List(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewAgentService(client.DB())
	ctx := context.Background()

	_, err := service.GetOrCreateByName(ctx, "zeta-agent")
	require.NoError(t, err)
	_, err = service.GetOrCreateByName(ctx, "alpha-agent")
	require.NoError(t, err)

	t.Run("returns agents ordered by name", func(t *testing.T) {
		agents, err := service.List(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "alpha-agent", agents[0].Name)
		assert.Equal(t, "zeta-agent", agents[1].Name)
	})
}

func TestAgentService_ListTeams(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewAgentService(client.DB())
	orgService := NewOrganizationService(client.DB())
	ctx := context.Background()

	// Setup: team membership has no admin surface, so seed it directly
	org, err := orgService.EnsureDefault(ctx, "admin@example.com", models.CleanupIntervalHour)
	require.NoError(t, err)

	agent, err := service.GetOrCreateByName(ctx, "teamed-agent")
	require.NoError(t, err)

	teamID := uuid.New().String()
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO teams (id, org_id, name) VALUES ($1, $2, 'platform')`, teamID, org.ID)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO agent_teams (agent_id, team_id) VALUES ($1, $2)`, agent.ID, teamID)
	require.NoError(t, err)

	t.Run("includes team ids on lookup", func(t *testing.T) {
		got, err := service.GetByID(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{teamID}, got.TeamIDs)
	})

	t.Run("returns full team rows", func(t *testing.T) {
		teams, err := service.ListTeams(ctx, agent.ID)
		require.NoError(t, err)
		require.Len(t, teams, 1)
		assert.Equal(t, teamID, teams[0].ID)
		assert.Equal(t, org.ID, teams[0].OrgID)
		assert.Equal(t, "platform", teams[0].Name)
	})

	t.Run("returns empty for agent with no teams", func(t *testing.T) {
		loner, err := service.GetOrCreateByName(ctx, "solo-agent")
		require.NoError(t, err)

		teams, err := service.ListTeams(ctx, loner.ID)
		require.NoError(t, err)
		assert.Empty(t, teams)
	})
}
