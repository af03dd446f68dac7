package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guptadeepak8/archestra/pkg/models"
	testdb "github.com/guptadeepak8/archestra/test/database"
)

func TestLimitService_Create(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	t.Run("creates limit with zeroed counters", func(t *testing.T) {
		lim, err := service.Create(ctx, models.CreateLimitRequest{
			EntityType: models.EntityTypeAgent,
			EntityID:   "agent-1",
			LimitValue: 1000,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, lim.ID)
		assert.Equal(t, models.LimitTypeTokenCost, lim.LimitType)
		assert.Zero(t, lim.CurrentUsageTokensIn)
		assert.Zero(t, lim.CurrentUsageTokensOut)
		assert.Nil(t, lim.LastCleanup)
	})

	t.Run("validates request", func(t *testing.T) {
		tests := []struct {
			name string
			req  models.CreateLimitRequest
		}{
			{"invalid entity type", models.CreateLimitRequest{EntityType: "user", EntityID: "x", LimitValue: 1}},
			{"missing entity id", models.CreateLimitRequest{EntityType: models.EntityTypeAgent, LimitValue: 1}},
			{"non-positive ceiling", models.CreateLimitRequest{EntityType: models.EntityTypeAgent, EntityID: "x", LimitValue: 0}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := service.Create(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
			})
		}
	})
}

func TestLimitService_ListForEntity(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	model := "claude-sonnet-4"
	_, err := service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeAgent, EntityID: "agent-1", LimitValue: 100,
	})
	require.NoError(t, err)
	_, err = service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeAgent, EntityID: "agent-1", Model: &model, LimitValue: 5,
	})
	require.NoError(t, err)
	_, err = service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeOrganization, EntityID: "org-1", LimitValue: 100,
	})
	require.NoError(t, err)

	limits, err := service.ListForEntity(ctx, models.EntityTypeAgent, "agent-1")
	require.NoError(t, err)
	require.Len(t, limits, 2)
	for _, lim := range limits {
		assert.Equal(t, "agent-1", lim.EntityID)
	}
}

func TestLimitService_Update(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	lim, err := service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeAgent, EntityID: "agent-1", LimitValue: 100,
	})
	require.NoError(t, err)

	refs := []EntityRef{{Type: models.EntityTypeAgent, ID: "agent-1"}}
	require.NoError(t, service.AddUsage(ctx, refs, 40, 10))

	t.Run("updates ceiling without touching counters", func(t *testing.T) {
		newValue := 500.0
		updated, err := service.Update(ctx, lim.ID, models.UpdateLimitRequest{LimitValue: &newValue})
		require.NoError(t, err)
		assert.EqualValues(t, 500, updated.LimitValue)
		assert.EqualValues(t, 40, updated.CurrentUsageTokensIn)
		assert.EqualValues(t, 10, updated.CurrentUsageTokensOut)
	})

	t.Run("requires at least one field", func(t *testing.T) {
		_, err := service.Update(ctx, lim.ID, models.UpdateLimitRequest{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects non-positive ceiling", func(t *testing.T) {
		bad := -1.0
		_, err := service.Update(ctx, lim.ID, models.UpdateLimitRequest{LimitValue: &bad})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("returns ErrNotFound for missing limit", func(t *testing.T) {
		v := 1.0
		_, err := service.Update(ctx, "nonexistent", models.UpdateLimitRequest{LimitValue: &v})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLimitService_Delete(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	lim, err := service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeAgent, EntityID: "agent-1", LimitValue: 100,
	})
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, lim.ID))
	assert.ErrorIs(t, service.Delete(ctx, lim.ID), ErrNotFound)
}

func TestLimitService_AddUsage(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	t.Run("increments every matching scope", func(t *testing.T) {
		agentLim, err := service.Create(ctx, models.CreateLimitRequest{
			EntityType: models.EntityTypeAgent, EntityID: "agent-1", LimitValue: 100,
		})
		require.NoError(t, err)
		orgLim, err := service.Create(ctx, models.CreateLimitRequest{
			EntityType: models.EntityTypeOrganization, EntityID: "org-1", LimitValue: 100,
		})
		require.NoError(t, err)

		refs := []EntityRef{
			{Type: models.EntityTypeAgent, ID: "agent-1"},
			{Type: models.EntityTypeOrganization, ID: "org-1"},
		}
		require.NoError(t, service.AddUsage(ctx, refs, 30, 7))

		for _, id := range []string{agentLim.ID, orgLim.ID} {
			got, err := service.Get(ctx, id)
			require.NoError(t, err)
			assert.EqualValues(t, 30, got.CurrentUsageTokensIn)
			assert.EqualValues(t, 7, got.CurrentUsageTokensOut)
		}
	})

	t.Run("zero usage is a no-op", func(t *testing.T) {
		lim, err := service.Create(ctx, models.CreateLimitRequest{
			EntityType: models.EntityTypeAgent, EntityID: "agent-2", LimitValue: 100,
		})
		require.NoError(t, err)

		refs := []EntityRef{{Type: models.EntityTypeAgent, ID: "agent-2"}}
		require.NoError(t, service.AddUsage(ctx, refs, 0, 0))

		got, err := service.Get(ctx, lim.ID)
		require.NoError(t, err)
		assert.Zero(t, got.CurrentUsageTokensIn)
	})

	t.Run("unknown scope is ignored", func(t *testing.T) {
		refs := []EntityRef{{Type: models.EntityTypeTeam, ID: "no-such-team"}}
		assert.NoError(t, service.AddUsage(ctx, refs, 5, 5))
	})
}

func TestLimitService_AddUsage_ConcurrentIncrementsNotLost(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	lim, err := service.Create(ctx, models.CreateLimitRequest{
		EntityType: models.EntityTypeAgent, EntityID: "agent-1", LimitValue: 1_000_000,
	})
	require.NoError(t, err)

	// Concurrent completions all land on the same limit row. The single
	// UPDATE per ref must not lose any increment.
	const workers = 16
	const perWorker = 10
	refs := []EntityRef{{Type: models.EntityTypeAgent, ID: "agent-1"}}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := service.AddUsage(ctx, refs, 3, 2); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := service.Get(ctx, lim.ID)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker*3, got.CurrentUsageTokensIn)
	assert.EqualValues(t, workers*perWorker*2, got.CurrentUsageTokensOut)
}

func TestLimitService_ResetIfStale(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewLimitService(client.DB())
	ctx := context.Background()

	newLimitWithUsage := func(t *testing.T, entityID string) *models.Limit {
		t.Helper()
		lim, err := service.Create(ctx, models.CreateLimitRequest{
			EntityType: models.EntityTypeAgent, EntityID: entityID, LimitValue: 100,
		})
		require.NoError(t, err)
		refs := []EntityRef{{Type: models.EntityTypeAgent, ID: entityID}}
		require.NoError(t, service.AddUsage(ctx, refs, 50, 25))
		return lim
	}

	t.Run("null last_cleanup counts as stale", func(t *testing.T) {
		lim := newLimitWithUsage(t, "agent-null")

		reset, err := service.ResetIfStale(ctx, lim.ID, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, reset)

		got, err := service.Get(ctx, lim.ID)
		require.NoError(t, err)
		assert.Zero(t, got.CurrentUsageTokensIn)
		assert.Zero(t, got.CurrentUsageTokensOut)
		require.NotNil(t, got.LastCleanup)
	})

	t.Run("second sweep in the same window is a no-op", func(t *testing.T) {
		lim := newLimitWithUsage(t, "agent-idem")
		staleBefore := time.Now().Add(-time.Hour)

		first, err := service.ResetIfStale(ctx, lim.ID, staleBefore)
		require.NoError(t, err)
		assert.True(t, first)

		// A second pod sweeping with the same window sees a fresh
		// last_cleanup and must not reset again.
		second, err := service.ResetIfStale(ctx, lim.ID, staleBefore)
		require.NoError(t, err)
		assert.False(t, second)
	})

	t.Run("fresh counters survive usage recorded after the reset", func(t *testing.T) {
		lim := newLimitWithUsage(t, "agent-post")
		staleBefore := time.Now().Add(-time.Hour)

		reset, err := service.ResetIfStale(ctx, lim.ID, staleBefore)
		require.NoError(t, err)
		require.True(t, reset)

		refs := []EntityRef{{Type: models.EntityTypeAgent, ID: "agent-post"}}
		require.NoError(t, service.AddUsage(ctx, refs, 9, 4))

		again, err := service.ResetIfStale(ctx, lim.ID, staleBefore)
		require.NoError(t, err)
		assert.False(t, again)

		got, err := service.Get(ctx, lim.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 9, got.CurrentUsageTokensIn)
		assert.EqualValues(t, 4, got.CurrentUsageTokensOut)
	})

	t.Run("unknown limit id resets nothing", func(t *testing.T) {
		reset, err := service.ResetIfStale(ctx, "nonexistent", time.Now())
		require.NoError(t, err)
		assert.False(t, reset)
	})
}
