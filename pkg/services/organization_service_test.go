package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guptadeepak8/archestra/pkg/models"
	testdb "github.com/guptadeepak8/archestra/test/database"
)

func TestOrganizationService_EnsureDefault(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewOrganizationService(client.DB())
	ctx := context.Background()

	t.Run("creates default organization on empty database", func(t *testing.T) {
		org, err := service.EnsureDefault(ctx, "admin@example.com", models.CleanupIntervalHour)
		require.NoError(t, err)
		require.NotNil(t, org)

		assert.NotEmpty(t, org.ID)
		assert.Equal(t, "default", org.Name)
		assert.Equal(t, "admin@example.com", org.AdminEmail)
		assert.Equal(t, models.CleanupIntervalHour, org.LimitCleanupInterval)
		assert.NotZero(t, org.CreatedAt)
	})

	t.Run("returns existing organization on second call", func(t *testing.T) {
		first, err := service.EnsureDefault(ctx, "admin@example.com", models.CleanupIntervalHour)
		require.NoError(t, err)

		// Different email and interval must not create a second org
		second, err := service.EnsureDefault(ctx, "other@example.com", models.CleanupIntervalDay)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "admin@example.com", second.AdminEmail)

		orgs, err := service.List(ctx)
		require.NoError(t, err)
		assert.Len(t, orgs, 1)
	})

	t.Run("validates admin email required", func(t *testing.T) {
		_, err := service.EnsureDefault(ctx, "", models.CleanupIntervalHour)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects invalid cleanup interval", func(t *testing.T) {
		_, err := service.EnsureDefault(ctx, "admin@example.com", models.CleanupInterval("5m"))
		require.Error(t, err)

		var validErr *ValidationError
		require.ErrorAs(t, err, &validErr)
		assert.Equal(t, "limit_cleanup_interval", validErr.Field)
	})
}

func TestOrganizationService_GetByID(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewOrganizationService(client.DB())
	ctx := context.Background()

	org, err := service.EnsureDefault(ctx, "admin@example.com", models.CleanupIntervalDay)
	require.NoError(t, err)

	t.Run("retrieves organization by id", func(t *testing.T) {
		got, err := service.GetByID(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, org.ID, got.ID)
		assert.Equal(t, org.AdminEmail, got.AdminEmail)
		assert.Equal(t, models.CleanupIntervalDay, got.LimitCleanupInterval)
	})

	t.Run("returns ErrNotFound for missing organization", func(t *testing.T) {
		_, err := service.GetByID(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOrganizationService_First(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewOrganizationService(client.DB())
	ctx := context.Background()

	t.Run("returns ErrNotFound on empty database", func(t *testing.T) {
		_, err := service.First(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returns the organization once seeded", func(t *testing.T) {
		org, err := service.EnsureDefault(ctx, "admin@example.com", models.CleanupIntervalHour)
		require.NoError(t, err)

		got, err := service.First(ctx)
		require.NoError(t, err)
		assert.Equal(t, org.ID, got.ID)
	})
}
