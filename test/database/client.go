package database

import (
	"testing"

	"github.com/guptadeepak8/archestra/pkg/database"
	"github.com/guptadeepak8/archestra/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema and connection are automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	// Use shared test database setup; cleanup (schema drop and connection
	// close) is handled by SetupTestDatabase
	db := util.SetupTestDatabase(t)

	return database.NewClientFromDB(db)
}
