package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/guptadeepak8/archestra/pkg/models"
)

// OrganizationService manages organizations. Organizations scope propagated
// limits and carry the cleanup interval that governs quota resets.
type OrganizationService struct {
	db *sql.DB
}

// NewOrganizationService creates a new OrganizationService
func NewOrganizationService(db *sql.DB) *OrganizationService {
	return &OrganizationService{db: db}
}

const organizationColumns = `id, name, admin_email, limit_cleanup_interval, created_at`

func scanOrganization(row interface{ Scan(...any) error }) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(&org.ID, &org.Name, &org.AdminEmail, &org.LimitCleanupInterval, &org.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// GetByID retrieves an organization by ID
func (s *OrganizationService) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)

	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return org, nil
}

// First returns the oldest organization. Quota resolution falls back to it
// for agents that belong to no team.
func (s *OrganizationService) First(ctx context.Context) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations ORDER BY created_at ASC LIMIT 1`)

	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get first organization: %w", err)
	}

	return org, nil
}

// List returns all organizations ordered by creation time
func (s *OrganizationService) List(ctx context.Context) ([]*models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organizations: %w", err)
	}

	return orgs, nil
}

// EnsureDefault seeds the default organization on startup if none exists.
// Returns the existing first organization otherwise.
func (s *OrganizationService) EnsureDefault(ctx context.Context, adminEmail string, interval models.CleanupInterval) (*models.Organization, error) {
	if adminEmail == "" {
		return nil, NewValidationError("admin_email", "required")
	}
	if !interval.IsValid() {
		return nil, NewValidationError("limit_cleanup_interval", fmt.Sprintf("invalid interval %q", interval))
	}

	existing, err := s.First(ctx)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	org := &models.Organization{
		ID:                   uuid.New().String(),
		Name:                 "default",
		AdminEmail:           adminEmail,
		LimitCleanupInterval: interval,
		CreatedAt:            time.Now(),
	}

	_, err = s.db.ExecContext(writeCtx,
		`INSERT INTO organizations (id, name, admin_email, limit_cleanup_interval, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Name, org.AdminEmail, org.LimitCleanupInterval, org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create default organization: %w", err)
	}

	slog.Info("Created default organization",
		"org_id", org.ID, "admin_email", adminEmail, "cleanup_interval", interval)

	return org, nil
}
