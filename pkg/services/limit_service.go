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

// EntityRef identifies one limit scope during quota resolution.
type EntityRef struct {
	Type models.EntityType
	ID   string
}

// LimitService manages usage limits. Counter mutations are single atomic
// UPDATE statements so concurrent completions against the same limit are
// linearised by the store.
type LimitService struct {
	db *sql.DB
}

// NewLimitService creates a new LimitService
func NewLimitService(db *sql.DB) *LimitService {
	return &LimitService{db: db}
}

const limitColumns = `id, entity_type, entity_id, limit_type, model, limit_value, current_usage_tokens_in, current_usage_tokens_out, last_cleanup, created_at, updated_at`

func scanLimit(row interface{ Scan(...any) error }) (*models.Limit, error) {
	var lim models.Limit
	var model sql.NullString
	var lastCleanup sql.NullTime

	err := row.Scan(&lim.ID, &lim.EntityType, &lim.EntityID, &lim.LimitType,
		&model, &lim.LimitValue, &lim.CurrentUsageTokensIn, &lim.CurrentUsageTokensOut,
		&lastCleanup, &lim.CreatedAt, &lim.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if model.Valid {
		lim.Model = &model.String
	}
	if lastCleanup.Valid {
		lim.LastCleanup = &lastCleanup.Time
	}

	return &lim, nil
}

// Create creates a new limit
func (s *LimitService) Create(ctx context.Context, req models.CreateLimitRequest) (*models.Limit, error) {
	if !req.EntityType.IsValid() {
		return nil, NewValidationError("entity_type", fmt.Sprintf("must be one of: %s, %s, %s",
			models.EntityTypeAgent, models.EntityTypeTeam, models.EntityTypeOrganization))
	}
	if req.EntityID == "" {
		return nil, NewValidationError("entity_id", "required")
	}
	if req.LimitValue <= 0 {
		return nil, NewValidationError("limit_value", "must be positive")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	lim := &models.Limit{
		ID:         uuid.New().String(),
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		LimitType:  models.LimitTypeTokenCost,
		Model:      req.Model,
		LimitValue: req.LimitValue,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(writeCtx,
		`INSERT INTO limits (id, entity_type, entity_id, limit_type, model, limit_value, current_usage_tokens_in, current_usage_tokens_out, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8)`,
		lim.ID, lim.EntityType, lim.EntityID, lim.LimitType, lim.Model,
		lim.LimitValue, lim.CreatedAt, lim.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create limit: %w", err)
	}

	return lim, nil
}

// Get retrieves a limit by ID
func (s *LimitService) Get(ctx context.Context, id string) (*models.Limit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+limitColumns+` FROM limits WHERE id = $1`, id)

	lim, err := scanLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get limit: %w", err)
	}

	return lim, nil
}

// List returns all limits ordered by creation time
func (s *LimitService) List(ctx context.Context) ([]*models.Limit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+limitColumns+` FROM limits ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list limits: %w", err)
	}
	defer rows.Close()

	return collectLimits(rows)
}

// ListForEntity returns all token_cost limits for one entity
func (s *LimitService) ListForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.Limit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+limitColumns+` FROM limits
		 WHERE entity_type = $1 AND entity_id = $2 AND limit_type = $3
		 ORDER BY created_at ASC`,
		entityType, entityID, models.LimitTypeTokenCost)
	if err != nil {
		return nil, fmt.Errorf("failed to list limits for entity: %w", err)
	}
	defer rows.Close()

	return collectLimits(rows)
}

// Update modifies a limit's model and ceiling. Usage counters are untouched.
func (s *LimitService) Update(ctx context.Context, id string, req models.UpdateLimitRequest) (*models.Limit, error) {
	if req.Model == nil && req.LimitValue == nil {
		return nil, NewValidationError("body", "no fields to update")
	}
	if req.LimitValue != nil && *req.LimitValue <= 0 {
		return nil, NewValidationError("limit_value", "must be positive")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(writeCtx,
		`UPDATE limits
		 SET model = COALESCE($2, model),
		     limit_value = COALESCE($3, limit_value),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+limitColumns,
		id, req.Model, req.LimitValue)

	lim, err := scanLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update limit: %w", err)
	}

	return lim, nil
}

// Delete removes a limit
func (s *LimitService) Delete(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(writeCtx, `DELETE FROM limits WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete limit: %w", err)
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

// AddUsage atomically increments the usage counters of every token_cost
// limit matching one of the entity refs. A single statement per ref keeps
// concurrent completions linearised with no lost updates.
func (s *LimitService) AddUsage(ctx context.Context, refs []EntityRef, tokensIn, tokensOut int64) error {
	if tokensIn == 0 && tokensOut == 0 {
		return nil
	}

	for _, ref := range refs {
		_, err := s.db.ExecContext(ctx,
			`UPDATE limits
			 SET current_usage_tokens_in = current_usage_tokens_in + $3,
			     current_usage_tokens_out = current_usage_tokens_out + $4,
			     updated_at = now()
			 WHERE entity_type = $1 AND entity_id = $2 AND limit_type = $5`,
			ref.Type, ref.ID, tokensIn, tokensOut, models.LimitTypeTokenCost)
		if err != nil {
			return fmt.Errorf("failed to add usage for %s %s: %w", ref.Type, ref.ID, err)
		}
	}

	return nil
}

// ResetIfStale zeroes a limit's usage counters when its last_cleanup is null
// or older than staleBefore. The guard makes concurrent sweeps idempotent:
// only one reset per staleness window takes effect. Returns whether this
// call performed the reset.
func (s *LimitService) ResetIfStale(ctx context.Context, limitID string, staleBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE limits
		 SET current_usage_tokens_in = 0,
		     current_usage_tokens_out = 0,
		     last_cleanup = now(),
		     updated_at = now()
		 WHERE id = $1 AND (last_cleanup IS NULL OR last_cleanup < $2)`,
		limitID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to reset limit: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

func collectLimits(rows *sql.Rows) ([]*models.Limit, error) {
	var limits []*models.Limit
	for rows.Next() {
		lim, err := scanLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan limit: %w", err)
		}
		limits = append(limits, lim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate limits: %w", err)
	}
	return limits, nil
}
