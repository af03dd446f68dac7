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

// PromptService manages versioned prompts. Updating a prompt never mutates
// content in place: the active row is deactivated and a successor row is
// inserted with version+1 and parent_prompt_id pointing at the old row, so
// for any (org_id, name, type) exactly one row is active at a time.
type PromptService struct {
	db *sql.DB
}

// NewPromptService creates a new PromptService
func NewPromptService(db *sql.DB) *PromptService {
	return &PromptService{db: db}
}

const promptColumns = `id, org_id, name, type, content, version, parent_prompt_id, is_active, created_by, created_at, updated_at`

func scanPrompt(row interface{ Scan(...any) error }) (*models.Prompt, error) {
	var p models.Prompt
	var parentID sql.NullString

	err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Type, &p.Content, &p.Version,
		&parentID, &p.IsActive, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		p.ParentPromptID = &parentID.String
	}

	return &p, nil
}

// Create creates a new prompt at version 1
func (s *PromptService) Create(ctx context.Context, req models.CreatePromptRequest) (*models.Prompt, error) {
	if req.OrgID == "" {
		return nil, NewValidationError("org_id", "required")
	}
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if !req.Type.IsValid() {
		return nil, NewValidationError("type", fmt.Sprintf("must be one of: %s, %s", models.PromptTypeSystem, models.PromptTypeRegular))
	}
	if req.Content == "" {
		return nil, NewValidationError("content", "required")
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	prompt := &models.Prompt{
		ID:        uuid.New().String(),
		OrgID:     req.OrgID,
		Name:      req.Name,
		Type:      req.Type,
		Content:   req.Content,
		Version:   1,
		IsActive:  true,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(writeCtx,
		`INSERT INTO prompts (id, org_id, name, type, content, version, is_active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		prompt.ID, prompt.OrgID, prompt.Name, prompt.Type, prompt.Content,
		prompt.Version, prompt.IsActive, prompt.CreatedBy, prompt.CreatedAt, prompt.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return nil, NewValidationError("org_id", "organization does not exist")
		}
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}

	return prompt, nil
}

// Get retrieves a prompt by ID (any version)
func (s *PromptService) Get(ctx context.Context, id string) (*models.Prompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id)

	prompt, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	return prompt, nil
}

// List lists prompts with optional filtering
func (s *PromptService) List(ctx context.Context, filters models.PromptFilters) ([]*models.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE 1=1`
	var args []any

	if filters.OrgID != "" {
		args = append(args, filters.OrgID)
		query += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if filters.Name != "" {
		args = append(args, filters.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filters.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY name ASC, version DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*models.Prompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		prompts = append(prompts, prompt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompts: %w", err)
	}

	return prompts, nil
}

// Update creates a new version of the prompt addressed by id. The currently
// active row of the same (org_id, name, type) is deactivated and the new row
// becomes active with version+1 and parent_prompt_id set to the old row.
func (s *PromptService) Update(ctx context.Context, id string, req models.UpdatePromptRequest) (*models.Prompt, error) {
	if req.Content == "" {
		return nil, NewValidationError("content", "required")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(writeCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Resolve the addressed row to its (org_id, name, type) triple, then lock
	// the active head of that lineage.
	addressed, err := scanPrompt(tx.QueryRowContext(writeCtx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}

	active, err := scanPrompt(tx.QueryRowContext(writeCtx,
		`SELECT `+promptColumns+` FROM prompts
		 WHERE org_id = $1 AND name = $2 AND type = $3 AND is_active
		 FOR UPDATE`,
		addressed.OrgID, addressed.Name, addressed.Type))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active prompt version: %w", err)
	}

	now := time.Now()
	result, err := tx.ExecContext(writeCtx,
		`UPDATE prompts SET is_active = FALSE, updated_at = $1 WHERE id = $2 AND is_active`,
		now, active.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate prompt version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrConcurrentModification
	}

	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = active.CreatedBy
	}

	next := &models.Prompt{
		ID:             uuid.New().String(),
		OrgID:          active.OrgID,
		Name:           active.Name,
		Type:           active.Type,
		Content:        req.Content,
		Version:        active.Version + 1,
		ParentPromptID: &active.ID,
		IsActive:       true,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = tx.ExecContext(writeCtx,
		`INSERT INTO prompts (id, org_id, name, type, content, version, parent_prompt_id, is_active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		next.ID, next.OrgID, next.Name, next.Type, next.Content, next.Version,
		next.ParentPromptID, next.IsActive, next.CreatedBy, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert prompt version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return next, nil
}

// Delete removes an inactive prompt version. Active versions cannot be
// deleted; they must be superseded by an update first.
func (s *PromptService) Delete(ctx context.Context, id string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prompt, err := s.Get(writeCtx, id)
	if err != nil {
		return err
	}
	if prompt.IsActive {
		return NewValidationError("id", "cannot delete an active prompt version")
	}

	result, err := s.db.ExecContext(writeCtx,
		`DELETE FROM prompts WHERE id = $1 AND NOT is_active`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
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
