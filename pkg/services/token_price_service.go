package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guptadeepak8/archestra/pkg/models"
)

// TokenPriceService manages per-model token prices used to convert usage
// counters into dollars for model-scoped limits.
type TokenPriceService struct {
	db *sql.DB
}

// NewTokenPriceService creates a new TokenPriceService
func NewTokenPriceService(db *sql.DB) *TokenPriceService {
	return &TokenPriceService{db: db}
}

// GetByModel retrieves the token price for a model
func (s *TokenPriceService) GetByModel(ctx context.Context, model string) (*models.TokenPrice, error) {
	var price models.TokenPrice
	err := s.db.QueryRowContext(ctx,
		`SELECT model, price_per_million_input, price_per_million_output, updated_at
		 FROM token_prices WHERE model = $1`, model).
		Scan(&price.Model, &price.PricePerMillionInput, &price.PricePerMillionOutput, &price.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token price: %w", err)
	}

	return &price, nil
}

// Upsert sets the token price for a model
func (s *TokenPriceService) Upsert(ctx context.Context, req models.UpsertTokenPriceRequest) (*models.TokenPrice, error) {
	if req.Model == "" {
		return nil, NewValidationError("model", "required")
	}
	if req.PricePerMillionInput < 0 || req.PricePerMillionOutput < 0 {
		return nil, NewValidationError("price_per_million", "must not be negative")
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var price models.TokenPrice
	err := s.db.QueryRowContext(writeCtx,
		`INSERT INTO token_prices (model, price_per_million_input, price_per_million_output, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (model) DO UPDATE
		 SET price_per_million_input = EXCLUDED.price_per_million_input,
		     price_per_million_output = EXCLUDED.price_per_million_output,
		     updated_at = now()
		 RETURNING model, price_per_million_input, price_per_million_output, updated_at`,
		req.Model, req.PricePerMillionInput, req.PricePerMillionOutput).
		Scan(&price.Model, &price.PricePerMillionInput, &price.PricePerMillionOutput, &price.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert token price: %w", err)
	}

	return &price, nil
}

// List returns all token prices ordered by model
func (s *TokenPriceService) List(ctx context.Context) ([]*models.TokenPrice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, price_per_million_input, price_per_million_output, updated_at
		 FROM token_prices ORDER BY model ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list token prices: %w", err)
	}
	defer rows.Close()

	var prices []*models.TokenPrice
	for rows.Next() {
		var price models.TokenPrice
		if err := rows.Scan(&price.Model, &price.PricePerMillionInput,
			&price.PricePerMillionOutput, &price.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token price: %w", err)
		}
		prices = append(prices, &price)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token prices: %w", err)
	}

	return prices, nil
}
