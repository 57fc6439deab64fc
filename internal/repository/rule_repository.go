package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/yourorg/marketsync/internal/model"
)

// RuleRepository persists price rules in Postgres.
type RuleRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

const ruleColumns = `id, user_id, instrument_id, kind, direction, threshold,
	side, quantity, quantity_kind, active, created_at, updated_at`

// CreateRule inserts a new active rule and returns it with its ID assigned.
func (r *RuleRepository) CreateRule(ctx context.Context, rule *model.Rule) (*model.Rule, error) {
	err := r.db.GetContext(ctx, rule, `
		INSERT INTO rules (user_id, instrument_id, kind, direction, threshold,
			side, quantity, quantity_kind, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW(), NOW())
		RETURNING `+ruleColumns,
		rule.UserID, rule.InstrumentID, rule.Kind, rule.Direction, rule.Threshold,
		rule.Side, rule.Quantity, rule.QuantityKind)
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	return rule, nil
}

// GetRule retrieves a rule by ID
func (r *RuleRepository) GetRule(ctx context.Context, id int64) (*model.Rule, error) {
	var rule model.Rule
	err := r.db.GetContext(ctx, &rule,
		"SELECT "+ruleColumns+" FROM rules WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// GetActiveRules retrieves every active rule ordered by instrument.
func (r *RuleRepository) GetActiveRules(ctx context.Context) ([]model.Rule, error) {
	var out []model.Rule
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+ruleColumns+" FROM rules WHERE active = TRUE ORDER BY instrument_id, id")
	if err != nil {
		return nil, fmt.Errorf("failed to get active rules: %w", err)
	}
	return out, nil
}

// GetActiveRulesByUser retrieves a user's active rules.
func (r *RuleRepository) GetActiveRulesByUser(ctx context.Context, userID int) ([]model.Rule, error) {
	var out []model.Rule
	err := r.db.SelectContext(ctx, &out,
		"SELECT "+ruleColumns+" FROM rules WHERE active = TRUE AND user_id = $1 ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user rules: %w", err)
	}
	return out, nil
}

// DeactivateRule flips an alert rule off. Returns whether a row changed, so
// a concurrent sweep that lost the race sees false.
func (r *RuleRepository) DeactivateRule(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE rules SET active = FALSE, updated_at = NOW() WHERE id = $1 AND active = TRUE", id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRule removes a trade rule. Returns whether a row was deleted.
func (r *RuleRepository) DeleteRule(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM rules WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
