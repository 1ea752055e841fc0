package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// GuidelineRepository reads the guideline-recommendation corpus. It
// serves the matcher's snapshot reloads, so it returns whole result
// sets; per-request filtering happens against the in-memory snapshot.
type GuidelineRepository struct {
	db  *sql.DB
	log *logrus.Logger
}

func NewGuidelineRepository(db *sql.DB, logger *logrus.Logger) *GuidelineRepository {
	return &GuidelineRepository{
		db:  db,
		log: logger,
	}
}

// FetchActiveRules returns every active rule, optionally restricted to
// those revised at or after updatedAfter. Predicates are attached later
// by the snapshot loader, not here.
func (r *GuidelineRepository) FetchActiveRules(ctx context.Context, updatedAfter time.Time) ([]domain.GuidelineRule, error) {
	query := `
		SELECT id, name, disease, condition_text, evidence_level, content,
			   source_ref, effective_from, is_active
		FROM guideline_recommendations
		WHERE is_active = TRUE`
	args := []any{}
	if !updatedAfter.IsZero() {
		query += ` AND update_date >= $1`
		args = append(args, updatedAfter)
	}
	query += ` ORDER BY effective_from DESC, name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.WithError(err).Error("Failed to fetch guideline rules")
		return nil, fmt.Errorf("fetching guideline rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.GuidelineRule
	for rows.Next() {
		var rule domain.GuidelineRule
		if err := rows.Scan(
			&rule.ID,
			&rule.Name,
			&rule.Disease,
			&rule.Condition,
			&rule.Level,
			&rule.Content,
			&rule.Source,
			&rule.EffectiveFrom,
			&rule.Active,
		); err != nil {
			return nil, fmt.Errorf("scanning guideline rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guideline rules: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"rules": len(rules),
	}).Debug("guideline rules fetched")

	return rules, nil
}

// GetRule returns one rule by id regardless of active flag, for
// provenance lookups on historical recommendations.
func (r *GuidelineRepository) GetRule(ctx context.Context, id string) (*domain.GuidelineRule, error) {
	query := `
		SELECT id, name, disease, condition_text, evidence_level, content,
			   source_ref, effective_from, is_active
		FROM guideline_recommendations
		WHERE id = $1`

	var rule domain.GuidelineRule
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&rule.ID,
		&rule.Name,
		&rule.Disease,
		&rule.Condition,
		&rule.Level,
		&rule.Content,
		&rule.Source,
		&rule.EffectiveFrom,
		&rule.Active,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("guideline rule %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching guideline rule: %w", err)
	}
	return &rule, nil
}
