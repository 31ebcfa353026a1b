package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/catering-system/internal/model"
)

// GetFoods возвращает доступные блюда по списку идентификаторов.
// Если хотя бы одно блюдо не найдено или недоступно — ErrFoodNotFound.
func (r *PostgresRepository) GetFoods(ctx context.Context, ids []int64) (map[int64]model.Food, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, meal_type, price_cents, available
		 FROM foods
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select foods: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]model.Food, len(ids))
	for rows.Next() {
		var f model.Food
		if err := rows.Scan(&f.ID, &f.Name, &f.MealType, &f.PriceCents, &f.Available); err != nil {
			return nil, fmt.Errorf("scan food: %w", err)
		}
		res[f.ID] = f
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, id := range ids {
		f, ok := res[id]
		if !ok || !f.Available {
			return nil, fmt.Errorf("%w: food %d", ErrFoodNotFound, id)
		}
	}

	return res, nil
}

// GetSubsidyRule возвращает активное правило субсидирования компании.
// Отсутствие правила не является ошибкой: возвращается nil.
func (r *PostgresRepository) GetSubsidyRule(ctx context.Context, companyID int64) (*model.SubsidyRule, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, company_id, discount_type, value, max_amount, meal_types, active
		 FROM subsidy_rules
		 WHERE company_id = $1 AND active
		 ORDER BY id DESC
		 LIMIT 1`,
		companyID,
	)

	var rule model.SubsidyRule
	err := row.Scan(&rule.ID, &rule.CompanyID, &rule.Type, &rule.Value, &rule.MaxAmount, &rule.MealTypes, &rule.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subsidy rule: %w", err)
	}

	return &rule, nil
}

// GetPromotion возвращает промокод по коду.
func (r *PostgresRepository) GetPromotion(ctx context.Context, code string) (*model.Promotion, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, discount_type, value, max_discount, active, valid_from, valid_until
		 FROM promotions
		 WHERE code = $1`,
		code,
	)

	var p model.Promotion
	err := row.Scan(&p.ID, &p.Code, &p.Type, &p.Value, &p.MaxDiscount, &p.Active, &p.ValidFrom, &p.ValidUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromotionNotFound
		}
		return nil, fmt.Errorf("get promotion: %w", err)
	}

	return &p, nil
}
