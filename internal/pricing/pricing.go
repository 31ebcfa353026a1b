// Package pricing реализует расчёт стоимости заказа с учётом промокода,
// субсидии компании, налога и доставки. Расчёт — чистая функция: одинаковые
// входные данные всегда дают одинаковый результат.
package pricing

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/catering-system/internal/model"
)

// ErrInvalidInput возвращается при некорректных входных данных расчёта.
var ErrInvalidInput = errors.New("invalid pricing input")

// Item — позиция заказа для расчёта. Цена уже зафиксирована на момент
// оформления заказа.
type Item struct {
	FoodID         int64
	MealType       string
	Quantity       int64
	UnitPriceCents int64
}

// Input содержит все входные данные расчёта. Subsidy и Promo опциональны.
type Input struct {
	Items            []Item
	Subsidy          *model.SubsidyRule
	Promo            *model.Promotion
	DeliveryFeeCents int64
	// TaxRateBP — ставка налога в базисных пунктах (1000 = 10%).
	TaxRateBP int64
}

// Breakdown — детализация стоимости заказа в копейках.
type Breakdown struct {
	Subtotal       int64
	DiscountAmount int64
	SubsidyAmount  int64
	TaxAmount      int64
	DeliveryFee    int64
	TotalAmount    int64
	UserPayable    int64
	CompanyPayable int64
}

// Compute рассчитывает детализацию стоимости заказа.
func Compute(in Input) (*Breakdown, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidInput)
	}
	if in.DeliveryFeeCents < 0 {
		return nil, fmt.Errorf("%w: negative delivery fee", ErrInvalidInput)
	}
	if in.TaxRateBP < 0 {
		return nil, fmt.Errorf("%w: negative tax rate", ErrInvalidInput)
	}

	var subtotal int64
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: food %d quantity must be positive", ErrInvalidInput, it.FoodID)
		}
		if it.UnitPriceCents < 0 {
			return nil, fmt.Errorf("%w: food %d has negative price", ErrInvalidInput, it.FoodID)
		}
		subtotal += it.UnitPriceCents * it.Quantity
	}

	discount, err := discountAmount(in.Promo, subtotal)
	if err != nil {
		return nil, err
	}

	subsidy, err := subsidyAmount(in.Subsidy, in.Items, subtotal-discount)
	if err != nil {
		return nil, err
	}

	tax := roundHalfUpBP(subtotal-discount, in.TaxRateBP)
	total := subtotal - discount + tax + in.DeliveryFeeCents

	companyPayable := subsidy
	if companyPayable > total {
		companyPayable = total
	}
	userPayable := total - companyPayable
	if userPayable < 0 {
		userPayable = 0
	}

	return &Breakdown{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		SubsidyAmount:  subsidy,
		TaxAmount:      tax,
		DeliveryFee:    in.DeliveryFeeCents,
		TotalAmount:    total,
		UserPayable:    userPayable,
		CompanyPayable: companyPayable,
	}, nil
}

func discountAmount(promo *model.Promotion, subtotal int64) (int64, error) {
	if promo == nil {
		return 0, nil
	}
	if promo.Value < 0 {
		return 0, fmt.Errorf("%w: promotion value is negative", ErrInvalidInput)
	}

	switch promo.Type {
	case model.DiscountPercentage:
		if promo.Value > 100 {
			return 0, fmt.Errorf("%w: promotion percentage above 100", ErrInvalidInput)
		}
		d := roundHalfUpBP(subtotal, promo.Value*100)
		if promo.MaxDiscount > 0 && d > promo.MaxDiscount {
			d = promo.MaxDiscount
		}
		return d, nil
	case model.DiscountFixed:
		d := promo.Value
		if d > subtotal {
			d = subtotal
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%w: unknown promotion type %q", ErrInvalidInput, promo.Type)
	}
}

func subsidyAmount(rule *model.SubsidyRule, items []Item, base int64) (int64, error) {
	if rule == nil || !rule.Active {
		return 0, nil
	}
	if rule.Value < 0 {
		return 0, fmt.Errorf("%w: subsidy value is negative", ErrInvalidInput)
	}

	// Субсидия распространяется только на позиции подходящих типов питания.
	eligible := base
	if len(rule.MealTypes) > 0 {
		allowed := make(map[string]struct{}, len(rule.MealTypes))
		for _, mt := range rule.MealTypes {
			allowed[mt] = struct{}{}
		}

		var eligibleSubtotal int64
		for _, it := range items {
			if _, ok := allowed[it.MealType]; ok {
				eligibleSubtotal += it.UnitPriceCents * it.Quantity
			}
		}
		if eligibleSubtotal == 0 {
			return 0, fmt.Errorf("%w: subsidy rule excludes all order items", ErrInvalidInput)
		}
		if eligibleSubtotal < eligible {
			eligible = eligibleSubtotal
		}
	}

	var s int64
	switch rule.Type {
	case model.DiscountPercentage:
		if rule.Value > 100 {
			return 0, fmt.Errorf("%w: subsidy percentage above 100", ErrInvalidInput)
		}
		s = roundHalfUpBP(base, rule.Value*100)
		if rule.MaxAmount > 0 && s > rule.MaxAmount {
			s = rule.MaxAmount
		}
	case model.DiscountFixed:
		s = rule.Value
		if rule.MaxAmount > 0 && s > rule.MaxAmount {
			s = rule.MaxAmount
		}
	default:
		return 0, fmt.Errorf("%w: unknown subsidy type %q", ErrInvalidInput, rule.Type)
	}

	if s > eligible {
		s = eligible
	}
	return s, nil
}

// roundHalfUpBP умножает сумму на ставку в базисных пунктах с округлением
// к ближайшей копейке (половина — вверх).
func roundHalfUpBP(amount, rateBP int64) int64 {
	if amount <= 0 || rateBP <= 0 {
		return 0
	}
	return (amount*rateBP + 5000) / 10000
}
