package pricing

import (
	"errors"
	"testing"

	"github.com/mmeshcher/catering-system/internal/model"
)

func TestComputeDeterministic(t *testing.T) {
	in := Input{
		Items: []Item{
			{FoodID: 1, MealType: "lunch", Quantity: 2, UnitPriceCents: 150_00},
			{FoodID: 2, MealType: "lunch", Quantity: 1, UnitPriceCents: 200_00},
		},
		Promo: &model.Promotion{
			Type:        model.DiscountPercentage,
			Value:       10,
			MaxDiscount: 30_00,
		},
		Subsidy: &model.SubsidyRule{
			Type:      model.DiscountPercentage,
			Value:     50,
			MaxAmount: 100_00,
			Active:    true,
		},
		DeliveryFeeCents: 50_00,
		TaxRateBP:        1000,
	}

	first, err := Compute(in)
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := Compute(in)
		if err != nil {
			t.Fatalf("Compute error on repeat: %v", err)
		}
		if *again != *first {
			t.Fatalf("Compute is not deterministic: %+v vs %+v", again, first)
		}
	}
}

func TestComputeBreakdown(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Breakdown
	}{
		{
			name: "no promo no subsidy",
			in: Input{
				Items:            []Item{{FoodID: 1, Quantity: 2, UnitPriceCents: 100_00}},
				DeliveryFeeCents: 20_00,
				TaxRateBP:        1000,
			},
			want: Breakdown{
				Subtotal:    200_00,
				TaxAmount:   20_00,
				DeliveryFee: 20_00,
				TotalAmount: 240_00,
				UserPayable: 240_00,
			},
		},
		{
			// Субсидия 50% с потолком: сценарий с кэпом 200 000.
			name: "percentage subsidy capped",
			in: Input{
				Items: []Item{{FoodID: 1, MealType: "lunch", Quantity: 5, UnitPriceCents: 100_000}},
				Subsidy: &model.SubsidyRule{
					Type:      model.DiscountPercentage,
					Value:     50,
					MaxAmount: 200_000,
					Active:    true,
				},
			},
			want: Breakdown{
				Subtotal:       500_000,
				SubsidyAmount:  200_000,
				TotalAmount:    500_000,
				UserPayable:    300_000,
				CompanyPayable: 200_000,
			},
		},
		{
			name: "fixed promo never exceeds subtotal",
			in: Input{
				Items: []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: 50_00}},
				Promo: &model.Promotion{Type: model.DiscountFixed, Value: 80_00},
			},
			want: Breakdown{
				Subtotal:       50_00,
				DiscountAmount: 50_00,
			},
		},
		{
			name: "subsidy covers whole order",
			in: Input{
				Items: []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: 100_00}},
				Subsidy: &model.SubsidyRule{
					Type:   model.DiscountFixed,
					Value:  500_00,
					Active: true,
				},
			},
			want: Breakdown{
				Subtotal:       100_00,
				SubsidyAmount:  100_00,
				TotalAmount:    100_00,
				UserPayable:    0,
				CompanyPayable: 100_00,
			},
		},
		{
			name: "inactive subsidy ignored",
			in: Input{
				Items:   []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: 100_00}},
				Subsidy: &model.SubsidyRule{Type: model.DiscountFixed, Value: 50_00},
			},
			want: Breakdown{
				Subtotal:    100_00,
				TotalAmount: 100_00,
				UserPayable: 100_00,
			},
		},
		{
			name: "tax rounds half up",
			in: Input{
				Items:     []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: 5}},
				TaxRateBP: 1000,
			},
			want: Breakdown{
				Subtotal:    5,
				TaxAmount:   1,
				TotalAmount: 6,
				UserPayable: 6,
			},
		},
		{
			name: "subsidy applies only to eligible meal types",
			in: Input{
				Items: []Item{
					{FoodID: 1, MealType: "lunch", Quantity: 1, UnitPriceCents: 100_00},
					{FoodID: 2, MealType: "dinner", Quantity: 1, UnitPriceCents: 300_00},
				},
				Subsidy: &model.SubsidyRule{
					Type:      model.DiscountPercentage,
					Value:     100,
					MealTypes: []string{"lunch"},
					Active:    true,
				},
			},
			want: Breakdown{
				Subtotal:       400_00,
				SubsidyAmount:  100_00,
				TotalAmount:    400_00,
				UserPayable:    300_00,
				CompanyPayable: 100_00,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.in)
			if err != nil {
				t.Fatalf("Compute error: %v", err)
			}
			if *got != tt.want {
				t.Fatalf("Compute = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestComputeInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{name: "empty items", in: Input{}},
		{
			name: "zero quantity",
			in:   Input{Items: []Item{{FoodID: 1, Quantity: 0, UnitPriceCents: 100}}},
		},
		{
			name: "negative price",
			in:   Input{Items: []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: -1}}},
		},
		{
			name: "subsidy excludes all items",
			in: Input{
				Items: []Item{{FoodID: 1, MealType: "dinner", Quantity: 1, UnitPriceCents: 100}},
				Subsidy: &model.SubsidyRule{
					Type:      model.DiscountPercentage,
					Value:     50,
					MealTypes: []string{"lunch"},
					Active:    true,
				},
			},
		},
		{
			name: "promotion percentage above 100",
			in: Input{
				Items: []Item{{FoodID: 1, Quantity: 1, UnitPriceCents: 100}},
				Promo: &model.Promotion{Type: model.DiscountPercentage, Value: 150},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
