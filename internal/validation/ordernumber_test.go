package validation

import "testing"

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{"valid", "CAT-20260115-000042", true},
		{"valid large sequence", "CAT-20261231-999999", true},
		{"empty", "", false},
		{"wrong prefix", "ORD-20260115-000042", false},
		{"too short", "CAT-20260115-42", false},
		{"too long", "CAT-20260115-0000042", false},
		{"missing separator", "CAT-20260115x000042", false},
		{"bad date", "CAT-20261345-000042", false},
		{"letters in sequence", "CAT-20260115-0000AB", false},
		{"letters in date", "CAT-2026Q115-000042", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidOrderNumber(tt.number); got != tt.want {
				t.Errorf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.want)
			}
		})
	}
}
