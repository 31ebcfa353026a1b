// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"time"
)

const (
	orderNumberPrefix = "CAT-"
	orderNumberLen    = len("CAT-20060102-000000")
)

// IsValidOrderNumber проверяет формат номера заказа CAT-YYYYMMDD-NNNNNN.
func IsValidOrderNumber(number string) bool {
	if len(number) != orderNumberLen || !strings.HasPrefix(number, orderNumberPrefix) {
		return false
	}

	if number[12] != '-' {
		return false
	}

	if _, err := time.Parse("20060102", number[4:12]); err != nil {
		return false
	}

	for i := 13; i < orderNumberLen; i++ {
		if number[i] < '0' || number[i] > '9' {
			return false
		}
	}

	return true
}
