// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"strings"
)

var cardPattern = regexp.MustCompile(`^[A-Z0-9]{8,12}$`)

// NormalizeCardNumber приводит номер медицинской карты к каноническому виду.
func NormalizeCardNumber(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}

// IsValidCardNumber проверяет формат номера медицинской карты:
// от 8 до 12 латинских букв и цифр после нормализации.
func IsValidCardNumber(number string) bool {
	return cardPattern.MatchString(NormalizeCardNumber(number))
}
