// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// NormalizeUPC убирает префикс сканера "UPC:" и пробелы.
func NormalizeUPC(code string) string {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(code, "UPC:")
	return strings.TrimSpace(code)
}

// IsValidUPC проверяет штрихкод семейства GTIN (EAN-8, UPC-A, EAN-13, GTIN-14) по контрольной цифре.
func IsValidUPC(code string) bool {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	triple := false

	// Справа налево, начиная с контрольной цифры: веса 1, 3, 1, 3...
	for i := len(code) - 1; i >= 0; i-- {
		ch := rune(code[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if triple {
			digit *= 3
		}
		sum += digit
		triple = !triple
	}

	return sum%10 == 0
}

// IsValidPLU проверяет код весового товара: 4 или 5 цифр.
func IsValidPLU(code string) bool {
	if len(code) != 4 && len(code) != 5 {
		return false
	}
	for _, ch := range code {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// IsValidProductCode принимает либо штрихкод с верной контрольной цифрой, либо PLU.
func IsValidProductCode(code string) bool {
	return IsValidUPC(code) || IsValidPLU(code)
}
