// Package card generates, validates, masks and encrypts card numbers.
//
// Numbers are 16 digits: a leading "4", fourteen random digits and a Luhn
// check digit. Only the masked form and the encrypted form ever leave this
// package boundary in stored data.
package card

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const numberLength = 16

// Generate produces a Luhn-valid 16-digit card number starting with "4".
// The fourteen payload digits come from a cryptographically secure source.
func Generate() (string, error) {
	buf := make([]byte, numberLength-2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random digits: %w", err)
	}

	var b strings.Builder
	b.WriteByte('4')
	for _, v := range buf {
		b.WriteByte(v%10 + '0')
	}
	b.WriteByte(checkDigit(b.String()) + '0')
	return b.String(), nil
}

// Valid reports whether number is a well-formed 16-digit Luhn-valid card
// number. Malformed input (wrong length, non-digits) is invalid, not an error.
func Valid(number string) bool {
	if len(number) != numberLength {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d = d/10 + d%10
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Mask returns the display form "**** **** **** 1234".
func Mask(number string) (string, error) {
	if len(number) != numberLength {
		return "", fmt.Errorf("card number must be %d digits, got %d", numberLength, len(number))
	}
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return "", fmt.Errorf("card number contains non-digit characters")
		}
	}
	return "**** **** **** " + number[12:], nil
}

// checkDigit computes the Luhn check digit over the 15 payload digits.
func checkDigit(payload string) byte {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		d := int(payload[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d = d/10 + d%10
			}
		}
		sum += d
		double = !double
	}
	return byte((10 - sum%10) % 10)
}
