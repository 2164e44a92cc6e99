// Package passgen generates random passwords and scores password strength.
package passgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/and161185/vaultkeeper/internal/errs"
)

// Length bounds.
const (
	MinLength     = 4
	MaxLength     = 128
	DefaultLength = 16
)

const (
	lower   = "abcdefghijklmnopqrstuvwxyz"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	symbols = `!@#$%^&*(),.?":{}|<>`
)

// Options control Generate.
type Options struct {
	Length  int  // 0 means DefaultLength
	Symbols bool // include symbols in the alphabet
}

// Generate returns a password drawn uniformly from letters and digits (and
// symbols when requested), containing at least one character of every
// class in the alphabet.
func Generate(o Options) (string, error) {
	n := o.Length
	if n == 0 {
		n = DefaultLength
	}
	if n < MinLength || n > MaxLength {
		return "", &errs.ValidationError{Field: "length", Reason: fmt.Sprintf("must be between %d and %d", MinLength, MaxLength)}
	}

	classes := []string{lower, upper, digits}
	if o.Symbols {
		classes = append(classes, symbols)
	}
	alphabet := strings.Join(classes, "")

	buf := make([]byte, n)
	for {
		for i := range buf {
			c, err := pick(alphabet)
			if err != nil {
				return "", err
			}
			buf[i] = c
		}
		if hasAll(buf, classes) {
			return string(buf), nil
		}
	}
}

func pick(alphabet string) (byte, error) {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	return alphabet[i.Int64()], nil
}

func hasAll(pw []byte, classes []string) bool {
	for _, c := range classes {
		if !strings.ContainsAny(string(pw), c) {
			return false
		}
	}
	return true
}

// Strength scores pw from 0 to 5, one point each for length of at least 8,
// a digit, a lowercase letter, an uppercase letter and a symbol.
func Strength(pw string) int {
	score := 0
	if len([]rune(pw)) >= 8 {
		score++
	}
	var d, l, u, s bool
	for _, r := range pw {
		switch {
		case unicode.IsDigit(r):
			d = true
		case unicode.IsLower(r):
			l = true
		case unicode.IsUpper(r):
			u = true
		case strings.ContainsRune(symbols, r):
			s = true
		}
	}
	for _, ok := range []bool{d, l, u, s} {
		if ok {
			score++
		}
	}
	return score
}

// Label names a Strength score.
func Label(score int) string {
	switch {
	case score <= 1:
		return "very weak"
	case score == 2:
		return "weak"
	case score == 3:
		return "fair"
	case score == 4:
		return "strong"
	default:
		return "very strong"
	}
}
