// Package money implements the sompi/KAS conversion rules.
package money

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/dmz4pf/kasgate-sub001/pkg/apperror"
)

// SompiPerKas is the number of sompi in one KAS (1 KAS = 10^8 sompi).
const SompiPerKas = 100_000_000

var kasDecimalRe = regexp.MustCompile(`^\d+(\.\d{1,8})?$`)

// KasToSompi parses a decimal KAS string (e.g. "1.5") into its sompi value.
// Validates the input matches ^\d+(\.\d{1,8})?$, pads the fractional part to
// 8 digits, concatenates, and parses as a big integer.
func KasToSompi(kas string) (*big.Int, error) {
	if !kasDecimalRe.MatchString(kas) {
		return nil, apperror.ErrInvalidSompiString()
	}

	whole, frac, _ := strings.Cut(kas, ".")
	frac = frac + strings.Repeat("0", 8-len(frac))

	sompi, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, apperror.ErrInvalidSompiString()
	}
	return sompi, nil
}

// SompiToKas renders a sompi amount as a normalized decimal KAS string:
// trailing fractional zeros are stripped and an all-zero fractional part is
// dropped entirely, so SompiToKas(KasToSompi(x)) is x with trailing
// fractional zeros (and a then-empty fraction) removed.
func SompiToKas(sompi *big.Int) string {
	s := new(big.Int).Abs(sompi).String()
	neg := sompi.Sign() < 0

	for len(s) <= 8 {
		s = "0" + s
	}
	whole := s[:len(s)-8]
	frac := strings.TrimRight(s[len(s)-8:], "0")

	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
