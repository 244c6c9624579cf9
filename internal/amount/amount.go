// Package amount formats integer base-unit balances for display.
//
// Fractions are truncated, never rounded, so a displayed balance can not
// overstate what is spendable.
package amount

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Fraction digit limits per asset kind.
const (
	TokenFractionDigits  = 2
	NativeFractionDigits = 3
)

// NativeDecimals is the lamport scale of one SOL.
const NativeDecimals = 9

// maxDecimals keeps 10^decimals inside int64.
const maxDecimals = 18

// FormatError reports input that can not be rendered as an amount.
type FormatError struct {
	Raw      int64
	Decimals int
	Reason   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format amount %d (decimals %d): %s", e.Raw, e.Decimals, e.Reason)
}

// FormatBaseUnits renders a fungible token balance with at most two
// fractional digits.
func FormatBaseUnits(raw int64, decimals int) (string, error) {
	return Format(raw, decimals, TokenFractionDigits)
}

// FormatNative renders a native currency balance with at most three
// fractional digits.
func FormatNative(raw int64, decimals int) (string, error) {
	return Format(raw, decimals, NativeFractionDigits)
}

// Format divides raw by 10^decimals, truncates to maxFraction digits,
// groups thousands in the integer part and drops a zero fraction.
func Format(raw int64, decimals, maxFraction int) (string, error) {
	switch {
	case raw < 0:
		return "", &FormatError{Raw: raw, Decimals: decimals, Reason: "negative amount"}
	case decimals < 0 || decimals > maxDecimals:
		return "", &FormatError{Raw: raw, Decimals: decimals, Reason: "decimals out of range"}
	case maxFraction < 0:
		return "", &FormatError{Raw: raw, Decimals: decimals, Reason: "negative fraction digits"}
	}

	scale := int64(1)
	for i := 0; i < decimals; i++ {
		scale *= 10
	}
	whole := raw / scale
	rem := raw % scale

	grouped := message.NewPrinter(language.English).Sprintf("%d", whole)
	if decimals == 0 || maxFraction == 0 {
		return grouped, nil
	}

	frac := fmt.Sprintf("%0*d", decimals, rem)
	if len(frac) > maxFraction {
		frac = frac[:maxFraction]
	}
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return grouped, nil
	}
	return grouped + "." + frac, nil
}

// FromUint64 converts a chain-reported amount to the formatter's input type.
func FromUint64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, &FormatError{Raw: math.MaxInt64, Reason: fmt.Sprintf("amount %d overflows int64", v)}
	}
	return int64(v), nil
}

// OrZero returns s, or "0" when err is non-nil. Display code uses it so a
// bad amount shows as an empty balance instead of failing the view.
func OrZero(s string, err error) string {
	if err != nil {
		return "0"
	}
	return s
}
