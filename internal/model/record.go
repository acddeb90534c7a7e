package model

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Side identifies which input a record came from.
type Side string

const (
	SideInternal Side = "internal"
	SideProvider Side = "provider"
)

// ParseSide converts a user-supplied side name to a Side.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideInternal:
		return SideInternal, true
	case SideProvider:
		return SideProvider, true
	}
	return "", false
}

// AmountState distinguishes absent, numeric and malformed amounts.
type AmountState uint8

const (
	AmountNull AmountState = iota
	AmountNumber
	AmountNaN
)

// Amount is a nullable decimal that can also carry a not-a-number marker
// for cells that held non-numeric text.
type Amount struct {
	State AmountState
	Value decimal.Decimal // zero unless State == AmountNumber
	// Partial is set when trailing text after the numeric prefix was ignored.
	Partial bool
	// Infinite is set on NaN amounts whose cell held an infinity or a number
	// too large for a float64.
	Infinite bool
}

// numericPrefix matches the longest leading number, the way a lenient float
// parser reads "12.50 USD" as 12.50.
var numericPrefix = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)

var infinityPrefix = regexp.MustCompile(`^[+-]?(?i:infinity|inf)\b`)

// maxExponent bounds the decimal exponent of a parsed amount. Arithmetic
// between decimals rescales to the smaller exponent, so an unbounded one
// ("1e-999999999") would build an enormous integer.
const maxExponent = 400

// NullAmount returns an absent amount.
func NullAmount() Amount { return Amount{State: AmountNull} }

// NaNAmount returns a malformed amount.
func NaNAmount() Amount { return Amount{State: AmountNaN} }

// NumberAmount wraps d as a present amount.
func NumberAmount(d decimal.Decimal) Amount {
	return Amount{State: AmountNumber, Value: d}
}

// ParseAmount reads a raw cell. Empty or whitespace-only input is null; input
// without a leading number is NaN.
func ParseAmount(raw string) Amount {
	s := strings.TrimSpace(raw)
	if s == "" {
		return NullAmount()
	}

	prefix := numericPrefix.FindString(s)
	if prefix == "" {
		if infinityPrefix.MatchString(s) {
			return Amount{State: AmountNaN, Infinite: true}
		}
		return NaNAmount()
	}

	// Exponents on a bare "e" (e.g. "5e") are not matched by the regexp, so
	// the prefix is always something decimal can parse.
	d, err := decimal.NewFromString(strings.TrimPrefix(prefix, "+"))
	if err != nil {
		return NaNAmount()
	}

	f, _ := strconv.ParseFloat(prefix, 64)
	if math.IsInf(f, 0) {
		return Amount{State: AmountNaN, Infinite: true}
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		// Zero with a huge exponent, or a value below float64 precision.
		d = decimal.NewFromFloat(f)
	}

	a := NumberAmount(d)
	a.Partial = len(prefix) != len(s)
	return a
}

// IsNull reports whether the amount was absent.
func (a Amount) IsNull() bool { return a.State == AmountNull }

// IsNaN reports whether the amount was present but not numeric.
func (a Amount) IsNaN() bool { return a.State == AmountNaN }

// Comparable reports whether the amount holds a number.
func (a Amount) Comparable() bool { return a.State == AmountNumber }

// String renders the amount for display and export: "" for null, "NaN" for
// malformed input.
func (a Amount) String() string {
	switch a.State {
	case AmountNumber:
		return a.Value.String()
	case AmountNaN:
		return "NaN"
	default:
		return ""
	}
}

// Status is a normalized (trimmed, lowercased) status, or null.
type Status struct {
	Value string
	Valid bool
}

// NewStatus normalizes raw. Blank input yields a null status.
func NewStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Status{}
	}
	return Status{Value: s, Valid: true}
}

// String returns the normalized value, or "" for null.
func (s Status) String() string { return s.Value }

// Record is one normalized CSV row.
type Record struct {
	Reference string
	Amount    Amount
	Status    Status
	Fields    map[string]string // every original column, keyed by normalized header
	Line      int               // 1-based line in the source file
}
