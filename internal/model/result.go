package model

import "github.com/shopspring/decimal"

// MatchResult pairs an internal record with the provider record sharing its
// reference.
type MatchResult struct {
	Reference   string
	Internal    Record
	Provider    Record
	AmountMatch bool
	StatusMatch bool
	// AmountDifference is |internal - provider|, zero when either side is
	// not comparable.
	AmountDifference decimal.Decimal
}

// Summary holds the counts shown alongside a result.
type Summary struct {
	TotalInternal    int
	TotalProvider    int
	Matched          int
	InternalOnly     int
	ProviderOnly     int
	AmountMismatches int
	StatusMismatches int
}

// MatchRate returns matched internal records as a percentage of all
// internal records, rounded to two places.
func (s Summary) MatchRate() decimal.Decimal {
	if s.TotalInternal == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Matched)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(s.TotalInternal))).
		Round(2)
}

// Result is the classified outcome of one reconciliation run.
type Result struct {
	Matched          []MatchResult // internal input order
	InternalOnly     []Record      // internal input order
	ProviderOnly     []Record      // provider input order
	AmountMismatches []MatchResult // subsequence of Matched
	StatusMismatches []MatchResult // subsequence of Matched
	Summary          Summary
}
