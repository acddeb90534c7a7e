// Package reconcile matches internal records against provider records by
// transaction reference.
//
// The engine builds a reference index for each side and classifies every
// record in a single ordered pass per side, so a run is O(n+m):
//
//	e := reconcile.New(reconcile.DefaultOptions())
//	res, err := e.Reconcile(internal, provider)
//
// Engine holds no state between runs; identical inputs always produce an
// identical Result.
package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/tally/internal/model"
)

// DuplicatePolicy decides how repeated references within one side are treated.
type DuplicatePolicy string

const (
	// DuplicatesLastWins indexes the last record seen for a reference. Every
	// internal record is still classified, so earlier internal duplicates
	// match the same provider record.
	DuplicatesLastWins DuplicatePolicy = "last_wins"
	// DuplicatesReject fails the run with a DuplicateReferenceError.
	DuplicatesReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy resolves a policy name. Empty means last_wins.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(s) {
	case "", DuplicatesLastWins:
		return DuplicatesLastWins, nil
	case DuplicatesReject:
		return DuplicatesReject, nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q (want %s or %s)", s, DuplicatesLastWins, DuplicatesReject)
}

// DefaultTolerance is the largest amount difference still treated as equal.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Options configures an Engine.
type Options struct {
	AmountTolerance decimal.Decimal
	Duplicates      DuplicatePolicy
}

// DefaultOptions returns a 0.01 tolerance and last-wins duplicates.
func DefaultOptions() Options {
	return Options{
		AmountTolerance: DefaultTolerance,
		Duplicates:      DuplicatesLastWins,
	}
}

// Engine runs reconciliations with fixed options.
type Engine struct {
	opts Options
}

// New creates an Engine. A negative tolerance is treated as zero.
func New(opts Options) *Engine {
	if opts.AmountTolerance.IsNegative() {
		opts.AmountTolerance = decimal.Zero
	}
	if opts.Duplicates == "" {
		opts.Duplicates = DuplicatesLastWins
	}
	return &Engine{opts: opts}
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options { return e.opts }

// Reconcile classifies both sides. Both must be non-empty.
func (e *Engine) Reconcile(internal, provider []model.Record) (model.Result, error) {
	if err := checkEmpty(internal, provider); err != nil {
		return model.Result{}, err
	}
	if e.opts.Duplicates == DuplicatesReject {
		if err := checkDuplicates(internal, provider); err != nil {
			return model.Result{}, err
		}
	}

	providerByRef := index(provider)
	internalByRef := index(internal)

	var res model.Result
	for _, in := range internal {
		p, ok := providerByRef[in.Reference]
		if !ok {
			res.InternalOnly = append(res.InternalOnly, in)
			continue
		}

		m := e.compare(in, p)
		res.Matched = append(res.Matched, m)
		if !m.AmountMatch {
			res.AmountMismatches = append(res.AmountMismatches, m)
		}
		if !m.StatusMatch {
			res.StatusMismatches = append(res.StatusMismatches, m)
		}
	}

	for _, p := range provider {
		if _, ok := internalByRef[p.Reference]; !ok {
			res.ProviderOnly = append(res.ProviderOnly, p)
		}
	}

	res.Summary = model.Summary{
		TotalInternal:    len(internal),
		TotalProvider:    len(provider),
		Matched:          len(res.Matched),
		InternalOnly:     len(res.InternalOnly),
		ProviderOnly:     len(res.ProviderOnly),
		AmountMismatches: len(res.AmountMismatches),
		StatusMismatches: len(res.StatusMismatches),
	}
	return res, nil
}

// compare builds the MatchResult for a pair. Amounts are compared only when
// both are numbers; statuses only when both are present.
func (e *Engine) compare(in, p model.Record) model.MatchResult {
	m := model.MatchResult{
		Reference:   in.Reference,
		Internal:    in,
		Provider:    p,
		AmountMatch: true,
		StatusMatch: true,
	}

	if in.Amount.Comparable() && p.Amount.Comparable() {
		m.AmountDifference = in.Amount.Value.Sub(p.Amount.Value).Abs()
		if m.AmountDifference.GreaterThan(e.opts.AmountTolerance) {
			m.AmountMatch = false
		}
	}

	if in.Status.Valid && p.Status.Valid && in.Status.Value != p.Status.Value {
		m.StatusMatch = false
	}
	return m
}

// index maps reference to record; later records overwrite earlier ones.
func index(recs []model.Record) map[string]model.Record {
	m := make(map[string]model.Record, len(recs))
	for _, r := range recs {
		m[r.Reference] = r
	}
	return m
}
