// Package export serializes reconciliation results as CSV downloads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/normalize"
)

// Kind selects which subset of a result is exported.
type Kind string

const (
	KindMatched      Kind = "matched"
	KindInternalOnly Kind = "internal_only"
	KindProviderOnly Kind = "provider_only"
)

// Kinds lists every export kind in display order.
var Kinds = []Kind{KindMatched, KindInternalOnly, KindProviderOnly}

// ParseKind resolves an export kind name. Hyphens are accepted in place of
// underscores.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown export kind %q", s)
}

// MatchedHeader is the CSV header of the matched export.
const MatchedHeader = "transaction_reference,internal_amount,provider_amount,amount_difference,amount_match,internal_status,provider_status,status_match"

const (
	numMatchFields  = 8
	colRef          = 0
	colInternalAmt  = 1
	colProviderAmt  = 2
	colDifference   = 3
	colAmountMatch  = 4
	colInternalStat = 5
	colProviderStat = 6
	colStatusMatch  = 7

	fileTimeFormat = "20060102-150405"
)

// defaultColumns is used for one-sided exports when the source header is
// unknown.
var defaultColumns = []string{normalize.ColumnReference, normalize.ColumnAmount, normalize.ColumnStatus}

// Write serializes the subset of res selected by kind. The column lists give
// the original header order of each side for the one-sided exports.
func Write(w io.Writer, kind Kind, res model.Result, internalColumns, providerColumns []string) error {
	switch kind {
	case KindMatched:
		return WriteMatched(w, res.Matched)
	case KindInternalOnly:
		return WriteRecords(w, internalColumns, res.InternalOnly)
	case KindProviderOnly:
		return WriteRecords(w, providerColumns, res.ProviderOnly)
	}
	return fmt.Errorf("unknown export kind %q", kind)
}

// WriteMatched writes matched pairs (including header).
func WriteMatched(w io.Writer, matches []model.MatchResult) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(strings.Split(MatchedHeader, ",")); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, m := range matches {
		if err := cw.Write(MarshalMatch(m)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRecords writes one-sided records in the given column order
// (including header).
func WriteRecords(w io.Writer, columns []string, recs []model.Record) error {
	if len(columns) == 0 {
		columns = defaultColumns
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, rec := range recs {
		if err := cw.Write(MarshalRecord(columns, rec)); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// MarshalMatch flattens a MatchResult into a CSV row.
func MarshalMatch(m model.MatchResult) []string {
	row := make([]string, numMatchFields)
	row[colRef] = m.Reference
	row[colInternalAmt] = m.Internal.Amount.String()
	row[colProviderAmt] = m.Provider.Amount.String()
	row[colDifference] = Difference(m)
	row[colAmountMatch] = yesNo(m.AmountMatch)
	row[colInternalStat] = m.Internal.Status.String()
	row[colProviderStat] = m.Provider.Status.String()
	row[colStatusMatch] = yesNo(m.StatusMatch)
	return row
}

// MarshalRecord converts a record to a CSV row. The engine's columns carry
// normalized values; every other column passes through unchanged.
func MarshalRecord(columns []string, rec model.Record) []string {
	row := make([]string, len(columns))
	for i, col := range columns {
		switch col {
		case normalize.ColumnReference:
			row[i] = rec.Reference
		case normalize.ColumnAmount:
			row[i] = rec.Amount.String()
		case normalize.ColumnStatus:
			row[i] = rec.Status.String()
		default:
			row[i] = rec.Fields[col]
		}
	}
	return row
}

// Difference renders the amount difference of a pair, or "" when either
// amount is null or NaN.
func Difference(m model.MatchResult) string {
	if !m.Internal.Amount.Comparable() || !m.Provider.Amount.Comparable() {
		return ""
	}
	return m.AmountDifference.String()
}

// FileName is the download name for an export taken at t.
func FileName(kind Kind, t time.Time) string {
	base := string(kind)
	if kind == KindMatched {
		base = "matched_transactions"
	}
	return fmt.Sprintf("%s_%s.csv", base, t.UTC().Format(fileTimeFormat))
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
