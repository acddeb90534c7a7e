// Package normalize converts parsed CSV rows into reconciliation records.
package normalize

import (
	"fmt"
	"io"
	"strings"

	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/model"
)

// Column names the normalizer reads. Headers are already normalized by the
// importer.
const (
	ColumnReference = "transaction_reference"
	ColumnAmount    = "amount"
	ColumnStatus    = "status"
)

// RequiredColumns must be present in every batch.
var RequiredColumns = []string{ColumnReference}

// MissingColumnsError reports required headers absent from a file.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing required columns: %s", strings.Join(e.Columns, ", "))
}

// Warning flags a row that was kept but whose data looks wrong.
type Warning struct {
	Line    int
	Column  string
	Value   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s %q: %s", w.Line, w.Column, w.Value, w.Message)
}

// Batch is the normalized content of one file.
type Batch struct {
	Columns   []string // header order, for export
	Records   []model.Record
	Discarded int // rows dropped for an empty reference
	Warnings  []Warning
}

// ReadBatch parses and normalizes a CSV stream.
func ReadBatch(r io.Reader, opts importer.Options) (*Batch, error) {
	tbl, err := importer.Read(r, opts)
	if err != nil {
		return nil, err
	}
	return Normalize(tbl)
}

// Normalize validates the header and converts every row. A missing required
// column fails the whole batch.
func Normalize(tbl *importer.Table) (*Batch, error) {
	var missing []string
	for _, col := range RequiredColumns {
		if !tbl.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	b := &Batch{
		Columns: append([]string(nil), tbl.Columns...),
		Records: make([]model.Record, 0, len(tbl.Rows)),
	}
	for _, row := range tbl.Rows {
		rec, ok := Row(row)
		if !ok {
			b.Discarded++
			continue
		}
		if w, bad := amountWarning(row, rec); bad {
			b.Warnings = append(b.Warnings, w)
		}
		b.Records = append(b.Records, rec)
	}
	return b, nil
}

// Row normalizes a single row. It returns false when the reference is empty
// and the row should be dropped.
func Row(row importer.Row) (model.Record, bool) {
	ref := strings.TrimSpace(row.Cells[ColumnReference])
	if ref == "" {
		return model.Record{}, false
	}

	fields := make(map[string]string, len(row.Cells))
	for k, v := range row.Cells {
		fields[k] = v
	}

	return model.Record{
		Reference: ref,
		Amount:    model.ParseAmount(row.Cells[ColumnAmount]),
		Status:    model.NewStatus(row.Cells[ColumnStatus]),
		Fields:    fields,
		Line:      row.Line,
	}, true
}

func amountWarning(row importer.Row, rec model.Record) (Warning, bool) {
	raw := row.Cells[ColumnAmount]
	switch {
	case rec.Amount.Infinite:
		return Warning{
			Line:    row.Line,
			Column:  ColumnAmount,
			Value:   raw,
			Message: "out of range; amount will not be compared",
		}, true
	case rec.Amount.IsNaN():
		return Warning{
			Line:    row.Line,
			Column:  ColumnAmount,
			Value:   raw,
			Message: "not a number; amount will not be compared",
		}, true
	case rec.Amount.Partial:
		return Warning{
			Line:    row.Line,
			Column:  ColumnAmount,
			Value:   raw,
			Message: fmt.Sprintf("trailing text ignored; read as %s", rec.Amount),
		}, true
	}
	return Warning{}, false
}
