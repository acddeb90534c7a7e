// Package importer turns uploaded CSV bytes into header-keyed rows.
//
// Headers are normalized (trimmed, lowercased, whitespace runs replaced by
// underscores) so "Transaction Reference" and "transaction_reference" name
// the same column. Cell values are left untouched.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/transform"
)

// ErrNoHeader is returned for input with no header row.
var ErrNoHeader = errors.New("missing header row")

// ParseError reports malformed CSV input.
type ParseError struct {
	Line int // 0 when unknown
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parsing CSV: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parsing CSV: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options controls decoding and tokenizing.
type Options struct {
	Encoding Encoding
	Comma    rune // 0 means ','
}

// Row is one data row. Cells holds only the columns the row actually
// supplied; a short row lacks its trailing cells.
type Row struct {
	Line  int
	Cells map[string]string
}

// Table is a parsed CSV file.
type Table struct {
	Columns []string // normalized header names, unique, in file order
	Rows    []Row
}

// HasColumn reports whether the header contains name (already normalized).
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// NormalizeHeader lowercases a header name, trims it and joins internal
// whitespace runs with underscores.
func NormalizeHeader(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// Read parses r into a Table. The header row is mandatory.
func Read(r io.Reader, opts Options) (*Table, error) {
	dec, err := opts.Encoding.transformer()
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.FieldsPerRecord = -1
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Line: 1, Err: ErrNoHeader}
	}
	if err != nil {
		return nil, wrapParseError(err)
	}

	keys := make([]string, len(header))
	var columns []string
	seen := make(map[string]bool, len(header))
	for i, h := range header {
		key := NormalizeHeader(h)
		keys[i] = key
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		columns = append(columns, key)
	}
	if len(columns) == 0 {
		return nil, &ParseError{Line: 1, Err: ErrNoHeader}
	}

	t := &Table{Columns: columns}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapParseError(err)
		}

		line, _ := cr.FieldPos(0)
		cells := make(map[string]string, len(rec))
		for i, v := range rec {
			if i >= len(keys) {
				break
			}
			if keys[i] == "" {
				continue
			}
			// Duplicate headers: the rightmost column wins.
			cells[keys[i]] = v
		}
		t.Rows = append(t.Rows, Row{Line: line, Cells: cells})
	}
	return t, nil
}

func wrapParseError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Line: pe.Line, Err: pe.Err}
	}
	return &ParseError{Err: err}
}
