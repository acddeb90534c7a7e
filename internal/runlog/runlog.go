// Package runlog keeps a CSV history of reconciliation runs.
package runlog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cleared-dev/tally/internal/model"
)

// FileName is the history file created inside the log directory.
const FileName = "tally-runs.csv"

// Header is the CSV header for tally-runs.csv.
const Header = "timestamp,internal_file,provider_file,total_internal,total_provider,matched,internal_only,provider_only,amount_mismatches,status_mismatches"

const (
	numFields        = 10
	colTimestamp     = 0
	colInternalFile  = 1
	colProviderFile  = 2
	colTotalInternal = 3
	colTotalProvider = 4
	colMatched       = 5
	colInternalOnly  = 6
	colProviderOnly  = 7
	colAmountMis     = 8
	colStatusMis     = 9
)

// Entry is one reconciliation run.
type Entry struct {
	Timestamp    time.Time
	InternalFile string
	ProviderFile string
	Summary      model.Summary
}

// MarshalEntry converts an Entry to a CSV row.
func MarshalEntry(e Entry) []string {
	row := make([]string, numFields)
	row[colTimestamp] = e.Timestamp.UTC().Format(time.RFC3339)
	row[colInternalFile] = e.InternalFile
	row[colProviderFile] = e.ProviderFile
	row[colTotalInternal] = strconv.Itoa(e.Summary.TotalInternal)
	row[colTotalProvider] = strconv.Itoa(e.Summary.TotalProvider)
	row[colMatched] = strconv.Itoa(e.Summary.Matched)
	row[colInternalOnly] = strconv.Itoa(e.Summary.InternalOnly)
	row[colProviderOnly] = strconv.Itoa(e.Summary.ProviderOnly)
	row[colAmountMis] = strconv.Itoa(e.Summary.AmountMismatches)
	row[colStatusMis] = strconv.Itoa(e.Summary.StatusMismatches)
	return row
}

// UnmarshalEntry converts a CSV row to an Entry.
func UnmarshalEntry(record []string) (Entry, error) {
	if len(record) != numFields {
		return Entry{}, fmt.Errorf("expected %d fields, got %d", numFields, len(record))
	}

	ts, err := time.Parse(time.RFC3339, record[colTimestamp])
	if err != nil {
		return Entry{}, fmt.Errorf("parsing timestamp %q: %w", record[colTimestamp], err)
	}

	counts := make([]int, 0, numFields-colTotalInternal)
	for col := colTotalInternal; col < numFields; col++ {
		n, err := strconv.Atoi(record[col])
		if err != nil {
			return Entry{}, fmt.Errorf("parsing count %q: %w", record[col], err)
		}
		counts = append(counts, n)
	}

	return Entry{
		Timestamp:    ts,
		InternalFile: record[colInternalFile],
		ProviderFile: record[colProviderFile],
		Summary: model.Summary{
			TotalInternal:    counts[0],
			TotalProvider:    counts[1],
			Matched:          counts[2],
			InternalOnly:     counts[3],
			ProviderOnly:     counts[4],
			AmountMismatches: counts[5],
			StatusMismatches: counts[6],
		},
	}, nil
}

// Append writes entries to <dir>/tally-runs.csv, creating the directory,
// file and header if needed.
func Append(dir string, entries ...Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}

	path := filepath.Join(dir, FileName)
	needsHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if needsHeader {
		if err := cw.Write(strings.Split(Header, ",")); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i, e := range entries {
		if err := cw.Write(MarshalEntry(e)); err != nil {
			return fmt.Errorf("writing entry %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("writing run log: %w", err)
	}
	return f.Close()
}

// Read returns all entries from <dir>/tally-runs.csv, oldest first.
// A missing file yields no entries.
func Read(dir string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening run log: %w", err)
	}
	defer f.Close()

	return readEntries(f)
}

func readEntries(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = numFields

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading run log CSV: %w", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(records)-1)
	for i, rec := range records[1:] {
		e, err := UnmarshalEntry(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
