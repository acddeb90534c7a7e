package reconcile

import (
	"fmt"
	"strings"

	"github.com/cleared-dev/tally/internal/model"
)

// EmptyInputError is returned when a side has no usable records.
type EmptyInputError struct {
	Sides []model.Side
}

func (e *EmptyInputError) Error() string {
	names := make([]string, len(e.Sides))
	for i, s := range e.Sides {
		names[i] = string(s)
	}
	return fmt.Sprintf("no records to reconcile in %s input", strings.Join(names, " and "))
}

// DuplicateReferenceError lists references that occur more than once on a
// side. Only returned under DuplicatesReject.
type DuplicateReferenceError struct {
	Side       model.Side
	References []string // first-seen order
}

func (e *DuplicateReferenceError) Error() string {
	const shown = 5
	refs := e.References
	suffix := ""
	if len(refs) > shown {
		suffix = fmt.Sprintf(" (and %d more)", len(refs)-shown)
		refs = refs[:shown]
	}
	return fmt.Sprintf("duplicate references in %s input: %s%s", e.Side, strings.Join(refs, ", "), suffix)
}

func checkEmpty(internal, provider []model.Record) error {
	var sides []model.Side
	if len(internal) == 0 {
		sides = append(sides, model.SideInternal)
	}
	if len(provider) == 0 {
		sides = append(sides, model.SideProvider)
	}
	if len(sides) > 0 {
		return &EmptyInputError{Sides: sides}
	}
	return nil
}

func checkDuplicates(internal, provider []model.Record) error {
	if refs := duplicates(internal); len(refs) > 0 {
		return &DuplicateReferenceError{Side: model.SideInternal, References: refs}
	}
	if refs := duplicates(provider); len(refs) > 0 {
		return &DuplicateReferenceError{Side: model.SideProvider, References: refs}
	}
	return nil
}

func duplicates(recs []model.Record) []string {
	counts := make(map[string]int, len(recs))
	var dups []string
	for _, r := range recs {
		counts[r.Reference]++
		if counts[r.Reference] == 2 {
			dups = append(dups, r.Reference)
		}
	}
	return dups
}
