package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/tally/internal/model"
)

// rec builds a record the way the normalizer would. amount "" is null and
// non-numeric text is NaN; status "" is null.
func rec(ref, amount, status string) model.Record {
	return model.Record{
		Reference: ref,
		Amount:    model.ParseAmount(amount),
		Status:    model.NewStatus(status),
		Fields:    map[string]string{"transaction_reference": ref, "amount": amount, "status": status},
	}
}

func refs(recs []model.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Reference
	}
	return out
}

func matchRefs(ms []model.MatchResult) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Reference
	}
	return out
}

func run(t *testing.T, internal, provider []model.Record) model.Result {
	t.Helper()
	res, err := New(DefaultOptions()).Reconcile(internal, provider)
	require.NoError(t, err)
	return res
}

func TestReconcile_ExactMatch(t *testing.T) {
	res := run(t,
		[]model.Record{rec("A", "100.00", "paid")},
		[]model.Record{rec("A", "100.005", "PAID")},
	)

	require.Len(t, res.Matched, 1)
	m := res.Matched[0]
	assert.Equal(t, "A", m.Reference)
	assert.True(t, m.AmountMatch, "0.005 is within tolerance")
	assert.True(t, m.StatusMatch, "statuses normalize to paid")
	assert.Equal(t, "0.005", m.AmountDifference.String())
	assert.Empty(t, res.AmountMismatches)
	assert.Empty(t, res.StatusMismatches)
	assert.Empty(t, res.InternalOnly)
	assert.Empty(t, res.ProviderOnly)
}

func TestReconcile_OneSided(t *testing.T) {
	res := run(t,
		[]model.Record{rec("A", "100.00", "")},
		[]model.Record{rec("B", "50.00", "")},
	)

	assert.Empty(t, res.Matched)
	assert.Equal(t, []string{"A"}, refs(res.InternalOnly))
	assert.Equal(t, []string{"B"}, refs(res.ProviderOnly))
	assert.Equal(t, model.Summary{
		TotalInternal: 1,
		TotalProvider: 1,
		InternalOnly:  1,
		ProviderOnly:  1,
	}, res.Summary)
}

func TestReconcile_DisjointPreservesOrder(t *testing.T) {
	internal := []model.Record{rec("I3", "1", ""), rec("I1", "2", ""), rec("I2", "3", "")}
	provider := []model.Record{rec("P2", "1", ""), rec("P9", "2", ""), rec("P1", "3", "")}

	res := run(t, internal, provider)
	assert.Empty(t, res.Matched)
	assert.Equal(t, internal, res.InternalOnly)
	assert.Equal(t, provider, res.ProviderOnly)
}

func TestReconcile_AmountToleranceBoundary(t *testing.T) {
	tests := []struct {
		name     string
		internal string
		provider string
		want     bool
	}{
		{"equal", "100.00", "100.00", true},
		{"exactly 0.01 above", "100.00", "100.01", true},
		{"exactly 0.01 below", "100.01", "100.00", true},
		{"just over 0.01", "100.00", "100.0100001", false},
		{"just over 0.01 below", "100.0100001", "100.00", false},
		{"large difference", "100", "250", false},
		{"negative amounts", "-20.00", "-20.01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t,
				[]model.Record{rec("A", tt.internal, "")},
				[]model.Record{rec("A", tt.provider, "")},
			)
			require.Len(t, res.Matched, 1)
			assert.Equal(t, tt.want, res.Matched[0].AmountMatch)
			if tt.want {
				assert.Empty(t, res.AmountMismatches)
			} else {
				assert.Len(t, res.AmountMismatches, 1)
			}
		})
	}
}

func TestReconcile_NullAndNaNAmountsNeverMismatch(t *testing.T) {
	tests := []struct {
		name     string
		internal string
		provider string
	}{
		{"internal null", "", "100"},
		{"provider null", "100", ""},
		{"both null", "", ""},
		{"internal NaN", "abc", "100"},
		{"provider NaN", "100", "n/a"},
		{"both NaN", "x", "y"},
		{"null and NaN", "", "x"},
		{"internal overflow", "1e999999999", "100.00"},
		{"provider infinity", "100", "-Infinity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t,
				[]model.Record{rec("A", tt.internal, "")},
				[]model.Record{rec("A", tt.provider, "")},
			)
			require.Len(t, res.Matched, 1)
			assert.True(t, res.Matched[0].AmountMatch)
			assert.True(t, res.Matched[0].AmountDifference.IsZero())
			assert.Empty(t, res.AmountMismatches)
		})
	}
}

func TestReconcile_ExtremeExponentsFinish(t *testing.T) {
	internal := []model.Record{
		rec("A", "1e999999999", "paid"),
		rec("B", "1e-999999999", "paid"),
		rec("C", "0e999999999", "paid"),
	}
	provider := []model.Record{
		rec("A", "100.00", "paid"),
		rec("B", "0.001", "paid"),
		rec("C", "5", "paid"),
	}

	type outcome struct {
		res model.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := New(DefaultOptions()).Reconcile(internal, provider)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		res := out.res
		require.Len(t, res.Matched, 3)
		assert.Equal(t, []string{"C"}, matchRefs(res.AmountMismatches))
		assert.Equal(t, "5", res.Matched[2].AmountDifference.String())
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile did not finish")
	}
}

func TestReconcile_StatusComparison(t *testing.T) {
	tests := []struct {
		name     string
		internal string
		provider string
		want     bool
	}{
		{"same case", "paid", "paid", true},
		{"case and whitespace", " Paid", "PAID ", true},
		{"different", "paid", "failed", false},
		{"internal null", "", "failed", true},
		{"provider null", "paid", "", true},
		{"both null", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t,
				[]model.Record{rec("A", "1", tt.internal)},
				[]model.Record{rec("A", "1", tt.provider)},
			)
			require.Len(t, res.Matched, 1)
			assert.Equal(t, tt.want, res.Matched[0].StatusMatch)
			assert.Equal(t, !tt.want, len(res.StatusMismatches) == 1)
		})
	}
}

func TestReconcile_MismatchListsAreOrderedSubsequences(t *testing.T) {
	internal := []model.Record{
		rec("A", "10", "paid"),
		rec("B", "20", "paid"),
		rec("C", "30", "paid"),
		rec("D", "40", "paid"),
		rec("E", "50", "paid"),
	}
	provider := []model.Record{
		rec("E", "55", "paid"),
		rec("D", "40", "failed"),
		rec("C", "31", "refunded"),
		rec("A", "10", "paid"),
		rec("Z", "1", ""),
	}

	res := run(t, internal, provider)
	assert.Equal(t, []string{"A", "C", "D", "E"}, matchRefs(res.Matched))
	assert.Equal(t, []string{"C", "E"}, matchRefs(res.AmountMismatches))
	assert.Equal(t, []string{"C", "D"}, matchRefs(res.StatusMismatches))
	assert.Equal(t, []string{"B"}, refs(res.InternalOnly))
	assert.Equal(t, []string{"Z"}, refs(res.ProviderOnly))

	assert.Equal(t, 4, res.Summary.Matched)
	assert.Equal(t, 2, res.Summary.AmountMismatches)
	assert.Equal(t, 2, res.Summary.StatusMismatches)
}

func TestReconcile_SummaryIdentities(t *testing.T) {
	var internal, provider []model.Record
	for i := 0; i < 50; i++ {
		if i%3 != 0 {
			internal = append(internal, rec(fmt.Sprintf("R%02d", i), fmt.Sprintf("%d.%02d", i, i), "ok"))
		}
		if i%4 != 0 {
			provider = append(provider, rec(fmt.Sprintf("R%02d", i), fmt.Sprintf("%d.%02d", i, i+1), "ok"))
		}
	}

	res := run(t, internal, provider)
	s := res.Summary
	assert.Equal(t, len(internal), s.TotalInternal)
	assert.Equal(t, len(provider), s.TotalProvider)
	assert.Equal(t, s.TotalInternal, s.Matched+s.InternalOnly)
	assert.Equal(t, s.TotalProvider, s.Matched+s.ProviderOnly)
}

func TestReconcile_Idempotent(t *testing.T) {
	internal := []model.Record{rec("A", "1", "paid"), rec("B", "x", ""), rec("C", "3", "open")}
	provider := []model.Record{rec("C", "3.5", "closed"), rec("A", "1", "PAID"), rec("D", "", "")}

	e := New(DefaultOptions())
	first, err := e.Reconcile(internal, provider)
	require.NoError(t, err)
	second, err := e.Reconcile(internal, provider)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReconcile_DuplicateInternalLastWins(t *testing.T) {
	internal := []model.Record{rec("A", "100", "paid"), rec("A", "200", "paid")}
	provider := []model.Record{rec("A", "100", "paid")}

	res := run(t, internal, provider)

	// Both internal rows are classified against the single provider row.
	require.Len(t, res.Matched, 2)
	assert.Equal(t, provider[0], res.Matched[0].Provider)
	assert.Equal(t, provider[0], res.Matched[1].Provider)
	assert.True(t, res.Matched[0].AmountMatch)
	assert.False(t, res.Matched[1].AmountMatch)
	assert.Empty(t, res.ProviderOnly)
	assert.Equal(t, 2, res.Summary.Matched)
	assert.Equal(t, 1, res.Summary.TotalProvider)
}

func TestReconcile_DuplicateProviderLastWins(t *testing.T) {
	internal := []model.Record{rec("A", "2", "")}
	provider := []model.Record{rec("A", "1", ""), rec("A", "2", "")}

	res := run(t, internal, provider)
	require.Len(t, res.Matched, 1)
	assert.Equal(t, provider[1], res.Matched[0].Provider, "last provider record wins")
	assert.True(t, res.Matched[0].AmountMatch)
	assert.Empty(t, res.ProviderOnly, "both provider rows share a reference present internally")
}

func TestReconcile_RejectDuplicates(t *testing.T) {
	e := New(Options{AmountTolerance: DefaultTolerance, Duplicates: DuplicatesReject})

	_, err := e.Reconcile(
		[]model.Record{rec("A", "1", ""), rec("B", "1", ""), rec("A", "1", ""), rec("B", "1", ""), rec("A", "1", "")},
		[]model.Record{rec("A", "1", "")},
	)
	require.Error(t, err)
	var dre *DuplicateReferenceError
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, model.SideInternal, dre.Side)
	assert.Equal(t, []string{"A", "B"}, dre.References)

	_, err = e.Reconcile(
		[]model.Record{rec("A", "1", "")},
		[]model.Record{rec("C", "1", ""), rec("C", "1", "")},
	)
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, model.SideProvider, dre.Side)
	assert.Contains(t, err.Error(), "provider")

	res, err := e.Reconcile(
		[]model.Record{rec("A", "1", "")},
		[]model.Record{rec("A", "1", "")},
	)
	require.NoError(t, err)
	assert.Len(t, res.Matched, 1)
}

func TestDuplicateReferenceError_Truncates(t *testing.T) {
	err := &DuplicateReferenceError{
		Side:       model.SideInternal,
		References: []string{"a", "b", "c", "d", "e", "f", "g"},
	}
	assert.Equal(t, "duplicate references in internal input: a, b, c, d, e (and 2 more)", err.Error())
}

func TestReconcile_EmptyInput(t *testing.T) {
	e := New(DefaultOptions())

	_, err := e.Reconcile(nil, nil)
	var eie *EmptyInputError
	require.ErrorAs(t, err, &eie)
	assert.Equal(t, []model.Side{model.SideInternal, model.SideProvider}, eie.Sides)
	assert.Equal(t, "no records to reconcile in internal and provider input", err.Error())

	_, err = e.Reconcile([]model.Record{rec("A", "1", "")}, nil)
	require.ErrorAs(t, err, &eie)
	assert.Equal(t, []model.Side{model.SideProvider}, eie.Sides)
}

func TestReconcile_CustomTolerance(t *testing.T) {
	e := New(Options{AmountTolerance: decimal.RequireFromString("1.00")})
	res, err := e.Reconcile(
		[]model.Record{rec("A", "10.00", ""), rec("B", "10.00", "")},
		[]model.Record{rec("A", "11.00", ""), rec("B", "11.01", "")},
	)
	require.NoError(t, err)
	assert.True(t, res.Matched[0].AmountMatch)
	assert.False(t, res.Matched[1].AmountMatch)
	assert.Equal(t, DuplicatesLastWins, e.Options().Duplicates)
}

func TestNew_NegativeToleranceIsZero(t *testing.T) {
	e := New(Options{AmountTolerance: decimal.NewFromInt(-1)})
	assert.True(t, e.Options().AmountTolerance.IsZero())

	res, err := e.Reconcile(
		[]model.Record{rec("A", "1.00", "")},
		[]model.Record{rec("A", "1.001", "")},
	)
	require.NoError(t, err)
	assert.False(t, res.Matched[0].AmountMatch)
}

func TestParseDuplicatePolicy(t *testing.T) {
	p, err := ParseDuplicatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DuplicatesLastWins, p)

	p, err = ParseDuplicatePolicy("reject")
	require.NoError(t, err)
	assert.Equal(t, DuplicatesReject, p)

	_, err = ParseDuplicatePolicy("first_wins")
	assert.Error(t, err)
}
