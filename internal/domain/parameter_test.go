package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentParameter_Key(t *testing.T) {
	p := ExperimentParameter{
		StockCount:    5,
		WindowLength:  50,
		ScenarioCount: 200,
		Bias:          BiasUnbiased,
		Repetition:    1,
		Alpha:         "0.5",
	}
	assert.Equal(t, "5|50|200|unbiased|1|0.5", p.Key())

	p.StartDate = NewDate(2005, 1, 3)
	p.EndDate = NewDate(2005, 12, 30)
	assert.Equal(t, "5|50|200|unbiased|1|0.5|2005-01-03|2005-12-30", p.Key())
}

func TestParseKey_RoundTrip(t *testing.T) {
	params := []ExperimentParameter{
		{StockCount: 5, WindowLength: 50, ScenarioCount: 200, Bias: BiasUnbiased, Repetition: 1, Alpha: "0.5"},
		{StockCount: 50, WindowLength: 240, ScenarioCount: 200, Bias: BiasBiased, Repetition: 3, Alpha: "0.99"},
		{
			StockCount: 5, WindowLength: 120, ScenarioCount: 200, Bias: BiasUnbiased, Repetition: 2, Alpha: "0.50",
			StartDate: NewDate(2007, 7, 2), EndDate: NewDate(2007, 12, 31),
		},
	}

	for _, p := range params {
		t.Run(p.Key(), func(t *testing.T) {
			decoded, err := ParseKey(p.Key())
			require.NoError(t, err)
			assert.Equal(t, p, decoded)
		})
	}
}

func TestParseKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"too few fields", "5|50|200|unbiased|1"},
		{"seven fields", "5|50|200|unbiased|1|0.5|2005-01-03"},
		{"non numeric stock", "x|50|200|unbiased|1|0.5"},
		{"empty alpha", "5|50|200|unbiased|1|"},
		{"bad date", "5|50|200|unbiased|1|0.5|2005-13-03|2005-12-30"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestParamSet_Difference(t *testing.T) {
	a := ExperimentParameter{StockCount: 5, WindowLength: 50, ScenarioCount: 200, Bias: BiasUnbiased, Repetition: 1, Alpha: "0.5"}
	b := a
	b.Repetition = 2
	c := a
	c.Repetition = 3

	all := NewParamSet(a, b, c)
	finished := NewParamSet(a)
	working := NewParamSet(c)

	unfinished := all.Difference(finished, working)
	assert.Equal(t, 1, unfinished.Len())
	assert.True(t, unfinished.Contains(b))

	// receiver is untouched
	assert.Equal(t, 3, all.Len())
}

func TestParamSet_SortedIsStable(t *testing.T) {
	s := NewParamSet(
		ExperimentParameter{StockCount: 10, WindowLength: 50, Alpha: "0.5"},
		ExperimentParameter{StockCount: 5, WindowLength: 60, Alpha: "0.5"},
		ExperimentParameter{StockCount: 5, WindowLength: 50, Alpha: "0.55"},
		ExperimentParameter{StockCount: 5, WindowLength: 50, Alpha: "0.5"},
	)

	sorted := s.Sorted()
	require.Len(t, sorted, 4)
	assert.Equal(t, 5, sorted[0].StockCount)
	assert.Equal(t, "0.5", sorted[0].Alpha)
	assert.Equal(t, "0.55", sorted[1].Alpha)
	assert.Equal(t, 60, sorted[2].WindowLength)
	assert.Equal(t, 10, sorted[3].StockCount)
}

func TestDate_Parse(t *testing.T) {
	d, err := ParseDate("2014-12-31")
	require.NoError(t, err)
	assert.Equal(t, NewDate(2014, 12, 31), d)
	assert.Equal(t, "20141231", d.Compact())

	c, err := ParseCompactDate("20050103")
	require.NoError(t, err)
	assert.Equal(t, "2005-01-03", c.String())

	_, err = ParseCompactDate("2005013")
	assert.Error(t, err)
	assert.True(t, Date{}.IsZero())
}

func TestProblemTable_Lookup(t *testing.T) {
	table := DefaultProblems()

	spec, err := table.Lookup(ProblemMinCVaRSIP)
	require.NoError(t, err)
	assert.Equal(t, "all50", spec.Shape.Marker)
	assert.True(t, spec.IsExcluded(50, 50))
	assert.False(t, spec.IsExcluded(45, 50))

	_, err = table.Lookup("min_variance")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.True(t, IsFatal(err))
}

func TestErrors_Classification(t *testing.T) {
	underlying := errors.New("disk full")

	transient := &TransientIOError{Op: "write ledger", Attempts: 3, Err: underlying}
	assert.ErrorIs(t, transient, ErrTransientIO)
	assert.ErrorIs(t, transient, underlying)
	assert.True(t, IsFatal(transient))
	assert.Contains(t, transient.Error(), "after 3 attempts")

	corrupt := &CorruptLedgerError{Path: "/tmp/x", Err: underlying}
	assert.ErrorIs(t, corrupt, ErrCorruptLedger)
	assert.True(t, IsFatal(corrupt))

	runErr := &RunnerError{Problem: ProblemMinCVaRSP, Key: "k", Err: underlying}
	assert.ErrorIs(t, runErr, ErrRunnerFailure)
	assert.False(t, IsFatal(runErr))
}
