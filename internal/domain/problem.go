package domain

import "sort"

// ProblemType names a family of experiments (and its results subdirectory).
type ProblemType string

const (
	ProblemMinCVaRSP         ProblemType = "min_cvar_sp"
	ProblemMinCVaRSIP        ProblemType = "min_cvar_sip"
	ProblemMinMSCVaREventSP  ProblemType = "min_ms_cvar_eventsp"
	ProblemMinCVaRSP2Yearly  ProblemType = "min_cvar_sp2_yearly"
	ProblemMinCVaRSIP2Yearly ProblemType = "min_cvar_sip2_yearly"
)

// String returns the string representation of the problem type.
func (t ProblemType) String() string {
	return string(t)
}

// FilenameShape describes how a problem type names its result files.
type FilenameShape struct {
	// OverallStart and OverallEnd are the fixed experiment range written into
	// non-yearly filenames. Yearly shapes write the parameter's own range.
	OverallStart Date
	OverallEnd   Date

	// Marker is an optional literal token between the dates and the
	// parameter fields (e.g. "all50").
	Marker string

	// Extension of result files, including the dot.
	Extension string
}

// StockWindow identifies a (stock count, window length) pair.
type StockWindow struct {
	StockCount   int
	WindowLength int
}

// ProblemSpec is the fixed grid configuration of one problem type.
type ProblemSpec struct {
	Type           ProblemType
	StockCounts    []int
	WindowLengths  []int
	ScenarioCounts []int
	BiasModes      []string
	Alphas         []string

	// Repetitions is the fixed repetition count. Zero means the count is
	// supplied at enumeration time.
	Repetitions int

	// Yearly problem types enumerate every year pair of the year table.
	Yearly bool

	// Excluded pairs are skipped during enumeration.
	Excluded []StockWindow

	Shape FilenameShape

	// SolverIO is forwarded to the runner when set.
	SolverIO string
}

// IsExcluded reports whether a stock/window pair is excluded from the grid.
func (s ProblemSpec) IsExcluded(stocks, window int) bool {
	for _, e := range s.Excluded {
		if e.StockCount == stocks && e.WindowLength == window {
			return true
		}
	}
	return false
}

// ProblemTable maps problem types to their grid configuration.
type ProblemTable map[ProblemType]ProblemSpec

// Lookup returns the spec of t or a ConfigurationError.
func (t ProblemTable) Lookup(pt ProblemType) (ProblemSpec, error) {
	spec, ok := t[pt]
	if !ok {
		return ProblemSpec{}, NewConfigurationError("problem type", "unknown prob_type: "+string(pt))
	}
	return spec, nil
}

// Types returns the problem types of the table in a stable order.
func (t ProblemTable) Types() []ProblemType {
	out := make([]ProblemType, 0, len(t))
	for pt := range t {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Steps returns the integers from..to inclusive, stepping by step.
func Steps(from, to, step int) []int {
	var out []int
	for v := from; v <= to; v += step {
		out = append(out, v)
	}
	return out
}

var (
	fullAlphas = []string{
		"0.5", "0.55", "0.6", "0.65", "0.7", "0.75",
		"0.8", "0.85", "0.9", "0.95", "0.99",
	}
	eventAlphas  = []string{"0.50", "0.60", "0.70", "0.80", "0.90"}
	yearlyAlphas = []string{
		"0.50", "0.60", "0.70", "0.80", "0.90",
		"0.55", "0.65", "0.75", "0.85", "0.95",
	}

	overallStart = NewDate(2005, 1, 3)
	overallEnd   = NewDate(2014, 12, 31)
)

// DefaultProblems returns the built-in problem table.
func DefaultProblems() ProblemTable {
	rangeShape := FilenameShape{OverallStart: overallStart, OverallEnd: overallEnd, Extension: ".pkl"}
	rangeShapeAll50 := FilenameShape{OverallStart: overallStart, OverallEnd: overallEnd, Marker: "all50", Extension: ".pkl"}
	yearlyShape := FilenameShape{Extension: ".pkl"}
	yearlyShapeAll50 := FilenameShape{Marker: "all50", Extension: ".pkl"}

	return ProblemTable{
		ProblemMinCVaRSP: {
			Type:           ProblemMinCVaRSP,
			StockCounts:    Steps(5, 50, 5),
			WindowLengths:  Steps(50, 240, 10),
			ScenarioCounts: []int{200},
			BiasModes:      []string{BiasUnbiased},
			Alphas:         fullAlphas,
			Repetitions:    3,
			Excluded:       []StockWindow{{StockCount: 50, WindowLength: 50}},
			Shape:          rangeShape,
		},
		ProblemMinCVaRSIP: {
			Type:           ProblemMinCVaRSIP,
			StockCounts:    Steps(5, 50, 5),
			WindowLengths:  Steps(50, 240, 10),
			ScenarioCounts: []int{200},
			BiasModes:      []string{BiasUnbiased},
			Alphas:         fullAlphas,
			Repetitions:    3,
			Excluded:       []StockWindow{{StockCount: 50, WindowLength: 50}},
			Shape:          rangeShapeAll50,
		},
		ProblemMinMSCVaREventSP: {
			Type:           ProblemMinMSCVaREventSP,
			StockCounts:    []int{5},
			WindowLengths:  Steps(50, 240, 10),
			ScenarioCounts: []int{200},
			BiasModes:      []string{BiasUnbiased},
			Alphas:         eventAlphas,
			Yearly:         true,
			Shape:          yearlyShape,
			SolverIO:       "lp",
		},
		ProblemMinCVaRSP2Yearly: {
			Type:           ProblemMinCVaRSP2Yearly,
			StockCounts:    []int{5},
			WindowLengths:  Steps(50, 240, 10),
			ScenarioCounts: []int{200},
			BiasModes:      []string{BiasUnbiased},
			Alphas:         yearlyAlphas,
			Yearly:         true,
			Shape:          yearlyShape,
		},
		ProblemMinCVaRSIP2Yearly: {
			Type:           ProblemMinCVaRSIP2Yearly,
			StockCounts:    []int{5},
			WindowLengths:  Steps(60, 240, 10),
			ScenarioCounts: []int{200},
			BiasModes:      []string{BiasUnbiased},
			Alphas:         yearlyAlphas,
			Yearly:         true,
			Shape:          yearlyShapeAll50,
		},
	}
}
