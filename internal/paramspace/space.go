// Package paramspace enumerates the experiment grid of a problem type.
package paramspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saltfish/spdispatch/internal/domain"
)

// YearPair is the first and last trading day of one experiment year.
type YearPair struct {
	Start domain.Date `yaml:"start"`
	End   domain.Date `yaml:"end"`
}

// Space enumerates parameter grids from a fixed problem table.
type Space struct {
	problems  domain.ProblemTable
	yearPairs []YearPair
}

// New creates a Space. yearPairs may be empty when no yearly problem type is used.
func New(problems domain.ProblemTable, yearPairs []YearPair) *Space {
	return &Space{
		problems:  problems,
		yearPairs: yearPairs,
	}
}

// Problem returns the spec of a problem type.
func (s *Space) Problem(pt domain.ProblemType) (domain.ProblemSpec, error) {
	return s.problems.Lookup(pt)
}

// Enumerate returns every parameter of the grid of pt.
//
// Non-yearly problem types use their fixed repetition count unless
// maxRepetition is positive. Yearly problem types require maxRepetition.
func (s *Space) Enumerate(pt domain.ProblemType, maxRepetition int) (domain.ParamSet, error) {
	spec, err := s.problems.Lookup(pt)
	if err != nil {
		return nil, err
	}

	reps := spec.Repetitions
	if maxRepetition > 0 {
		reps = maxRepetition
	}
	if reps <= 0 {
		return nil, domain.NewConfigurationError(string(pt), "max repetition count must be positive")
	}

	ranges := []YearPair{{}}
	if spec.Yearly {
		if len(s.yearPairs) == 0 {
			return nil, domain.NewConfigurationError(string(pt), "yearly problem type needs a year pair table")
		}
		ranges = s.yearPairs
	}

	grid := make(domain.ParamSet)
	for _, yp := range ranges {
		for _, stocks := range spec.StockCounts {
			for _, window := range spec.WindowLengths {
				if spec.IsExcluded(stocks, window) {
					continue
				}
				for _, scenarios := range spec.ScenarioCounts {
					for _, bias := range spec.BiasModes {
						for rep := 1; rep <= reps; rep++ {
							for _, alpha := range spec.Alphas {
								grid.Add(domain.ExperimentParameter{
									StockCount:    stocks,
									WindowLength:  window,
									ScenarioCount: scenarios,
									Bias:          bias,
									Repetition:    rep,
									Alpha:         alpha,
									StartDate:     yp.Start,
									EndDate:       yp.End,
								})
							}
						}
					}
				}
			}
		}
	}

	return grid, nil
}

// LoadYearPairs reads the precomputed year pair table from a YAML file:
//
//	- start: 2005-01-03
//	  end: 2005-12-30
func LoadYearPairs(path string) ([]YearPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read year pairs %s: %w", path, err)
	}

	var pairs []YearPair
	if err := yaml.Unmarshal(data, &pairs); err != nil {
		return nil, domain.NewConfigurationError("year pairs", fmt.Sprintf("failed to parse %s: %v", path, err))
	}

	for i, p := range pairs {
		if p.Start.IsZero() || p.End.IsZero() {
			return nil, domain.NewConfigurationError("year pairs", fmt.Sprintf("entry %d: start and end are required", i))
		}
		if p.End.Before(p.Start) {
			return nil, domain.NewConfigurationError("year pairs", fmt.Sprintf("entry %d: end %s before start %s", i, p.End, p.Start))
		}
	}

	return pairs, nil
}
