// Package runner launches external experiment solvers.
//
// Solvers are opaque long-running jobs that write one result file. The
// dispatcher only needs to know whether a run completed or failed.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/saltfish/spdispatch/internal/domain"
)

// Runner executes one experiment and blocks until it finishes.
type Runner interface {
	// Run returns nil when the solver completed. Failures are returned as
	// *domain.RunnerError.
	Run(ctx context.Context, req Request) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) error

// Run calls f(ctx, req).
func (f RunnerFunc) Run(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Request carries the decoded parameter fields handed to a solver.
type Request struct {
	Problem    domain.ProblemType
	Param      domain.ExperimentParameter
	Biased     bool
	Alpha      float64
	SolverIO   string
	ResultsDir string
}

// NewRequest builds the solver request for p.
func NewRequest(spec domain.ProblemSpec, p domain.ExperimentParameter, resultsDir string) (Request, error) {
	alpha, err := p.AlphaValue()
	if err != nil {
		return Request{}, fmt.Errorf("invalid alpha %q: %w", p.Alpha, err)
	}

	return Request{
		Problem:    spec.Type,
		Param:      p,
		Biased:     p.Biased(),
		Alpha:      alpha,
		SolverIO:   spec.SolverIO,
		ResultsDir: resultsDir,
	}, nil
}

// Placeholders returns the template substitutions of the request.
// Dates are empty for non-yearly parameters.
func (r Request) Placeholders() map[string]string {
	var start, end string
	if r.Param.HasDateRange() {
		start = r.Param.StartDate.String()
		end = r.Param.EndDate.String()
	}

	return map[string]string{
		"{prob_type}":   string(r.Problem),
		"{n_stock}":     strconv.Itoa(r.Param.StockCount),
		"{win_length}":  strconv.Itoa(r.Param.WindowLength),
		"{n_scenario}":  strconv.Itoa(r.Param.ScenarioCount),
		"{bias}":        r.Param.Bias,
		"{biased}":      strconv.FormatBool(r.Biased),
		"{cnt}":         strconv.Itoa(r.Param.Repetition),
		"{alpha}":       r.Param.Alpha,
		"{start_date}":  start,
		"{end_date}":    end,
		"{solver_io}":   r.SolverIO,
		"{results_dir}": r.ResultsDir,
	}
}

// Expand substitutes the request's placeholders into an argv template.
// Arguments that expand to an empty string together with a preceding
// "--flag" are dropped, so optional fields can stay in one template.
func (r Request) Expand(template []string) []string {
	pairs := make([]string, 0, 24)
	for k, v := range r.Placeholders() {
		pairs = append(pairs, k, v)
	}
	replacer := strings.NewReplacer(pairs...)

	args := make([]string, 0, len(template))
	for _, arg := range template {
		expanded := replacer.Replace(arg)
		if expanded == "" && arg != "" {
			if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "-") {
				args = args[:n-1]
			}
			continue
		}
		args = append(args, expanded)
	}
	return args
}

func runnerError(req Request, err error) error {
	return &domain.RunnerError{
		Problem: req.Problem,
		Key:     req.Param.Key(),
		Err:     err,
	}
}
