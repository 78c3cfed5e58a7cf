package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
	"github.com/saltfish/spdispatch/internal/ledger"
	"github.com/saltfish/spdispatch/internal/resultstore"
)

// Tracker observes the shared state of one problem type's grid. It holds
// no state of its own beyond the grid; every call re-reads the result
// directory and the ledger.
type Tracker struct {
	problem domain.ProblemType
	grid    domain.ParamSet
	results *resultstore.Store
	ledger  ledger.Ledger
	retry   ledger.RetryPolicy
	logger  *zap.Logger
}

// NewTracker creates a Tracker over grid.
func NewTracker(problem domain.ProblemType, grid domain.ParamSet, results *resultstore.Store, l ledger.Ledger, retry ledger.RetryPolicy, logger *zap.Logger) *Tracker {
	return &Tracker{
		problem: problem,
		grid:    grid,
		results: results,
		ledger:  l,
		retry:   retry,
		logger:  logger,
	}
}

// Grid returns the full parameter grid.
func (t *Tracker) Grid() domain.ParamSet {
	return t.grid
}

// State is one observation of the grid.
type State struct {
	Finished   domain.ParamSet
	InProgress domain.ParamSet
	Unfinished domain.ParamSet
	Entries    ledger.Entries
}

// Observe reads the result directory and the ledger and computes
// unfinished = grid - finished - in progress.
func (t *Tracker) Observe(ctx context.Context) (State, error) {
	var finished domain.ParamSet
	err := t.retry.Do(ctx, t.logger, "list results", func() error {
		var err error
		finished, err = t.results.Finished(ctx, t.grid)
		return err
	})
	if err != nil {
		return State{}, err
	}

	entries, err := t.ledger.Load(ctx)
	if err != nil {
		return State{}, err
	}
	working := ledger.InProgress(entries, t.grid, t.logger)

	return State{
		Finished:   finished,
		InProgress: working,
		Unfinished: t.grid.Difference(finished, working),
		Entries:    entries,
	}, nil
}

// Unfinished returns the parameters neither finished nor in progress.
func (t *Tracker) Unfinished(ctx context.Context) (domain.ParamSet, error) {
	state, err := t.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return state.Unfinished, nil
}

// Snapshot summarises progress of a problem type.
type Snapshot struct {
	ProblemType string         `json:"prob_type"`
	Total       int            `json:"total"`
	Finished    int            `json:"finished"`
	InProgress  int            `json:"in_progress"`
	Unfinished  int            `json:"unfinished"`
	Percent     float64        `json:"percent_finished"`
	ByWorker    map[string]int `json:"claims_by_worker"`

	// Stale counts in-progress parameters whose result already exists.
	// They point at claims orphaned after the run completed.
	Stale int `json:"stale"`

	// Orphans are ledger keys outside the grid or undecodable.
	Orphans   int       `json:"orphans"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot observes the grid and summarises it.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	state, err := t.Observe(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Summarise(state), nil
}

// Summarise summarises an earlier observation.
func (t *Tracker) Summarise(state State) Snapshot {
	return summarise(t.problem, t.grid, state)
}

func summarise(problem domain.ProblemType, grid domain.ParamSet, state State) Snapshot {
	stale := 0
	for p := range state.InProgress {
		if state.Finished.Contains(p) {
			stale++
		}
	}

	snap := Snapshot{
		ProblemType: string(problem),
		Total:       grid.Len(),
		Finished:    state.Finished.Len(),
		InProgress:  state.InProgress.Len(),
		Unfinished:  state.Unfinished.Len(),
		ByWorker:    ledger.ByWorker(state.Entries),
		Stale:       stale,
		Orphans:     len(state.Entries) - state.InProgress.Len(),
		UpdatedAt:   time.Now().UTC(),
	}
	if snap.Total > 0 {
		snap.Percent = 100 * float64(snap.Finished) / float64(snap.Total)
	}
	return snap
}
