// Package report exports grid progress to an xlsx workbook.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/domain"
)

// Sheet names.
const (
	SummarySheet    = "Summary"
	ParametersSheet = "Parameters"
)

// Status of one parameter in the export.
type Status string

const (
	StatusFinished   Status = "finished"
	StatusInProgress Status = "in_progress"
	StatusUnfinished Status = "unfinished"
	// StatusStale is a finished parameter that still holds a claim.
	StatusStale Status = "stale"
)

// Row is one parameter line of the Parameters sheet.
type Row struct {
	Param  domain.ExperimentParameter
	Status Status
	Worker string
}

var parameterHeader = []interface{}{
	"key", "n_stock", "win_length", "n_scenario", "bias",
	"cnt", "alpha", "start_date", "end_date", "status", "worker",
}

// Rows classifies every grid parameter against an observation, in grid order.
func Rows(grid domain.ParamSet, state dispatcher.State) []Row {
	rows := make([]Row, 0, grid.Len())
	for _, p := range grid.Sorted() {
		row := Row{Param: p, Status: StatusUnfinished}
		claimed := state.InProgress.Contains(p)
		if claimed {
			row.Worker = state.Entries[p.Key()]
		}

		switch {
		case state.Finished.Contains(p) && claimed:
			row.Status = StatusStale
		case state.Finished.Contains(p):
			row.Status = StatusFinished
		case claimed:
			row.Status = StatusInProgress
		}
		rows = append(rows, row)
	}
	return rows
}

// Workbook builds the progress workbook. The caller closes the file.
func Workbook(snap dispatcher.Snapshot, rows []Row) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ParametersSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create style: %w", err)
	}

	if err := writeSummary(f, snap, bold); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeParameters(f, rows, bold); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Export writes the progress workbook to path.
func Export(path string, snap dispatcher.Snapshot, rows []Row) error {
	f, err := Workbook(snap, rows)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func writeSummary(f *excelize.File, snap dispatcher.Snapshot, headerStyle int) error {
	lines := [][]interface{}{
		{"prob_type", snap.ProblemType},
		{"total", snap.Total},
		{"finished", snap.Finished},
		{"in_progress", snap.InProgress},
		{"unfinished", snap.Unfinished},
		{"percent_finished", snap.Percent},
		{"stale", snap.Stale},
		{"orphans", snap.Orphans},
		{"updated_at", snap.UpdatedAt.Format(time.RFC3339)},
		{},
		{"worker", "claims"},
	}

	workers := make([]string, 0, len(snap.ByWorker))
	for w := range snap.ByWorker {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	for _, w := range workers {
		lines = append(lines, []interface{}{w, snap.ByWorker[w]})
	}

	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		if err := setRow(f, SummarySheet, i+1, line); err != nil {
			return err
		}
	}

	// Key column and the worker table header.
	if err := f.SetColStyle(SummarySheet, "A", headerStyle); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}
	if err := f.SetRowStyle(SummarySheet, 11, 11, headerStyle); err != nil {
		return fmt.Errorf("failed to style summary: %w", err)
	}
	return f.SetColWidth(SummarySheet, "A", "B", 22)
}

func writeParameters(f *excelize.File, rows []Row, headerStyle int) error {
	if err := setRow(f, ParametersSheet, 1, parameterHeader); err != nil {
		return err
	}
	if err := f.SetRowStyle(ParametersSheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, r := range rows {
		p := r.Param
		var start, end string
		if p.HasDateRange() {
			start, end = p.StartDate.String(), p.EndDate.String()
		}
		line := []interface{}{
			p.Key(), p.StockCount, p.WindowLength, p.ScenarioCount, p.Bias,
			p.Repetition, p.Alpha, start, end, string(r.Status), r.Worker,
		}
		if err := setRow(f, ParametersSheet, i+2, line); err != nil {
			return err
		}
	}

	return f.SetColWidth(ParametersSheet, "A", "A", 40)
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}
