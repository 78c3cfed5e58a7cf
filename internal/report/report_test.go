package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/domain"
	"github.com/saltfish/spdispatch/internal/ledger"
)

func param(rep int) domain.ExperimentParameter {
	return domain.ExperimentParameter{
		StockCount: 5, WindowLength: 50, ScenarioCount: 200,
		Bias: domain.BiasUnbiased, Repetition: rep, Alpha: "0.5",
	}
}

func testState() (domain.ParamSet, dispatcher.State) {
	grid := domain.NewParamSet(param(1), param(2), param(3), param(4))
	state := dispatcher.State{
		Finished:   domain.NewParamSet(param(1), param(2)),
		InProgress: domain.NewParamSet(param(2), param(3)),
		Entries: ledger.Entries{
			param(2).Key(): "nodeA",
			param(3).Key(): "nodeB",
		},
	}
	state.Unfinished = grid.Difference(state.Finished, state.InProgress)
	return grid, state
}

func TestRows(t *testing.T) {
	grid, state := testState()

	rows := Rows(grid, state)
	require.Len(t, rows, 4)

	assert.Equal(t, Row{Param: param(1), Status: StatusFinished}, rows[0])
	assert.Equal(t, Row{Param: param(2), Status: StatusStale, Worker: "nodeA"}, rows[1])
	assert.Equal(t, Row{Param: param(3), Status: StatusInProgress, Worker: "nodeB"}, rows[2])
	assert.Equal(t, Row{Param: param(4), Status: StatusUnfinished}, rows[3])
}

func TestExport(t *testing.T) {
	grid, state := testState()
	snap := dispatcher.Snapshot{
		ProblemType: string(domain.ProblemMinCVaRSP),
		Total:       4,
		Finished:    2,
		InProgress:  2,
		Unfinished:  1,
		Percent:     50,
		ByWorker:    map[string]int{"nodeB": 1, "nodeA": 1},
		Stale:       1,
		UpdatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	path := filepath.Join(t.TempDir(), "progress.xlsx")
	require.NoError(t, Export(path, snap, Rows(grid, state)))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SummarySheet, ParametersSheet}, f.GetSheetList())

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"prob_type", "min_cvar_sp"}, summary[0])
	assert.Equal(t, []string{"total", "4"}, summary[1])
	assert.Equal(t, []string{"updated_at", "2024-03-01T12:00:00Z"}, summary[8])
	assert.Equal(t, []string{"worker", "claims"}, summary[10])
	assert.Equal(t, []string{"nodeA", "1"}, summary[11])
	assert.Equal(t, []string{"nodeB", "1"}, summary[12])

	params, err := f.GetRows(ParametersSheet)
	require.NoError(t, err)
	require.Len(t, params, 5)
	assert.Equal(t, "key", params[0][0])
	assert.Equal(t, "worker", params[0][10])
	assert.Equal(t, []string{"5|50|200|unbiased|3|0.5", "5", "50", "200", "unbiased", "3", "0.5", "", "", "in_progress", "nodeB"}, params[3])
}

func TestExport_YearlyDates(t *testing.T) {
	p := param(1)
	p.StartDate = domain.NewDate(2005, time.January, 3)
	p.EndDate = domain.NewDate(2005, time.December, 30)

	f, err := Workbook(dispatcher.Snapshot{}, []Row{{Param: p, Status: StatusUnfinished}})
	require.NoError(t, err)
	defer f.Close()

	start, err := f.GetCellValue(ParametersSheet, "H2")
	require.NoError(t, err)
	end, err := f.GetCellValue(ParametersSheet, "I2")
	require.NoError(t, err)
	assert.Equal(t, "2005-01-03", start)
	assert.Equal(t, "2005-12-30", end)
}
