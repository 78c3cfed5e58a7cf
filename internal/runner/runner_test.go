package runner

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/spdispatch/internal/config"
	"github.com/saltfish/spdispatch/internal/domain"
)

func yearlyRequest(t *testing.T) Request {
	t.Helper()
	spec, err := domain.DefaultProblems().Lookup(domain.ProblemMinMSCVaREventSP)
	require.NoError(t, err)

	p := domain.ExperimentParameter{
		StockCount: 5, WindowLength: 60, ScenarioCount: 200,
		Bias: domain.BiasUnbiased, Repetition: 2, Alpha: "0.50",
		StartDate: domain.NewDate(2007, 1, 2),
		EndDate:   domain.NewDate(2007, 12, 31),
	}
	req, err := NewRequest(spec, p, "/data/eventsp")
	require.NoError(t, err)
	return req
}

func TestNewRequest(t *testing.T) {
	req := yearlyRequest(t)

	assert.Equal(t, domain.ProblemMinMSCVaREventSP, req.Problem)
	assert.False(t, req.Biased)
	assert.InDelta(t, 0.5, req.Alpha, 1e-9)
	assert.Equal(t, "lp", req.SolverIO)

	spec, err := domain.DefaultProblems().Lookup(domain.ProblemMinCVaRSP)
	require.NoError(t, err)
	_, err = NewRequest(spec, domain.ExperimentParameter{Alpha: "high"}, "")
	assert.Error(t, err)
}

func TestRequest_Expand(t *testing.T) {
	req := yearlyRequest(t)

	args := req.Expand([]string{
		"solver", "--prob_type", "{prob_type}",
		"--m", "{n_stock}", "--w", "{win_length}", "--s", "{n_scenario}",
		"--biased", "{biased}", "--cnt", "{cnt}", "--alpha", "{alpha}",
		"--period={start_date}:{end_date}",
		"--solver_io", "{solver_io}",
		"--out", "{results_dir}",
	})

	assert.Equal(t, []string{
		"solver", "--prob_type", "min_ms_cvar_eventsp",
		"--m", "5", "--w", "60", "--s", "200",
		"--biased", "false", "--cnt", "2", "--alpha", "0.50",
		"--period=2007-01-02:2007-12-31",
		"--solver_io", "lp",
		"--out", "/data/eventsp",
	}, args)
}

func TestRequest_Expand_DropsEmptyOptionalFlags(t *testing.T) {
	spec, err := domain.DefaultProblems().Lookup(domain.ProblemMinCVaRSP)
	require.NoError(t, err)
	p := domain.ExperimentParameter{
		StockCount: 10, WindowLength: 70, ScenarioCount: 200,
		Bias: domain.BiasBiased, Repetition: 1, Alpha: "0.95",
	}
	req, err := NewRequest(spec, p, "out")
	require.NoError(t, err)

	args := req.Expand(config.Default().Runner.Command)
	joined := strings.Join(args, " ")

	assert.NotContains(t, joined, "--start_date")
	assert.NotContains(t, joined, "--end_date")
	assert.NotContains(t, joined, "--solver_io")
	assert.Contains(t, joined, "--biased true")
	assert.Contains(t, joined, "--alpha 0.95")
}

func TestExecRunner_Success(t *testing.T) {
	out := filepath.Join(t.TempDir(), "result.txt")
	r, err := NewExecRunner([]string{"sh", "-c", "echo {n_stock}_{alpha} > " + out}, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, r.Run(context.Background(), yearlyRequest(t)))
	assert.FileExists(t, out)
}

func TestExecRunner_Failure(t *testing.T) {
	r, err := NewExecRunner([]string{"sh", "-c", "echo solver diverged >&2; exit 3"}, 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	req := yearlyRequest(t)
	err = r.Run(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunnerFailure)
	assert.False(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "solver diverged")

	var runErr *domain.RunnerError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, req.Param.Key(), runErr.Key)
}

func TestExecRunner_Timeout(t *testing.T) {
	r, err := NewExecRunner([]string{"sleep", "5"}, 50*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = r.Run(context.Background(), yearlyRequest(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunnerFailure)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNewExecRunner_EmptyCommand(t *testing.T) {
	_, err := NewExecRunner(nil, 0, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRunnerFunc(t *testing.T) {
	var got Request
	var r Runner = RunnerFunc(func(ctx context.Context, req Request) error {
		got = req
		return nil
	})

	req := yearlyRequest(t)
	require.NoError(t, r.Run(context.Background(), req))
	assert.Equal(t, req, got)
}

func TestBuildContainer(t *testing.T) {
	cfg := &config.DockerConfig{
		Image:        "solver:1",
		Network:      "lab",
		ResultsMount: "/results",
		CPULimit:     "1.5",
		MemoryLimit:  "2g",
	}

	cc, hc, err := buildContainer(cfg, []string{"solve", "--out", "{results_dir}", "--m", "{n_stock}"}, yearlyRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "solver:1", cc.Image)
	assert.Equal(t, []string{"solve", "--out", "/results", "--m", "5"}, []string(cc.Cmd))
	assert.Equal(t, "true", cc.Labels[labelManaged])
	assert.Equal(t, []string{"/data/eventsp:/results:rw"}, hc.Binds)
	assert.Equal(t, int64(1_500_000_000), hc.Resources.NanoCPUs)
	assert.Equal(t, int64(2*1024*1024*1024), hc.Resources.Memory)
	assert.Equal(t, "lab", string(hc.NetworkMode))
}

func TestParseResources_Invalid(t *testing.T) {
	_, err := parseResources("lots", "")
	assert.Error(t, err)

	_, err = parseResources("", "huge")
	assert.Error(t, err)
}
