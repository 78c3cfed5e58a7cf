// Package app assembles the components shared by the dispatcher and expctl
// commands from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
	"github.com/saltfish/spdispatch/internal/db"
	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/domain"
	"github.com/saltfish/spdispatch/internal/ledger"
	"github.com/saltfish/spdispatch/internal/paramspace"
	"github.com/saltfish/spdispatch/internal/resultstore"
	"github.com/saltfish/spdispatch/internal/runner"
)

// Options select the grid to work on.
type Options struct {
	ProblemType string

	// MaxRepetition overrides the repetition count. Required for yearly
	// problem types.
	MaxRepetition int
}

// Env is the observed state of one problem type: its grid, result store and
// ledger.
type Env struct {
	Config     *config.Config
	Spec       domain.ProblemSpec
	Grid       domain.ParamSet
	ResultsDir string
	Results    *resultstore.Store
	Ledger     ledger.Ledger
	Retry      ledger.RetryPolicy
	Tracker    *dispatcher.Tracker

	// Pool is set for the postgres ledger backend.
	Pool *db.Pool

	closers []func()
	logger  *zap.Logger
}

// Open builds the grid and connects the ledger backend.
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (*Env, error) {
	pt := domain.ProblemType(opts.ProblemType)
	problems := domain.DefaultProblems()

	spec, err := problems.Lookup(pt)
	if err != nil {
		return nil, err
	}

	var yearPairs []paramspace.YearPair
	if spec.Yearly {
		if opts.MaxRepetition <= 0 {
			return nil, domain.NewConfigurationError(opts.ProblemType, "--max_scenario_cnt is required for yearly problem types")
		}
		yearPairs, err = paramspace.LoadYearPairs(cfg.Experiment.YearPairsFile)
		if err != nil {
			return nil, err
		}
	}

	grid, err := paramspace.New(problems, yearPairs).Enumerate(pt, opts.MaxRepetition)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Config:     cfg,
		Spec:       spec,
		Grid:       grid,
		ResultsDir: cfg.Experiment.ResultsDir(opts.ProblemType),
		Retry:      RetryPolicy(&cfg.Experiment, logger),
		logger:     logger.With(zap.String("prob_type", opts.ProblemType)),
	}
	env.Results = resultstore.NewStore(env.ResultsDir, spec, env.logger)

	if err := env.openLedger(ctx); err != nil {
		env.Close()
		return nil, err
	}
	env.Tracker = dispatcher.NewTracker(pt, grid, env.Results, env.Ledger, env.Retry, env.logger)

	env.logger.Info("Experiment grid ready",
		zap.Int("grid_size", grid.Len()),
		zap.String("results_dir", env.ResultsDir),
		zap.String("ledger", cfg.Ledger.Backend),
	)
	return env, nil
}

func (e *Env) openLedger(ctx context.Context) error {
	cfg := e.Config

	switch cfg.Ledger.Backend {
	case config.LedgerFile, "":
		path := filepath.Join(e.ResultsDir, ledger.WorkingFileName(e.Spec.Type))
		e.Ledger = ledger.NewFileLedger(path, e.Retry, e.logger)

	case config.LedgerSQLite:
		path := cfg.Ledger.SQLitePath
		if path == "" {
			path = filepath.Join(e.ResultsDir, string(e.Spec.Type)+"_working.db")
		}
		l, err := ledger.OpenSQLiteLedger(ctx, path, e.Spec.Type, e.Retry, e.logger)
		if err != nil {
			return err
		}
		e.Ledger = l
		e.closers = append(e.closers, func() { l.Close() })

	case config.LedgerPostgres:
		e.logger.Info("Connecting to PostgreSQL...")
		pool, err := db.NewPool(ctx, &cfg.Database, e.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		e.Pool = pool
		e.closers = append(e.closers, pool.Close)

		l, err := ledger.NewPostgresLedger(ctx, pool, e.Spec.Type, e.Retry, e.logger)
		if err != nil {
			return err
		}
		e.Ledger = l

	default:
		return domain.NewConfigurationError("ledger.backend", "unknown backend "+cfg.Ledger.Backend)
	}
	return nil
}

// Close releases the ledger backend.
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// RetryPolicy builds the ledger retry policy from configuration.
func RetryPolicy(cfg *config.ExperimentConfig, logger *zap.Logger) ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts: cfg.RetryCount,
		Delay:       cfg.RetryDelayDuration(),
		OnRetry: func(op string, attempt int, err error) {
			logger.Debug("Retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
}

// NewRunner creates the configured experiment runner. The returned close
// function releases its resources.
func NewRunner(cfg *config.RunnerConfig, logger *zap.Logger) (runner.Runner, func(), error) {
	switch cfg.Kind {
	case config.RunnerExec, "":
		r, err := runner.NewExecRunner(cfg.Command, cfg.TimeoutDuration(), logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() {}, nil

	case config.RunnerDocker:
		r, err := runner.NewDockerRunner(&cfg.Docker, cfg.Command, cfg.TimeoutDuration(), logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil

	default:
		return nil, nil, domain.NewConfigurationError("runner.kind", "unknown runner "+cfg.Kind)
	}
}

// InitLogger initializes the zap logger based on configuration.
func InitLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		zapCfg.OutputPaths = []string{cfg.OutputPath}
	}

	return zapCfg.Build()
}
