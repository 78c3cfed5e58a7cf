// Experiment dispatcher.
// Claims unfinished parameters of one problem type, runs them and releases
// the claims until nothing is left.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/saltfish/spdispatch/internal/api/http"
	"github.com/saltfish/spdispatch/internal/app"
	"github.com/saltfish/spdispatch/internal/config"
	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/events"
	"github.com/saltfish/spdispatch/internal/hostinfo"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// exitInterrupted is returned when a signal stopped the loop.
const exitInterrupted = 130

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	probType := flag.String("prob_type", "", "Problem type to dispatch")
	maxRep := flag.Int("max_scenario_cnt", 0, "Repetitions per parameter (required for yearly problem types)")
	flag.Parse()

	if *probType == "" {
		fmt.Fprintln(os.Stderr, "--prob_type is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting dispatcher",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("prob_type", *probType),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	err = run(ctx, cfg, app.Options{ProblemType: *probType, MaxRepetition: *maxRep}, logger)
	switch {
	case err == nil:
		logger.Info("Dispatcher finished")
	case errors.Is(err, context.Canceled):
		logger.Warn("Dispatcher interrupted")
		logger.Sync()
		os.Exit(exitInterrupted)
	default:
		logger.Error("Dispatcher failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// run wires the components and blocks until the dispatcher is idle.
func run(ctx context.Context, cfg *config.Config, opts app.Options, logger *zap.Logger) error {
	worker, err := hostinfo.Identity(cfg.Experiment.WorkerIdentity)
	if err != nil {
		return err
	}

	env, err := app.Open(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := os.MkdirAll(env.ResultsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}

	r, closeRunner, err := app.NewRunner(&cfg.Runner, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	defer closeRunner()

	publisher := events.NewPublisher(&cfg.RabbitMQ, logger)
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := dispatcher.New(env.Spec, env.Tracker, env.Ledger, r, publisher, env.ResultsDir, worker, logger)
	d.SetMetrics(dispatcher.NewMetrics(reg, opts.ProblemType))

	if cfg.Status.Port == 0 {
		return d.Run(ctx)
	}

	httpapi.Version = Version
	server := httpapi.NewServer(fmt.Sprintf(":%d", cfg.Status.Port), env.Tracker, reg, cfg.Status.RefreshSchedule, logger)
	if env.Pool != nil {
		server.AddHealthCheck("postgres", env.Pool)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		runErr := d.Run(gctx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping status server", zap.Error(err))
		}
		return runErr
	})

	return g.Wait()
}
