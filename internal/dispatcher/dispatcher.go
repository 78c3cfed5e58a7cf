// Package dispatcher runs the claim-run-release loop over a problem type's
// parameter grid.
//
// Many dispatchers may work on the same grid at once, on different hosts.
// They share nothing but the result directory and the ledger and never talk
// to each other, so each iteration starts from a fresh observation of both.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/domain"
	"github.com/saltfish/spdispatch/internal/events"
	"github.com/saltfish/spdispatch/internal/ledger"
	"github.com/saltfish/spdispatch/internal/runner"
)

// TracerName is the OpenTelemetry tracer used for run spans.
const TracerName = "spdispatch.dispatcher"

// maxLoggedUnfinished bounds the size of unfinished sets logged in full.
const maxLoggedUnfinished = 100

// Picker selects the next parameter from a non-empty set.
type Picker func(domain.ParamSet) domain.ExperimentParameter

// RandomPicker picks a uniformly random parameter. Independent dispatchers
// starting together then rarely choose the same one.
func RandomPicker(set domain.ParamSet) domain.ExperimentParameter {
	n := rand.IntN(len(set))
	for p := range set {
		if n == 0 {
			return p
		}
		n--
	}
	panic("dispatcher: pick from empty set")
}

// FirstPicker picks the smallest parameter in sorted order.
func FirstPicker(set domain.ParamSet) domain.ExperimentParameter {
	return set.Sorted()[0]
}

// Dispatcher claims, runs and releases experiments until none is left.
// A Dispatcher is not safe for concurrent use; run one per process.
type Dispatcher struct {
	spec       domain.ProblemSpec
	tracker    *Tracker
	ledger     ledger.Ledger
	runner     runner.Runner
	publisher  events.Publisher
	resultsDir string
	worker     string
	sessionID  string
	pick       Picker
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *zap.Logger

	// failed holds parameters whose run failed in this process. They are
	// left to other dispatchers or a restart.
	failed    domain.ParamSet
	completed int
}

// New creates a Dispatcher for the grid observed by tracker.
func New(
	spec domain.ProblemSpec,
	tracker *Tracker,
	l ledger.Ledger,
	r runner.Runner,
	publisher events.Publisher,
	resultsDir string,
	worker string,
	logger *zap.Logger,
) *Dispatcher {
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	sessionID := uuid.NewString()
	d := &Dispatcher{
		spec:       spec,
		tracker:    tracker,
		ledger:     l,
		runner:     r,
		publisher:  publisher,
		resultsDir: resultsDir,
		worker:     worker,
		sessionID:  sessionID,
		pick:       RandomPicker,
		tracer:     otel.Tracer(TracerName),
		logger: logger.With(
			zap.String("prob_type", string(spec.Type)),
			zap.String("worker", worker),
			zap.String("session_id", sessionID),
		),
		failed: domain.NewParamSet(),
	}
	d.SetMetrics(NewMetrics(nil, string(spec.Type)))
	return d
}

// SetPicker replaces the selection strategy.
func (d *Dispatcher) SetPicker(pick Picker) {
	d.pick = pick
}

// SetMetrics replaces the metrics collectors.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	d.metrics = m
	if n, ok := d.ledger.(ledger.MissingClaimNotifier); ok {
		n.OnMissingClaim(func(string) { m.MissingClaims.Inc() })
	}
}

// SessionID identifies this dispatcher in events.
func (d *Dispatcher) SessionID() string {
	return d.sessionID
}

// Completed returns the number of successful runs of this process.
func (d *Dispatcher) Completed() int {
	return d.completed
}

// Failed returns the parameters whose runs failed in this process.
func (d *Dispatcher) Failed() domain.ParamSet {
	return d.failed.Clone()
}

// Run loops until nothing is left to claim, a fatal error occurs or ctx is
// cancelled between iterations. It returns nil when the grid is exhausted.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		zap.Int("grid_size", d.tracker.Grid().Len()),
		zap.String("results_dir", d.resultsDir),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ran, err := d.Step(ctx)
		if err != nil {
			if domain.IsFatal(err) {
				d.logger.Error("Dispatcher stopped on fatal error", zap.Error(err))
			}
			return err
		}
		if !ran {
			break
		}
	}

	d.logger.Info("Nothing left to claim",
		zap.Int("completed", d.completed),
		zap.Int("failed", d.failed.Len()),
	)
	if err := d.publisher.PublishIdle(ctx, events.NewDispatchIdleEvent(
		d.sessionID, d.spec.Type, d.worker, d.completed, d.failed.Len(),
	)); err != nil {
		d.logger.Warn("Failed to publish idle event", zap.Error(err))
	}
	return nil
}

// Step performs one iteration: observe, select, claim, run, release.
// It reports false when nothing is claimable. Runner failures are absorbed;
// the returned error is a ledger, result-scan or context error.
func (d *Dispatcher) Step(ctx context.Context) (ran bool, err error) {
	unfinished, err := d.tracker.Unfinished(ctx)
	if err != nil {
		return false, err
	}
	d.metrics.Unfinished.Set(float64(unfinished.Len()))
	d.logUnfinished(unfinished)

	claimable := unfinished.Difference(d.failed)
	if claimable.Len() == 0 {
		return false, nil
	}

	p := d.pick(claimable)
	if err := d.ledger.Claim(ctx, p, d.worker); err != nil {
		return false, err
	}
	d.metrics.Claims.Inc()
	d.publish(ctx, events.NewExperimentClaimedEvent(d.sessionID, d.spec.Type, p, d.worker))

	// The claim is released even when ctx is cancelled.
	defer func() {
		if relErr := d.release(context.WithoutCancel(ctx), p); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err := d.execute(ctx, p); err != nil {
		return true, err
	}
	return true, nil
}

// execute runs p and records the outcome. Only a cancelled ctx is returned.
func (d *Dispatcher) execute(ctx context.Context, p domain.ExperimentParameter) error {
	key := p.Key()
	ctx, span := d.tracer.Start(ctx, "experiment.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("experiment.prob_type", string(d.spec.Type)),
			attribute.String("experiment.key", key),
			attribute.String("experiment.worker", d.worker),
		),
	)
	defer span.End()

	d.logger.Info("Running experiment", zap.String("key", key))

	started := time.Now()
	err := d.run(ctx, p)
	elapsed := time.Since(started)
	d.metrics.RunDuration.Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Float64("experiment.duration_seconds", elapsed.Seconds()))

	switch {
	case err == nil:
		d.completed++
		d.metrics.Runs.WithLabelValues(OutcomeCompleted).Inc()
		span.SetStatus(codes.Ok, "experiment completed")
		d.logger.Info("Experiment completed",
			zap.String("key", key),
			zap.Duration("elapsed", elapsed),
		)
		d.publish(ctx, events.NewExperimentCompletedEvent(d.sessionID, d.spec.Type, p, d.worker, elapsed))
		return nil

	case ctx.Err() != nil:
		d.metrics.Runs.WithLabelValues(OutcomeCancelled).Inc()
		span.SetStatus(codes.Error, "experiment cancelled")
		d.logger.Warn("Experiment interrupted",
			zap.String("key", key),
			zap.Duration("elapsed", elapsed),
		)
		return ctx.Err()

	default:
		d.failed.Add(p)
		d.metrics.Runs.WithLabelValues(OutcomeFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "experiment failed")
		d.logger.Error("Experiment failed",
			zap.String("key", key),
			zap.Stringer("param", p),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		d.publish(context.WithoutCancel(ctx), events.NewExperimentFailedEvent(d.sessionID, d.spec.Type, p, d.worker, elapsed, err))
		return nil
	}
}

// run invokes the runner. Every error it returns is a runner failure,
// including a panic inside an in-process runner.
func (d *Dispatcher) run(ctx context.Context, p domain.ExperimentParameter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.RunnerError{Problem: d.spec.Type, Key: p.Key(), Err: fmt.Errorf("runner panicked: %v", r)}
		}
	}()

	req, err := runner.NewRequest(d.spec, p, d.resultsDir)
	if err != nil {
		return &domain.RunnerError{Problem: d.spec.Type, Key: p.Key(), Err: err}
	}

	err = d.runner.Run(ctx, req)
	if err != nil && !errors.Is(err, domain.ErrRunnerFailure) {
		err = &domain.RunnerError{Problem: d.spec.Type, Key: p.Key(), Err: err}
	}
	return err
}

func (d *Dispatcher) release(ctx context.Context, p domain.ExperimentParameter) error {
	if err := d.ledger.Release(ctx, p); err != nil {
		d.logger.Error("Failed to release claim",
			zap.String("key", p.Key()),
			zap.Error(err),
		)
		return err
	}
	d.publish(ctx, events.NewExperimentReleasedEvent(d.sessionID, d.spec.Type, p, d.worker))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, event *events.ExperimentEvent) {
	if err := d.publisher.PublishExperiment(ctx, event); err != nil {
		d.logger.Warn("Failed to publish event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) logUnfinished(unfinished domain.ParamSet) {
	d.logger.Info("Unfinished parameters",
		zap.Int("count", unfinished.Len()),
		zap.Int("failed_locally", d.failed.Len()),
	)
	if unfinished.Len() == 0 || unfinished.Len() > maxLoggedUnfinished {
		return
	}

	keys := make([]string, 0, unfinished.Len())
	for _, p := range unfinished.Sorted() {
		keys = append(keys, p.Key())
	}
	d.logger.Info("Unfinished parameter list", zap.Strings("keys", keys))
}
