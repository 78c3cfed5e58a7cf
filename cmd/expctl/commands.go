package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/saltfish/spdispatch/internal/api/http"
	"github.com/saltfish/spdispatch/internal/dispatcher"
	"github.com/saltfish/spdispatch/internal/domain"
	"github.com/saltfish/spdispatch/internal/events"
	"github.com/saltfish/spdispatch/internal/ledger"
	"github.com/saltfish/spdispatch/internal/report"
)

func runStatus(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the snapshot as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	snap, err := g.env.Tracker.Snapshot(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return printSnapshot(os.Stdout, snap)
}

func printSnapshot(w io.Writer, snap dispatcher.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "prob_type\t%s\n", snap.ProblemType)
	fmt.Fprintf(tw, "total\t%d\n", snap.Total)
	fmt.Fprintf(tw, "finished\t%d\t(%.1f%%)\n", snap.Finished, snap.Percent)
	fmt.Fprintf(tw, "in_progress\t%d\n", snap.InProgress)
	fmt.Fprintf(tw, "unfinished\t%d\n", snap.Unfinished)
	if snap.Stale > 0 {
		fmt.Fprintf(tw, "stale claims\t%d\n", snap.Stale)
	}
	if snap.Orphans > 0 {
		fmt.Fprintf(tw, "orphan claims\t%d\n", snap.Orphans)
	}

	workers := make([]string, 0, len(snap.ByWorker))
	for w := range snap.ByWorker {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	for _, w := range workers {
		fmt.Fprintf(tw, "  %s\t%d\n", w, snap.ByWorker[w])
	}
	return tw.Flush()
}

func runWatch(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	schedule := fs.String("schedule", g.cfg.Status.RefreshSchedule, "Cron spec of refreshes (empty prints once)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return watch(ctx, g, *schedule, os.Stdout)
}

// watch prints a snapshot now and then on every tick of schedule until ctx
// is done. An empty schedule prints once.
func watch(ctx context.Context, g *globals, schedule string, w io.Writer) error {
	tick := func() {
		snap, err := g.env.Tracker.Snapshot(ctx)
		if err != nil {
			g.logger.Warn("Failed to observe progress", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "--- %s\n", snap.UpdatedAt.Local().Format(time.DateTime))
		printSnapshot(w, snap)
	}

	if schedule == "" {
		tick()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	tick()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// releaseOptions select the claims removed by expctl release.
type releaseOptions struct {
	key    string
	worker string
	stale  bool
	all    bool
}

// matcher builds the Prune predicate. finished is consulted by -stale.
func (o releaseOptions) matcher(finished domain.ParamSet) (func(key, worker string) bool, error) {
	set := 0
	for _, b := range []bool{o.key != "", o.worker != "", o.stale, o.all} {
		if b {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of -key, -worker, -stale, -all is required")
	}

	switch {
	case o.key != "":
		return func(key, _ string) bool { return key == o.key }, nil
	case o.worker != "":
		return func(_, worker string) bool { return worker == o.worker }, nil
	case o.stale:
		return func(key, _ string) bool {
			p, err := domain.ParseKey(key)
			return err == nil && finished.Contains(p)
		}, nil
	default:
		return func(string, string) bool { return true }, nil
	}
}

func runRelease(ctx context.Context, g *globals, args []string) error {
	var opts releaseOptions
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	fs.StringVar(&opts.key, "key", "", "Release one ledger key")
	fs.StringVar(&opts.worker, "worker", "", "Release every claim of a worker")
	fs.BoolVar(&opts.stale, "stale", false, "Release claims whose result already exists")
	fs.BoolVar(&opts.all, "all", false, "Release every claim")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var finished domain.ParamSet
	if opts.stale {
		state, err := g.env.Tracker.Observe(ctx)
		if err != nil {
			return err
		}
		finished = state.Finished
	}

	match, err := opts.matcher(finished)
	if err != nil {
		return err
	}

	released, err := ledger.Prune(ctx, g.env.Ledger, match)
	for _, key := range released {
		fmt.Fprintln(os.Stdout, key)
	}
	g.logger.Info("Released claims", zap.Int("count", len(released)))
	return err
}

func runExport(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "", "Output workbook path (default <prob_type>_progress.xlsx)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = string(g.env.Spec.Type) + "_progress.xlsx"
	}

	state, err := g.env.Tracker.Observe(ctx)
	if err != nil {
		return err
	}
	snap := g.env.Tracker.Summarise(state)

	if err := report.Export(path, snap, report.Rows(g.env.Grid, state)); err != nil {
		return err
	}
	g.logger.Info("Progress exported",
		zap.String("path", path),
		zap.Int("finished", snap.Finished),
		zap.Int("total", snap.Total),
	)
	return nil
}

func runServe(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", g.cfg.Status.Port, "Listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *port == 0 {
		*port = 8090
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	httpapi.Version = Version
	server := httpapi.NewServer(fmt.Sprintf(":%d", *port), g.env.Tracker, reg, g.cfg.Status.RefreshSchedule, g.logger)
	if g.env.Pool != nil {
		server.AddHealthCheck("postgres", g.env.Pool)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(server.Start)
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if g.cfg.RabbitMQ.URL != "" {
		sub, err := events.NewRabbitMQSubscriber(&g.cfg.RabbitMQ, g.logger)
		if err != nil {
			g.logger.Warn("Failed to create RabbitMQ subscriber, events will not be forwarded", zap.Error(err))
		} else {
			defer sub.Close()
			grp.Go(func() error {
				if err := server.Forward(gctx, sub); err != nil {
					g.logger.Warn("Event forwarding stopped", zap.Error(err))
				}
				return nil
			})
		}
	}

	return grp.Wait()
}

func runEvents(ctx context.Context, g *globals, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	keys := fs.String("keys", events.RoutingKeyAll, "Comma-separated routing keys")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if g.cfg.RabbitMQ.URL == "" {
		return errors.New("rabbitmq.url is not configured")
	}

	sub, err := events.NewRabbitMQSubscriber(&g.cfg.RabbitMQ, g.logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	return sub.Subscribe(ctx, strings.Split(*keys, ","), func(routingKey string, body []byte) error {
		fmt.Fprintf(os.Stdout, "%s %s\n", routingKey, body)
		return nil
	})
}
