// expctl inspects and repairs the shared experiment state.
//
//	expctl status  --prob_type T [-json]
//	expctl watch   --prob_type T [-schedule "@every 1m"]
//	expctl release --prob_type T (-key K | -worker W | -stale | -all)
//	expctl export  --prob_type T -out progress.xlsx
//	expctl serve   --prob_type T [-port N]
//	expctl events  [-keys experiment.*]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/app"
	"github.com/saltfish/spdispatch/internal/config"
)

// Build-time variables (set via ldflags)
var Version = "dev"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, g *globals, args []string) error

	// needsGrid commands open the grid and ledger of --prob_type.
	needsGrid bool
}

// globals are the flags shared by every command.
type globals struct {
	cfg    *config.Config
	env    *app.Env
	logger *zap.Logger
}

var commands = []command{
	{name: "status", usage: "print progress of a problem type", run: runStatus, needsGrid: true},
	{name: "watch", usage: "print progress on a schedule", run: runWatch, needsGrid: true},
	{name: "release", usage: "remove claims from the ledger", run: runRelease, needsGrid: true},
	{name: "export", usage: "write progress to an xlsx workbook", run: runExport, needsGrid: true},
	{name: "serve", usage: "serve progress over HTTP and websocket", run: runServe, needsGrid: true},
	{name: "events", usage: "tail dispatch events from RabbitMQ", run: runEvents},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: expctl <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage()
		os.Exit(2)
	}

	if err := execute(cmd, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "expctl %s: %v\n", cmd.name, err)
		os.Exit(1)
	}
}

func execute(cmd *command, args []string) error {
	fs := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (YAML)")
	probType := fs.String("prob_type", "", "Problem type")
	maxRep := fs.Int("max_scenario_cnt", 0, "Repetitions per parameter (required for yearly problem types)")

	// Command flags are left in rest for the command to parse.
	var rest []string
	if err := fs.Parse(splitGlobal(args, &rest)); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := &globals{cfg: cfg, logger: logger}
	if cmd.needsGrid {
		if *probType == "" {
			return fmt.Errorf("--prob_type is required")
		}
		env, err := app.Open(ctx, cfg, app.Options{ProblemType: *probType, MaxRepetition: *maxRep}, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		g.env = env
	}

	return cmd.run(ctx, g, rest)
}

// splitGlobal separates the shared flags from command flags. Shared flags
// are collected into the returned slice; everything else goes to rest.
func splitGlobal(args []string, rest *[]string) []string {
	global := map[string]bool{"config": true, "prob_type": true, "max_scenario_cnt": true}

	var out []string
	for i := 0; i < len(args); i++ {
		name, hasValue := flagName(args[i])
		if !global[name] {
			*rest = append(*rest, args[i])
			continue
		}
		out = append(out, args[i])
		if !hasValue && i+1 < len(args) {
			i++
			out = append(out, args[i])
		}
	}
	return out
}

// flagName returns the name of a -flag or --flag argument and whether the
// value is attached with '='.
func flagName(arg string) (string, bool) {
	if !strings.HasPrefix(arg, "-") {
		return "", false
	}
	name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	return name, hasValue
}
