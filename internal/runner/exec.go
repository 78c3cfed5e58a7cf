package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// outputTailSize bounds how much solver output is kept for error reports.
const outputTailSize = 4096

// ExecRunner runs a solver as a local child process.
type ExecRunner struct {
	command []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecRunner creates an ExecRunner. command is an argv template;
// timeout 0 disables the per-run limit.
func NewExecRunner(command []string, timeout time.Duration, logger *zap.Logger) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, errors.New("runner command is empty")
	}
	return &ExecRunner{
		command: command,
		timeout: timeout,
		logger:  logger.With(zap.String("runner", "exec")),
	}, nil
}

// Run executes the solver for req and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, req Request) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := req.Expand(r.command)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"SPD_PROB_TYPE="+string(req.Problem),
		"SPD_PARAM_KEY="+req.Param.Key(),
	)

	out := &tailBuffer{limit: outputTailSize}
	cmd.Stdout = out
	cmd.Stderr = out

	r.logger.Info("Starting experiment",
		zap.String("prob_type", string(req.Problem)),
		zap.String("key", req.Param.Key()),
		zap.Strings("args", args),
	)

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			err = fmt.Errorf("%w\n%s", err, tail)
		}
		return runnerError(req, err)
	}

	r.logger.Info("Experiment finished",
		zap.String("key", req.Param.Key()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

var _ Runner = (*ExecRunner)(nil)
