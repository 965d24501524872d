// Package hook runs configured commands in response to received signals.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout applies when a hook does not set its own.
const DefaultTimeout = 30 * time.Second

// maxOutput caps how much combined output is kept for logging.
const maxOutput = 4 << 10

// Hook is one command bound to a signal.
type Hook struct {
	// Signal is the catalog name, e.g. "SIGHUP".
	Signal string
	// Number is the signal number the hook fires for.
	Number int
	// Command is argv; Command[0] is resolved through PATH.
	Command []string
	// Timeout bounds the run; zero means DefaultTimeout.
	Timeout time.Duration
}

// Result describes a finished hook run.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Run executes h, passing the signal through SIGRELAY_SIGNAL and
// SIGRELAY_SIGNUM. A non-zero exit or a timeout is reported as an error
// alongside the partial Result.
func Run(ctx context.Context, h Hook) (Result, error) {
	if len(h.Command) == 0 {
		return Result{}, errors.New("hook: empty command")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"SIGRELAY_SIGNAL="+h.Signal,
		"SIGRELAY_SIGNUM="+strconv.Itoa(h.Number),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   truncate(out.String()),
		Duration: time.Since(start),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return res, fmt.Errorf("hook %s timed out after %s: %w", h.Command[0], timeout, ctx.Err())
		}
		return res, fmt.Errorf("hook %s: %w", h.Command[0], err)
	}
	return res, nil
}

// Runner maps signal numbers to their hooks.
type Runner struct {
	hooks map[int][]Hook
}

// NewRunner groups hooks by signal number.
func NewRunner(hooks []Hook) *Runner {
	r := &Runner{hooks: make(map[int][]Hook)}
	for _, h := range hooks {
		r.hooks[h.Number] = append(r.hooks[h.Number], h)
	}
	return r
}

// For returns the hooks bound to sig in configuration order.
func (r *Runner) For(sig int) []Hook {
	return r.hooks[sig]
}

// Fire runs every hook for sig in order and logs each outcome. It returns
// the number of hooks that failed.
func (r *Runner) Fire(ctx context.Context, sig int) int {
	failed := 0
	for _, h := range r.hooks[sig] {
		res, err := Run(ctx, h)
		if err != nil {
			failed++
			slog.Warn("hook failed",
				"signal", h.Signal,
				"command", strings.Join(h.Command, " "),
				"exit_code", res.ExitCode,
				"output", res.Output,
				"error", err,
			)
			continue
		}
		slog.Info("hook ran",
			"signal", h.Signal,
			"command", strings.Join(h.Command, " "),
			"duration", res.Duration.Round(time.Millisecond),
		)
	}
	return failed
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
