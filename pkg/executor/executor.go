// Package executor runs external actions (package manager, service manager,
// phase commands) with bounded timeouts, classified retries and explicit
// privilege elevation. The executor itself holds no persistent state; all
// side effects are confined to the invoked external command.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ladlehq/ladle/pkg/backoff"
)

// Status is the structured outcome of an invocation.
type Status string

const (
	// StatusSuccess means the command ran and exited zero.
	StatusSuccess Status = "success"

	// StatusNotApplicable means no action was needed (already in the
	// desired state). The executor never runs anything for these.
	StatusNotApplicable Status = "not-applicable"

	// StatusFailed means the command ran and failed, or could not start.
	StatusFailed Status = "failed"

	// StatusTimedOut means the command exceeded its timeout bound. Kept
	// distinct from StatusFailed so callers can apply different retry
	// policies to the two.
	StatusTimedOut Status = "timed-out"
)

// Spec describes one external invocation.
type Spec struct {
	// Command is the executable; Args are its arguments. When Args is
	// empty and Command contains spaces it is run through /bin/sh -c.
	Command string
	Args    []string

	// Sudo requests privilege elevation via sudo -n. Elevation is always
	// explicit per spec; the executor never escalates on its own.
	Sudo bool

	// Timeout bounds the invocation. Zero means the executor default.
	Timeout time.Duration
}

// Result reports the outcome of an invocation, including retries.
type Result struct {
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Attempts int

	// Reason carries the failure description for failed or timed-out
	// results.
	Reason string
}

// OK reports whether the invocation ended in a non-failure state.
func (r Result) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusNotApplicable
}

// Runner executes a single attempt of a spec. The production implementation
// shells out; tests inject fakes.
type Runner interface {
	RunOnce(ctx context.Context, spec Spec) Result
}

// Executor wraps a Runner with timeout and retry handling.
type Executor struct {
	runner         Runner
	policy         backoff.Policy
	clock          backoff.Clock
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRunner replaces the command runner (used by tests).
func WithRunner(r Runner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithClock replaces the clock (used by tests).
func WithClock(c backoff.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithDefaultTimeout replaces the default per-command timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// New creates an Executor with the stock shell runner and retry policy.
func New(logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		runner:         &shellRunner{},
		policy:         backoff.DefaultPolicy(),
		clock:          backoff.RealClock{},
		defaultTimeout: 60 * time.Second,
		logger:         logger.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes spec with its timeout bound, retrying transient failures with
// bounded exponential backoff up to the policy's attempt ceiling. Timeouts
// and non-transient failures are returned immediately.
func (e *Executor) Run(ctx context.Context, spec Spec) Result {
	if spec.Timeout <= 0 {
		spec.Timeout = e.defaultTimeout
	}

	var res Result
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		res = e.runner.RunOnce(ctx, spec)
		res.Attempts = attempt + 1

		if res.Status != StatusFailed || !isTransient(res) {
			break
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.Warn().
			Str("command", spec.Command).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Str("stderr", strings.TrimSpace(res.Stderr)).
			Msg("transient failure, retrying")

		if err := e.clock.Sleep(ctx, delay); err != nil {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("cancelled while waiting to retry: %v", err)
			break
		}
	}

	return res
}

// transientMarkers are stderr fragments that indicate a retryable condition,
// typically a package-manager lock held by a concurrent process.
var transientMarkers = []string{
	"could not get lock",
	"unable to acquire the dpkg frontend lock",
	"unable to lock the administration directory",
	"resource temporarily unavailable",
	"temporary failure",
	"waiting for cache lock",
}

func isTransient(res Result) bool {
	combined := strings.ToLower(res.Stderr + "\n" + res.Stdout)
	for _, marker := range transientMarkers {
		if strings.Contains(combined, marker) {
			return true
		}
	}
	return false
}

// shellRunner is the production Runner backed by os/exec.
type shellRunner struct{}

func (shellRunner) RunOnce(ctx context.Context, spec Spec) Result {
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case spec.Sudo && len(spec.Args) > 0:
		cmd = exec.CommandContext(runCtx, "sudo", append([]string{"-n", spec.Command}, spec.Args...)...)
	case spec.Sudo:
		cmd = exec.CommandContext(runCtx, "sudo", "-n", "/bin/sh", "-c", spec.Command)
	case len(spec.Args) > 0:
		cmd = exec.CommandContext(runCtx, spec.Command, spec.Args...)
	default:
		cmd = exec.CommandContext(runCtx, "/bin/sh", "-c", spec.Command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.Status = StatusTimedOut
		res.Reason = fmt.Sprintf("command exceeded timeout of %s", spec.Timeout)
		return res
	}

	if err != nil {
		res.Status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Reason = fmt.Sprintf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		} else {
			res.ExitCode = -1
			res.Reason = err.Error()
		}
		return res
	}

	res.Status = StatusSuccess
	return res
}
