// ============================================================================
// pipeexec Runner - idempotent unit-of-work execution
// ============================================================================
//
// Package: internal/runner
// File: runner.go
//
// Contract for a WorkItem with inputs I and outputs O:
//   1. any path in I missing          -> Failed(MissingInput), not executed
//   2. not forced, O non-empty, every path in O exists and
//      (I empty or every output mtime >= newest input mtime)
//                                     -> Skipped, not executed
//   3. otherwise execute (program or in-process entry point)
//   4. any path in O missing afterwards -> Failed(MissingOutput),
//      whatever the exit status said
//   5. else Succeeded
//
// Freshness is decided from filesystem modification times only. The state
// store is never consulted, so the rule holds in no-database mode and when
// the store is stale. A producer that rewrites an output without advancing
// its mtime defeats the skip rule.
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"go.uber.org/zap"
)

// NprocsEnv tells an external program how many ranks its unit was given.
const NprocsEnv = "PIPEEXEC_NPROCS"

// Decision is the result of the pre-execution checks.
type Decision int

const (
	DecisionRun Decision = iota
	DecisionSkip
	DecisionMissingInput
)

func (d Decision) String() string {
	switch d {
	case DecisionRun:
		return "run"
	case DecisionSkip:
		return "skip"
	case DecisionMissingInput:
		return "missing-input"
	default:
		return "unknown"
	}
}

// Config configures a Runner.
type Config struct {
	Force   bool         // ignore the skip rule
	Entries *Entrypoints // in-process entry points, may be nil
	Logger  *zap.Logger
}

// Runner executes WorkItems under the idempotence contract.
type Runner struct {
	force   bool
	entries *Entrypoints
	logger  *zap.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := cfg.Entries
	if entries == nil {
		entries = NewEntrypoints()
	}
	return &Runner{force: cfg.Force, entries: entries, logger: logger}
}

// Run applies the full contract to item. p is the pool the unit may use for
// internal parallelism; nil means a serial pool.
func (r *Runner) Run(ctx context.Context, item WorkItem, p pool.WorkerPool) Outcome {
	start := time.Now()
	decision, out := r.Precheck(item)
	if decision != DecisionRun {
		out.Duration = time.Since(start)
		return out
	}

	exitCode, err := r.Execute(ctx, item, p)
	out = r.Conclude(item, exitCode, err)
	out.Duration = time.Since(start)
	return out
}

// Precheck runs steps 1 and 2 of the contract. The returned Outcome is only
// meaningful when the decision is not DecisionRun.
func (r *Runner) Precheck(item WorkItem) (Decision, Outcome) {
	log := r.logger.With(zap.String("unit", item.Label))

	var missing []string
	var newestInput time.Time
	for _, in := range item.Inputs {
		st, err := os.Stat(in)
		if err != nil {
			log.Error("missing input", zap.String("path", in))
			missing = append(missing, in)
			continue
		}
		if st.ModTime().After(newestInput) {
			newestInput = st.ModTime()
		}
	}
	if len(missing) > 0 {
		return DecisionMissingInput, failed(FailureMissingInput, 0, fmt.Sprintf("%v", missing))
	}

	if !r.force && r.upToDate(item, newestInput) {
		log.Info("SKIPPING", zap.String("cmd", item.CommandLine()))
		return DecisionSkip, skipped()
	}
	return DecisionRun, Outcome{}
}

func (r *Runner) upToDate(item WorkItem, newestInput time.Time) bool {
	if len(item.Outputs) == 0 {
		return false
	}
	for _, out := range item.Outputs {
		st, err := os.Stat(out)
		if err != nil {
			return false
		}
		if len(item.Inputs) > 0 && st.ModTime().Before(newestInput) {
			return false
		}
	}
	return true
}

// Execute runs the unit itself (step 3) and returns the raw status.
func (r *Runner) Execute(ctx context.Context, item WorkItem, p pool.WorkerPool) (int, error) {
	if p == nil {
		p = pool.NewSerial()
	}
	log := r.logger.With(zap.String("unit", item.Label))
	log.Info("RUNNING",
		zap.String("cmd", item.CommandLine()),
		zap.Strings("inputs", item.Inputs),
		zap.Strings("outputs", item.Outputs),
	)

	switch item.Kind {
	case KindCommand:
		return r.execCommand(ctx, item, p.Size(), log)
	case KindCall:
		return r.callEntry(ctx, item, p)
	default:
		return -1, fmt.Errorf("work item %q has unknown kind %q", item.Label, item.Kind)
	}
}

func (r *Runner) execCommand(ctx context.Context, item WorkItem, nprocs int, log *zap.Logger) (int, error) {
	if item.Program == "" {
		return -1, errors.New("empty program")
	}
	cmd := exec.CommandContext(ctx, item.Program, item.Args...)
	cmd.Env = append(os.Environ(), NprocsEnv+"="+strconv.Itoa(nprocs))

	stdout := newLineLogger(log, "STDOUT")
	stderr := newLineLogger(log, "STDERR")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), err
	}
	return -1, err
}

func (r *Runner) callEntry(ctx context.Context, item WorkItem, p pool.WorkerPool) (code int, err error) {
	fn, ok := r.entries.Lookup(item.Entry)
	if !ok {
		return -1, fmt.Errorf("no in-process entry point %q", item.Entry)
	}
	defer func() {
		if rec := recover(); rec != nil {
			code, err = -1, fmt.Errorf("entry point %q panicked: %v", item.Entry, rec)
		}
	}()
	if err := fn(ctx, item.Args, p); err != nil {
		return 1, err
	}
	return 0, nil
}

// Conclude turns the raw status into an Outcome, checking outputs (step 4).
func (r *Runner) Conclude(item WorkItem, exitCode int, execErr error) Outcome {
	log := r.logger.With(zap.String("unit", item.Label))
	if execErr != nil || exitCode != 0 {
		detail := fmt.Sprintf("exit=%d", exitCode)
		if execErr != nil {
			detail = execErr.Error()
		}
		log.Error("FAILED", zap.Int("exit_code", exitCode), zap.String("cmd", item.CommandLine()), zap.Error(execErr))
		return failed(FailureExecutionFailure, exitCode, detail)
	}

	if missing := r.Verify(item); len(missing) > 0 {
		for _, m := range missing {
			log.Error("missing output", zap.String("path", m))
		}
		return failed(FailureMissingOutput, exitCode, fmt.Sprintf("%v", missing))
	}

	log.Info("SUCCESS", zap.String("cmd", item.CommandLine()))
	return succeeded(exitCode)
}

// Verify lists declared outputs that do not exist.
func (r *Runner) Verify(item WorkItem) []string {
	var missing []string
	for _, out := range item.Outputs {
		if _, err := os.Stat(out); err != nil {
			missing = append(missing, out)
		}
	}
	return missing
}
