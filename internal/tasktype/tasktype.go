package tasktype

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/pkg/types"
)

// ErrNotRunnable is returned when asking for the work item of a type whose
// instances are produced outside the pipeline (raw data).
var ErrNotRunnable = errors.New("task type is not runnable")

// TaskType is the capability every pipeline stage exposes to the engine.
// Implementations are pure except for BuildCommand/BuildCall, which may
// probe the filesystem for calibration files.
type TaskType interface {
	Tag() string
	Columns() []Column
	NameFields() []NameField

	Join(fields Fields) (types.TaskName, error)
	Split(name types.TaskName) (Fields, error)

	// Paths lists the output locations of one instance.
	Paths(name types.TaskName) ([]string, error)
	// Dependencies maps dependency type tag to dependency name.
	Dependencies(name types.TaskName) (map[string]types.TaskName, error)

	MaxWorkers(procsPerNode int) int
	EstimatedDuration(name types.TaskName) time.Duration
	Defaults() Options

	Runnable() bool
	BuildCommand(name types.TaskName, opts Options) (runner.WorkItem, error)
	BuildCall(name types.TaskName, opts Options) (runner.WorkItem, error)
	RunInProcess(ctx context.Context, name types.TaskName, opts Options, p pool.WorkerPool) error
}

// taskType is the one implementation behind the closed set of stages; each
// stage differs only in the functions it plugs in.
type taskType struct {
	tag      string
	codec    *Codec
	columns  []Column
	program  string
	duration time.Duration
	defaults Options
	reg      *Registry

	maxWorkers func(procsPerNode int) int
	paths      func(f Fields) []string
	deps       func(f Fields) (map[string]types.TaskName, error)
	// options appends the input/output arguments after the caller's options
	// and returns any inputs that are not dependency outputs.
	options func(name types.TaskName, f Fields, opts Options) (Options, []string, error)
}

func (t *taskType) Tag() string             { return t.tag }
func (t *taskType) Columns() []Column       { return t.columns }
func (t *taskType) NameFields() []NameField { return t.codec.Fields() }
func (t *taskType) Runnable() bool          { return t.options != nil }

func (t *taskType) Defaults() Options {
	return append(Options(nil), t.defaults...)
}

func (t *taskType) Join(fields Fields) (types.TaskName, error) {
	return t.codec.Join(fields)
}

func (t *taskType) Split(name types.TaskName) (Fields, error) {
	return t.codec.Split(name)
}

func (t *taskType) Paths(name types.TaskName) ([]string, error) {
	f, err := t.codec.Split(name)
	if err != nil {
		return nil, err
	}
	return t.paths(f), nil
}

func (t *taskType) Dependencies(name types.TaskName) (map[string]types.TaskName, error) {
	f, err := t.codec.Split(name)
	if err != nil {
		return nil, err
	}
	if t.deps == nil {
		return map[string]types.TaskName{}, nil
	}
	return t.deps(f)
}

func (t *taskType) MaxWorkers(procsPerNode int) int {
	if t.maxWorkers == nil || procsPerNode < 1 {
		return 1
	}
	n := t.maxWorkers(procsPerNode)
	if n < 1 {
		return 1
	}
	return n
}

func (t *taskType) EstimatedDuration(name types.TaskName) time.Duration {
	return t.duration
}

// depName joins f into the name of the dependency type tag.
func (t *taskType) depName(tag string, f Fields) (types.TaskName, error) {
	if t.reg == nil {
		return "", fmt.Errorf("type %s is not registered", t.tag)
	}
	dt, err := t.reg.Get(tag)
	if err != nil {
		return "", err
	}
	return dt.Join(f)
}

// materialize computes the argument tokens and the declared inputs/outputs.
func (t *taskType) materialize(name types.TaskName, opts Options) ([]string, []string, []string, error) {
	if !t.Runnable() {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrNotRunnable, t.tag)
	}
	f, err := t.codec.Split(name)
	if err != nil {
		return nil, nil, nil, err
	}

	deps, err := t.Dependencies(name)
	if err != nil {
		return nil, nil, nil, err
	}
	var inputs []string
	for _, depName := range sortedDeps(deps) {
		dt, err := t.reg.TypeOf(depName)
		if err != nil {
			return nil, nil, nil, err
		}
		paths, err := dt.Paths(depName)
		if err != nil {
			return nil, nil, nil, err
		}
		inputs = append(inputs, paths...)
	}

	full, extra, err := t.options(name, f, t.Defaults().Merge(opts))
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = append(inputs, extra...)
	return full.Tokens(), inputs, t.paths(f), nil
}

// BuildCommand materializes name as an external command.
func (t *taskType) BuildCommand(name types.TaskName, opts Options) (runner.WorkItem, error) {
	args, inputs, outputs, err := t.materialize(name, opts)
	if err != nil {
		return runner.WorkItem{}, err
	}
	return runner.NewCommand(string(name), t.program, args, inputs, outputs), nil
}

// BuildCall materializes name as a call of the in-process entry point
// registered under the type tag.
func (t *taskType) BuildCall(name types.TaskName, opts Options) (runner.WorkItem, error) {
	args, inputs, outputs, err := t.materialize(name, opts)
	if err != nil {
		return runner.WorkItem{}, err
	}
	return runner.NewCall(string(name), t.tag, args, inputs, outputs), nil
}

// RunInProcess performs the work of name without process isolation and
// without the idempotence checks.
func (t *taskType) RunInProcess(ctx context.Context, name types.TaskName, opts Options, p pool.WorkerPool) error {
	item, err := t.BuildCall(name, opts)
	if err != nil {
		return err
	}
	fn, ok := t.reg.Entrypoints().Lookup(item.Entry)
	if !ok {
		return fmt.Errorf("no in-process entry point %q", item.Entry)
	}
	if p == nil {
		p = pool.NewSerial()
	}
	return fn(ctx, item.Args, p)
}

func sortedDeps(deps map[string]types.TaskName) []types.TaskName {
	tags := make([]string, 0, len(deps))
	for tag := range deps {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	out := make([]types.TaskName, len(tags))
	for i, tag := range tags {
		out[i] = deps[tag]
	}
	return out
}
