// ============================================================================
// pipeexec Pipeline Driver - 任務列表執行
// ============================================================================
//
// Package: internal/pipeline
// File: driver.go
//
// RunTaskList runs a list of tasks of one type as a single executor stage.
// RunChain runs names of several types, one stage per type in pipeline
// order, so each stage sees the DONE records written by the stage before.
//
// With a state store (rank 0 only):
//   plan:      Register -> SyncExternal -> Refresh -> build -> DispatchAll
//   complete:  Complete(name, ok) for every unit
// Without one (no-database mode) every listed task counts as ready and the
// runner's file checks are the only idempotence.
//
// A task whose WorkItem cannot be built (e.g. calibration missing) counts
// as ready and failed, like a unit that failed at run time.
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/executor"
	"github.com/ChuLiYu/pipeexec/internal/metrics"
	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/internal/state"
	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"github.com/ChuLiYu/pipeexec/internal/timing"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrWrongType is returned when a listed name does not belong to the
// requested task type.
var ErrWrongType = errors.New("task does not match task type")

// Options tunes how tasks are turned into work.
type Options struct {
	// ProcsPerNode feeds TaskType.MaxWorkers. 0 means the pool size.
	ProcsPerNode int
	// InProcess builds in-process calls instead of external commands for
	// every type; InProcessTypes does it for the listed type tags only.
	InProcess      bool
	InProcessTypes map[string]bool
	// TaskOptions are per-type option overrides, keyed by type tag.
	TaskOptions map[string]tasktype.Options
}

// Config wires a Driver for one rank.
type Config struct {
	Pool     pool.WorkerPool
	Registry *tasktype.Registry
	// Store is only used on rank 0. nil selects no-database mode.
	Store   state.Store
	Runner  *runner.Runner
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Timer   *timing.Timer
	Options Options
}

// Driver runs task lists over a worker pool.
type Driver struct {
	pool     pool.WorkerPool
	reg      *tasktype.Registry
	resolver *state.Resolver
	runner   *runner.Runner
	logger   *zap.Logger
	metrics  *metrics.Collector
	timer    *timing.Timer
	opts     Options
}

// New creates a Driver.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := cfg.Runner
	if r == nil {
		r = runner.New(runner.Config{Entries: cfg.Registry.Entrypoints(), Logger: logger})
	}
	d := &Driver{
		pool:    cfg.Pool,
		reg:     cfg.Registry,
		runner:  r,
		logger:  logger,
		metrics: cfg.Metrics,
		timer:   cfg.Timer,
		opts:    cfg.Options,
	}
	if cfg.Store != nil && cfg.Pool.Rank() == 0 {
		d.resolver = state.NewResolver(cfg.Store, cfg.Registry, logger)
	}
	return d
}

// Logger returns the driver's logger.
func (d *Driver) Logger() *zap.Logger { return d.logger }

// Result is the outcome of a driver run, identical on every rank.
type Result struct {
	RunID  string
	Ready  int
	Failed int
	Report *executor.Report
}

// ExitCode is 0 when at least one task was ready and not all ready tasks
// failed, 1 otherwise.
func (r Result) ExitCode() int {
	if r.Ready == 0 || r.Failed >= r.Ready {
		return 1
	}
	return 0
}

// RunTaskList runs names, all of type tag. Every rank must pass the same
// arguments.
func (d *Driver) RunTaskList(ctx context.Context, tag string, names []types.TaskName) (Result, error) {
	tt, err := d.reg.Get(tag)
	if err != nil {
		return Result{}, err
	}
	if !tt.Runnable() {
		return Result{}, fmt.Errorf("%w: %s", tasktype.ErrNotRunnable, tag)
	}
	for _, name := range names {
		if err := checkName(tt, name); err != nil {
			return Result{}, err
		}
	}
	return d.run(ctx, []typeBatch{{tt: tt, names: names}})
}

// RunChain runs names of mixed types, one stage per runnable type in
// pipeline order. Names of non-runnable types are only synced as external
// products.
func (d *Driver) RunChain(ctx context.Context, names []types.TaskName) (Result, error) {
	byTag := make(map[string][]types.TaskName)
	for _, name := range names {
		tt, err := d.reg.TypeOf(name)
		if err != nil {
			return Result{}, err
		}
		if err := checkName(tt, name); err != nil {
			return Result{}, err
		}
		byTag[tt.Tag()] = append(byTag[tt.Tag()], name)
	}

	var batches []typeBatch
	for _, tt := range d.reg.Types() {
		list := byTag[tt.Tag()]
		if len(list) == 0 {
			continue
		}
		if !tt.Runnable() {
			if d.pool.Rank() == 0 {
				d.logger.Info("external tasks are not run", zap.String("tasktype", tt.Tag()), zap.Int("count", len(list)))
			}
			continue
		}
		batches = append(batches, typeBatch{tt: tt, names: list})
	}
	return d.run(ctx, batches)
}

type typeBatch struct {
	tt    tasktype.TaskType
	names []types.TaskName
}

func checkName(tt tasktype.TaskType, name types.TaskName) error {
	if tasktype.TagOf(name) != tt.Tag() {
		return fmt.Errorf("%w: %s is not a %s task", ErrWrongType, name, tt.Tag())
	}
	if _, err := tt.Split(name); err != nil {
		return err
	}
	return nil
}

func (d *Driver) run(ctx context.Context, batches []typeBatch) (Result, error) {
	start := time.Now()
	runID, err := d.newRunID(ctx)
	if err != nil {
		return Result{}, err
	}
	log := d.logger.With(zap.String("run_id", runID), zap.Int("rank", d.pool.Rank()))
	if d.pool.Rank() == 0 {
		mode := "db"
		if d.resolver == nil {
			mode = "nodb"
		}
		fields := []zap.Field{zap.Int("ranks", d.pool.Size()), zap.Int("stages", len(batches)), zap.String("mode", mode)}
		if delay, ok := startupDelay(os.Getenv("STARTTIME"), time.Now()); ok {
			fields = append(fields, zap.Duration("startup", delay))
		}
		log.Info("run start", fields...)
	}

	var buildFailed int
	stages := make([]executor.Stage, 0, len(batches))
	for _, b := range batches {
		stages = append(stages, d.stage(b, &buildFailed, log))
	}

	exec := executor.New(d.pool, executor.Config{
		Runner:  d.runner,
		Logger:  log,
		Metrics: d.metrics,
		Timer:   d.timer,
	})
	rep, err := exec.Run(ctx, stages)
	if err != nil {
		return Result{RunID: runID, Report: rep}, err
	}

	buildFailed, err = pool.BroadcastValue(ctx, d.pool, 0, buildFailed)
	if err != nil {
		return Result{RunID: runID, Report: rep}, fmt.Errorf("broadcast build failures: %w", err)
	}
	res := Result{
		RunID:  runID,
		Ready:  rep.Total.Processed + buildFailed,
		Failed: rep.Total.Failed + buildFailed,
		Report: rep,
	}
	if d.pool.Rank() == 0 {
		log.Info(fmt.Sprintf("%d tasks were ready, and %d failed", res.Ready, res.Failed),
			zap.Duration("elapsed", time.Since(start)))
		switch {
		case res.Ready == 0:
			log.Warn("no tasks were ready")
		case res.Failed == res.Ready:
			log.Warn("all tasks failed")
		}
	}
	return res, nil
}

func (d *Driver) newRunID(ctx context.Context) (string, error) {
	var id string
	if d.pool.Rank() == 0 {
		id = uuid.NewString()
	}
	id, err := pool.BroadcastValue(ctx, d.pool, 0, id)
	if err != nil {
		return "", fmt.Errorf("broadcast run id: %w", err)
	}
	return id, nil
}

// groups picks the executor split for a type: one rank per unit, or
// Size()/MaxWorkers sub-pools when a unit wants several workers.
func (d *Driver) groups(tt tasktype.TaskType) int {
	ppn := d.opts.ProcsPerNode
	if ppn < 1 {
		ppn = d.pool.Size()
	}
	mw := tt.MaxWorkers(ppn)
	if mw <= 1 {
		return 0
	}
	g := d.pool.Size() / mw
	if g < 1 {
		g = 1
	}
	return g
}

func (d *Driver) stage(b typeBatch, buildFailed *int, log *zap.Logger) executor.Stage {
	tag := b.tt.Tag()
	log = log.With(zap.String("tasktype", tag))
	var planned []types.TaskName

	return executor.Stage{
		Name:   tag,
		Groups: d.groups(b.tt),
		Plan: func(ctx context.Context) ([]runner.WorkItem, error) {
			ready, err := d.ready(ctx, b.names)
			if err != nil {
				return nil, err
			}
			d.metrics.SetReady(tag, len(ready))
			log.Info("tasks ready", zap.Int("ready", len(ready)), zap.Int("listed", len(b.names)))

			// 先建好全部 WorkItem，再一次 dispatch，避免半途失敗留下 RUNNING
			planned = planned[:0]
			items := make([]runner.WorkItem, 0, len(ready))
			var broken []types.TaskName
			for _, name := range ready {
				item, err := d.build(b.tt, name)
				if err != nil {
					log.Error("cannot build task", zap.String("task", string(name)), zap.Error(err))
					broken = append(broken, name)
					continue
				}
				items = append(items, item)
				planned = append(planned, name)
			}
			*buildFailed += len(broken)

			if d.resolver != nil {
				if err := d.resolver.DispatchAll(ctx, ready); err != nil {
					return nil, err
				}
				for _, name := range broken {
					if err := d.resolver.Complete(ctx, name, false); err != nil {
						return nil, err
					}
				}
			}
			return items, nil
		},
		OnComplete: func(ctx context.Context, results []executor.UnitResult) error {
			if d.resolver == nil {
				return nil
			}
			for _, r := range results {
				if err := d.resolver.Complete(ctx, planned[r.Index], !r.Outcome.Failed()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// ready returns the names to run now.
func (d *Driver) ready(ctx context.Context, names []types.TaskName) ([]types.TaskName, error) {
	if d.resolver == nil {
		return names, nil
	}
	if _, err := d.resolver.Register(ctx, names); err != nil {
		return nil, fmt.Errorf("register tasks: %w", err)
	}
	if err := d.resolver.SyncExternal(ctx, names); err != nil {
		return nil, fmt.Errorf("sync external products: %w", err)
	}
	ready, err := d.resolver.Refresh(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("refresh readiness: %w", err)
	}
	return ready, nil
}

func (d *Driver) build(tt tasktype.TaskType, name types.TaskName) (runner.WorkItem, error) {
	opts := d.opts.TaskOptions[tt.Tag()]
	if d.opts.InProcess || d.opts.InProcessTypes[tt.Tag()] {
		return tt.BuildCall(name, opts)
	}
	return tt.BuildCommand(name, opts)
}

// startupDelay parses STARTTIME (unix seconds, exported by batch scripts
// before srun) into the time spent launching the ranks.
func startupDelay(env string, now time.Time) (time.Duration, bool) {
	if env == "" {
		return 0, false
	}
	sec, err := strconv.ParseInt(env, 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	delay := now.Sub(time.Unix(sec, 0))
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
