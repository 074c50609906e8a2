// ============================================================================
// pipeexec CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands over the pipeline driver, the state store and the
//          batch submitter
//
// Command Structure:
//   pipeexec                       # Root command
//   ├── exec                       # Run a task list of one type
//   ├── chain                      # Run a task list of several types in order
//   ├── register                   # Insert task records without running them
//   ├── status                     # Per-type state counts (--wal checks the log)
//   ├── reset                      # Operator reset of FAILED / DONE tasks
//   ├── batch                      # Write (and submit) a job script
//   ├── types                      # List task types
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// Pools:
//   serial   one rank in this process
//   local    --size goroutine ranks in this process
//   grpc     one rank per process; rank 0 serves the rendezvous on
//            --coordinator, other ranks dial it
//
// Exit status of exec / chain:
//   0  at least one task was ready and not every ready task failed
//   1  otherwise, or on any error
//
// Examples:
//   pipeexec exec --tasktype psf --taskfile psf.txt --pool local --size 8
//   cat tasks.txt | pipeexec chain --nodb
//   pipeexec status --wal
//   pipeexec status --wal --dump
//   pipeexec reset --failed psf
//   pipeexec batch --tasktype extract --taskfile extract.txt --submit
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/batch"
	"github.com/ChuLiYu/pipeexec/internal/logger"
	"github.com/ChuLiYu/pipeexec/internal/metrics"
	"github.com/ChuLiYu/pipeexec/internal/pipeline"
	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/internal/state"
	"github.com/ChuLiYu/pipeexec/internal/storage/wal"
	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"github.com/ChuLiYu/pipeexec/internal/timing"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Pool modes.
const (
	PoolSerial = "serial"
	PoolLocal  = "local"
	PoolGRPC   = "grpc"
)

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// app holds what the commands share.
type app struct {
	configFile string
	cfg        *Config
	stdin      io.Reader
	submitter  func(log *zap.Logger) batch.Submitter
	entries    *runner.Entrypoints
}

func BuildCLI() *cobra.Command {
	return BuildCLIWithEntrypoints(nil)
}

// BuildCLIWithEntrypoints builds the CLI with in-process entry points keyed
// by type tag. Types listed in runner.in_process (or --inprocess) run
// through them instead of their external programs.
func BuildCLIWithEntrypoints(entries *runner.Entrypoints) *cobra.Command {
	return buildCLI(&app{
		stdin: os.Stdin,
		submitter: func(log *zap.Logger) batch.Submitter {
			return batch.Sbatch{Logger: log}
		},
		entries: entries,
	})
}

func (a *app) registry() *tasktype.Registry {
	return tasktype.NewDefault(a.cfg.Production, a.entries)
}

func buildCLI(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipeexec",
		Short: "pipeexec: resumable, dependency-aware pipeline execution",
		Long: `pipeexec runs the tasks of a multi-stage processing pipeline on a
fixed pool of cooperating workers:
- tasks run only when their dependencies are done
- finished work is skipped when its outputs are up to date
- failures are counted, never fatal to the run`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(a.buildExecCommand())
	rootCmd.AddCommand(a.buildChainCommand())
	rootCmd.AddCommand(a.buildRegisterCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildResetCommand())
	rootCmd.AddCommand(a.buildBatchCommand())
	rootCmd.AddCommand(a.buildTypesCommand())

	return rootCmd
}

// ============================================================================
// exec / chain
// ============================================================================

type runFlags struct {
	taskType    string
	taskFile    string
	noDB        bool
	force       bool
	procs       int
	poolMode    string
	rank        int
	size        int
	coordinator string
	inProcess   []string
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVar(&f.taskFile, "taskfile", "", "file with one task name per line (default: read STDIN)")
	cmd.Flags().BoolVar(&f.noDB, "nodb", false, "do not use the state store")
	cmd.Flags().BoolVar(&f.force, "force", false, "run units even when their outputs are up to date")
	cmd.Flags().IntVar(&f.procs, "procs", 0, "processes per node used to size multi-worker units")
	cmd.Flags().StringVar(&f.poolMode, "pool", "", "worker pool: serial, local, grpc")
	cmd.Flags().IntVar(&f.rank, "rank", 0, "this process's rank (grpc pool)")
	cmd.Flags().IntVar(&f.size, "size", 0, "number of ranks")
	cmd.Flags().StringVar(&f.coordinator, "coordinator", "", "rank 0 host:port (grpc pool)")
	cmd.Flags().StringSliceVar(&f.inProcess, "inprocess", nil, "task types to run through in-process entry points (comma separated)")
}

// apply overlays the flags the user set on the loaded config.
func (f *runFlags) apply(cmd *cobra.Command, cfg *Config) {
	flags := cmd.Flags()
	if flags.Changed("pool") {
		cfg.Pool.Mode = f.poolMode
	}
	if flags.Changed("size") {
		cfg.Pool.Size = f.size
	}
	if flags.Changed("coordinator") {
		cfg.Pool.Coordinator = f.coordinator
	}
	if flags.Changed("procs") {
		cfg.Pool.ProcsPerNode = f.procs
	}
	if flags.Changed("inprocess") {
		cfg.Runner.InProcess = f.inProcess
	}
	if f.force {
		cfg.Runner.Force = true
	}
	if f.noDB {
		cfg.State.Backend = state.BackendNone
	}
}

func (a *app) buildExecCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a list of tasks of one type",
		Long:  "Read a task list and run the ready tasks of --tasktype across the worker pool.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, a.cfg)
			return a.runTasks(cmd, f, func(ctx context.Context, d *pipeline.Driver, names []types.TaskName) (pipeline.Result, error) {
				return d.RunTaskList(ctx, f.taskType, names)
			})
		},
	}
	cmd.Flags().StringVar(&f.taskType, "tasktype", "", "the type of the input tasks")
	addRunFlags(cmd, &f)
	_ = cmd.MarkFlagRequired("tasktype")
	return cmd
}

func (a *app) buildChainCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Run a list of tasks of several types in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.apply(cmd, a.cfg)
			return a.runTasks(cmd, f, func(ctx context.Context, d *pipeline.Driver, names []types.TaskName) (pipeline.Result, error) {
				return d.RunChain(ctx, names)
			})
		},
	}
	addRunFlags(cmd, &f)
	return cmd
}

type runBody func(ctx context.Context, d *pipeline.Driver, names []types.TaskName) (pipeline.Result, error)

func (a *app) runTasks(cmd *cobra.Command, f runFlags, body runBody) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := a.runPool(ctx, f.rank, func(ctx context.Context, p pool.WorkerPool, d *pipeline.Driver) (pipeline.Result, error) {
		names, err := pipeline.LoadTaskList(ctx, p, f.taskFile, a.stdin)
		if err != nil {
			return pipeline.Result{}, err
		}
		if len(names) == 0 && p.Rank() == 0 {
			d.Logger().Warn("task list is empty")
		}
		return body(ctx, d, names)
	})
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if code := res.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: fmt.Errorf("%d tasks were ready, and %d failed", res.Ready, res.Failed)}
	}
	return nil
}

type rankBody func(ctx context.Context, p pool.WorkerPool, d *pipeline.Driver) (pipeline.Result, error)

// runPool builds the pool, the store (rank 0) and one driver per rank, and
// runs body on every rank this process hosts. It returns rank 0's result
// when rank 0 lives here, else this process's rank's result.
func (a *app) runPool(ctx context.Context, rank int, body rankBody) (pipeline.Result, error) {
	cfg := a.cfg
	if cfg.Pool.Mode != PoolGRPC {
		rank = 0
	}
	log, err := logger.New(cfg.Logging.ForRank(rank))
	if err != nil {
		return pipeline.Result{}, err
	}
	defer func() { _ = log.Sync() }()

	reg := a.registry()
	inProcess := cfg.InProcessTypes()
	for tag := range inProcess {
		if _, err := reg.Get(tag); err != nil {
			return pipeline.Result{}, fmt.Errorf("in_process: %w", err)
		}
		if _, ok := reg.Entrypoints().Lookup(tag); !ok {
			return pipeline.Result{}, fmt.Errorf("in_process: no entry point registered for %q", tag)
		}
	}

	// rank 0 owns the store and the metrics endpoint
	var store state.Store
	var collector *metrics.Collector
	if rank == 0 {
		if cfg.Metrics.Enabled {
			registry := prometheus.NewRegistry()
			collector, err = metrics.NewCollector(registry)
			if err != nil {
				return pipeline.Result{}, err
			}
			srv := metrics.NewServer(cfg.Metrics.Addr, registry)
			errc := srv.Start()
			go func() {
				if err := <-errc; err != nil {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			log.Info("metrics enabled", zap.String("addr", cfg.Metrics.Addr))
		}
		if cfg.State.Enabled() {
			start := time.Now()
			store, err = state.Open(ctx, cfg.State, log)
			if err != nil {
				return pipeline.Result{}, fmt.Errorf("open state store: %w", err)
			}
			defer store.Close()
			collector.SetRecoveryTime(time.Since(start))
		}
	}

	newDriver := func(p pool.WorkerPool) *pipeline.Driver {
		dc := pipeline.Config{
			Pool:     p,
			Registry: reg,
			Runner:   runner.New(runner.Config{Force: cfg.Runner.Force, Entries: reg.Entrypoints(), Logger: log}),
			Logger:   log,
			Timer:    timing.New(),
			Options: pipeline.Options{
				ProcsPerNode:   cfg.Pool.ProcsPerNode,
				InProcessTypes: inProcess,
				TaskOptions:    cfg.TaskOptions(),
			},
		}
		if p.Rank() == 0 {
			dc.Store = store
			dc.Metrics = collector
		}
		return pipeline.New(dc)
	}
	run := func(ctx context.Context, p pool.WorkerPool) (pipeline.Result, error) {
		res, err := body(ctx, p, newDriver(p))
		if err == nil && p.Rank() == 0 && cfg.Timing.File != "" && res.Report != nil {
			if werr := timing.WriteJSON(cfg.Timing.File, res.Report.Timings); werr != nil {
				log.Error("cannot write timing file", zap.Error(werr))
			}
		}
		return res, err
	}

	switch cfg.Pool.Mode {
	case "", PoolSerial:
		return run(ctx, pool.NewSerial())
	case PoolLocal:
		size := cfg.Pool.Size
		if size < 1 {
			size = 1
		}
		results := make([]pipeline.Result, size)
		errs := pool.RunLocal(ctx, size, func(ctx context.Context, p pool.WorkerPool) error {
			res, err := run(ctx, p)
			results[p.Rank()] = res
			return err
		})
		return results[0], pool.FirstError(errs)
	case PoolGRPC:
		gp, err := pool.NewGRPC(pool.GRPCConfig{Rank: rank, Size: cfg.Pool.Size, Coordinator: cfg.Pool.Coordinator}, log)
		if err != nil {
			return pipeline.Result{}, err
		}
		defer gp.Close()
		return run(ctx, gp)
	default:
		return pipeline.Result{}, fmt.Errorf("unknown pool mode %q", cfg.Pool.Mode)
	}
}

// ============================================================================
// register / status / reset
// ============================================================================

func (a *app) openStore(ctx context.Context) (state.Store, *tasktype.Registry, *zap.Logger, error) {
	log, err := logger.New(a.cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	if !a.cfg.State.Enabled() {
		return nil, nil, nil, errors.New("no state store configured (state.backend is none)")
	}
	store, err := state.Open(ctx, a.cfg.State, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return store, a.registry(), log, nil
}

func (a *app) readNames(taskFile string, args []string) ([]types.TaskName, error) {
	if len(args) > 0 {
		names := make([]types.TaskName, len(args))
		for i, s := range args {
			names[i] = types.TaskName(s)
		}
		return names, nil
	}
	names, err := pipeline.LoadTaskList(context.Background(), pool.NewSerial(), taskFile, a.stdin)
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (a *app) buildRegisterCommand() *cobra.Command {
	var taskFile string
	cmd := &cobra.Command{
		Use:   "register [task...]",
		Short: "Register tasks in the state store without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.readNames(taskFile, args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, reg, log, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			resolver := state.NewResolver(store, reg, log)
			n, err := resolver.Register(ctx, names)
			if err != nil {
				return err
			}
			if err := resolver.SyncExternal(ctx, names); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d new of %d tasks\n", n, len(names))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskFile, "taskfile", "", "file with one task name per line (default: read STDIN)")
	return cmd
}

func (a *app) buildStatusCommand() *cobra.Command {
	var checkWAL, dump bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-type task state counts",
		Long:  "Display the number of tasks in each state for every task type. --wal also validates the state event log; --dump prints its events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showStatus(cmd, checkWAL || dump, dump)
		},
	}
	cmd.Flags().BoolVar(&checkWAL, "wal", false, "validate the state event log (file backend)")
	cmd.Flags().BoolVar(&dump, "dump", false, "print every event of the state event log (implies --wal)")
	return cmd
}

func (a *app) showStatus(cmd *cobra.Command, checkWAL, dump bool) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	fmt.Fprintf(out, "config:  %s\n", a.configFile)
	fmt.Fprintf(out, "backend: %s\n", a.cfg.State.Backend)

	if checkWAL {
		if a.cfg.State.Backend != state.BackendFile {
			return fmt.Errorf("--wal needs the file backend, not %q", a.cfg.State.Backend)
		}
		path := state.WALFile(a.cfg.State.Dir)
		stats, err := wal.GetWALStats(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "wal:     %s events=%d seq=%d..%d corrupted=%d\n",
			path, stats.TotalEvents, stats.FirstSeq, stats.LastSeq, stats.CorruptedCount)
		if dump {
			if err := dumpWAL(out, path); err != nil {
				return err
			}
		}
		if err := wal.ValidateWAL(path); err != nil {
			return fmt.Errorf("wal invalid: %w", err)
		}
	}

	store, reg, _, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "TYPE")
	for _, s := range types.AllStates {
		fmt.Fprintf(tw, "\t%s", s)
	}
	fmt.Fprintln(tw, "\tTOTAL")
	for _, tt := range reg.Types() {
		recs, err := store.List(ctx, tt.Tag())
		if err != nil {
			return err
		}
		counts := make(map[types.TaskState]int)
		for _, r := range recs {
			counts[r.State]++
		}
		fmt.Fprint(tw, tt.Tag())
		for _, s := range types.AllStates {
			fmt.Fprintf(tw, "\t%d", counts[s])
		}
		fmt.Fprintf(tw, "\t%d\n", len(recs))
	}
	return tw.Flush()
}

// dumpWAL 依時間順序印出保留的舊 WAL 與目前的 WAL
func dumpWAL(out io.Writer, path string) error {
	files, err := filepath.Glob(path + ".2*")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range append(files, path) {
		fmt.Fprintf(out, "== %s\n", f)
		if err := wal.DumpWAL(f, out); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) buildResetCommand() *cobra.Command {
	var taskFile string
	var failedType string
	cmd := &cobra.Command{
		Use:   "reset [task...]",
		Short: "Reset tasks to WAITING",
		Long: `Operator reset: move the named DONE, FAILED or stale RUNNING tasks back to
WAITING so the next run reconsiders them. --failed TYPE resets every FAILED
task of that type ("all" for every type).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, log, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var names []types.TaskName
			if failedType != "" {
				tag := failedType
				if tag == "all" {
					tag = ""
				}
				recs, err := store.List(ctx, tag)
				if err != nil {
					return err
				}
				for _, r := range recs {
					if r.State == types.StateFailed {
						names = append(names, r.Name)
					}
				}
			} else {
				names, err = a.readNames(taskFile, args)
				if err != nil {
					return err
				}
			}

			var errs []error
			reset := 0
			for _, n := range names {
				if err := store.Reset(ctx, n); err != nil {
					errs = append(errs, err)
					continue
				}
				reset++
			}
			log.Info("reset tasks", zap.Int("reset", reset), zap.Int("requested", len(names)))
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d of %d tasks\n", reset, len(names))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&taskFile, "taskfile", "", "file with one task name per line (default: read STDIN)")
	cmd.Flags().StringVar(&failedType, "failed", "", "reset every FAILED task of this type, or \"all\"")
	return cmd
}

// ============================================================================
// batch / types
// ============================================================================

func (a *app) buildBatchCommand() *cobra.Command {
	var taskType, taskFile string
	var submit bool
	var nodes int
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Write a job script for a task list and optionally submit it",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := a.readNames(taskFile, nil)
			if err != nil {
				return err
			}
			log, err := logger.New(a.cfg.Logging)
			if err != nil {
				return err
			}
			hints := a.cfg.Batch.Hints
			if cmd.Flags().Changed("nodes") {
				hints.Nodes = nodes
			}
			reg := a.registry()
			plan, err := batch.NewPlan(reg, taskType, names, hints)
			if err != nil {
				return err
			}
			if plan.Capped {
				log.Warn("walltime capped by max_runtime", zap.Duration("walltime", plan.Walltime))
			}
			job, err := batch.Write(a.cfg.Batch.Dir, plan, hints, a.configFile, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "script:   %s\n", job.Script)
			fmt.Fprintf(out, "tasks:    %d (%s)\n", len(plan.Tasks), job.TaskFile)
			fmt.Fprintf(out, "nodes:    %d x %d ranks, %d workers per task\n", plan.Nodes, plan.ProcsPerNode, plan.WorkersPerTask)
			fmt.Fprintf(out, "walltime: %s\n", batch.FormatWalltime(plan.Walltime))
			if !submit {
				return nil
			}
			id, err := a.submitter(log).Submit(cmd.Context(), job.Script)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "job id:   %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "tasktype", "", "the type of the input tasks")
	cmd.Flags().StringVar(&taskFile, "taskfile", "", "file with one task name per line (default: read STDIN)")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit the script to the scheduler")
	cmd.Flags().IntVar(&nodes, "nodes", 0, "override the derived node count")
	_ = cmd.MarkFlagRequired("tasktype")
	return cmd
}

func (a *app) buildTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the task types in pipeline order",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := a.registry()
			ppn := a.cfg.Pool.ProcsPerNode
			if ppn < 1 {
				ppn = a.cfg.Batch.ProcsPerNode
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tNAME\tRUNNABLE\tWORKERS\tDEFAULTS")
			for _, tt := range reg.Types() {
				fields := ""
				for _, f := range tt.NameFields() {
					fields += tasktype.Sep + "<" + f.Name + ">"
				}
				defaults := strings.Join(tt.Defaults().Tokens(), " ")
				fmt.Fprintf(tw, "%s\t%s%s\t%t\t%d\t%s\n", tt.Tag(), tt.Tag(), fields, tt.Runnable(), tt.MaxWorkers(ppn), defaults)
			}
			return tw.Flush()
		},
	}
}
