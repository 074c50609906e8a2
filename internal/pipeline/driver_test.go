package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/internal/state"
	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	night = int64(20240101)
	expid = int64(42)
)

type fixture struct {
	layout  tasktype.Layout
	reg     *tasktype.Registry
	entries *runner.Entrypoints
}

// newFixture builds a registry over a temp production tree whose in-process
// entry points write their declared output. Tags listed in failing return
// an error instead.
func newFixture(t *testing.T, failing ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := tasktype.Layout{
		RawRoot:   filepath.Join(root, "raw"),
		ProdRoot:  filepath.Join(root, "prod"),
		CalibRoot: filepath.Join(root, "calib"),
	}
	entries := runner.NewEntrypoints()
	for _, tag := range []string{tasktype.TagFibermap, tasktype.TagPreproc, tasktype.TagPSF, tasktype.TagExtract} {
		fail := false
		for _, f := range failing {
			fail = fail || f == tag
		}
		tag := tag
		entries.Register(tag, func(ctx context.Context, args []string, p pool.WorkerPool) error {
			if fail {
				return errors.New(tag + " failed")
			}
			if p.Rank() != 0 {
				return nil
			}
			return touch(outputArg(args))
		})
	}
	reg := tasktype.NewDefault(tasktype.Config{Layout: layout}, entries)
	return &fixture{layout: layout, reg: reg, entries: entries}
}

func outputArg(args []string) string {
	for i, a := range args {
		if (a == "--outfile" || a == "--output-psf") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("x"), 0o644)
}

func (f *fixture) writeRaw(t *testing.T) {
	t.Helper()
	require.NoError(t, touch(f.layout.RawData(night, expid)))
}

func (f *fixture) name(t *testing.T, tag string, fields tasktype.Fields) types.TaskName {
	t.Helper()
	tt, err := f.reg.Get(tag)
	require.NoError(t, err)
	n, err := tt.Join(fields)
	require.NoError(t, err)
	return n
}

func (f *fixture) fibermap(t *testing.T) types.TaskName {
	return f.name(t, tasktype.TagFibermap, tasktype.Fields{"night": night, "expid": expid})
}

func (f *fixture) preproc(t *testing.T, band string, spec int64) types.TaskName {
	return f.name(t, tasktype.TagPreproc, tasktype.Fields{"night": night, "band": band, "spec": spec, "expid": expid})
}

// run drives an n-rank local pool; only rank 0 gets the store.
func (f *fixture) run(t *testing.T, n int, store state.Store, logger *zap.Logger, fn func(ctx context.Context, d *Driver) (Result, error)) []Result {
	t.Helper()
	results := make([]Result, n)
	errs := pool.RunLocal(context.Background(), n, func(ctx context.Context, p pool.WorkerPool) error {
		cfg := Config{
			Pool:     p,
			Registry: f.reg,
			Logger:   logger,
			Options:  Options{InProcess: true, ProcsPerNode: 1},
		}
		if p.Rank() == 0 {
			cfg.Store = store
		}
		res, err := fn(ctx, New(cfg))
		results[p.Rank()] = res
		return err
	})
	require.NoError(t, pool.FirstError(errs))
	return results
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		ready, failed, want int
	}{
		{0, 0, 1},
		{3, 3, 1},
		{3, 2, 0},
		{1, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Result{Ready: tc.ready, Failed: tc.failed}.ExitCode(), "%+v", tc)
	}
}

// Empty task list from stdin: nothing dispatched, warning logged, exit 1.
func TestEmptyTaskListFromStdin(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	store := state.NewMemoryStore()

	results := f.run(t, 2, store, zap.New(core), func(ctx context.Context, d *Driver) (Result, error) {
		names, err := LoadTaskList(ctx, d.pool, "", strings.NewReader("\n  \n"))
		if err != nil {
			return Result{}, err
		}
		return d.RunTaskList(ctx, tasktype.TagFibermap, names)
	})

	for _, res := range results {
		assert.Zero(t, res.Ready)
		assert.Equal(t, 1, res.ExitCode())
	}
	assert.Equal(t, 1, logs.FilterMessage("no tasks were ready").Len())
	recs, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStartupDelay(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	cases := []struct {
		env  string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"20240101-120000", 0, false},
		{"1700000000", 100 * time.Second, true},
		{"1700000200", 0, true}, // clock skew between nodes
	}
	for _, tc := range cases {
		got, ok := startupDelay(tc.env, now)
		assert.Equal(t, tc.ok, ok, tc.env)
		assert.Equal(t, tc.want, got, tc.env)
	}
}

func TestRunStartLogsStartup(t *testing.T) {
	t.Setenv("STARTTIME", strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10))
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)

	f.run(t, 2, nil, zap.New(core), func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunTaskList(ctx, tasktype.TagFibermap, nil)
	})

	starts := logs.FilterMessage("run start").All()
	require.Len(t, starts, 1, "only rank 0 logs the run start")
	delay, ok := starts[0].ContextMap()["startup"].(time.Duration)
	require.True(t, ok, "startup field: %v", starts[0].ContextMap())
	assert.GreaterOrEqual(t, delay, time.Minute)
}

func TestRunTaskListRecordsStates(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t)
	store := state.NewMemoryStore()
	fm := f.fibermap(t)

	results := f.run(t, 3, store, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{fm})
	})

	for _, res := range results {
		assert.Equal(t, 1, res.Ready)
		assert.Zero(t, res.Failed)
		assert.Zero(t, res.ExitCode())
		assert.Equal(t, results[0].RunID, res.RunID)
	}
	assert.NotEmpty(t, results[0].RunID)

	ctx := context.Background()
	rec, err := store.Get(ctx, fm)
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, rec.State)
	raw, err := store.Get(ctx, f.name(t, tasktype.TagRawData, tasktype.Fields{"night": night, "expid": expid}))
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, raw.State)
	assert.FileExists(t, f.layout.Fibermap(night, expid))

	// A finished task is not ready again.
	results = f.run(t, 1, store, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{fm})
	})
	assert.Zero(t, results[0].Ready)
}

func TestDependencyGatingWithoutRawData(t *testing.T) {
	f := newFixture(t)
	store := state.NewMemoryStore()
	fm := f.fibermap(t)

	results := f.run(t, 2, store, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{fm})
	})
	assert.Zero(t, results[0].Ready)

	rec, err := store.Get(context.Background(), fm)
	require.NoError(t, err)
	assert.Equal(t, types.StateWaiting, rec.State)
}

func TestNoDatabaseModeUsesRunnerChecks(t *testing.T) {
	f := newFixture(t)
	fm := f.fibermap(t)

	// raw data missing: ready without a store, then MissingInput
	results := f.run(t, 2, nil, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{fm})
	})
	assert.Equal(t, 1, results[0].Ready)
	assert.Equal(t, 1, results[0].Failed)
	assert.Equal(t, 1, results[0].ExitCode())
	require.Len(t, results[0].Report.Units, 1)
	assert.Equal(t, runner.FailureMissingInput, results[0].Report.Units[0].Outcome.Kind)
}

func TestRunChain(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t)
	store := state.NewMemoryStore()
	names := []types.TaskName{
		f.preproc(t, "b", 0),
		f.preproc(t, "r", 0),
		f.fibermap(t),
		f.name(t, tasktype.TagRawData, tasktype.Fields{"night": night, "expid": expid}),
	}

	results := f.run(t, 2, store, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunChain(ctx, names)
	})
	assert.Equal(t, 3, results[0].Ready)
	assert.Zero(t, results[0].Failed)

	ctx := context.Background()
	for _, n := range names {
		rec, err := store.Get(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, types.StateDone, rec.State, n)
	}
	require.Len(t, results[0].Report.Units, 3)
	assert.Equal(t, "fibermap", results[0].Report.Units[0].Stage)
	assert.Equal(t, "preproc", results[0].Report.Units[1].Stage)
}

func TestRunChainStopsBehindFailure(t *testing.T) {
	f := newFixture(t, tasktype.TagFibermap)
	f.writeRaw(t)
	store := state.NewMemoryStore()
	fm := f.fibermap(t)
	pre := f.preproc(t, "z", 9)

	results := f.run(t, 2, store, nil, func(ctx context.Context, d *Driver) (Result, error) {
		return d.RunChain(ctx, []types.TaskName{pre, fm})
	})
	assert.Equal(t, 1, results[0].Ready)
	assert.Equal(t, 1, results[0].Failed)

	ctx := context.Background()
	rec, err := store.Get(ctx, fm)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	rec, err = store.Get(ctx, pre)
	require.NoError(t, err)
	assert.Equal(t, types.StateWaiting, rec.State)
}

func TestBuildFailureCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	// psf with an explicit calibration night that has no nightly file
	reg := tasktype.NewDefault(tasktype.Config{
		Layout: f.layout,
		Calib:  tasktype.CalibConfig{CalibNight: 20231231},
	}, f.entries)
	psf, err := reg.Get(tasktype.TagPSF)
	require.NoError(t, err)
	name, err := psf.Join(tasktype.Fields{"night": night, "band": "b", "spec": int64(1), "expid": expid})
	require.NoError(t, err)

	results := make([]Result, 2)
	errs := pool.RunLocal(context.Background(), 2, func(ctx context.Context, p pool.WorkerPool) error {
		d := New(Config{Pool: p, Registry: reg, Options: Options{InProcess: true}})
		res, err := d.RunTaskList(ctx, tasktype.TagPSF, []types.TaskName{name})
		results[p.Rank()] = res
		return err
	})
	require.NoError(t, pool.FirstError(errs))
	for _, res := range results {
		assert.Equal(t, 1, res.Ready)
		assert.Equal(t, 1, res.Failed)
	}
}

// refuseRunning fails the RUNNING transition of one task.
type refuseRunning struct {
	state.Store
	name types.TaskName
}

func (s *refuseRunning) SetState(ctx context.Context, name types.TaskName, to types.TaskState) error {
	if name == s.name && to == types.StateRunning {
		return errors.New("store unavailable")
	}
	return s.Store.SetState(ctx, name, to)
}

func TestDispatchFailureLeavesNothingRunning(t *testing.T) {
	f := newFixture(t)
	f.writeRaw(t)
	require.NoError(t, touch(f.layout.RawData(night, expid+1)))
	first := f.fibermap(t)
	second := f.name(t, tasktype.TagFibermap, tasktype.Fields{"night": night, "expid": expid + 1})
	store := &refuseRunning{Store: state.NewMemoryStore(), name: second}

	d := New(Config{Pool: pool.NewSerial(), Registry: f.reg, Store: store, Options: Options{InProcess: true}})
	_, err := d.RunTaskList(context.Background(), tasktype.TagFibermap, []types.TaskName{first, second})
	require.ErrorContains(t, err, "store unavailable")

	recs, err := store.List(context.Background(), tasktype.TagFibermap)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.NotEqual(t, types.StateRunning, r.State, r.Name)
	}
	assert.NoFileExists(t, f.layout.Fibermap(night, expid), "no unit ran")
}

func TestRunTaskListRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	p := pool.NewSerial()
	d := New(Config{Pool: p, Registry: f.reg})
	ctx := context.Background()

	_, err := d.RunTaskList(ctx, "nosuch", nil)
	assert.ErrorIs(t, err, tasktype.ErrUnknownType)

	_, err = d.RunTaskList(ctx, tasktype.TagRawData, nil)
	assert.ErrorIs(t, err, tasktype.ErrNotRunnable)

	_, err = d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{f.preproc(t, "b", 0)})
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = d.RunTaskList(ctx, tasktype.TagFibermap, []types.TaskName{"fibermap_x_y"})
	var pe *tasktype.ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestGroupsFromMaxWorkers(t *testing.T) {
	f := newFixture(t)
	psf, err := f.reg.Get(tasktype.TagPSF)
	require.NoError(t, err)
	fm, err := f.reg.Get(tasktype.TagFibermap)
	require.NoError(t, err)

	comms := pool.NewLocal(8)
	d := New(Config{Pool: comms[0], Registry: f.reg, Options: Options{ProcsPerNode: 4}})
	assert.Equal(t, 2, d.groups(psf))
	assert.Equal(t, 0, d.groups(fm))

	d = New(Config{Pool: comms[0], Registry: f.reg, Options: Options{ProcsPerNode: 32}})
	assert.Equal(t, 1, d.groups(psf), "a pool smaller than one unit's workers runs as one sub-pool")
}
