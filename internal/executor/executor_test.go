package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/pipeexec/internal/metrics"
	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// callLog records which ranks ran which unit and with what pool size.
type callLog struct {
	mu    sync.Mutex
	calls map[string][]int // label -> sub-pool sizes seen, one per member
}

func newCallLog() *callLog {
	return &callLog{calls: make(map[string][]int)}
}

func (l *callLog) add(label string, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[label] = append(l.calls[label], size)
}

func (l *callLog) get(label string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.calls[label]...)
}

// testRunner registers two entry points:
//
//	unit <label> ok|fail [outfile]
//
// "ok" writes outfile (from sub-rank 0) when given; "fail" returns an error.
func testRunner(log *callLog) *runner.Runner {
	entries := runner.NewEntrypoints()
	entries.Register("unit", func(ctx context.Context, args []string, p pool.WorkerPool) error {
		if log != nil {
			log.add(args[0], p.Size())
		}
		if args[1] == "fail" {
			return fmt.Errorf("unit %s failed", args[0])
		}
		if len(args) > 2 && p.Rank() == 0 {
			return os.WriteFile(args[2], []byte("ok"), 0o644)
		}
		return nil
	})
	return runner.New(runner.Config{Entries: entries})
}

func unitItems(m int, fail map[int]bool) []runner.WorkItem {
	items := make([]runner.WorkItem, m)
	for i := range items {
		label := fmt.Sprintf("u%02d", i)
		mode := "ok"
		if fail[i] {
			mode = "fail"
		}
		items[i] = runner.NewCall(label, "unit", []string{label, mode}, nil, nil)
	}
	return items
}

func runAll(t *testing.T, n int, r *runner.Runner, stages func() []Stage) ([]*Report, []error) {
	t.Helper()
	reports := make([]*Report, n)
	errs := pool.RunLocal(context.Background(), n, func(ctx context.Context, p pool.WorkerPool) error {
		rep, err := New(p, Config{Runner: r}).Run(ctx, stages())
		reports[p.Rank()] = rep
		return err
	})
	return reports, errs
}

func TestAssignAndOwned(t *testing.T) {
	assert.Equal(t, 0, Assign(5, 1))
	assert.Equal(t, 1, Assign(5, 4))
	assert.Equal(t, []int{0, 4, 8}, Owned(0, 4, 10))
	assert.Equal(t, []int{1, 5, 9}, Owned(1, 4, 10))
	assert.Equal(t, []int{2, 6}, Owned(2, 4, 10))
	assert.Equal(t, []int{3, 7}, Owned(3, 4, 10))
	assert.Nil(t, Owned(4, 4, 10))
	assert.Nil(t, Owned(0, 4, 0))
}

func TestOwnedPartitionsUnits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 16).Draw(t, "n")
		m := rapid.IntRange(0, 100).Draw(t, "m")

		seen := make([]int, m)
		for owner := 0; owner < n; owner++ {
			for _, i := range Owned(owner, n, m) {
				if Assign(i, n) != owner {
					t.Fatalf("unit %d listed for %d but assigned to %d", i, owner, Assign(i, n))
				}
				seen[i]++
			}
		}
		for i, c := range seen {
			if c != 1 {
				t.Fatalf("unit %d owned %d times", i, c)
			}
		}
	})
}

// 4 ranks, 10 units: rank r runs exactly the units i with i mod 4 == r.
func TestStrideDistribution(t *testing.T) {
	items := unitItems(10, nil)
	var got []UnitResult
	stages := func() []Stage {
		return []Stage{{
			Name: "fibermap",
			Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
			OnComplete: func(ctx context.Context, results []UnitResult) error {
				got = results
				return nil
			},
		}}
	}

	reports, errs := runAll(t, 4, testRunner(nil), stages)
	require.NoError(t, pool.FirstError(errs))

	require.Len(t, got, 10)
	owned := map[int][]int{}
	for i, r := range got {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, -1, r.Group)
		assert.Equal(t, runner.StatusSucceeded, r.Outcome.Status)
		owned[r.Rank] = append(owned[r.Rank], r.Index)
	}
	assert.Equal(t, []int{0, 4, 8}, owned[0])
	assert.Equal(t, []int{1, 5, 9}, owned[1])
	assert.Equal(t, []int{2, 6}, owned[2])
	assert.Equal(t, []int{3, 7}, owned[3])

	for rank, rep := range reports {
		require.NotNil(t, rep)
		assert.Equal(t, len(owned[rank]), rep.Local.Processed)
		assert.Equal(t, 10, rep.Total.Processed)
		assert.Equal(t, 10, rep.Total.Succeeded)
	}
	assert.Len(t, reports[0].Units, 10)
	require.NotEmpty(t, reports[0].Timings)
	assert.Equal(t, "fibermap", reports[0].Timings[0].Step)
}

// metricTotal sums every series of one metric family.
func metricTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// Only rank 0 carries the collector, yet every unit of the pool is counted.
func TestMetricsCountWholePool(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	items := unitItems(8, map[int]bool{3: true, 6: true})
	r := testRunner(nil)
	errs := pool.RunLocal(context.Background(), 4, func(ctx context.Context, p pool.WorkerPool) error {
		cfg := Config{Runner: r}
		if p.Rank() == 0 {
			cfg.Metrics = collector
		}
		_, err := New(p, cfg).Run(ctx, []Stage{{
			Name: "fibermap",
			Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
		}})
		return err
	})
	require.NoError(t, pool.FirstError(errs))

	assert.Equal(t, 8.0, metricTotal(t, reg, "pipeexec_units_processed_total"))
	assert.Equal(t, 6.0, metricTotal(t, reg, "pipeexec_units_succeeded_total"))
	assert.Equal(t, 2.0, metricTotal(t, reg, "pipeexec_units_failed_total"))
}

func TestFailuresDoNotAbort(t *testing.T) {
	fail := map[int]bool{1: true, 4: true, 6: true}
	items := unitItems(7, fail)
	stages := func() []Stage {
		return []Stage{
			{Name: "first", Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil }},
			{Name: "second", Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return items[:2], nil }},
		}
	}

	reports, errs := runAll(t, 3, testRunner(nil), stages)
	require.NoError(t, pool.FirstError(errs))

	for _, rep := range reports {
		assert.Equal(t, 9, rep.Total.Processed)
		assert.Equal(t, 4, rep.Total.Failed)
		assert.Equal(t, 5, rep.Total.Succeeded)
		require.Len(t, rep.PerRank, 3)
	}
	for _, u := range reports[0].Units {
		if fail[u.Index] {
			assert.Equal(t, runner.StatusFailed, u.Outcome.Status, u.Label)
			assert.Equal(t, runner.FailureExecutionFailure, u.Outcome.Kind, u.Label)
		}
	}
}

func TestAggregationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "ranks")
		m := rapid.IntRange(0, 24).Draw(t, "units")
		fail := map[int]bool{}
		for i := 0; i < m; i++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("fail%d", i)) {
				fail[i] = true
			}
		}
		items := unitItems(m, fail)

		reports := make([]*Report, n)
		errs := pool.RunLocal(context.Background(), n, func(ctx context.Context, p pool.WorkerPool) error {
			rep, err := New(p, Config{Runner: testRunner(nil)}).Run(ctx, []Stage{{
				Name: "stage",
				Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
			}})
			reports[p.Rank()] = rep
			return err
		})
		if err := pool.FirstError(errs); err != nil {
			t.Fatalf("run: %v", err)
		}

		for _, rep := range reports {
			if rep.Total.Failed != len(fail) || rep.Total.Processed != m {
				t.Fatalf("rank %d total %v, want %d processed %d failed", rep.Rank, rep.Total, m, len(fail))
			}
		}
		seen := map[int]bool{}
		for _, u := range reports[0].Units {
			if seen[u.Index] {
				t.Fatalf("unit %d recorded twice", u.Index)
			}
			seen[u.Index] = true
			if u.Rank != Assign(u.Index, n) {
				t.Fatalf("unit %d ran on rank %d", u.Index, u.Rank)
			}
		}
		if len(seen) != m {
			t.Fatalf("%d of %d units recorded", len(seen), m)
		}
	})
}

func TestSubPoolCalls(t *testing.T) {
	log := newCallLog()
	dir := t.TempDir()
	items := make([]runner.WorkItem, 5)
	for i := range items {
		label := fmt.Sprintf("x%d", i)
		out := filepath.Join(dir, label+".out")
		items[i] = runner.NewCall(label, "unit", []string{label, "ok", out}, nil, []string{out})
	}

	stages := func() []Stage {
		return []Stage{{
			Name:   "extract",
			Groups: 2,
			Plan:   func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
		}}
	}
	// 5 ranks into 2 sub-pools of 2: rank 4 idles.
	reports, errs := runAll(t, 5, testRunner(log), stages)
	require.NoError(t, pool.FirstError(errs))

	for _, it := range items {
		assert.Equal(t, []int{2, 2}, log.get(it.Label), "every member runs the call with the sub-pool")
		assert.FileExists(t, it.Outputs[0])
	}
	assert.Equal(t, map[string][]int{"extract": {4}}, reports[0].Idle)
	assert.Equal(t, 5, reports[0].Total.Succeeded)

	for _, u := range reports[0].Units {
		assert.Equal(t, Assign(u.Index, 2), u.Group)
		// sub-pool g is world ranks 2g, 2g+1; its leader reports
		assert.Equal(t, 2*u.Group, u.Rank)
	}
	assert.Zero(t, reports[1].Local.Processed)
	assert.Zero(t, reports[4].Local.Processed)
}

func TestSubPoolSharesSkipDecision(t *testing.T) {
	log := newCallLog()
	dir := t.TempDir()
	out := filepath.Join(dir, "done.out")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o644))
	items := []runner.WorkItem{
		runner.NewCall("done", "unit", []string{"done", "ok", out}, nil, []string{out}),
		runner.NewCall("broken", "unit", []string{"broken", "fail"}, nil, nil),
	}

	stages := func() []Stage {
		return []Stage{{
			Name:   "psf",
			Groups: 2,
			Plan:   func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
		}}
	}
	reports, errs := runAll(t, 4, testRunner(log), stages)
	require.NoError(t, pool.FirstError(errs))

	assert.Empty(t, log.get("done"), "a skipped unit is not run by any member")
	assert.Len(t, log.get("broken"), 2)
	assert.Equal(t, 1, reports[0].Total.Skipped)
	assert.Equal(t, 1, reports[0].Total.Failed)
	require.Len(t, reports[0].Units, 2)
	assert.Equal(t, runner.FailureExecutionFailure, reports[0].Units[1].Outcome.Kind)
}

func TestSubPoolCommandRunsOnLeader(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "nprocs.txt")
	item := runner.NewCommand("cmd", "sh", []string{"-c", `echo "$PIPEEXEC_NPROCS" >> ` + out}, nil, []string{out})

	stages := func() []Stage {
		return []Stage{{
			Name:   "cmd",
			Groups: 2,
			Plan:   func(ctx context.Context) ([]runner.WorkItem, error) { return []runner.WorkItem{item}, nil },
		}}
	}
	reports, errs := runAll(t, 4, runner.New(runner.Config{}), stages)
	require.NoError(t, pool.FirstError(errs))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(b))
	assert.Equal(t, 1, reports[0].Total.Succeeded)
}

func TestPlanFailure(t *testing.T) {
	boom := errors.New("calibration missing")
	stages := func() []Stage {
		return []Stage{{
			Name: "psf",
			Plan: func(ctx context.Context) ([]runner.WorkItem, error) { return nil, boom },
		}}
	}
	_, errs := runAll(t, 3, testRunner(nil), stages)

	require.Error(t, errs[0])
	assert.ErrorIs(t, errs[0], ErrPlanFailed)
	assert.ErrorIs(t, errs[0], boom)
	for _, err := range errs[1:] {
		assert.Error(t, err)
	}
}

func TestCompleteFailure(t *testing.T) {
	boom := errors.New("store unavailable")
	items := unitItems(3, nil)
	stages := func() []Stage {
		return []Stage{{
			Name:       "preproc",
			Plan:       func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
			OnComplete: func(ctx context.Context, results []UnitResult) error { return boom },
		}}
	}
	_, errs := runAll(t, 2, testRunner(nil), stages)

	assert.ErrorIs(t, errs[0], ErrCompleteFailed)
	assert.ErrorIs(t, errs[0], boom)
	assert.Error(t, errs[1])
}

func TestEmptyStage(t *testing.T) {
	stages := func() []Stage {
		return []Stage{{
			Name:   "empty",
			Groups: 2,
			Plan:   func(ctx context.Context) ([]runner.WorkItem, error) { return nil, nil },
		}}
	}
	reports, errs := runAll(t, 3, testRunner(nil), stages)
	require.NoError(t, pool.FirstError(errs))
	assert.Zero(t, reports[0].Total.Processed)
}

func TestCheckComplete(t *testing.T) {
	assert.NoError(t, checkComplete("s", []UnitResult{{Index: 0}, {Index: 1}}, 2))
	assert.ErrorIs(t, checkComplete("s", []UnitResult{{Index: 0}}, 2), pool.ErrDesync)
	assert.ErrorIs(t, checkComplete("s", []UnitResult{{Index: 0}, {Index: 0}}, 2), pool.ErrDesync)
}

func TestCombineStatus(t *testing.T) {
	code, err := combineStatus([]statusMsg{{Code: 0}, {Code: 0}})
	assert.Zero(t, code)
	assert.NoError(t, err)

	code, err = combineStatus([]statusMsg{{Code: 0}, {Code: 1, Err: "bad"}})
	assert.Equal(t, 1, code)
	assert.ErrorContains(t, err, "sub-rank 1")
}

func TestSingleGroupUsesWholePool(t *testing.T) {
	log := newCallLog()
	items := unitItems(3, nil)
	stages := func() []Stage {
		return []Stage{{
			Name:   "psf",
			Groups: 1,
			Plan:   func(ctx context.Context) ([]runner.WorkItem, error) { return items, nil },
		}}
	}
	reports, errs := runAll(t, 3, testRunner(log), stages)
	require.NoError(t, pool.FirstError(errs))

	for _, it := range items {
		assert.Equal(t, []int{3, 3, 3}, log.get(it.Label))
	}
	assert.Equal(t, 3, reports[0].Local.Processed)
	assert.Empty(t, reports[0].Idle)
}
