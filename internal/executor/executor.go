// ============================================================================
// pipeexec Executor - 分佈式 stage 執行
// ============================================================================
//
// Package: internal/executor
// File: executor.go
//
// 一個 stage 在所有 rank 上的流程:
//
//   rank 0                         every rank
//   ------                         ----------
//   Plan() -> []WorkItem
//   Broadcast(items) ------------> items
//                                  run owned units
//                                    full pool: unit i on rank i mod N
//                                    split:     unit i on sub-pool i mod G
//   Gather(results) <------------- results
//   OnComplete(results)
//   Broadcast(status) -----------> status
//                                  Barrier
//
// Inside a sub-pool, sub-rank 0 makes the skip / missing-input decision and
// shares it, so every member agrees whether the unit runs. In-process calls
// run on every member with the sub-pool; external commands run on sub-rank 0
// and are told the sub-pool size through the environment. Only sub-rank 0
// records the unit's outcome.
//
// A unit failure is a result, never an error: the stage carries on and the
// failure is counted. Run returns an error only when the pool itself breaks
// (planning or bookkeeping on rank 0 failed, a collective failed, or the
// final failure totals disagree).
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/metrics"
	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/internal/timing"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrPlanFailed means rank 0 could not build a stage's work list.
	ErrPlanFailed = errors.New("stage planning failed")
	// ErrCompleteFailed means rank 0 could not record a stage's results.
	ErrCompleteFailed = errors.New("stage completion failed")
)

// Stage is one lock-step step of a run.
type Stage struct {
	Name string
	// Groups >= 1 splits the pool into that many sub-pools and runs every
	// unit on a whole sub-pool. 0 deals units over single ranks.
	Groups int
	// Plan runs on rank 0 only.
	Plan func(ctx context.Context) ([]runner.WorkItem, error)
	// OnComplete runs on rank 0 only, with every unit's result ordered by
	// unit index.
	OnComplete func(ctx context.Context, results []UnitResult) error
}

// UnitResult is the recorded outcome of one unit.
type UnitResult struct {
	Stage   string         `json:"stage"`
	Index   int            `json:"index"`
	Label   string         `json:"label"`
	Rank    int            `json:"rank"`
	Group   int            `json:"group"` // -1 when the pool was not split
	Outcome runner.Outcome `json:"outcome"`
}

// Report summarizes a run as seen by one rank.
type Report struct {
	Rank int
	// Local counts the units this rank recorded.
	Local types.Counts
	// PerRank and Total are identical on every rank.
	PerRank []types.Counts
	Total   types.Counts
	// Units and Idle are filled on rank 0.
	Units []UnitResult
	Idle  map[string][]int
	// Timings are filled on rank 0.
	Timings []timing.Summary
}

// Config configures an Executor.
type Config struct {
	Runner  *runner.Runner
	Logger  *zap.Logger
	Metrics *metrics.Collector // optional
	Timer   *timing.Timer      // optional
}

// Executor drives stages over a worker pool.
type Executor struct {
	pool    pool.WorkerPool
	runner  *runner.Runner
	logger  *zap.Logger
	metrics *metrics.Collector
	timer   *timing.Timer
}

// New creates an Executor for one rank of p.
func New(p pool.WorkerPool, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := cfg.Runner
	if r == nil {
		r = runner.New(runner.Config{Logger: logger})
	}
	timer := cfg.Timer
	if timer == nil {
		timer = timing.New()
	}
	return &Executor{
		pool:    p,
		runner:  r,
		logger:  logger.With(zap.Int("rank", p.Rank())),
		metrics: cfg.Metrics,
		timer:   timer,
	}
}

// Timer returns the per-rank timer the executor records stages on.
func (e *Executor) Timer() *timing.Timer {
	return e.timer
}

// Run executes stages in order on every rank. All ranks must call Run with
// the same stage names and groups.
func (e *Executor) Run(ctx context.Context, stages []Stage) (*Report, error) {
	rep := &Report{Rank: e.pool.Rank(), Idle: make(map[string][]int)}

	for _, st := range stages {
		if err := e.runStage(ctx, st, rep); err != nil {
			return rep, err
		}
	}

	// ========================================
	// 失敗數匯總 + 交叉校驗
	// ========================================
	failed, err := e.pool.AllReduceSum(ctx, int64(rep.Local.Failed))
	if err != nil {
		return rep, fmt.Errorf("reduce failures: %w", err)
	}
	perRank, err := pool.GatherValues(ctx, e.pool, rep.Local)
	if err != nil {
		return rep, fmt.Errorf("gather counts: %w", err)
	}
	rep.PerRank = perRank
	rep.Total = types.Counts{}
	for _, c := range perRank {
		rep.Total.Add(c)
	}
	if int64(rep.Total.Failed) != failed {
		return rep, fmt.Errorf("%w: reduced %d failures, reports carry %d",
			pool.ErrAggregationMismatch, failed, rep.Total.Failed)
	}

	rep.Timings, err = timing.Gather(ctx, e.pool, e.timer)
	if err != nil {
		return rep, err
	}

	if rep.Rank == 0 {
		e.logger.Info("run finished", zap.Stringer("total", rep.Total))
	}
	return rep, nil
}

// 每個 rank 在一個 stage 結束時上報的內容
type stageReport struct {
	Results []UnitResult `json:"results"`
	Idle    bool         `json:"idle"`
}

func (e *Executor) runStage(ctx context.Context, st Stage, rep *Report) error {
	log := e.logger.With(zap.String("stage", st.Name))
	rank := e.pool.Rank()
	e.timer.Start(st.Name)
	defer e.timer.Stop(st.Name)
	start := time.Now()

	// ========================================
	// 1. rank 0 規劃並廣播
	// ========================================
	items, err := e.plan(ctx, st)
	if err != nil {
		return err
	}
	groups := e.groupsFor(st)
	if rank == 0 {
		log.Info("stage start", zap.Int("units", len(items)), zap.Int("ranks", e.pool.Size()), zap.Int("groups", groups))
	}

	// ========================================
	// 2. 執行本 rank 擁有的 unit
	// ========================================
	var mine stageReport
	if groups == 0 {
		mine.Results = e.runStride(ctx, st.Name, items)
	} else {
		mine, err = e.runSplit(ctx, st.Name, items, groups, log)
		if err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
	}
	for _, res := range mine.Results {
		count(&rep.Local, res.Outcome)
	}

	// ========================================
	// 3. 結果匯總到 rank 0
	// ========================================
	all, err := pool.GatherValues(ctx, e.pool, mine)
	if err != nil {
		return fmt.Errorf("stage %s: gather results: %w", st.Name, err)
	}

	var completeErr error
	if rank == 0 {
		merged, idle := mergeResults(all)
		if len(idle) > 0 {
			rep.Idle[st.Name] = idle
		}
		if groups > 0 {
			e.metrics.SetIdleRanks(st.Name, len(idle))
		}
		rep.Units = append(rep.Units, merged...)
		// 指標只在 rank 0 上按全池結果記錄一次
		for _, u := range merged {
			e.metrics.RecordUnit(st.Name, string(u.Outcome.Status), string(u.Outcome.Kind), u.Outcome.Duration)
		}
		completeErr = checkComplete(st.Name, merged, len(items))
		if completeErr == nil && st.OnComplete != nil {
			completeErr = st.OnComplete(ctx, merged)
		}
	}
	var status string
	if completeErr != nil {
		status = completeErr.Error()
	}
	status, err = pool.BroadcastValue(ctx, e.pool, 0, status)
	if err != nil {
		return fmt.Errorf("stage %s: broadcast status: %w", st.Name, err)
	}
	if status != "" {
		if completeErr != nil {
			return fmt.Errorf("%w: stage %s: %w", ErrCompleteFailed, st.Name, completeErr)
		}
		return fmt.Errorf("%w: stage %s: %s", ErrCompleteFailed, st.Name, status)
	}

	if err := e.pool.Barrier(ctx); err != nil {
		return fmt.Errorf("stage %s: barrier: %w", st.Name, err)
	}
	e.metrics.SetStageDuration(st.Name, time.Since(start))
	return nil
}

type planMsg struct {
	Items []runner.WorkItem `json:"items"`
	Err   string            `json:"err,omitempty"`
}

func (e *Executor) plan(ctx context.Context, st Stage) ([]runner.WorkItem, error) {
	var msg planMsg
	var planErr error
	if e.pool.Rank() == 0 {
		if st.Plan == nil {
			planErr = errors.New("no planner")
		} else {
			msg.Items, planErr = st.Plan(ctx)
		}
		if planErr != nil {
			msg = planMsg{Err: planErr.Error()}
		}
	}
	msg, err := pool.BroadcastValue(ctx, e.pool, 0, msg)
	if err != nil {
		return nil, fmt.Errorf("stage %s: broadcast plan: %w", st.Name, err)
	}
	if msg.Err != "" {
		if planErr != nil {
			return nil, fmt.Errorf("%w: stage %s: %w", ErrPlanFailed, st.Name, planErr)
		}
		return nil, fmt.Errorf("%w: stage %s: %s", ErrPlanFailed, st.Name, msg.Err)
	}
	return msg.Items, nil
}

// groupsFor 返回 0 (不拆分) 或 1..Size() 個子池
func (e *Executor) groupsFor(st Stage) int {
	g := st.Groups
	if g < 1 {
		return 0
	}
	if g > e.pool.Size() {
		g = e.pool.Size()
	}
	return g
}

// runStride deals units over single ranks.
func (e *Executor) runStride(ctx context.Context, stage string, items []runner.WorkItem) []UnitResult {
	rank := e.pool.Rank()
	var out []UnitResult
	for _, i := range Owned(rank, e.pool.Size(), len(items)) {
		oc := e.runner.Run(ctx, items[i], pool.NewSerial())
		out = append(out, UnitResult{
			Stage: stage, Index: i, Label: items[i].Label,
			Rank: rank, Group: -1, Outcome: oc,
		})
	}
	return out
}

type decisionMsg struct {
	Decision runner.Decision `json:"decision"`
	Outcome  runner.Outcome  `json:"outcome"`
}

type statusMsg struct {
	Code int    `json:"code"`
	Err  string `json:"err,omitempty"`
}

// runSplit deals units over sub-pools.
func (e *Executor) runSplit(ctx context.Context, stage string, items []runner.WorkItem, groups int, log *zap.Logger) (stageReport, error) {
	sub, group, ok, err := e.pool.Partition(ctx, groups)
	if err != nil {
		return stageReport{}, fmt.Errorf("partition into %d: %w", groups, err)
	}
	if !ok {
		if len(items) > 0 {
			log.Warn("rank idle during stage", zap.Int("groups", groups))
		}
		return stageReport{Idle: true}, nil
	}

	leader := sub.Rank() == 0
	var out []UnitResult
	for _, i := range Owned(group, groups, len(items)) {
		item := items[i]
		start := time.Now()

		var dec decisionMsg
		if leader {
			dec.Decision, dec.Outcome = e.runner.Precheck(item)
		}
		dec, err = pool.BroadcastValue(ctx, sub, 0, dec)
		if err != nil {
			return stageReport{}, fmt.Errorf("share decision for %s: %w", item.Label, err)
		}

		oc := dec.Outcome
		if dec.Decision == runner.DecisionRun {
			switch item.Kind {
			case runner.KindCall:
				code, execErr := e.runner.Execute(ctx, item, sub)
				statuses, err := pool.GatherValues(ctx, sub, newStatus(code, execErr))
				if err != nil {
					return stageReport{}, fmt.Errorf("gather status for %s: %w", item.Label, err)
				}
				if leader {
					code, execErr = combineStatus(statuses)
					oc = e.runner.Conclude(item, code, execErr)
				}
			default:
				if leader {
					code, execErr := e.runner.Execute(ctx, item, sub)
					oc = e.runner.Conclude(item, code, execErr)
				}
			}
		}

		if leader {
			oc.Duration = time.Since(start)
			out = append(out, UnitResult{
				Stage: stage, Index: i, Label: item.Label,
				Rank: e.pool.Rank(), Group: group, Outcome: oc,
			})
		}
	}
	return stageReport{Results: out}, nil
}

func newStatus(code int, err error) statusMsg {
	s := statusMsg{Code: code}
	if err != nil {
		s.Err = err.Error()
	}
	return s
}

// combineStatus 取第一個失敗的成員狀態
func combineStatus(statuses []statusMsg) (int, error) {
	for rank, s := range statuses {
		if s.Err != "" {
			return s.Code, fmt.Errorf("sub-rank %d: %s", rank, s.Err)
		}
		if s.Code != 0 {
			return s.Code, nil
		}
	}
	return 0, nil
}

func count(c *types.Counts, oc runner.Outcome) {
	c.Processed++
	switch oc.Status {
	case runner.StatusSkipped:
		c.Skipped++
	case runner.StatusSucceeded:
		c.Succeeded++
	case runner.StatusFailed:
		c.Failed++
	}
}

func mergeResults(all []stageReport) ([]UnitResult, []int) {
	var merged []UnitResult
	var idle []int
	for rank, r := range all {
		merged = append(merged, r.Results...)
		if r.Idle {
			idle = append(idle, rank)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })
	return merged, idle
}

// checkComplete 確認每個 unit 恰好有一個結果
func checkComplete(stage string, merged []UnitResult, units int) error {
	if len(merged) != units {
		return fmt.Errorf("%w: stage %s recorded %d results for %d units", pool.ErrDesync, stage, len(merged), units)
	}
	for i, r := range merged {
		if r.Index != i {
			return fmt.Errorf("%w: stage %s result %d belongs to unit %d", pool.ErrDesync, stage, i, r.Index)
		}
	}
	return nil
}
