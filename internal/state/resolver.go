package state

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"go.uber.org/zap"
)

// Resolver 根據依賴狀態計算 readiness，並是唯一推進任務狀態的元件
//
// 不變式：任務只有在所有依賴紀錄皆為 DONE 時才會進入 RUNNING。
// 缺少的依賴紀錄一律視為「未完成」。
type Resolver struct {
	store  Store
	reg    *tasktype.Registry
	logger *zap.Logger
}

// NewResolver 建立 Resolver
func NewResolver(store Store, reg *tasktype.Registry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, reg: reg, logger: logger}
}

// Store returns the underlying store.
func (r *Resolver) Store() Store { return r.store }

// Register inserts WAITING records for names not yet known.
func (r *Resolver) Register(ctx context.Context, names []types.TaskName) (int, error) {
	recs := make([]*types.TaskRecord, 0, len(names))
	for _, name := range names {
		rec, err := r.reg.Record(name)
		if err != nil {
			return 0, err
		}
		recs = append(recs, rec)
	}
	n, err := r.store.Register(ctx, recs...)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.logger.Info("registered tasks", zap.Int("new", n), zap.Int("requested", len(names)))
	}
	return n, nil
}

// SyncExternal registers the non-runnable dependencies of names (raw data)
// and marks DONE those whose outputs exist on disk. It probes the
// filesystem, so only rank 0 calls it.
func (r *Resolver) SyncExternal(ctx context.Context, names []types.TaskName) error {
	seen := make(map[types.TaskName]bool)
	var external []types.TaskName
	for _, name := range names {
		tt, err := r.reg.TypeOf(name)
		if err != nil {
			return err
		}
		deps, err := tt.Dependencies(name)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			dt, err := r.reg.TypeOf(dep)
			if err != nil {
				return err
			}
			if dt.Runnable() || seen[dep] {
				continue
			}
			seen[dep] = true
			external = append(external, dep)
		}
	}
	if len(external) == 0 {
		return nil
	}
	if _, err := r.Register(ctx, external); err != nil {
		return err
	}
	states, err := r.store.States(ctx, external)
	if err != nil {
		return err
	}
	for _, dep := range external {
		if states[dep] == types.StateDone {
			continue
		}
		dt, _ := r.reg.TypeOf(dep)
		paths, err := dt.Paths(dep)
		if err != nil {
			return err
		}
		if !allExist(paths) {
			continue
		}
		// 外部產物沒有依賴，沿著正常轉換走到 DONE
		for _, step := range pathToDone(states[dep]) {
			if err := r.store.SetState(ctx, dep, step); err != nil {
				return err
			}
		}
	}
	return nil
}

func pathToDone(from types.TaskState) []types.TaskState {
	switch from {
	case types.StateWaiting:
		return []types.TaskState{types.StateReady, types.StateRunning, types.StateDone}
	case types.StateReady:
		return []types.TaskState{types.StateRunning, types.StateDone}
	case types.StateRunning:
		return []types.TaskState{types.StateDone}
	default:
		return nil
	}
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Refresh promotes WAITING names whose dependencies are all DONE and
// returns every name that is READY afterwards, in input order.
func (r *Resolver) Refresh(ctx context.Context, names []types.TaskName) ([]types.TaskName, error) {
	depsOf := make(map[types.TaskName][]types.TaskName, len(names))
	lookup := append([]types.TaskName(nil), names...)
	for _, name := range names {
		deps, err := r.dependencies(name)
		if err != nil {
			return nil, err
		}
		depsOf[name] = deps
		lookup = append(lookup, deps...)
	}

	states, err := r.store.States(ctx, lookup)
	if err != nil {
		return nil, err
	}

	var ready []types.TaskName
	for _, name := range names {
		switch states[name] {
		case types.StateReady:
			ready = append(ready, name)
		case types.StateWaiting:
			if !allDone(depsOf[name], states) {
				continue
			}
			if err := r.store.SetState(ctx, name, types.StateReady); err != nil {
				return nil, err
			}
			ready = append(ready, name)
		}
	}
	return ready, nil
}

// Dispatch moves name from READY to RUNNING after re-checking its
// dependencies. A dependency that is not DONE is ErrReadinessViolation.
func (r *Resolver) Dispatch(ctx context.Context, name types.TaskName) error {
	deps, err := r.dependencies(name)
	if err != nil {
		return err
	}
	states, err := r.store.States(ctx, deps)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if states[dep] != types.StateDone {
			return fmt.Errorf("%w: %s dispatched while %s is %s", ErrReadinessViolation, name, dep, stateOrAbsent(states, dep))
		}
	}
	return r.store.SetState(ctx, name, types.StateRunning)
}

// DispatchAll moves names to RUNNING as one step. Every name's dependencies
// are checked before any record changes. When the store fails partway the
// names already marked RUNNING are marked FAILED so none is left running
// without a worker.
func (r *Resolver) DispatchAll(ctx context.Context, names []types.TaskName) error {
	for _, name := range names {
		deps, err := r.dependencies(name)
		if err != nil {
			return err
		}
		states, err := r.store.States(ctx, append(deps, name))
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if states[dep] != types.StateDone {
				return fmt.Errorf("%w: %s dispatched while %s is %s", ErrReadinessViolation, name, dep, stateOrAbsent(states, dep))
			}
		}
		if !CanTransition(states[name], types.StateRunning) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, name, stateOrAbsent(states, name))
		}
	}

	for i, name := range names {
		if err := r.store.SetState(ctx, name, types.StateRunning); err != nil {
			for _, prev := range names[:i] {
				_ = r.store.SetState(ctx, prev, types.StateFailed)
			}
			return fmt.Errorf("dispatch %s: %w", name, err)
		}
	}
	return nil
}

// Complete records the outcome of a dispatched task.
func (r *Resolver) Complete(ctx context.Context, name types.TaskName, ok bool) error {
	to := types.StateDone
	if !ok {
		to = types.StateFailed
	}
	return r.store.SetState(ctx, name, to)
}

func (r *Resolver) dependencies(name types.TaskName) ([]types.TaskName, error) {
	tt, err := r.reg.TypeOf(name)
	if err != nil {
		return nil, err
	}
	deps, err := tt.Dependencies(name)
	if err != nil {
		return nil, err
	}
	out := make([]types.TaskName, 0, len(deps))
	for _, d := range deps {
		out = append(out, d)
	}
	return out, nil
}

func allDone(deps []types.TaskName, states map[types.TaskName]types.TaskState) bool {
	for _, d := range deps {
		if states[d] != types.StateDone {
			return false
		}
	}
	return true
}

func stateOrAbsent(states map[types.TaskName]types.TaskState, name types.TaskName) string {
	if s, ok := states[name]; ok {
		return string(s)
	}
	return "absent"
}
