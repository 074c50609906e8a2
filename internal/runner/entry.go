package runner

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/pipeexec/internal/pool"
)

// Entry is an in-process unit of work. args are the same option tokens an
// external program would get; p is the (sub-)pool assigned to the unit.
type Entry func(ctx context.Context, args []string, p pool.WorkerPool) error

// Entrypoints maps entry point names to functions so a WorkItem can refer to
// an in-process call by name and still be broadcast as plain data.
type Entrypoints struct {
	mu sync.RWMutex
	m  map[string]Entry
}

// NewEntrypoints creates an empty table.
func NewEntrypoints() *Entrypoints {
	return &Entrypoints{m: make(map[string]Entry)}
}

// Register adds or replaces an entry point.
func (e *Entrypoints) Register(name string, fn Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[name] = fn
}

// Lookup finds an entry point by name.
func (e *Entrypoints) Lookup(name string) (Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.m[name]
	return fn, ok
}

// Names lists registered entry points, sorted.
func (e *Entrypoints) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.m))
	for n := range e.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
