package tasktype

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/pipeexec/internal/runner"
	"github.com/ChuLiYu/pipeexec/pkg/types"
)

var (
	// ErrUnknownType is returned for a type tag the registry does not hold.
	ErrUnknownType = errors.New("unknown task type")
	// ErrDuplicateType is returned when a tag is registered twice.
	ErrDuplicateType = errors.New("duplicate task type")
)

// Config parameterizes the built-in pipeline types.
type Config struct {
	Layout   Layout            `yaml:"layout"`
	Calib    CalibConfig       `yaml:"calibration"`
	Programs map[string]string `yaml:"programs"` // tag -> executable override
}

func (c Config) program(tag, def string) string {
	if p := c.Programs[tag]; p != "" {
		return p
	}
	return def
}

// Registry maps type tags to TaskTypes. It is built once at start-up and
// handed to every component that needs a type lookup.
type Registry struct {
	order   []string
	types   map[string]TaskType
	entries *runner.Entrypoints
}

// NewRegistry creates an empty registry. entries may be nil.
func NewRegistry(entries *runner.Entrypoints) *Registry {
	if entries == nil {
		entries = runner.NewEntrypoints()
	}
	return &Registry{types: make(map[string]TaskType), entries: entries}
}

// NewDefault returns a registry holding the pipeline stages in order:
// rawdata, fibermap, preproc, psf, extract.
func NewDefault(cfg Config, entries *runner.Entrypoints) *Registry {
	r := NewRegistry(entries)
	for _, t := range []*taskType{
		newRawData(cfg),
		newFibermap(cfg),
		newPreproc(cfg),
		newPSF(cfg),
		newExtract(cfg),
	} {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds t. Registration order is pipeline order.
func (r *Registry) Register(t TaskType) error {
	if _, ok := r.types[t.Tag()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Tag())
	}
	if tt, ok := t.(*taskType); ok {
		tt.reg = r
	}
	r.types[t.Tag()] = t
	r.order = append(r.order, t.Tag())
	return nil
}

// Get looks a type up by tag.
func (r *Registry) Get(tag string) (TaskType, error) {
	t, ok := r.types[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	return t, nil
}

// TypeOf returns the type a TaskName belongs to.
func (r *Registry) TypeOf(name types.TaskName) (TaskType, error) {
	return r.Get(TagOf(name))
}

// Types returns every registered type in pipeline order.
func (r *Registry) Types() []TaskType {
	out := make([]TaskType, len(r.order))
	for i, tag := range r.order {
		out[i] = r.types[tag]
	}
	return out
}

// Tags returns the registered tags in pipeline order.
func (r *Registry) Tags() []string {
	return append([]string(nil), r.order...)
}

// Index returns the pipeline position of tag, or -1.
func (r *Registry) Index(tag string) int {
	for i, t := range r.order {
		if t == tag {
			return i
		}
	}
	return -1
}

// Entrypoints returns the in-process entry points, keyed by type tag.
func (r *Registry) Entrypoints() *runner.Entrypoints {
	return r.entries
}

// Record builds the initial persisted record of name: WAITING plus every
// declared column. Columns the name does not carry are nil.
func (r *Registry) Record(name types.TaskName) (*types.TaskRecord, error) {
	t, err := r.TypeOf(name)
	if err != nil {
		return nil, err
	}
	f, err := t.Split(name)
	if err != nil {
		return nil, err
	}
	cols := make(map[string]any, len(t.Columns()))
	for _, c := range t.Columns() {
		cols[c.Name] = nil
	}
	for k, v := range f {
		cols[k] = v
	}
	rec := &types.TaskRecord{Name: name, Type: t.Tag(), State: types.StateWaiting, Columns: cols}
	rec.Touch()
	return rec, nil
}
