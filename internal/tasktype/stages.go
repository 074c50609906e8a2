package tasktype

import (
	"time"

	"github.com/ChuLiYu/pipeexec/pkg/types"
)

// Type tags in pipeline order.
const (
	TagRawData  = "rawdata"
	TagFibermap = "fibermap"
	TagPreproc  = "preproc"
	TagPSF      = "psf"
	TagExtract  = "extract"
)

// Bundles is the number of fiber bundles a PSF fit or extraction can split
// across workers.
const Bundles = 20

var (
	exposureFields = []NameField{
		{Name: "night", Type: Integer, Format: "08d"},
		{Name: "expid", Type: Integer, Format: "08d"},
	}
	cameraFields = []NameField{
		{Name: "night", Type: Integer, Format: "08d"},
		{Name: "band", Type: Text, Format: "s"},
		{Name: "spec", Type: Integer, Format: "d"},
		{Name: "expid", Type: Integer, Format: "08d"},
	}
	exposureColumns = []Column{
		{Name: "night", Type: Integer},
		{Name: "expid", Type: Integer},
		{Name: "flavor", Type: Text},
		{Name: "state", Type: Integer},
	}
	cameraColumns = []Column{
		{Name: "night", Type: Integer},
		{Name: "band", Type: Text},
		{Name: "spec", Type: Integer},
		{Name: "expid", Type: Integer},
		{Name: "flavor", Type: Text},
		{Name: "state", Type: Integer},
	}
)

func must(c *Codec, err error) *Codec {
	if err != nil {
		panic(err)
	}
	return c
}

func camera(f Fields) string {
	return Camera(f["band"].(string), f["spec"].(int64))
}

func bundleWorkers(procsPerNode int) int {
	if procsPerNode < Bundles {
		return procsPerNode
	}
	return Bundles
}

func newRawData(cfg Config) *taskType {
	l := cfg.Layout
	return &taskType{
		tag:     TagRawData,
		codec:   must(NewCodec(TagRawData, exposureFields)),
		columns: exposureColumns,
		paths: func(f Fields) []string {
			return []string{l.RawData(f["night"].(int64), f["expid"].(int64))}
		},
	}
}

func newFibermap(cfg Config) *taskType {
	l := cfg.Layout
	t := &taskType{
		tag:      TagFibermap,
		codec:    must(NewCodec(TagFibermap, exposureFields)),
		columns:  exposureColumns,
		program:  cfg.program(TagFibermap, "desi_assemble_fibermap"),
		duration: time.Minute,
		paths: func(f Fields) []string {
			return []string{l.Fibermap(f["night"].(int64), f["expid"].(int64))}
		},
	}
	t.deps = func(f Fields) (map[string]types.TaskName, error) {
		raw, err := t.depName(TagRawData, f)
		if err != nil {
			return nil, err
		}
		return map[string]types.TaskName{TagRawData: raw}, nil
	}
	t.options = func(name types.TaskName, f Fields, opts Options) (Options, []string, error) {
		night, expid := f["night"].(int64), f["expid"].(int64)
		opts = opts.Set("night", night).Set("expid", expid)
		opts = opts.Set("outfile", l.Fibermap(night, expid))
		return opts, nil, nil
	}
	return t
}

func newPreproc(cfg Config) *taskType {
	l := cfg.Layout
	t := &taskType{
		tag:      TagPreproc,
		codec:    must(NewCodec(TagPreproc, cameraFields)),
		columns:  cameraColumns,
		program:  cfg.program(TagPreproc, "desi_preproc"),
		duration: 2 * time.Minute,
		paths: func(f Fields) []string {
			return []string{l.Preproc(f["night"].(int64), f["expid"].(int64), camera(f))}
		},
	}
	t.deps = func(f Fields) (map[string]types.TaskName, error) {
		fmap, err := t.depName(TagFibermap, f)
		if err != nil {
			return nil, err
		}
		raw, err := t.depName(TagRawData, f)
		if err != nil {
			return nil, err
		}
		return map[string]types.TaskName{TagFibermap: fmap, TagRawData: raw}, nil
	}
	t.options = func(name types.TaskName, f Fields, opts Options) (Options, []string, error) {
		night, expid := f["night"].(int64), f["expid"].(int64)
		opts = opts.Set("infile", l.RawData(night, expid))
		opts = opts.Set("fibermap", l.Fibermap(night, expid))
		opts = opts.Set("cameras", camera(f))
		opts = opts.Set("outfile", l.Preproc(night, expid, camera(f)))
		return opts, nil, nil
	}
	return t
}

func newPSF(cfg Config) *taskType {
	l := cfg.Layout
	t := &taskType{
		tag:        TagPSF,
		codec:      must(NewCodec(TagPSF, cameraFields)),
		columns:    cameraColumns,
		program:    cfg.program(TagPSF, "desi_compute_psf"),
		duration:   15 * time.Minute,
		maxWorkers: bundleWorkers,
		defaults:   Options{{Key: "trace-deg-x", Value: 6}, {Key: "trace-deg-wave", Value: 6}},
		paths: func(f Fields) []string {
			return []string{l.PSF(f["night"].(int64), f["expid"].(int64), camera(f))}
		},
	}
	t.deps = func(f Fields) (map[string]types.TaskName, error) {
		pre, err := t.depName(TagPreproc, f)
		if err != nil {
			return nil, err
		}
		return map[string]types.TaskName{TagPreproc: pre}, nil
	}
	t.options = func(name types.TaskName, f Fields, opts Options) (Options, []string, error) {
		night, expid, spec := f["night"].(int64), f["expid"].(int64), f["spec"].(int64)
		inpsf, _, err := l.SelectPSF(cfg.Calib, night, f["band"].(string), spec)
		if err != nil {
			return nil, nil, err
		}
		opts = opts.Set("input-image", l.Preproc(night, expid, camera(f)))
		opts = opts.Set("input-psf", inpsf)
		opts = opts.Set("output-psf", l.PSF(night, expid, camera(f)))
		return opts, []string{inpsf}, nil
	}
	return t
}

func newExtract(cfg Config) *taskType {
	l := cfg.Layout
	t := &taskType{
		tag:        TagExtract,
		codec:      must(NewCodec(TagExtract, cameraFields)),
		columns:    cameraColumns,
		program:    cfg.program(TagExtract, "desi_extract_spectra"),
		duration:   15 * time.Minute,
		maxWorkers: bundleWorkers,
		defaults:   Options{{Key: "nspec", Value: 500}, {Key: "regularize", Value: 0.0}},
		paths: func(f Fields) []string {
			return []string{l.Frame(f["night"].(int64), f["expid"].(int64), camera(f))}
		},
	}
	t.deps = func(f Fields) (map[string]types.TaskName, error) {
		pre, err := t.depName(TagPreproc, f)
		if err != nil {
			return nil, err
		}
		psf, err := t.depName(TagPSF, f)
		if err != nil {
			return nil, err
		}
		return map[string]types.TaskName{TagPreproc: pre, TagPSF: psf}, nil
	}
	t.options = func(name types.TaskName, f Fields, opts Options) (Options, []string, error) {
		night, expid := f["night"].(int64), f["expid"].(int64)
		opts = opts.Set("infile", l.Preproc(night, expid, camera(f)))
		opts = opts.Set("psf", l.PSF(night, expid, camera(f)))
		opts = opts.Set("outfile", l.Frame(night, expid, camera(f)))
		return opts, nil, nil
	}
	return t
}
