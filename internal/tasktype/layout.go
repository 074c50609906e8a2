package tasktype

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// Layout is the on-disk production tree every path is derived from.
type Layout struct {
	RawRoot   string `yaml:"raw_root"`
	ProdRoot  string `yaml:"prod_root"`
	CalibRoot string `yaml:"calib_root"`
}

func nightDir(night int64) string { return fmt.Sprintf("%08d", night) }
func expDir(expid int64) string   { return fmt.Sprintf("%08d", expid) }

// Camera is the band letter followed by the spectrograph number, e.g. "b3".
func Camera(band string, spec int64) string { return fmt.Sprintf("%s%d", band, spec) }

func (l Layout) RawData(night, expid int64) string {
	return filepath.Join(l.RawRoot, nightDir(night), expDir(expid), fmt.Sprintf("desi-%08d.fits.fz", expid))
}

func (l Layout) Fibermap(night, expid int64) string {
	return filepath.Join(l.ProdRoot, "preproc", nightDir(night), expDir(expid), fmt.Sprintf("fibermap-%08d.fits", expid))
}

func (l Layout) Preproc(night, expid int64, camera string) string {
	return filepath.Join(l.ProdRoot, "preproc", nightDir(night), expDir(expid), fmt.Sprintf("preproc-%s-%08d.fits", camera, expid))
}

func (l Layout) PSF(night, expid int64, camera string) string {
	return filepath.Join(l.ProdRoot, "exposures", nightDir(night), expDir(expid), fmt.Sprintf("psf-%s-%08d.fits", camera, expid))
}

func (l Layout) Frame(night, expid int64, camera string) string {
	return filepath.Join(l.ProdRoot, "exposures", nightDir(night), expDir(expid), fmt.Sprintf("frame-%s-%08d.fits", camera, expid))
}

// PSFNight is the nightly combined PSF of one camera.
func (l Layout) PSFNight(night int64, camera string) string {
	return filepath.Join(l.ProdRoot, "calibnight", nightDir(night), fmt.Sprintf("psfnight-%s-%08d.fits", camera, night))
}

// DefaultPSF is the generic calibration PSF shipped with the calibration tree.
func (l Layout) DefaultPSF(camera string, spec int64) string {
	return filepath.Join(l.CalibRoot, "spec", fmt.Sprintf("sp%d", spec), fmt.Sprintf("psf-%s.fits", camera))
}

// ============================================================================
// Calibration selection
// ============================================================================

// ErrCalibrationMissing is returned when an explicitly requested calibration
// night has no nightly file.
var ErrCalibrationMissing = errors.New("calibration file missing")

// CalibConfig controls which input PSF a psf/extract task starts from.
type CalibConfig struct {
	PSF        string `yaml:"psf"`         // explicit override
	CalibNight int64  `yaml:"calib_night"` // use this night's nightly PSF
	MostRecent bool   `yaml:"most_recent"` // fall back to the latest prior night
}

// CalibSource records which rule picked a calibration file.
type CalibSource string

const (
	CalibOverride   CalibSource = "override"
	CalibNight      CalibSource = "calibnight"
	CalibSameNight  CalibSource = "nightly"
	CalibPriorNight CalibSource = "prior-night"
	CalibDefault    CalibSource = "default"
)

// SelectPSF picks the input PSF for one camera. First match wins:
//
//  1. explicit override
//  2. the calibration night's nightly file (ErrCalibrationMissing if absent)
//  3. the same night's nightly file
//  4. the most recent prior night's nightly file, when MostRecent is set
//  5. the generic default
//
// This probes the filesystem, so callers run it once on rank 0.
func (l Layout) SelectPSF(cfg CalibConfig, night int64, band string, spec int64) (string, CalibSource, error) {
	camera := Camera(band, spec)
	if cfg.PSF != "" {
		return cfg.PSF, CalibOverride, nil
	}
	if cfg.CalibNight > 0 {
		path := l.PSFNight(cfg.CalibNight, camera)
		if !exists(path) {
			return "", "", fmt.Errorf("%w: %s", ErrCalibrationMissing, path)
		}
		return path, CalibNight, nil
	}
	if path := l.PSFNight(night, camera); exists(path) {
		return path, CalibSameNight, nil
	}
	if cfg.MostRecent {
		if path, ok := l.mostRecentPSFNight(night, camera); ok {
			return path, CalibPriorNight, nil
		}
	}
	return l.DefaultPSF(camera, spec), CalibDefault, nil
}

func (l Layout) mostRecentPSFNight(night int64, camera string) (string, bool) {
	entries, err := os.ReadDir(filepath.Join(l.ProdRoot, "calibnight"))
	if err != nil {
		return "", false
	}
	var prior []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || n >= night {
			continue
		}
		prior = append(prior, n)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i] > prior[j] })
	for _, n := range prior {
		if path := l.PSFNight(n, camera); exists(path) {
			return path, true
		}
	}
	return "", false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
