package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ChuLiYu/pipeexec/internal/batch"
	"github.com/ChuLiYu/pipeexec/internal/logger"
	"github.com/ChuLiYu/pipeexec/internal/state"
	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Production tasktype.Config `yaml:"production"`

	Pool struct {
		Mode         string `yaml:"mode"` // serial, local, grpc
		Size         int    `yaml:"size"`
		Coordinator  string `yaml:"coordinator"`
		ProcsPerNode int    `yaml:"procs_per_node"`
	} `yaml:"pool"`

	State state.Config `yaml:"state"`

	Runner struct {
		Force bool `yaml:"force"`
		// InProcess lists the type tags run through registered entry points
		// instead of their external programs.
		InProcess []string `yaml:"in_process"`
	} `yaml:"runner"`

	// Options are per task type overrides of the command options.
	Options map[string]map[string]any `yaml:"options"`

	Logging logger.Config `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Timing struct {
		File string `yaml:"file"`
	} `yaml:"timing"`

	Batch struct {
		Dir         string `yaml:"dir"`
		batch.Hints `yaml:",inline"`
	} `yaml:"batch"`
}

// DefaultConfig is used for every field the config file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Production.Layout = tasktype.Layout{RawRoot: "raw", ProdRoot: "prod", CalibRoot: "calib"}
	cfg.Pool.Mode = "serial"
	cfg.Pool.Size = 1
	cfg.Pool.Coordinator = "127.0.0.1:47000"
	cfg.State = state.Config{Backend: state.BackendFile, Dir: "prod/db", CheckpointEvery: 1000, KeepBackups: 3}
	cfg.Logging = logger.DefaultConfig()
	cfg.Metrics.Addr = ":9090"
	cfg.Batch.Dir = "prod/run/scripts"
	return cfg
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// TaskOptions converts the per-type option maps.
func (c *Config) TaskOptions() map[string]tasktype.Options {
	out := make(map[string]tasktype.Options, len(c.Options))
	for tag, m := range c.Options {
		out[tag] = tasktype.FromMap(m)
	}
	return out
}

// InProcessTypes returns runner.in_process as a set.
func (c *Config) InProcessTypes() map[string]bool {
	out := make(map[string]bool, len(c.Runner.InProcess))
	for _, tag := range c.Runner.InProcess {
		out[tag] = true
	}
	return out
}
