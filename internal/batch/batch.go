// ============================================================================
// pipeexec Batch - 作業腳本生成與提交
// ============================================================================
//
// Package: internal/batch
// File: batch.go
//
// A batch job runs one task list of one type on a freshly allocated pool:
//
//   workers per task  W = MaxWorkers(procs per node)
//   nodes             ceil(tasks*W / procs per node), capped by max_nodes
//   ranks             nodes * procs per node
//   concurrent tasks  ranks / W
//   rounds            ceil(tasks / concurrent tasks)
//   walltime          rounds * longest EstimatedDuration + startup,
//                     capped by max_runtime
//
// The job script starts `pipeexec exec` on every rank in gRPC mode with the
// first allocated node as coordinator. Submission goes through a Submitter
// so tests never touch a real scheduler.
//
// ============================================================================

package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/ChuLiYu/pipeexec/internal/pipeline"
	"github.com/ChuLiYu/pipeexec/internal/tasktype"
	"github.com/ChuLiYu/pipeexec/pkg/types"
	"go.uber.org/zap"
)

// ErrNoTasks is returned when asked to plan an empty task list.
var ErrNoTasks = errors.New("no tasks to submit")

// Hints are the site and scheduling parameters of a job.
type Hints struct {
	ProcsPerNode int           `yaml:"procs_per_node"`
	Nodes        int           `yaml:"nodes"`     // 0 derives the node count
	MaxNodes     int           `yaml:"max_nodes"` // 0 means no cap
	Startup      time.Duration `yaml:"startup"`
	MaxRuntime   time.Duration `yaml:"max_runtime"` // 0 means no cap
	Queue        string        `yaml:"queue"`
	Account      string        `yaml:"account"`
	Constraint   string        `yaml:"constraint"`
	BatchOpts    []string      `yaml:"batch_opts"`
	Port         int           `yaml:"port"` // coordinator port
	Executable   string        `yaml:"executable"`
}

func (h Hints) withDefaults() Hints {
	if h.ProcsPerNode < 1 {
		h.ProcsPerNode = 32
	}
	if h.Port == 0 {
		h.Port = 47000
	}
	if h.Executable == "" {
		h.Executable = "pipeexec"
	}
	return h
}

// Plan is the sizing of one job.
type Plan struct {
	TaskType       string
	Tasks          []types.TaskName
	Nodes          int
	ProcsPerNode   int
	Ranks          int
	WorkersPerTask int
	Concurrent     int
	Rounds         int
	Longest        time.Duration
	Walltime       time.Duration
	Capped         bool // walltime was cut to max_runtime
}

// NewPlan sizes a job for names of type tag.
func NewPlan(reg *tasktype.Registry, tag string, names []types.TaskName, hints Hints) (Plan, error) {
	hints = hints.withDefaults()
	tt, err := reg.Get(tag)
	if err != nil {
		return Plan{}, err
	}
	if !tt.Runnable() {
		return Plan{}, fmt.Errorf("%w: %s", tasktype.ErrNotRunnable, tag)
	}
	if len(names) == 0 {
		return Plan{}, ErrNoTasks
	}

	p := Plan{
		TaskType:       tag,
		Tasks:          append([]types.TaskName(nil), names...),
		ProcsPerNode:   hints.ProcsPerNode,
		WorkersPerTask: tt.MaxWorkers(hints.ProcsPerNode),
	}

	p.Nodes = hints.Nodes
	if p.Nodes < 1 {
		p.Nodes = ceilDiv(len(names)*p.WorkersPerTask, p.ProcsPerNode)
		if hints.MaxNodes > 0 && p.Nodes > hints.MaxNodes {
			p.Nodes = hints.MaxNodes
		}
	}
	if p.Nodes < 1 {
		p.Nodes = 1
	}
	p.Ranks = p.Nodes * p.ProcsPerNode
	p.Concurrent = p.Ranks / p.WorkersPerTask
	if p.Concurrent < 1 {
		p.Concurrent = 1
	}
	p.Rounds = ceilDiv(len(names), p.Concurrent)

	for _, n := range names {
		if d := tt.EstimatedDuration(n); d > p.Longest {
			p.Longest = d
		}
	}
	p.Walltime = time.Duration(p.Rounds)*p.Longest + hints.Startup
	if hints.MaxRuntime > 0 && p.Walltime > hints.MaxRuntime {
		p.Walltime = hints.MaxRuntime
		p.Capped = true
	}
	return p, nil
}

func ceilDiv(a, b int) int {
	if b < 1 {
		return a
	}
	return (a + b - 1) / b
}

// FormatWalltime renders d as HH:MM:SS, rounding up to the next minute.
func FormatWalltime(d time.Duration) string {
	mins := int((d + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("%02d:%02d:00", mins/60, mins%60)
}

// ============================================================================
// 腳本
// ============================================================================

const scriptTemplate = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --nodes={{.Plan.Nodes}}
#SBATCH --ntasks-per-node={{.Plan.ProcsPerNode}}
#SBATCH --time={{walltime .Plan.Walltime}}
#SBATCH --output={{.LogFile}}
{{- if .Hints.Queue}}
#SBATCH --qos={{.Hints.Queue}}
{{- end}}
{{- if .Hints.Account}}
#SBATCH --account={{.Hints.Account}}
{{- end}}
{{- if .Hints.Constraint}}
#SBATCH --constraint={{.Hints.Constraint}}
{{- end}}
{{- range .Hints.BatchOpts}}
#SBATCH {{.}}
{{- end}}

# {{len .Plan.Tasks}} {{.Plan.TaskType}} tasks, {{.Plan.WorkersPerTask}} workers each, {{.Plan.Rounds}} rounds
export STARTTIME=$(date +%s)
coordinator="$(scontrol show hostnames "$SLURM_JOB_NODELIST" | head -n 1):{{.Hints.Port}}"

srun -n {{.Plan.Ranks}} bash -c '{{.Hints.Executable}} exec{{if .ConfigFile}} --config {{.ConfigFile}}{{end}} \
    --pool grpc --rank $SLURM_PROCID --size {{.Plan.Ranks}} --coordinator '"$coordinator"' \
    --procs {{.Plan.ProcsPerNode}} --tasktype {{.Plan.TaskType}} --taskfile {{.TaskFile}}'
`

var script = template.Must(template.New("job").Funcs(template.FuncMap{
	"walltime": FormatWalltime,
}).Parse(scriptTemplate))

// Job is a rendered job on disk.
type Job struct {
	Script   string
	TaskFile string
	LogFile  string
	Name     string
}

type scriptData struct {
	Plan       Plan
	Hints      Hints
	JobName    string
	TaskFile   string
	LogFile    string
	ConfigFile string
}

// Write renders the job script and its task file into dir.
func Write(dir string, p Plan, hints Hints, configFile string, now time.Time) (Job, error) {
	hints = hints.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Job{}, fmt.Errorf("create batch dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s", p.TaskType, now.UTC().Format("20060102-150405"))
	job := Job{
		Name:     name,
		Script:   filepath.Join(dir, name+".slurm"),
		TaskFile: filepath.Join(dir, name+".tasks"),
		LogFile:  filepath.Join(dir, name+".log"),
	}
	if err := pipeline.WriteTaskList(job.TaskFile, p.Tasks); err != nil {
		return Job{}, err
	}

	var buf bytes.Buffer
	err := script.Execute(&buf, scriptData{
		Plan:       p,
		Hints:      hints,
		JobName:    name,
		TaskFile:   job.TaskFile,
		LogFile:    job.LogFile,
		ConfigFile: configFile,
	})
	if err != nil {
		return Job{}, fmt.Errorf("render job script: %w", err)
	}
	if err := os.WriteFile(job.Script, buf.Bytes(), 0o755); err != nil {
		return Job{}, fmt.Errorf("write job script: %w", err)
	}
	return job, nil
}

// ============================================================================
// 提交
// ============================================================================

// Submitter hands a job script to a scheduler and returns the job id.
type Submitter interface {
	Submit(ctx context.Context, script string) (string, error)
}

// Sbatch submits through the slurm sbatch command.
type Sbatch struct {
	Command string // default "sbatch"
	Logger  *zap.Logger
}

// Submit runs `sbatch --parsable script`.
func (s Sbatch) Submit(ctx context.Context, script string) (string, error) {
	command := s.Command
	if command == "" {
		command = "sbatch"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, "--parsable", script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", command, script, err, strings.TrimSpace(stderr.String()))
	}
	id := parseJobID(stdout.String())
	if id == "" {
		return "", fmt.Errorf("%s returned no job id", command)
	}
	if s.Logger != nil {
		s.Logger.Info("submitted batch job", zap.String("job_id", id), zap.String("script", script))
	}
	return id, nil
}

// parseJobID reads "<id>" or "<id>;<cluster>" as printed by --parsable.
func parseJobID(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.IndexByte(out, ';'); i >= 0 {
		out = out[:i]
	}
	return out
}
