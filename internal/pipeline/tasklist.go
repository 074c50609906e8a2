package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/pipeexec/internal/pool"
	"github.com/ChuLiYu/pipeexec/pkg/types"
)

// ReadTaskList reads one task name per line. Surrounding whitespace is
// trimmed and blank lines are ignored.
func ReadTaskList(r io.Reader) ([]types.TaskName, error) {
	var names []types.TaskName
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, types.TaskName(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return names, nil
}

type taskListMsg struct {
	Names []types.TaskName `json:"names"`
	Err   string           `json:"err,omitempty"`
}

// LoadTaskList reads the task list on rank 0, from path or from stdin when
// path is empty, and broadcasts it so every rank holds the same list.
func LoadTaskList(ctx context.Context, p pool.WorkerPool, path string, stdin io.Reader) ([]types.TaskName, error) {
	var msg taskListMsg
	var readErr error
	if p.Rank() == 0 {
		msg.Names, readErr = readSource(path, stdin)
		if readErr != nil {
			msg = taskListMsg{Err: readErr.Error()}
		}
	}
	msg, err := pool.BroadcastValue(ctx, p, 0, msg)
	if err != nil {
		return nil, fmt.Errorf("broadcast task list: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	if msg.Err != "" {
		return nil, fmt.Errorf("task list: %s", msg.Err)
	}
	return msg.Names, nil
}

func readSource(path string, stdin io.Reader) ([]types.TaskName, error) {
	if path == "" {
		if stdin == nil {
			stdin = os.Stdin
		}
		return ReadTaskList(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()
	return ReadTaskList(f)
}

// WriteTaskList writes names one per line.
func WriteTaskList(path string, names []types.TaskName) error {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(string(n))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	return nil
}
